// Package flowlog records the ordered, append-only flow steps of one
// conversation turn and flushes them in batches to a sink.
package flowlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/rs/zerolog/log"
)

// Sink persists flow steps. Writes must be idempotent upserts keyed by
// (message, step_order).
type Sink interface {
	UpsertFlowSteps(ctx context.Context, chatID, messageID string, steps []models.FlowStep) error
}

// Recorder accumulates the flow steps of a single turn. Steps get strictly
// increasing step orders in the order they are appended. Only steps that
// have not been flushed yet may be amended.
type Recorder struct {
	mu        sync.Mutex
	sink      Sink
	chatID    string
	messageID string
	timeout   time.Duration
	onFailure func(error)

	next    int
	steps   []models.FlowStep // everything recorded this turn
	flushed int               // steps[:flushed] are persisted
	now     func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithStartOrder sets the first step order. Resumed turns continue the
// numbering of the message they resume.
func WithStartOrder(n int) Option {
	return func(r *Recorder) { r.next = n }
}

// WithFailureHook is called for every failed flush.
func WithFailureHook(fn func(error)) Option {
	return func(r *Recorder) { r.onFailure = fn }
}

// WithClock overrides time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder for one (chat, message) pair. timeout bounds
// each flush; zero means 3 seconds.
func NewRecorder(sink Sink, chatID, messageID string, timeout time.Duration, opts ...Option) *Recorder {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	r := &Recorder{
		sink:      sink,
		chatID:    chatID,
		messageID: messageID,
		timeout:   timeout,
		next:      1,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Append assigns the next step order to step, stores it, and returns the order.
func (r *Recorder) Append(step models.FlowStep) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	step.StepOrder = r.next
	r.next++
	if step.CreatedAt.IsZero() {
		step.CreatedAt = r.now().UTC()
	}
	if step.ExecutionStatus == "" {
		step.ExecutionStatus = models.StatusPending
	}
	r.steps = append(r.steps, step)
	return step.StepOrder
}

// Amend applies fn to an unflushed step. It fails for flushed or unknown
// orders so persisted history is never rewritten.
func (r *Recorder) Amend(order int, fn func(*models.FlowStep)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := r.flushed; i < len(r.steps); i++ {
		if r.steps[i].StepOrder == order {
			fn(&r.steps[i])
			r.steps[i].StepOrder = order
			return nil
		}
	}
	return fmt.Errorf("flow step %d is flushed or unknown", order)
}

// Flush writes the pending batch. It uses a context detached from ctx's
// cancellation and bounded by the recorder timeout, so a cancelled turn can
// still persist its terminal record. Failures are logged and the batch is
// kept for the next flush.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := append([]models.FlowStep(nil), r.steps[r.flushed:]...)
	end := len(r.steps)
	r.mu.Unlock()

	if len(pending) == 0 || r.sink == nil {
		return nil
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.sink.UpsertFlowSteps(wctx, r.chatID, r.messageID, pending); err != nil {
		log.Warn().Err(err).
			Str("chat_id", r.chatID).
			Str("message_id", r.messageID).
			Int("steps", len(pending)).
			Msg("Flow step flush failed")
		if r.onFailure != nil {
			r.onFailure(err)
		}
		return err
	}

	r.mu.Lock()
	if end > r.flushed {
		r.flushed = end
	}
	r.mu.Unlock()

	log.Debug().
		Str("message_id", r.messageID).
		Int("steps", len(pending)).
		Msg("Flow steps flushed")
	return nil
}

// Steps returns a copy of every step recorded this turn.
func (r *Recorder) Steps() []models.FlowStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.FlowStep(nil), r.steps...)
}

// Pending returns how many steps have not been flushed.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps) - r.flushed
}
