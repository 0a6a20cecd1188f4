// Package retention expires old conversation history: flow steps, resolved
// clarifications, and planned-action artifacts. Pending clarifications are
// kept so a late answer can still resume its turn.
//
// Archive modes:
//   - none:              purge expired data
//   - archive-and-purge: archive, then delete from the hot store
//   - archive-only:      archive but keep in the hot store
//
// Archive failures are fail-safe: data is NOT deleted if archiving fails.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/taskpilot/internal/metrics"
	"github.com/agentoven/taskpilot/internal/store"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultRetentionDays is used when a janitor is built with a zero window.
const DefaultRetentionDays = 30

// DefaultArchiveBatchSize is the max records per archive write.
const DefaultArchiveBatchSize = 5000

// Archiver writes expired records to durable storage and returns a URI
// for each written batch.
type Archiver interface {
	Kind() string
	ArchiveFlowSteps(ctx context.Context, steps []models.ArchivedFlowStep) (string, error)
	ArchiveClarifications(ctx context.Context, cs []models.ClarificationRequest) (string, error)
	ArchiveArtifacts(ctx context.Context, as []models.PlannedAction) (string, error)
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Cutoff         time.Time
	Archived       int
	Purged         models.PurgeStats
	ArchiveRecords []models.ArchiveRecord
	Errors         []error
}

// Janitor periodically archives and purges expired history.
type Janitor struct {
	store    store.RetentionStore
	interval time.Duration
	window   time.Duration
	mode     string
	archiver Archiver
	metrics  *metrics.Recorder
	now      func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithArchiver sets the archive backend and mode.
func WithArchiver(a Archiver, mode string) Option {
	return func(j *Janitor) { j.archiver, j.mode = a, mode }
}

func WithMetrics(m *metrics.Recorder) Option { return func(j *Janitor) { j.metrics = m } }

func WithClock(now func() time.Time) Option { return func(j *Janitor) { j.now = now } }

// NewJanitor creates a janitor that keeps retentionDays of history and
// sweeps on the given interval.
func NewJanitor(s store.RetentionStore, retentionDays int, interval time.Duration, opts ...Option) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	j := &Janitor{
		store:    s,
		interval: interval,
		window:   time.Duration(retentionDays) * 24 * time.Hour,
		mode:     models.ArchiveModeNone,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.archiver == nil {
		j.mode = models.ArchiveModeNone
	}
	return j
}

// Start runs the janitor until ctx is canceled. Call it in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("window", j.window).
		Str("mode", j.mode).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	stats := CycleStats{Cutoff: j.now().UTC().Add(-j.window)}

	if j.mode != models.ArchiveModeNone {
		expired, err := j.store.ExpiredHistory(ctx, stats.Cutoff)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			log.Warn().Err(err).Msg("Retention janitor: failed to list expired history")
			return stats
		}
		if expired.Empty() {
			return stats
		}
		if !j.archive(ctx, expired, &stats) {
			log.Warn().Msg("Archive failed, skipping purge (fail-safe)")
			j.logErrors(stats)
			return stats
		}
		if j.mode == models.ArchiveModeArchiveOnly {
			j.logCycle(stats, start)
			return stats
		}
	}

	purged, err := j.store.PurgeHistory(ctx, stats.Cutoff)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		log.Warn().Err(err).Msg("Retention janitor: purge failed")
		return stats
	}
	stats.Purged = purged
	j.metrics.AddRetentionPurged("flow_steps", purged.FlowSteps)
	j.metrics.AddRetentionPurged("clarifications", purged.Clarifications)
	j.metrics.AddRetentionPurged("artifacts", purged.Artifacts)

	j.logCycle(stats, start)
	return stats
}

// archive writes every kind of expired record in batches. It reports
// whether all batches were written.
func (j *Janitor) archive(ctx context.Context, h *models.ExpiredHistory, stats *CycleStats) bool {
	ok := true
	ok = archiveBatches(ctx, j, "flow_steps", h.FlowSteps, j.archiver.ArchiveFlowSteps, stats) && ok
	ok = archiveBatches(ctx, j, "clarifications", h.Clarifications, j.archiver.ArchiveClarifications, stats) && ok
	ok = archiveBatches(ctx, j, "artifacts", h.Artifacts, j.archiver.ArchiveArtifacts, stats) && ok
	return ok
}

func archiveBatches[T any](ctx context.Context, j *Janitor, kind string, items []T, write func(context.Context, []T) (string, error), stats *CycleStats) bool {
	ok := true
	for i := 0; i < len(items); i += DefaultArchiveBatchSize {
		end := i + DefaultArchiveBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[i:end]

		uri, err := write(ctx, batch)
		if err != nil {
			log.Warn().Err(err).
				Str("kind", kind).
				Str("backend", j.archiver.Kind()).
				Int("batch_size", len(batch)).
				Msg("Failed to archive batch")
			stats.Errors = append(stats.Errors, fmt.Errorf("archive %s: %w", kind, err))
			ok = false
			continue
		}

		stats.Archived += len(batch)
		stats.ArchiveRecords = append(stats.ArchiveRecords, models.ArchiveRecord{
			DataKind:    kind,
			RecordCount: len(batch),
			Backend:     j.archiver.Kind(),
			URI:         uri,
			CreatedAt:   j.now().UTC(),
		})
	}
	return ok
}

func (j *Janitor) logCycle(stats CycleStats, start time.Time) {
	j.logErrors(stats)
	if stats.Purged.Total() == 0 && stats.Archived == 0 {
		return
	}
	log.Info().
		Int("purged_flow_steps", stats.Purged.FlowSteps).
		Int("purged_clarifications", stats.Purged.Clarifications).
		Int("purged_artifacts", stats.Purged.Artifacts).
		Int("archived_records", stats.Archived).
		Dur("elapsed", time.Since(start)).
		Msg("Retention cycle complete")
}

func (j *Janitor) logErrors(stats CycleStats) {
	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Retention cycle error")
	}
}
