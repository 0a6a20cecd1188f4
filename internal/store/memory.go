// In-memory Store implementation.
// Used for local dev and tests. Supports file-based snapshot persistence so
// data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// flowRecord is one stored flow step with its owning chat.
type flowRecord struct {
	ChatID string          `json:"chat_id"`
	Step   models.FlowStep `json:"step"`
}

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	FlowSteps      map[string]map[int]*flowRecord          `json:"flow_steps"`     // key: message_id → step_order
	Clarifications map[string]*models.ClarificationRequest `json:"clarifications"` // key: id
	Artifacts      map[string][]*models.PlannedAction      `json:"artifacts"`      // key: chat_id, creation order
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu             sync.RWMutex
	flowSteps      map[string]map[int]*flowRecord
	clarifications map[string]*models.ClarificationRequest
	artifacts      map[string][]*models.PlannedAction

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	debounce     time.Duration
}

// NewMemoryStore creates a new in-memory store. If dataDir is not empty, data
// is persisted to dataDir/taskpilot.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		flowSteps:      make(map[string]map[int]*flowRecord),
		clarifications: make(map[string]*models.ClarificationRequest),
		artifacts:      make(map[string][]*models.PlannedAction),
		saveCh:         make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
		debounce:       500 * time.Millisecond,
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "taskpilot.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests.
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(m.debounce):
			case <-m.doneCh:
				return
			}
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		FlowSteps:      m.flowSteps,
		Clarifications: m.clarifications,
		Artifacts:      m.artifacts,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.FlowSteps != nil {
		m.flowSteps = snap.FlowSteps
	}
	if snap.Clarifications != nil {
		m.clarifications = snap.Clarifications
	}
	if snap.Artifacts != nil {
		m.artifacts = snap.Artifacts
	}

	log.Info().
		Int("messages", len(m.flowSteps)).
		Int("clarifications", len(m.clarifications)).
		Int("chats_with_artifacts", len(m.artifacts)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Flow Step Store ─────────────────────────────────────────

func (m *MemoryStore) UpsertFlowSteps(_ context.Context, chatID, messageID string, steps []models.FlowStep) error {
	m.mu.Lock()
	byOrder, ok := m.flowSteps[messageID]
	if !ok {
		byOrder = make(map[int]*flowRecord)
		m.flowSteps[messageID] = byOrder
	}
	for _, s := range steps {
		s.ExecutionData = cloneMap(s.ExecutionData)
		byOrder[s.StepOrder] = &flowRecord{ChatID: chatID, Step: s}
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListFlowSteps(_ context.Context, messageID string) ([]models.FlowStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byOrder := m.flowSteps[messageID]
	out := make([]models.FlowStep, 0, len(byOrder))
	for _, r := range byOrder {
		s := r.Step
		s.ExecutionData = cloneMap(s.ExecutionData)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

// ── Clarification Store ─────────────────────────────────────

func (m *MemoryStore) CreateClarification(_ context.Context, c *models.ClarificationRequest) (string, error) {
	m.mu.Lock()
	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.Status = models.ClarificationPending
	now := time.Now().UTC()
	for _, existing := range m.clarifications {
		if existing.ChatID == cp.ChatID && existing.Status == models.ClarificationPending {
			existing.Status = models.ClarificationResolved
			existing.ResolvedBy = resolvedBySuperseded
			existing.ResolvedAt = &now
		}
	}
	m.clarifications[cp.ID] = &cp
	m.mu.Unlock()

	m.requestSave()
	return cp.ID, nil
}

func (m *MemoryStore) GetClarification(_ context.Context, id string) (*models.ClarificationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clarifications[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "clarification", Key: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetLatestPending(_ context.Context, chatID string) (*models.ClarificationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.ClarificationRequest
	for _, c := range m.clarifications {
		if c.ChatID != chatID || c.Status != models.ClarificationPending {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, &ErrNotFound{Entity: "pending clarification", Key: chatID}
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ResolveClarification(_ context.Context, id, answer, resolvedBy string) error {
	m.mu.Lock()
	c, ok := m.clarifications[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "clarification", Key: id}
	}
	now := time.Now().UTC()
	c.Status = models.ClarificationResolved
	c.Answer = answer
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &now
	m.mu.Unlock()

	m.requestSave()
	return nil
}

// ── Artifact Store ──────────────────────────────────────────

func (m *MemoryStore) CreateArtifact(_ context.Context, a *models.PlannedAction) (string, error) {
	m.mu.Lock()
	cp := *a
	if cp.ArtifactID == "" {
		cp.ArtifactID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.CleanedArgs = cloneMap(cp.CleanedArgs)
	m.artifacts[cp.ChatID] = append(m.artifacts[cp.ChatID], &cp)
	m.mu.Unlock()

	m.requestSave()
	return cp.ArtifactID, nil
}

func (m *MemoryStore) ListArtifacts(_ context.Context, chatID string) ([]models.PlannedAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.artifacts[chatID]
	out := make([]models.PlannedAction, 0, len(list))
	for _, a := range list {
		out = append(out, *a)
	}
	return out, nil
}

// cloneMap copies the top level of a JSON-like map so callers cannot mutate
// stored state.
func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ── Retention Store ─────────────────────────────────────────

func (m *MemoryStore) ExpiredHistory(_ context.Context, cutoff time.Time) (*models.ExpiredHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &models.ExpiredHistory{}
	for messageID, byOrder := range m.flowSteps {
		for _, r := range byOrder {
			if r.Step.CreatedAt.Before(cutoff) {
				s := r.Step
				s.ExecutionData = cloneMap(s.ExecutionData)
				out.FlowSteps = append(out.FlowSteps, models.ArchivedFlowStep{ChatID: r.ChatID, MessageID: messageID, FlowStep: s})
			}
		}
	}
	sort.Slice(out.FlowSteps, func(i, j int) bool {
		a, b := out.FlowSteps[i], out.FlowSteps[j]
		if a.MessageID != b.MessageID {
			return a.MessageID < b.MessageID
		}
		return a.StepOrder < b.StepOrder
	})

	for _, c := range m.clarifications {
		if c.Status != models.ClarificationPending && c.CreatedAt.Before(cutoff) {
			out.Clarifications = append(out.Clarifications, *c)
		}
	}
	sort.Slice(out.Clarifications, func(i, j int) bool {
		return out.Clarifications[i].CreatedAt.Before(out.Clarifications[j].CreatedAt)
	})

	for _, list := range m.artifacts {
		for _, a := range list {
			if a.CreatedAt.Before(cutoff) {
				out.Artifacts = append(out.Artifacts, *a)
			}
		}
	}
	sort.SliceStable(out.Artifacts, func(i, j int) bool {
		return out.Artifacts[i].CreatedAt.Before(out.Artifacts[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) PurgeHistory(_ context.Context, cutoff time.Time) (models.PurgeStats, error) {
	var stats models.PurgeStats
	m.mu.Lock()
	for messageID, byOrder := range m.flowSteps {
		for order, r := range byOrder {
			if r.Step.CreatedAt.Before(cutoff) {
				delete(byOrder, order)
				stats.FlowSteps++
			}
		}
		if len(byOrder) == 0 {
			delete(m.flowSteps, messageID)
		}
	}
	for id, c := range m.clarifications {
		if c.Status != models.ClarificationPending && c.CreatedAt.Before(cutoff) {
			delete(m.clarifications, id)
			stats.Clarifications++
		}
	}
	for chatID, list := range m.artifacts {
		kept := list[:0]
		for _, a := range list {
			if a.CreatedAt.Before(cutoff) {
				stats.Artifacts++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(m.artifacts, chatID)
		} else {
			m.artifacts[chatID] = kept
		}
	}
	m.mu.Unlock()

	if stats.Total() > 0 {
		m.requestSave()
	}
	return stats, nil
}
