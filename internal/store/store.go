// Package store provides the persistence interfaces and implementations for
// flow steps, clarification records, and planned-action artifacts.
package store

import (
	"context"
	"time"

	"github.com/agentoven/taskpilot/pkg/models"
)

// Store is the primary storage interface. Orchestration code depends on the
// narrow sub-interfaces so in-memory (tests, local dev) and SQLite
// implementations are interchangeable.
type Store interface {
	FlowStepStore
	ClarificationStore
	ArtifactStore
	RetentionStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error
}

// ── Flow Step Store ─────────────────────────────────────────

// FlowStepStore is the append-only audit log sink. Upserts are keyed by
// (message, step_order) so replaying a batch is harmless.
type FlowStepStore interface {
	UpsertFlowSteps(ctx context.Context, chatID, messageID string, steps []models.FlowStep) error

	// ListFlowSteps returns the steps of a message ordered by step_order.
	ListFlowSteps(ctx context.Context, messageID string) ([]models.FlowStep, error)
}

// ── Clarification Store ─────────────────────────────────────

type ClarificationStore interface {
	// CreateClarification persists a pending record and returns its id.
	// Older pending records of the same chat are superseded.
	CreateClarification(ctx context.Context, c *models.ClarificationRequest) (string, error)

	GetClarification(ctx context.Context, id string) (*models.ClarificationRequest, error)

	// GetLatestPending returns the newest unresolved record of a chat.
	GetLatestPending(ctx context.Context, chatID string) (*models.ClarificationRequest, error)

	ResolveClarification(ctx context.Context, id, answer, resolvedBy string) error
}

// ── Artifact Store ──────────────────────────────────────────

// ArtifactStore keeps planned actions awaiting approval.
type ArtifactStore interface {
	// CreateArtifact persists a planned action and returns its artifact id.
	CreateArtifact(ctx context.Context, a *models.PlannedAction) (string, error)

	// ListArtifacts returns the planned actions of a chat in creation order.
	ListArtifacts(ctx context.Context, chatID string) ([]models.PlannedAction, error)
}

// ── Retention Store ─────────────────────────────────────────

// RetentionStore expires conversation history. Pending clarifications are
// kept regardless of age.
type RetentionStore interface {
	// ExpiredHistory returns the records created before cutoff.
	ExpiredHistory(ctx context.Context, cutoff time.Time) (*models.ExpiredHistory, error)

	// PurgeHistory deletes the records ExpiredHistory returns for cutoff.
	PurgeHistory(ctx context.Context, cutoff time.Time) (models.PurgeStats, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// resolvedBySuperseded marks pending clarifications replaced by a newer one.
const resolvedBySuperseded = "superseded"
