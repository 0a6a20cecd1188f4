package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS flow_steps (
	message_id       TEXT NOT NULL,
	chat_id          TEXT NOT NULL,
	step_order       INTEGER NOT NULL,
	step_type        TEXT NOT NULL,
	tool_name        TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL DEFAULT '',
	execution_data   TEXT,
	is_planned       INTEGER NOT NULL DEFAULT 0,
	is_executed      INTEGER NOT NULL DEFAULT 0,
	execution_status TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	PRIMARY KEY (message_id, step_order)
);

CREATE TABLE IF NOT EXISTS clarifications (
	id          TEXT PRIMARY KEY,
	chat_id     TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	status      TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_clarifications_chat ON clarifications(chat_id, status, created_at);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT PRIMARY KEY,
	chat_id     TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_chat ON artifacts(chat_id, created_at);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) dataDir/taskpilot.db and migrates it.
func NewSQLiteStore(ctx context.Context, dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "taskpilot.db")

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// SQLite allows one writer; serializing through a single connection
	// keeps upserts for the same message ordered.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("SQLite store configured")
	return s, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error {
	log.Info().Str("path", s.path).Msg("SQLite store closed")
	return s.db.Close()
}

// ── Flow Step Store ─────────────────────────────────────────

func (s *SQLiteStore) UpsertFlowSteps(ctx context.Context, chatID, messageID string, steps []models.FlowStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO flow_steps (message_id, chat_id, step_order, step_type, tool_name, content,
			execution_data, is_planned, is_executed, execution_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, step_order) DO UPDATE SET
			step_type = excluded.step_type,
			tool_name = excluded.tool_name,
			content = excluded.content,
			execution_data = excluded.execution_data,
			is_planned = excluded.is_planned,
			is_executed = excluded.is_executed,
			execution_status = excluded.execution_status`)
	if err != nil {
		return fmt.Errorf("store: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, st := range steps {
		var data []byte
		if st.ExecutionData != nil {
			if data, err = json.Marshal(st.ExecutionData); err != nil {
				return fmt.Errorf("store: encode execution data for step %d: %w", st.StepOrder, err)
			}
		}
		if _, err := stmt.ExecContext(ctx,
			messageID, chatID, st.StepOrder, string(st.StepType), st.ToolName, st.Content,
			nullString(data), st.IsPlanned, st.IsExecuted, string(st.ExecutionStatus),
			st.CreatedAt.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("store: upsert step %d: %w", st.StepOrder, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListFlowSteps(ctx context.Context, messageID string) ([]models.FlowStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_order, step_type, tool_name, content, execution_data,
			is_planned, is_executed, execution_status, created_at
		FROM flow_steps WHERE message_id = ? ORDER BY step_order`, messageID)
	if err != nil {
		return nil, fmt.Errorf("store: list flow steps: %w", err)
	}
	defer rows.Close()

	var out []models.FlowStep
	for rows.Next() {
		var (
			st        models.FlowStep
			stepType  string
			status    string
			data      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&st.StepOrder, &stepType, &st.ToolName, &st.Content, &data,
			&st.IsPlanned, &st.IsExecuted, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan flow step: %w", err)
		}
		st.StepType = models.StepType(stepType)
		st.ExecutionStatus = models.ExecutionStatus(status)
		st.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &st.ExecutionData); err != nil {
				return nil, fmt.Errorf("store: decode execution data for step %d: %w", st.StepOrder, err)
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ── Clarification Store ─────────────────────────────────────

func (s *SQLiteStore) CreateClarification(ctx context.Context, c *models.ClarificationRequest) (string, error) {
	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.Status = models.ClarificationPending

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.supersedePending(ctx, tx, cp.ChatID); err != nil {
		return "", err
	}

	payload, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("store: encode clarification: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO clarifications (id, chat_id, message_id, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ChatID, cp.MessageID, string(cp.Status), string(payload),
		cp.CreatedAt.UTC().Format(timeLayout),
	); err != nil {
		return "", fmt.Errorf("store: insert clarification: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit clarification: %w", err)
	}
	return cp.ID, nil
}

func (s *SQLiteStore) supersedePending(ctx context.Context, tx *sql.Tx, chatID string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT payload FROM clarifications WHERE chat_id = ? AND status = ?`,
		chatID, string(models.ClarificationPending))
	if err != nil {
		return fmt.Errorf("store: query pending: %w", err)
	}
	var stale []models.ClarificationRequest
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan pending: %w", err)
		}
		var c models.ClarificationRequest
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			rows.Close()
			return fmt.Errorf("store: decode pending: %w", err)
		}
		stale = append(stale, c)
	}
	rows.Close()

	now := time.Now().UTC()
	for _, c := range stale {
		c.Status = models.ClarificationResolved
		c.ResolvedBy = resolvedBySuperseded
		c.ResolvedAt = &now
		if err := updateClarification(ctx, tx, &c); err != nil {
			return err
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func updateClarification(ctx context.Context, db execer, c *models.ClarificationRequest) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: encode clarification: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE clarifications SET status = ?, payload = ? WHERE id = ?`,
		string(c.Status), string(payload), c.ID,
	); err != nil {
		return fmt.Errorf("store: update clarification %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetClarification(ctx context.Context, id string) (*models.ClarificationRequest, error) {
	return s.scanClarification(s.db.QueryRowContext(ctx,
		`SELECT payload FROM clarifications WHERE id = ?`, id), "clarification", id)
}

func (s *SQLiteStore) GetLatestPending(ctx context.Context, chatID string) (*models.ClarificationRequest, error) {
	return s.scanClarification(s.db.QueryRowContext(ctx, `
		SELECT payload FROM clarifications
		WHERE chat_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`, chatID, string(models.ClarificationPending)),
		"pending clarification", chatID)
}

func (s *SQLiteStore) scanClarification(row *sql.Row, entity, key string) (*models.ClarificationRequest, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrNotFound{Entity: entity, Key: key}
		}
		return nil, fmt.Errorf("store: get %s: %w", entity, err)
	}
	var c models.ClarificationRequest
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", entity, err)
	}
	return &c, nil
}

func (s *SQLiteStore) ResolveClarification(ctx context.Context, id, answer, resolvedBy string) error {
	c, err := s.GetClarification(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	c.Status = models.ClarificationResolved
	c.Answer = answer
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &now
	return updateClarification(ctx, s.db, c)
}

// ── Artifact Store ──────────────────────────────────────────

func (s *SQLiteStore) CreateArtifact(ctx context.Context, a *models.PlannedAction) (string, error) {
	cp := *a
	if cp.ArtifactID == "" {
		cp.ArtifactID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("store: encode artifact: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, chat_id, message_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cp.ArtifactID, cp.ChatID, cp.MessageID, string(payload),
		cp.CreatedAt.UTC().Format(timeLayout),
	); err != nil {
		return "", fmt.Errorf("store: insert artifact: %w", err)
	}
	return cp.ArtifactID, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, chatID string) ([]models.PlannedAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM artifacts WHERE chat_id = ? ORDER BY created_at, rowid`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.PlannedAction
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		var a models.PlannedAction
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, fmt.Errorf("store: decode artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// ── Retention Store ─────────────────────────────────────────

func (s *SQLiteStore) ExpiredHistory(ctx context.Context, cutoff time.Time) (*models.ExpiredHistory, error) {
	ts := cutoff.UTC().Format(timeLayout)
	out := &models.ExpiredHistory{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, message_id, step_order, step_type, tool_name, content, execution_data,
			is_planned, is_executed, execution_status, created_at
		FROM flow_steps WHERE created_at < ? ORDER BY message_id, step_order`, ts)
	if err != nil {
		return nil, fmt.Errorf("store: list expired flow steps: %w", err)
	}
	for rows.Next() {
		var (
			st        models.ArchivedFlowStep
			stepType  string
			status    string
			data      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&st.ChatID, &st.MessageID, &st.StepOrder, &stepType, &st.ToolName, &st.Content, &data,
			&st.IsPlanned, &st.IsExecuted, &status, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan expired flow step: %w", err)
		}
		st.StepType = models.StepType(stepType)
		st.ExecutionStatus = models.ExecutionStatus(status)
		st.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &st.ExecutionData); err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: decode execution data for step %d: %w", st.StepOrder, err)
			}
		}
		out.FlowSteps = append(out.FlowSteps, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list expired flow steps: %w", err)
	}

	if err := s.eachPayload(ctx, `
		SELECT payload FROM clarifications WHERE status != ? AND created_at < ? ORDER BY created_at`,
		func(payload []byte) error {
			var c models.ClarificationRequest
			if err := json.Unmarshal(payload, &c); err != nil {
				return err
			}
			out.Clarifications = append(out.Clarifications, c)
			return nil
		}, string(models.ClarificationPending), ts); err != nil {
		return nil, fmt.Errorf("store: list expired clarifications: %w", err)
	}

	if err := s.eachPayload(ctx, `
		SELECT payload FROM artifacts WHERE created_at < ? ORDER BY created_at, rowid`,
		func(payload []byte) error {
			var a models.PlannedAction
			if err := json.Unmarshal(payload, &a); err != nil {
				return err
			}
			out.Artifacts = append(out.Artifacts, a)
			return nil
		}, ts); err != nil {
		return nil, fmt.Errorf("store: list expired artifacts: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PurgeHistory(ctx context.Context, cutoff time.Time) (models.PurgeStats, error) {
	ts := cutoff.UTC().Format(timeLayout)
	var stats models.PurgeStats

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	purge := func(query string, args ...interface{}) (int, error) {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		return int(n), err
	}

	if stats.FlowSteps, err = purge(`DELETE FROM flow_steps WHERE created_at < ?`, ts); err != nil {
		return models.PurgeStats{}, fmt.Errorf("store: purge flow steps: %w", err)
	}
	if stats.Clarifications, err = purge(`DELETE FROM clarifications WHERE status != ? AND created_at < ?`,
		string(models.ClarificationPending), ts); err != nil {
		return models.PurgeStats{}, fmt.Errorf("store: purge clarifications: %w", err)
	}
	if stats.Artifacts, err = purge(`DELETE FROM artifacts WHERE created_at < ?`, ts); err != nil {
		return models.PurgeStats{}, fmt.Errorf("store: purge artifacts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.PurgeStats{}, fmt.Errorf("store: commit purge: %w", err)
	}
	return stats, nil
}

// eachPayload runs query and hands every payload column to fn.
func (s *SQLiteStore) eachPayload(ctx context.Context, query string, fn func([]byte) error, args ...interface{}) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		if err := fn([]byte(payload)); err != nil {
			return err
		}
	}
	return rows.Err()
}
