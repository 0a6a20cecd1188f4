package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/rs/zerolog/log"
)

// LocalFileArchiver writes expired history as JSONL files to a local directory.
//
// Directory structure:
//
//	{basePath}/flow_steps/2026-02-20T15-04-05.000000000Z.jsonl[.gz]
//	{basePath}/clarifications/...
//	{basePath}/artifacts/...
type LocalFileArchiver struct {
	basePath string
	compress bool
	now      func() time.Time
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.taskpilot/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = filepath.Join(os.TempDir(), "taskpilot", "archive")
		} else {
			basePath = filepath.Join(home, ".taskpilot", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress, now: time.Now}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) ArchiveFlowSteps(_ context.Context, steps []models.ArchivedFlowStep) (string, error) {
	return writeJSONL(a, "flow_steps", steps)
}

func (a *LocalFileArchiver) ArchiveClarifications(_ context.Context, cs []models.ClarificationRequest) (string, error) {
	return writeJSONL(a, "clarifications", cs)
}

func (a *LocalFileArchiver) ArchiveArtifacts(_ context.Context, as []models.PlannedAction) (string, error) {
	return writeJSONL(a, "artifacts", as)
}

func writeJSONL[T any](a *LocalFileArchiver, kind string, items []T) (string, error) {
	dir := filepath.Join(a.basePath, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := a.now().UTC().Format("2006-01-02T15-04-05.000000000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	var gw *gzip.Writer
	if a.compress {
		gw = gzip.NewWriter(f)
		enc = json.NewEncoder(gw)
	}

	for i, item := range items {
		if err := enc.Encode(item); err != nil {
			return "", fmt.Errorf("encode %s record %d: %w", kind, i, err)
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			return "", fmt.Errorf("flush archive file: %w", err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(items)).
		Str("kind", kind).
		Msg("Archived history to local file")

	return fpath, nil
}

// HealthCheck verifies the archive directory is writable.
func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
