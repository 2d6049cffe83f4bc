package sweeper

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Archiver keeps a durable copy of expired confirmations.
type Archiver interface {
	Kind() string
	Archive(ctx context.Context, tenantID string, recs []models.PendingConfirmation) (string, error)
	HealthCheck(ctx context.Context) error
}

// LocalFileArchiver writes expired confirmations as JSONL files:
//
//	{basePath}/{tenant}/confirmations/2026-02-20T15-04-05.000Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. An empty basePath
// means ~/.dispatch-plane/archive.
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = filepath.Join(os.TempDir(), "dispatch-plane", "archive")
		} else {
			basePath = filepath.Join(home, ".dispatch-plane", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) Archive(_ context.Context, tenantID string, recs []models.PendingConfirmation) (path string, err error) {
	dir := filepath.Join(a.basePath, filepath.Base(tenantID), "confirmations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	name := time.Now().UTC().Format("2006-01-02T15-04-05.000Z") + ".jsonl"
	if a.compress {
		name += ".gz"
	}
	path = filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open archive file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
	}()

	var w io.Writer = f
	if a.compress {
		gw := gzip.NewWriter(f)
		defer func() {
			if cerr := gw.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("flush archive file: %w", cerr)
			}
		}()
		w = gw
	}

	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return "", fmt.Errorf("encode confirmation %s: %w", r.ID, err)
		}
	}

	log.Debug().Str("path", path).Int("count", len(recs)).Str("tenant", tenantID).Msg("Archived confirmations to local file")
	return path, nil
}

func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	probe := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	return os.Remove(probe)
}
