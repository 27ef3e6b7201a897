// Package dlq keeps batches that exhausted their delivery retries so an
// operator can inspect or replay them.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/models"
)

const (
	BackendFile      = "file"
	BackendJetStream = "jetstream"

	DefaultBasePath = "./dlq"
)

// ErrDisabled is returned by inspection calls on a queue that was never opened.
var ErrDisabled = errors.New("dlq not enabled")

// FailedBatch is one dead-lettered batch.
type FailedBatch struct {
	ID          string             `json:"id"`
	Timestamp   time.Time          `json:"timestamp"`
	Destination models.Destination `json:"destination"`
	Stream      string             `json:"stream"`
	Events      []json.RawMessage  `json:"events"`
	Error       string             `json:"error"`
}

func newFailedBatch(dest models.Destination, batch models.EventBatch, reason error, now time.Time) (FailedBatch, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return FailedBatch{}, fmt.Errorf("generate dlq id: %w", err)
	}
	fb := FailedBatch{
		ID:          id.String(),
		Timestamp:   now.UTC(),
		Destination: dest,
		Stream:      batch.Stream,
		Events:      batch.Events,
	}
	if reason != nil {
		fb.Error = reason.Error()
	}
	return fb, nil
}

// Batch converts the entry back into a deliverable batch.
func (f FailedBatch) Batch() models.EventBatch {
	return models.EventBatch{Stream: f.Stream, Events: f.Events}
}

// Stats describes queue contents.
type Stats struct {
	Enabled bool   `json:"enabled"`
	Backend string `json:"backend"`
	Written uint64 `json:"written"`
	Pending int    `json:"pending"`
	Path    string `json:"path,omitempty"`
}

// Queue writes failed batches to disk, one JSON file per batch.
type Queue struct {
	basePath string
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	written uint64
}

// NewQueue creates a DLQ that writes to basePath.
func NewQueue(basePath string, logger *slog.Logger) (*Queue, error) {
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	return &Queue{
		basePath: basePath,
		logger:   logger.With(slog.String("component", "dlq")),
		now:      time.Now,
	}, nil
}

// Write records a batch dest could not accept.
func (q *Queue) Write(ctx context.Context, dest models.Destination, batch models.EventBatch, reason error) error {
	if q == nil {
		return nil
	}

	fb, err := newFailedBatch(dest, batch, reason, q.now())
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(fb, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// UUIDv7 ids sort by creation time.
	filename := fmt.Sprintf("failed_%s_%s.json", fb.ID, dest.Name)
	if err := os.WriteFile(filepath.Join(q.basePath, filename), data, 0o644); err != nil {
		return fmt.Errorf("write dlq entry: %w", err)
	}

	q.written++
	q.logger.WarnContext(ctx, "wrote failed batch to dead letter queue",
		slog.String("file", filename),
		logging.Destination(dest.Name),
		logging.Stream(batch.Stream),
		logging.Events(batch.Len()))
	return nil
}

func (q *Queue) files() ([]string, error) {
	entries, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "failed_") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Stats returns queue metrics.
func (q *Queue) Stats(context.Context) (Stats, error) {
	if q == nil {
		return Stats{Backend: BackendFile}, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.files()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Enabled: true,
		Backend: BackendFile,
		Written: q.written,
		Pending: len(names),
		Path:    q.basePath,
	}, nil
}

// List returns up to limit entries, oldest first. Zero or negative limit lists everything.
func (q *Queue) List(ctx context.Context, limit int) ([]FailedBatch, error) {
	if q == nil {
		return nil, ErrDisabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.files()
	if err != nil {
		return nil, err
	}

	var out []FailedBatch
	for _, name := range names {
		if limit > 0 && len(out) >= limit {
			break
		}
		data, err := os.ReadFile(filepath.Join(q.basePath, name))
		if err != nil {
			q.logger.ErrorContext(ctx, "failed to read dlq file", slog.String("file", name), logging.Error(err))
			continue
		}
		var fb FailedBatch
		if err := json.Unmarshal(data, &fb); err != nil {
			q.logger.ErrorContext(ctx, "failed to parse dlq file", slog.String("file", name), logging.Error(err))
			continue
		}
		out = append(out, fb)
	}
	return out, nil
}

// Delete removes the entry with the given id.
func (q *Queue) Delete(ctx context.Context, id string) error {
	if q == nil {
		return ErrDisabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(q.basePath, "failed_"+id+"_*.json"))
	if err != nil {
		return fmt.Errorf("search dlq files: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("dlq entry %s: %w", id, os.ErrNotExist)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return fmt.Errorf("delete dlq file: %w", err)
		}
	}
	return nil
}

// Purge removes every entry and returns how many were deleted.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	if q == nil {
		return 0, ErrDisabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.files()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, name := range names {
		if err := os.Remove(filepath.Join(q.basePath, name)); err != nil {
			q.logger.ErrorContext(ctx, "failed to delete dlq file", slog.String("file", name), logging.Error(err))
			continue
		}
		deleted++
	}
	q.logger.InfoContext(ctx, "purged dead letter queue", slog.Int("deleted", deleted))
	return deleted, nil
}
