package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/telhawk-systems/vectra-connector/common/logging"
)

// FileStore keeps one {stream}_checkpoint.json file per stream in a directory.
type FileStore struct {
	dir    string
	logger *slog.Logger
	locks  streamLocks

	syncDir func(dir string) error
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{
		dir:     dir,
		logger:  logger.With(slog.String("component", "checkpoint")),
		syncDir: syncDir,
	}, nil
}

// Path returns the checkpoint file for stream.
func (s *FileStore) Path(stream string) string {
	return filepath.Join(s.dir, stream+"_checkpoint.json")
}

func (s *FileStore) Read(ctx context.Context, stream string) (int64, bool, error) {
	unlock := s.locks.lock(stream)
	defer unlock()

	path := s.Path(stream)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err == nil {
		var cursor int64
		var ok bool
		cursor, ok, err = Decode(stream, data)
		if err == nil {
			return cursor, ok, nil
		}
	}

	s.logger.WarnContext(ctx, "discarding unreadable checkpoint",
		logging.Stream(stream),
		slog.String("path", path),
		logging.Error(err))
	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		s.logger.ErrorContext(ctx, "failed to remove checkpoint", logging.Stream(stream), logging.Error(rmErr))
	}
	return 0, false, nil
}

// Write replaces the checkpoint file atomically: the document is written to a
// temporary file in the same directory, synced, then renamed over the old one
// and the directory synced so the rename survives a crash.
func (s *FileStore) Write(ctx context.Context, stream string, cursor int64) error {
	unlock := s.locks.lock(stream)
	defer unlock()

	tmp, err := os.CreateTemp(s.dir, stream+"_checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(Encode(stream, cursor)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(stream)); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	if err := s.syncDir(s.dir); err != nil {
		return fmt.Errorf("failed to sync checkpoint dir: %w", err)
	}

	s.logger.DebugContext(ctx, "checkpoint saved", logging.Stream(stream), logging.Cursor(cursor))
	return nil
}

func (s *FileStore) Reset(ctx context.Context, stream string) error {
	unlock := s.locks.lock(stream)
	defer unlock()

	if err := os.Remove(s.Path(stream)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}
