// Package checkpoint persists the per-stream collection cursor.
//
// A stream's checkpoint is a small JSON document keyed
// "{stream}_next_checkpoint". A missing, unreadable or corrupt document reads
// as absent, which callers treat as "no progress yet".
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrCorrupt is reported (and logged) when a stored document cannot be parsed.
var ErrCorrupt = errors.New("checkpoint: corrupt document")

// Store reads and writes stream cursors.
type Store interface {
	// Read returns the stored cursor. ok is false when no usable cursor exists.
	Read(ctx context.Context, stream string) (cursor int64, ok bool, err error)
	// Write replaces the stored cursor.
	Write(ctx context.Context, stream string, cursor int64) error
	// Reset removes the stored cursor. Removing an absent cursor is not an error.
	Reset(ctx context.Context, stream string) error
	Close() error
}

// Key returns the document key for stream.
func Key(stream string) string {
	return stream + "_next_checkpoint"
}

// Encode renders the checkpoint document, e.g. {"audit_next_checkpoint": 500}.
func Encode(stream string, cursor int64) []byte {
	key, _ := json.Marshal(Key(stream))
	return []byte(fmt.Sprintf("{%s: %d}", key, cursor))
}

// Decode parses a checkpoint document. A missing or null key yields ok=false
// with no error; anything unparseable wraps ErrCorrupt.
func Decode(stream string, data []byte) (int64, bool, error) {
	var doc map[string]*int64
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	v := doc[Key(stream)]
	if v == nil {
		return 0, false, nil
	}
	return *v, true, nil
}

// streamLocks hands out one mutex per stream so reads and writes of a stream
// never interleave.
type streamLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *streamLocks) lock(stream string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[stream]
	if !ok {
		m = &sync.Mutex{}
		l.locks[stream] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
