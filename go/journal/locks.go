package journal

import (
	"context"
	"fmt"
	"os"

	"github.com/quantlab/compactor/go/keys"
	"github.com/quantlab/compactor/go/store"
)

// lockVersion identifies the lock body layout.
const lockVersion = 1

// partitionLock is the body of a per-partition lock object.
type partitionLock struct {
	Hostname  string `json:"hostname"`
	PID       int    `json:"pid"`
	StartedAt string `json:"started_at"`
	Version   int    `json:"version"`
}

// LockManager grants exclusive per-partition ownership through one
// conditional-PUT lock object per (exchange, stream, symbol, date).
type LockManager struct {
	compact store.Bucket
	journal *Journal
}

// NewLockManager builds a LockManager over the compact store. The journal
// is only used for timestamp formatting consistency.
func NewLockManager(compact store.Bucket, journal *Journal) *LockManager {
	return &LockManager{compact: compact, journal: journal}
}

// Acquire attempts to take |key|'s lock. It returns true iff the
// If-None-Match: * precondition succeeded; false means another worker
// holds it (benign).
func (m *LockManager) Acquire(ctx context.Context, key keys.Partition) (bool, error) {
	var body = partitionLock{
		Hostname:  hostname(),
		PID:       os.Getpid(),
		StartedAt: m.journal.now(),
		Version:   lockVersion,
	}
	ok, err := store.PutJSONIfAbsent(ctx, m.compact, key.LockKey(), body)
	if err != nil {
		return false, fmt.Errorf("acquiring lock of %s: %w", key, err)
	}
	return ok, nil
}

// Release unconditionally deletes |key|'s lock object.
func (m *LockManager) Release(ctx context.Context, key keys.Partition) error {
	if err := m.compact.Remove(ctx, key.LockKey()); err != nil {
		return fmt.Errorf("releasing lock of %s: %w", key, err)
	}
	return nil
}

// Held reports whether a lock object currently exists for |key|.
func (m *LockManager) Held(ctx context.Context, key keys.Partition) (bool, error) {
	return m.compact.Exists(ctx, key.LockKey())
}
