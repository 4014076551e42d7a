// Package journal maintains the compact store's single state document and
// the per-partition lock objects. The journal is a cache, not a source of
// truth: every successful artifact set on the store can be rediscovered by
// the worker's healing path, so a rare lost journal write only delays
// convergence (it never falsifies it).
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/quantlab/compactor/go/keys"
	"github.com/quantlab/compactor/go/store"
	log "github.com/sirupsen/logrus"
)

// Partition statuses recorded in the journal.
const (
	StatusSuccess        = "success"
	StatusQuarantine     = "quarantine"
	StatusSkipped        = "skipped"
	StatusInProgress     = "in_progress"
	StatusStalled        = "stalled"
	StatusAborted        = "aborted"
	StatusNoFiles        = "no_files"
	StatusDownloadFailed = "download_failed"
)

// staleLockAge is how old an in_progress entry may be before its lock is
// considered abandoned.
const staleLockAge = 2 * time.Hour

// State is the journal document, stored at keys.StateKey.
type State struct {
	LastCompactedDate string                    `json:"last_compacted_date,omitempty"`
	UpdatedAt         string                    `json:"updated_at,omitempty"`
	Days              map[string]DayEntry       `json:"days,omitempty"`
	Partitions        map[string]PartitionEntry `json:"partitions,omitempty"`
}

// DayEntry records the day-level outcome of one date.
type DayEntry struct {
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

// PartitionEntry records the outcome of one partition.
type PartitionEntry struct {
	Status            string `json:"status"`
	DayQualityPost    string `json:"day_quality_post,omitempty"`
	PostFilterVersion string `json:"post_filter_version,omitempty"`
	Rows              int64  `json:"rows,omitempty"`
	TotalSizeBytes    int64  `json:"total_size_bytes,omitempty"`
	UpdatedAt         string `json:"updated_at"`
	ErrorType         string `json:"error_type,omitempty"`
	FailingKey        string `json:"failing_key,omitempty"`
	Error             string `json:"error,omitempty"`
	Reproducer        string `json:"reproducer,omitempty"`
}

// Journal provides read-modify-write access to the state document,
// serialized by a best-effort object-store lock.
type Journal struct {
	compact  store.Bucket
	stateKey string
	clock    func() time.Time
}

// New builds a Journal over the compact store, using |stateKey| (normally
// keys.StateKey; quicktest runs scope to keys.QuicktestStateKey).
func New(compact store.Bucket, stateKey string) *Journal {
	return &Journal{compact: compact, stateKey: stateKey, clock: time.Now}
}

// Read returns the current state document. An absent document reads as an
// empty state.
func (j *Journal) Read(ctx context.Context) (*State, error) {
	var state State
	if err := store.GetJSON(ctx, j.compact, j.stateKey, &state); errors.Is(err, store.ErrNotExist) {
		// First run: no journal yet.
	} else if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	if state.Days == nil {
		state.Days = make(map[string]DayEntry)
	}
	if state.Partitions == nil {
		state.Partitions = make(map[string]PartitionEntry)
	}
	return &state, nil
}

// UpdateLastCompactedDate advances the forward catch-up watermark.
func (j *Journal) UpdateLastCompactedDate(ctx context.Context, date string) error {
	return j.mutate(ctx, func(s *State) {
		s.LastCompactedDate = date
	})
}

// LogPartition upserts the entry of |key|, stamping UpdatedAt.
func (j *Journal) LogPartition(ctx context.Context, key keys.Partition, entry PartitionEntry) error {
	entry.UpdatedAt = j.now()
	return j.mutate(ctx, func(s *State) {
		s.Partitions[key.String()] = entry
	})
}

// LogDay upserts the day-level status of |date|.
func (j *Journal) LogDay(ctx context.Context, date, status string) error {
	return j.mutate(ctx, func(s *State) {
		s.Days[date] = DayEntry{Status: status, UpdatedAt: j.now()}
	})
}

// DeletePartition removes the entry of |key| (cleanup mode).
func (j *Journal) DeletePartition(ctx context.Context, key keys.Partition) error {
	return j.mutate(ctx, func(s *State) {
		delete(s.Partitions, key.String())
		delete(s.Days, key.Date)
	})
}

// PartitionStatus returns the current status and update time of |key|, or
// empty strings if no entry exists.
func (j *Journal) PartitionStatus(ctx context.Context, key keys.Partition) (status, updatedAt string, err error) {
	state, err := j.Read(ctx)
	if err != nil {
		return "", "", err
	}
	var entry, ok = state.Partitions[key.String()]
	if !ok {
		return "", "", nil
	}
	return entry.Status, entry.UpdatedAt, nil
}

// CleanupStaleLocks sweeps compacted/locks/: a lock whose journal entry is
// missing, not in_progress, or older than two hours is reaped: the entry
// transitions to stalled and the lock object is deleted. If |date| is
// non-empty only that date's locks are considered.
func (j *Journal) CleanupStaleLocks(ctx context.Context, date string) error {
	objects, err := j.compact.List(ctx, keys.LocksPrefix)
	if err != nil {
		return fmt.Errorf("listing locks: %w", err)
	}

	state, err := j.Read(ctx)
	if err != nil {
		return err
	}

	for _, obj := range objects {
		var key, ok = keys.ParseLockKey(obj.Key)
		if !ok || (date != "" && key.Date != date) {
			continue
		}

		var entry, exists = state.Partitions[key.String()]
		var stale = !exists || entry.Status != StatusInProgress
		if !stale {
			if at, err := time.Parse(time.RFC3339, entry.UpdatedAt); err != nil || j.clock().Sub(at) > staleLockAge {
				stale = true
			}
		}
		if !stale {
			continue
		}

		log.WithFields(log.Fields{"partition": key.String(), "lock": obj.Key}).
			Warn("reaping stale partition lock")

		if exists {
			if err := j.LogPartition(ctx, key, PartitionEntry{Status: StatusStalled}); err != nil {
				return err
			}
		}
		if err := j.compact.Remove(ctx, obj.Key); err != nil {
			return fmt.Errorf("removing stale lock %q: %w", obj.Key, err)
		}
	}
	return nil
}

// mutate performs one read-modify-write of the document under the journal
// lock. If the lock cannot be acquired within its deadline the mutation
// proceeds unlocked: a rare lost update only delays convergence.
func (j *Journal) mutate(ctx context.Context, fn func(*State)) error {
	var release, err = j.acquireDocLock(ctx)
	if err != nil {
		log.WithField("error", err).Warn("journal lock unavailable; proceeding unlocked")
	} else {
		defer release()
	}

	state, err := j.Read(ctx)
	if err != nil {
		return err
	}
	fn(state)
	state.UpdatedAt = j.now()

	if err := store.PutJSON(ctx, j.compact, j.stateKey, state); err != nil {
		return fmt.Errorf("writing journal: %w", err)
	}
	return nil
}

func (j *Journal) now() string {
	return j.clock().UTC().Format(time.RFC3339)
}

func hostname() string {
	var h, _ = os.Hostname()
	return h
}
