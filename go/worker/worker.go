// Package worker runs the per-partition compaction pipeline: quality gate,
// distributed lock, download, merge, verify, atomic publish, and journal
// update. Workers coordinate only through the store's conditional PUTs, so
// any number of them may run the same partition concurrently and exactly
// one makes progress.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/quantlab/compactor/go/journal"
	"github.com/quantlab/compactor/go/keys"
	"github.com/quantlab/compactor/go/merge"
	"github.com/quantlab/compactor/go/quality"
	"github.com/quantlab/compactor/go/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// StatusLocked reports that another worker holds the partition. It is an
// outcome only, never journaled.
const StatusLocked = "locked"

// DefaultDownloadFanOut bounds concurrent blob downloads per partition.
const DefaultDownloadFanOut = 50

// errDownloadFailed marks a partition where no raw file could be fetched.
var errDownloadFailed = errors.New("all downloads failed")

// Worker executes the pipeline for one partition at a time. Each runner
// goroutine builds its own Worker with its own store clients.
type Worker struct {
	Raw     store.Bucket
	Compact store.Bucket
	Journal *journal.Journal
	Locks   *journal.LockManager
	Quality *quality.Evaluator

	// WorkDir hosts per-partition scratch directories.
	WorkDir string
	// DownloadFanOut bounds concurrent downloads; 0 means the default.
	DownloadFanOut int
	// Merge tunes the merger. CheckShutdown is propagated into it.
	Merge merge.Config

	// Overwrite re-runs successful and quarantined partitions.
	Overwrite bool
	// RetryQuarantine re-runs quarantined partitions only.
	RetryQuarantine bool
	// CheckShutdown is polled between pipeline phases and merge batches.
	CheckShutdown func() bool
}

// Outcome summarizes one pipeline run. Bytes counts raw input, and
// OutputBytes the published data file.
type Outcome struct {
	Status      string
	Healed      bool
	Rows        int64
	Bytes       int64
	OutputBytes int64
	Quality     string
	Mode        string
}

type runState struct {
	sources map[string]string // local scratch path → source object key
}

// Run executes the pipeline for |key|. The returned error is reserved for
// infrastructure failures (journal unwritable); pipeline failures journal
// quarantine diagnostics and return a quarantine outcome.
func (w *Worker) Run(ctx context.Context, key keys.Partition) (Outcome, error) {
	var outcome, err = w.run(ctx, key)
	if err == nil {
		partitionsTotal.WithLabelValues(outcome.Status).Inc()
	}
	return outcome, err
}

func (w *Worker) run(ctx context.Context, key keys.Partition) (Outcome, error) {
	status, _, err := w.Journal.PartitionStatus(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if status == journal.StatusSuccess && !w.Overwrite {
		return Outcome{Status: journal.StatusSkipped}, nil
	}
	if status == journal.StatusQuarantine && !w.Overwrite && !w.RetryQuarantine {
		return Outcome{Status: journal.StatusQuarantine}, nil
	}

	if healed, err := w.heal(ctx, key, status); err != nil {
		return Outcome{}, err
	} else if healed {
		return Outcome{Status: journal.StatusSkipped, Healed: true}, nil
	}

	acquired, err := w.Locks.Acquire(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if !acquired {
		log.WithField("partition", key.String()).Info("partition is locked by another worker")
		return Outcome{Status: StatusLocked}, nil
	}
	defer func() {
		// Release must survive context cancellation.
		if err := w.Locks.Release(context.Background(), key); err != nil {
			log.WithFields(log.Fields{"partition": key.String(), "error": err}).
				Warn("failed to release partition lock")
		}
	}()

	if err := w.Journal.LogPartition(ctx, key, journal.PartitionEntry{
		Status: journal.StatusInProgress,
	}); err != nil {
		return Outcome{}, err
	}

	var rs = &runState{sources: make(map[string]string)}
	outcome, runErr := w.compactPartition(ctx, key, rs)
	if runErr != nil {
		return w.recordFailure(key, rs, runErr)
	}
	return outcome, nil
}

// compactPartition is steps 5 through 11: gate, list, download, merge,
// verify, publish, journal.
func (w *Worker) compactPartition(ctx context.Context, key keys.Partition, rs *runState) (Outcome, error) {
	report, err := w.Quality.EvaluateDay(ctx, key.Date)
	if err != nil {
		return Outcome{}, err
	}
	switch report.DayQuality {
	case quality.Bad:
		if err := w.Journal.LogPartition(ctx, key, journal.PartitionEntry{
			Status:            journal.StatusQuarantine,
			DayQualityPost:    report.DayQuality,
			PostFilterVersion: report.Version,
			Error:             fmt.Sprintf("day quality is %s", report.DayQuality),
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: journal.StatusQuarantine, Quality: report.DayQuality}, nil
	case quality.Partial:
		if err := w.Journal.LogPartition(ctx, key, journal.PartitionEntry{
			Status:            journal.StatusSkipped,
			DayQualityPost:    report.DayQuality,
			PostFilterVersion: report.Version,
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: journal.StatusSkipped, Quality: report.DayQuality}, nil
	}

	files, err := store.ListDataFiles(ctx, w.Raw, key.RawPrefix())
	if err != nil {
		return Outcome{}, err
	}
	if len(files) == 0 {
		if err := w.Journal.LogPartition(ctx, key, journal.PartitionEntry{
			Status: journal.StatusNoFiles,
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: journal.StatusNoFiles}, nil
	}
	var totalSize int64
	for _, f := range files {
		totalSize += f.Size
	}

	dir, err := os.MkdirTemp(w.WorkDir, "partition-")
	if err != nil {
		return Outcome{}, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if w.shutdownRequested() {
		return Outcome{}, merge.ErrShutdown
	}
	inputs, err := w.download(ctx, files, dir, rs)
	if err != nil {
		return Outcome{}, err
	}

	var cfg = w.Merge
	cfg.CheckShutdown = w.CheckShutdown
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = dir
	}
	// Trade streams carry per-file string vocabularies that never merge
	// cleanly; pre-select plain output and skip the fast path.
	if key.Stream == "trade" {
		cfg.PlainOutput = true
		cfg.DisableFastPath = true
	}

	var output = filepath.Join(dir, "data.parquet")
	result, err := merge.Merge(inputs, output, cfg)
	if err != nil {
		return Outcome{}, err
	}
	mergeDuration.Observe(result.Duration.Seconds())
	rowsMerged.Add(float64(result.Rows))

	if err := merge.Verify(output, result.Rows); err != nil {
		return Outcome{}, err
	}
	outStat, err := os.Stat(output)
	if err != nil {
		return Outcome{}, fmt.Errorf("stat merged output: %w", err)
	}

	var meta = buildMeta(key, result, len(files), report)
	if err := w.publish(ctx, key, output, meta, report); err != nil {
		return Outcome{}, err
	}

	if err := w.Journal.LogPartition(ctx, key, journal.PartitionEntry{
		Status:            journal.StatusSuccess,
		DayQualityPost:    report.DayQuality,
		PostFilterVersion: report.Version,
		Rows:              result.Rows,
		TotalSizeBytes:    totalSize,
	}); err != nil {
		return Outcome{}, err
	}

	log.WithFields(log.Fields{
		"partition": key.String(),
		"rows":      result.Rows,
		"inputs":    result.InputParts,
		"mode":      result.Mode,
		"took":      result.Duration.String(),
	}).Info("compacted partition")

	return Outcome{
		Status:      journal.StatusSuccess,
		Rows:        result.Rows,
		Bytes:       totalSize,
		OutputBytes: outStat.Size(),
		Quality:     report.DayQuality,
		Mode:        result.Mode,
	}, nil
}

// heal synthesizes a success entry for a partition whose three artifacts
// exist on the compact store but whose journal entry was lost or left
// dangling by a crash. The lock must be free.
func (w *Worker) heal(ctx context.Context, key keys.Partition, status string) (bool, error) {
	switch status {
	case "", journal.StatusInProgress, journal.StatusStalled:
	default:
		return false, nil
	}

	held, err := w.Locks.Held(ctx, key)
	if err != nil || held {
		return false, err
	}
	for _, k := range []string{key.DataKey(), key.MetaKey(), key.QualityKey()} {
		exists, err := w.Compact.Exists(ctx, k)
		if err != nil || !exists {
			return false, err
		}
	}

	var meta Meta
	if err := store.GetJSON(ctx, w.Compact, key.MetaKey(), &meta); err != nil {
		log.WithFields(log.Fields{"partition": key.String(), "error": err}).
			Warn("artifacts present but metadata unreadable; not healing")
		return false, nil
	}

	if err := w.Journal.LogPartition(ctx, key, journal.PartitionEntry{
		Status:            journal.StatusSuccess,
		DayQualityPost:    meta.DayQuality,
		PostFilterVersion: meta.PostFilterVersion,
		Rows:              meta.Rows,
	}); err != nil {
		return false, err
	}
	log.WithField("partition", key.String()).Info("healed journal entry from published artifacts")
	return true, nil
}

// download fetches raw files into |dir| with a bounded pool, prefixing
// each with its zero-padded index so local order matches key order.
// Individual failures are tolerated; fetching nothing at all is not.
func (w *Worker) download(ctx context.Context, files []store.ObjectInfo, dir string, rs *runState) ([]string, error) {
	var fanOut = w.DownloadFanOut
	if fanOut <= 0 {
		fanOut = DefaultDownloadFanOut
	}

	var sem = semaphore.NewWeighted(int64(fanOut))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var paths []string
	var failed int
	var firstErr error

	for i, obj := range files {
		if err := sem.Acquire(ctx, 1); err != nil {
			// In-flight goroutines still hold the result slices.
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(i int, obj store.ObjectInfo) {
			defer wg.Done()
			defer sem.Release(1)

			var local = filepath.Join(dir, fmt.Sprintf("%04d_%s", i, path.Base(obj.Key)))
			if err := w.Raw.Download(ctx, obj.Key, local); err != nil {
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = fmt.Errorf("downloading %s: %w", obj.Key, err)
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			paths = append(paths, local)
			rs.sources[local] = obj.Key
			mu.Unlock()
		}(i, obj)
	}
	wg.Wait()

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %v", errDownloadFailed, firstErr)
	}
	if failed > 0 {
		log.WithFields(log.Fields{"failed": failed, "fetched": len(paths), "error": firstErr}).
			Warn("continuing with partial downloads")
	}
	sort.Strings(paths)
	return paths, nil
}

// publish uploads the three artifacts under .tmp suffixes, then promotes
// each in order (data, meta, quality). The quality sidecar lands last, so
// readers can treat its presence as the done marker.
func (w *Worker) publish(ctx context.Context, key keys.Partition, dataPath string, meta Meta, report *quality.DayReport) error {
	if err := w.Compact.Upload(ctx, dataPath, key.DataKey()+".tmp", "application/octet-stream"); err != nil {
		return fmt.Errorf("staging data: %w", err)
	}
	if err := store.PutJSON(ctx, w.Compact, key.MetaKey()+".tmp", meta); err != nil {
		return fmt.Errorf("staging metadata: %w", err)
	}
	if err := store.PutJSON(ctx, w.Compact, key.QualityKey()+".tmp", report); err != nil {
		return fmt.Errorf("staging quality report: %w", err)
	}

	for _, k := range []string{key.DataKey(), key.MetaKey(), key.QualityKey()} {
		if err := w.Compact.Copy(ctx, k, k+".tmp"); err != nil {
			return fmt.Errorf("promoting %s: %w", k, err)
		}
		if err := w.Compact.Remove(ctx, k+".tmp"); err != nil {
			return fmt.Errorf("removing staged %s.tmp: %w", k, err)
		}
	}
	return nil
}

// recordFailure journals a terminal failure entry. It writes with a
// detached context so a cancelled run still records its outcome.
func (w *Worker) recordFailure(key keys.Partition, rs *runState, runErr error) (Outcome, error) {
	var ctx = context.Background()

	if errors.Is(runErr, merge.ErrShutdown) {
		if err := w.Journal.LogPartition(ctx, key, journal.PartitionEntry{
			Status: journal.StatusAborted,
			Error:  runErr.Error(),
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: journal.StatusAborted}, nil
	}

	if errors.Is(runErr, errDownloadFailed) {
		if err := w.Journal.LogPartition(ctx, key, journal.PartitionEntry{
			Status: journal.StatusDownloadFailed,
			Error:  runErr.Error(),
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: journal.StatusDownloadFailed}, nil
	}

	var entry = journal.PartitionEntry{
		Status:     journal.StatusQuarantine,
		Error:      runErr.Error(),
		ErrorType:  classifyError(runErr),
		FailingKey: failingKey(runErr, rs.sources),
		Reproducer: reproducer(key),
	}
	log.WithFields(log.Fields{
		"partition":  key.String(),
		"error":      runErr.Error(),
		"error_type": entry.ErrorType,
	}).Error("quarantining partition")

	if err := w.Journal.LogPartition(ctx, key, entry); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: journal.StatusQuarantine}, nil
}

func (w *Worker) shutdownRequested() bool {
	return w.CheckShutdown != nil && w.CheckShutdown()
}
