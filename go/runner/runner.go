// Package runner orchestrates compaction runs: it plans dates, discovers
// partitions, fans work out to parallel workers, and rolls outcomes up
// into day summaries and journal watermarks.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantlab/compactor/go/journal"
	"github.com/quantlab/compactor/go/keys"
	"github.com/quantlab/compactor/go/planner"
	"github.com/quantlab/compactor/go/store"
	"github.com/quantlab/compactor/go/worker"
	log "github.com/sirupsen/logrus"
)

// Runner drives one invocation in a single mode. Worker goroutines each
// call NewWorker so store clients are never shared across goroutines.
type Runner struct {
	Raw     store.Bucket
	Compact store.Bucket
	Journal *journal.Journal

	// NewWorker returns a fresh Worker wired with its own clients and
	// the run's directives (overwrite, retry-quarantine, shutdown).
	NewWorker func() *worker.Worker

	// Parallel is the worker goroutine count; 0 means 1.
	Parallel int
	Filters  Filters
	Limits   Limits
	Shutdown *Shutdown

	// Overwrite mirrors the workers' directive; an overwrite run never
	// advances the catch-up watermark.
	Overwrite bool

	// Clock is the "today" source, UTC. Defaults to time.Now.
	Clock func() time.Time
}

// DaySummary aggregates one date's outcomes.
type DaySummary struct {
	Date        string
	Partitions  int
	ByStatus    map[string]int
	Rows        int64
	InputBytes  int64
	OutputBytes int64
}

// Completed reports whether the date reached a terminal state: nothing
// failed, nothing was aborted, nothing was left locked by another run.
func (s *DaySummary) Completed() bool {
	return s.ByStatus[journal.StatusQuarantine] == 0 &&
		s.ByStatus[journal.StatusDownloadFailed] == 0 &&
		s.ByStatus[journal.StatusAborted] == 0 &&
		s.ByStatus[worker.StatusLocked] == 0 &&
		s.ByStatus["error"] == 0
}

// Failed reports whether any partition quarantined or failed to download.
func (s *DaySummary) Failed() bool {
	return s.ByStatus[journal.StatusQuarantine] > 0 ||
		s.ByStatus[journal.StatusDownloadFailed] > 0 ||
		s.ByStatus["error"] > 0
}

// Daily compacts yesterday (UTC). Re-runs are idempotent: finished
// partitions skip, and the watermark only moves forward.
func (r *Runner) Daily(ctx context.Context) error {
	return r.runDates(ctx, []string{r.yesterday()}, true)
}

// CatchUp compacts every raw date between the journal watermark and
// today. An unset watermark elects yesterday as a fresh start.
func (r *Runner) CatchUp(ctx context.Context) error {
	state, err := r.Journal.Read(ctx)
	if err != nil {
		return err
	}

	var dates []string
	if state.LastCompactedDate == "" {
		log.Info("no catch-up watermark yet; starting from yesterday")
		dates = []string{r.yesterday()}
	} else {
		rawDates, err := store.DiscoverDates(ctx, r.Raw)
		if err != nil {
			return fmt.Errorf("discovering raw dates: %w", err)
		}
		dates = planner.CatchUp(rawDates, state.LastCompactedDate, r.today())
	}
	if len(dates) == 0 {
		log.Info("catch-up: nothing to do")
		return nil
	}
	return r.runDates(ctx, r.capDays(dates), true)
}

// Backfill compacts pending dates newest-first. A non-empty from/to pair
// restricts the range instead of consulting the journal's pending set.
func (r *Runner) Backfill(ctx context.Context, from, to string) error {
	rawDates, err := store.DiscoverDates(ctx, r.Raw)
	if err != nil {
		return fmt.Errorf("discovering raw dates: %w", err)
	}

	var dates []string
	if from != "" || to != "" {
		if !keys.ValidDate(from) || !keys.ValidDate(to) || from > to {
			return fmt.Errorf("invalid backfill range %q..%q", from, to)
		}
		for i := len(rawDates) - 1; i >= 0; i-- {
			if d := rawDates[i]; d >= from && d <= to {
				dates = append(dates, d)
			}
		}
	} else {
		state, err := r.Journal.Read(ctx)
		if err != nil {
			return err
		}
		dates = planner.Reverse(rawDates, state, r.today())
	}
	if len(dates) == 0 {
		log.Info("backfill: nothing pending")
		return nil
	}
	return r.runDates(ctx, r.capDays(dates), false)
}

// runDates processes dates in order, printing a summary per date. With
// advance set, a completed date moves the watermark forward.
func (r *Runner) runDates(ctx context.Context, dates []string, advance bool) error {
	for _, date := range dates {
		if r.shutdownRequested() {
			log.Warn("shutdown requested; stopping before next date")
			return nil
		}

		summary, err := r.runDay(ctx, date)
		if err != nil {
			return err
		}
		printDaySummary(summary)

		if summary.Completed() {
			if err := r.Journal.LogDay(ctx, date, journal.StatusSuccess); err != nil {
				return err
			}
		}
		if advance && !r.Overwrite && summary.Completed() {
			state, err := r.Journal.Read(ctx)
			if err != nil {
				return err
			}
			if date > state.LastCompactedDate {
				if err := r.Journal.UpdateLastCompactedDate(ctx, date); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// runDay sweeps stale locks, selects the date's partitions, and fans them
// out to Parallel worker goroutines.
func (r *Runner) runDay(ctx context.Context, date string) (*DaySummary, error) {
	if err := r.Journal.CleanupStaleLocks(ctx, date); err != nil {
		return nil, err
	}

	partitions, err := r.selectPartitions(ctx, date)
	if err != nil {
		return nil, err
	}
	return r.runPartitions(ctx, date, partitions), nil
}

// runPartitions fans |partitions| out to Parallel worker goroutines and
// aggregates their outcomes.
func (r *Runner) runPartitions(ctx context.Context, date string, partitions []keys.Partition) *DaySummary {
	log.WithFields(log.Fields{"date": date, "partitions": len(partitions)}).
		Info("starting day")

	var summary = &DaySummary{
		Date:       date,
		Partitions: len(partitions),
		ByStatus:   make(map[string]int),
	}
	if len(partitions) == 0 {
		return summary
	}

	var reporter = newStatusReporter(date, len(partitions))
	var parallel = r.Parallel
	if parallel <= 0 {
		parallel = 1
	}

	var mu sync.Mutex
	var work = make(chan keys.Partition)
	var wg sync.WaitGroup

	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var w = r.NewWorker()
			for key := range work {
				if r.shutdownRequested() {
					// Drain: count unprocessed work as aborted so the
					// day never reads as completed.
					mu.Lock()
					summary.ByStatus[journal.StatusAborted]++
					mu.Unlock()
					continue
				}
				var status string
				outcome, err := w.Run(ctx, key)
				if err != nil {
					log.WithFields(log.Fields{"partition": key.String(), "error": err}).
						Error("worker failed")
					status = "error"
				} else {
					status = outcome.Status
				}
				reporter.record(key, status)

				mu.Lock()
				summary.ByStatus[status]++
				summary.Rows += outcome.Rows
				summary.InputBytes += outcome.Bytes
				summary.OutputBytes += outcome.OutputBytes
				mu.Unlock()
			}
		}()
	}

	for _, p := range partitions {
		work <- p
	}
	close(work)
	wg.Wait()

	return summary
}

// selectPartitions applies the run's filters and limits to the date's
// discovered partitions.
func (r *Runner) selectPartitions(ctx context.Context, date string) ([]keys.Partition, error) {
	discovered, err := store.DiscoverPartitionsForDate(ctx, r.Raw, date)
	if err != nil {
		return nil, fmt.Errorf("discovering partitions of %s: %w", date, err)
	}

	var out []keys.Partition
	var symbols = make(map[string]struct{})
	for _, p := range discovered {
		if !r.Filters.Match(p) {
			continue
		}
		if r.Limits.MaxSymbols > 0 {
			if _, ok := symbols[p.Symbol]; !ok && len(symbols) >= r.Limits.MaxSymbols {
				continue
			}
			symbols[p.Symbol] = struct{}{}
		}
		out = append(out, p)
		if r.Limits.MaxPartitionsPerDay > 0 && len(out) >= r.Limits.MaxPartitionsPerDay {
			break
		}
	}
	return out, nil
}

func (r *Runner) capDays(dates []string) []string {
	if r.Limits.MaxDays > 0 && len(dates) > r.Limits.MaxDays {
		return dates[:r.Limits.MaxDays]
	}
	return dates
}

func (r *Runner) shutdownRequested() bool {
	return r.Shutdown != nil && r.Shutdown.Requested()
}

func (r *Runner) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Runner) today() string {
	return r.now().UTC().Format("20060102")
}

func (r *Runner) yesterday() string {
	return r.now().UTC().AddDate(0, 0, -1).Format("20060102")
}
