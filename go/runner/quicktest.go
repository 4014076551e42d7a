package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/quantlab/compactor/go/journal"
	"github.com/quantlab/compactor/go/keys"
	"github.com/quantlab/compactor/go/store"
	log "github.com/sirupsen/logrus"
)

// Quicktest defaults: small, liquid-enough symbols whose partitions stay
// cheap to merge.
var DefaultQuicktestSymbols = []string{"adausdt", "xrpusdt", "dogeusdt"}

const (
	DefaultQuicktestStream   = "bbo"
	DefaultQuicktestCount    = 2
	DefaultQuicktestMaxFiles = 400
)

// QuicktestOptions tunes an end-to-end smoke run against real raw data.
// A non-empty Date pins the run; otherwise the newest completed raw date
// is elected.
type QuicktestOptions struct {
	Date      string
	Symbols   []string
	Stream    string
	Count     int
	MaxFiles  int
	WipeAfter bool
}

func (o QuicktestOptions) withDefaults() QuicktestOptions {
	if len(o.Symbols) == 0 {
		o.Symbols = DefaultQuicktestSymbols
	}
	if o.Stream == "" {
		o.Stream = DefaultQuicktestStream
	}
	if o.Count <= 0 {
		o.Count = DefaultQuicktestCount
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = DefaultQuicktestMaxFiles
	}
	return o
}

// Quicktest wipes the compact store, compacts a handful of small real
// partitions end to end, diagnoses any failure, checks for orphaned
// staging objects, and optionally wipes again. The runner must be built
// over the quicktest journal so production state is never touched.
func (r *Runner) Quicktest(ctx context.Context, opts QuicktestOptions) error {
	opts = opts.withDefaults()

	if err := r.Wipe(ctx, true); err != nil {
		return err
	}

	var date = opts.Date
	if date == "" {
		var err error
		if date, err = r.quicktestDate(ctx); err != nil {
			return err
		}
	} else if !keys.ValidDate(date) {
		return fmt.Errorf("quicktest: invalid date %q", date)
	}
	partitions, err := r.quicktestPartitions(ctx, date, opts)
	if err != nil {
		return err
	}
	if len(partitions) == 0 {
		return fmt.Errorf("quicktest: no candidate partition under %d files on %s", opts.MaxFiles, date)
	}

	var summary = r.runPartitions(ctx, date, partitions)
	printDaySummary(summary)

	if summary.Failed() {
		r.printQuicktestDiagnostics(ctx, partitions)
		return fmt.Errorf("quicktest: %d of %d partitions failed",
			summary.ByStatus[journal.StatusQuarantine]+
				summary.ByStatus[journal.StatusDownloadFailed]+
				summary.ByStatus["error"],
			len(partitions))
	}

	if err := r.checkOrphanedStaging(ctx); err != nil {
		return err
	}

	if opts.WipeAfter {
		if err := r.Wipe(ctx, true); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{"date": date, "partitions": len(partitions)}).
		Info("quicktest passed")
	return nil
}

// quicktestDate picks the most recent raw date before today, falling
// back to the newest available.
func (r *Runner) quicktestDate(ctx context.Context) (string, error) {
	dates, err := store.DiscoverDates(ctx, r.Raw)
	if err != nil {
		return "", fmt.Errorf("discovering raw dates: %w", err)
	}
	if len(dates) == 0 {
		return "", fmt.Errorf("quicktest: raw store holds no dates")
	}
	var today = r.today()
	for i := len(dates) - 1; i >= 0; i-- {
		if dates[i] < today {
			return dates[i], nil
		}
	}
	return dates[len(dates)-1], nil
}

// quicktestPartitions scores candidate partitions by raw file count,
// ascending, drops any above the cap, and keeps the Count smallest.
func (r *Runner) quicktestPartitions(ctx context.Context, date string, opts QuicktestOptions) ([]keys.Partition, error) {
	discovered, err := store.DiscoverPartitionsForDate(ctx, r.Raw, date)
	if err != nil {
		return nil, err
	}

	type scored struct {
		key   keys.Partition
		files int
	}
	var candidates []scored
	for _, p := range discovered {
		if p.Stream != opts.Stream || !matchOne(opts.Symbols, p.Symbol) {
			continue
		}
		files, err := store.ListDataFiles(ctx, r.Raw, p.RawPrefix())
		if err != nil {
			return nil, err
		}
		if len(files) == 0 || len(files) > opts.MaxFiles {
			continue
		}
		candidates = append(candidates, scored{key: p, files: len(files)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].files != candidates[j].files {
			return candidates[i].files < candidates[j].files
		}
		return candidates[i].key.String() < candidates[j].key.String()
	})

	var out []keys.Partition
	for _, c := range candidates {
		out = append(out, c.key)
		if len(out) >= opts.Count {
			break
		}
	}
	return out, nil
}

// printQuicktestDiagnostics surfaces the journal's triage fields for
// every failed candidate.
func (r *Runner) printQuicktestDiagnostics(ctx context.Context, partitions []keys.Partition) {
	state, err := r.Journal.Read(ctx)
	if err != nil {
		log.WithField("error", err).Error("cannot read journal for diagnostics")
		return
	}
	for _, p := range partitions {
		var entry, ok = state.Partitions[p.String()]
		if !ok || entry.Status == journal.StatusSuccess {
			continue
		}
		log.WithFields(log.Fields{
			"partition":   p.String(),
			"status":      entry.Status,
			"error_type":  entry.ErrorType,
			"failing_key": entry.FailingKey,
			"error":       entry.Error,
			"reproducer":  entry.Reproducer,
		}).Error("quicktest partition failed")
	}
}

// checkOrphanedStaging fails the quicktest if any .tmp staging object
// survived publication.
func (r *Runner) checkOrphanedStaging(ctx context.Context) error {
	objects, err := r.Compact.List(ctx, "")
	if err != nil {
		return err
	}
	var orphans []string
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, ".tmp") {
			orphans = append(orphans, obj.Key)
		}
	}
	if len(orphans) > 0 {
		return fmt.Errorf("quicktest: %d orphaned staging objects: %v", len(orphans), orphans)
	}
	return nil
}
