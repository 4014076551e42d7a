package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quantlab/compactor/go/merge"
	"github.com/quantlab/compactor/go/store"
	"github.com/quantlab/compactor/go/worker"
	log "github.com/sirupsen/logrus"
)

// VerifyReport tallies a compact-store verification pass.
type VerifyReport struct {
	Date      string
	Valid     int
	Invalid   int
	TotalRows int64
}

// Verify downloads every published data file of |date| from the compact
// store and validates it against its metadata sidecar.
func (r *Runner) Verify(ctx context.Context, date string) (*VerifyReport, error) {
	partitions, err := store.DiscoverPartitionsForDate(ctx, r.Compact, date)
	if err != nil {
		return nil, fmt.Errorf("discovering compact partitions of %s: %w", date, err)
	}

	dir, err := os.MkdirTemp("", "verify-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	var report = &VerifyReport{Date: date}
	for i, p := range partitions {
		if r.shutdownRequested() {
			break
		}

		var meta worker.Meta
		if err := store.GetJSON(ctx, r.Compact, p.MetaKey(), &meta); err != nil {
			log.WithFields(log.Fields{"partition": p.String(), "error": err}).
				Error("metadata sidecar unreadable")
			report.Invalid++
			continue
		}

		var local = filepath.Join(dir, fmt.Sprintf("%04d_data.parquet", i))
		if err := r.Compact.Download(ctx, p.DataKey(), local); err != nil {
			log.WithFields(log.Fields{"partition": p.String(), "error": err}).
				Error("data file unreadable")
			report.Invalid++
			continue
		}
		if err := merge.Verify(local, meta.Rows); err != nil {
			log.WithFields(log.Fields{"partition": p.String(), "error": err}).
				Error("data file fails verification")
			report.Invalid++
		} else {
			report.Valid++
			report.TotalRows += meta.Rows
		}
		os.Remove(local)
	}

	log.WithFields(log.Fields{
		"date":    date,
		"valid":   report.Valid,
		"invalid": report.Invalid,
		"rows":    report.TotalRows,
	}).Info("verification pass complete")

	if report.Invalid > 0 {
		return report, fmt.Errorf("verify: %d invalid artifacts on %s", report.Invalid, date)
	}
	return report, nil
}
