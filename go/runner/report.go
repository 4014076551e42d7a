package runner

import (
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/quantlab/compactor/go/journal"
	"github.com/quantlab/compactor/go/keys"
	log "github.com/sirupsen/logrus"
)

// statusReporter logs per-partition completion with a running ETA.
type statusReporter struct {
	date  string
	total int
	start time.Time

	mu   sync.Mutex
	done int
}

func newStatusReporter(date string, total int) *statusReporter {
	return &statusReporter{date: date, total: total, start: time.Now()}
}

func (r *statusReporter) record(key keys.Partition, status string) {
	r.mu.Lock()
	r.done++
	var done = r.done
	r.mu.Unlock()

	var fields = log.Fields{
		"partition": key.String(),
		"status":    status,
		"progress":  fmt.Sprintf("%d/%d", done, r.total),
	}
	if done < r.total && done > 0 {
		var elapsed = time.Since(r.start)
		var eta = elapsed / time.Duration(done) * time.Duration(r.total-done)
		fields["eta"] = eta.Round(time.Second).String()
	}
	log.WithFields(fields).Info("partition done")
}

// printDaySummary writes the human-facing day roll-up to stdout.
func printDaySummary(s *DaySummary) {
	var verdict string
	switch {
	case s.Failed():
		verdict = color.RedString("FAILED")
	case s.ByStatus[journal.StatusAborted] > 0:
		verdict = color.YellowString("ABORTED")
	default:
		verdict = color.GreenString("OK")
	}

	var line = fmt.Sprintf("%s  %s  partitions=%d rows=%d input=%s",
		s.Date, verdict, s.Partitions, s.Rows, formatBytes(s.InputBytes))
	if s.OutputBytes > 0 {
		line += fmt.Sprintf(" output=%s ratio=%.1fx",
			formatBytes(s.OutputBytes), float64(s.InputBytes)/float64(s.OutputBytes))
	}
	fmt.Println(line)
	for _, status := range []string{
		journal.StatusSuccess, journal.StatusSkipped, journal.StatusNoFiles,
		journal.StatusQuarantine, journal.StatusDownloadFailed,
		journal.StatusAborted, "locked", "error",
	} {
		if n := s.ByStatus[status]; n > 0 {
			fmt.Printf("  %-16s %d\n", status, n)
		}
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	var div, exp = int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
