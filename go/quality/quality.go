// Package quality classifies the ingester's window-level quality reports
// and aggregates them into a day verdict which gates compaction.
package quality

import "fmt"

// Quality verdicts, for windows and for days.
const (
	Good     = "GOOD"
	Degraded = "DEGRADED"
	Bad      = "BAD"
	Partial  = "PARTIAL"
)

// PostFilterVersion is stamped into every emitted report.
const PostFilterVersion = "1.0.0"

// ExpectedWindowsPerDay is the nominal window count (15-minute windows).
const ExpectedWindowsPerDay = 96

// minActiveWindows is the non-partial window count below which a day with
// any partial window is declared PARTIAL.
const minActiveWindows = 80

// EPS carries per-exchange events-per-second statistics of one window.
type EPS struct {
	Min *float64 `json:"min"`
}

// Signals is the signal bag of one ingester window report.
type Signals struct {
	DroppedEvents               int64              `json:"dropped_events"`
	QueuePctPeak                float64            `json:"queue_pct_peak"`
	Reconnects                  int64              `json:"reconnects"`
	DrainModeAcceleratedSeconds float64            `json:"drain_mode_accelerated_seconds"`
	OfflineSecondsByExchange    map[string]float64 `json:"offline_seconds_by_exchange"`
	EPSByExchange               map[string]EPS     `json:"eps_by_exchange"`
}

// Window is one 15-minute report as written by the ingester under
// quality/date=D/.
type Window struct {
	WindowStart string  `json:"window_start"`
	Quality     string  `json:"quality"`
	IsPartial   bool    `json:"is_partial"`
	Signals     Signals `json:"signals"`
}

// Assessment is the post-filtered classification of one window.
type Assessment struct {
	WindowStart     string   `json:"window_start"`
	OriginalQuality string   `json:"original_quality"`
	PostQuality     string   `json:"post_quality"`
	IsPartial       bool     `json:"is_partial"`
	Reasons         []string `json:"reasons,omitempty"`
	BinanceOffline  float64  `json:"binance_offline"`
	DroppedEvents   int64    `json:"dropped_events"`
}

// AssessWindow applies the post-filter rules to a single window:
// hard-BAD triggers, then DEGRADED triggers, then the BAD→DEGRADED
// downgrade and the DEGRADED→GOOD binance-healthy override.
func AssessWindow(w Window) Assessment {
	var s = w.Signals

	var binanceOffline = s.OfflineSecondsByExchange["binance"]
	var maxOffline float64
	for _, v := range s.OfflineSecondsByExchange {
		if v > maxOffline {
			maxOffline = v
		}
	}
	var binanceEPSMin *float64
	if eps, ok := s.EPSByExchange["binance"]; ok {
		binanceEPSMin = eps.Min
	}

	var out = Assessment{
		WindowStart:     w.WindowStart,
		OriginalQuality: w.Quality,
		IsPartial:       w.IsPartial,
		BinanceOffline:  binanceOffline,
		DroppedEvents:   s.DroppedEvents,
	}
	if out.OriginalQuality == "" {
		out.OriginalQuality = "UNKNOWN"
	}

	var reason = func(format string, args ...interface{}) {
		out.Reasons = append(out.Reasons, fmt.Sprintf(format, args...))
	}

	out.PostQuality = Good

	var hardBad bool
	if s.DroppedEvents > 0 {
		hardBad = true
		reason("dropped_events=%d", s.DroppedEvents)
	}
	if s.QueuePctPeak >= 90 {
		hardBad = true
		reason("queue_pct_peak=%g", s.QueuePctPeak)
	}
	if binanceOffline > 600 {
		hardBad = true
		reason("binance_offline=%g", binanceOffline)
	}

	if hardBad {
		out.PostQuality = Bad
	} else {
		var degraded bool
		if maxOffline > 180 {
			degraded = true
			reason("max_offline=%g", maxOffline)
		}
		if s.DrainModeAcceleratedSeconds > 180 {
			degraded = true
			reason("drain_mode_acc=%g", s.DrainModeAcceleratedSeconds)
		}
		if s.Reconnects >= 5 {
			degraded = true
			reason("reconnects=%d", s.Reconnects)
		}
		if degraded {
			out.PostQuality = Degraded
		}
	}

	// BAD→DEGRADED downgrade. This can fire even when the BAD trigger was
	// binance_offline > 600 (a data anomaly: binance offline exceeds the
	// overall max); the reason string keeps the downgrade auditable.
	if out.PostQuality == Bad &&
		s.DroppedEvents == 0 && maxOffline < 300 && s.QueuePctPeak < 90 {
		out.PostQuality = Degraded
		reason("downgraded BAD->DEGRADED (safe checks)")
	}

	// DEGRADED→GOOD override when binance itself is healthy.
	if out.PostQuality == Degraded &&
		binanceOffline == 0 && s.DroppedEvents == 0 && s.QueuePctPeak < 50 &&
		binanceEPSMin != nil && *binanceEPSMin > 100 {
		out.PostQuality = Good
		reason("override: binance healthy -> GOOD")
	}

	return out
}

// DayStats summarizes window counts and totals of a day.
type DayStats struct {
	TotalWindows        int     `json:"total_windows"`
	Good                int     `json:"good"`
	Degraded            int     `json:"degraded"`
	Bad                 int     `json:"bad"`
	Partial             int     `json:"partial"`
	TotalDrops          int64   `json:"total_drops"`
	BinanceOfflineTotal float64 `json:"binance_offline_total"`
}

// DayReport is the aggregated day verdict, published as the quality
// sidecar of every partition compacted on that day.
type DayReport struct {
	DayQuality    string       `json:"day_quality"`
	Version       string       `json:"version"`
	Stats         DayStats     `json:"stats"`
	Windows       []Assessment `json:"windows"`
	ParseFailures []string     `json:"parse_failures,omitempty"`
}

// AggregateDay rolls window assessments up into the day verdict.
// Partial windows are excluded from the BAD/DEGRADED/GOOD counts but
// still contribute to drop and offline totals.
func AggregateDay(windows []Assessment, parseFailures []string) *DayReport {
	var stats = DayStats{TotalWindows: len(windows)}

	for _, w := range windows {
		stats.TotalDrops += w.DroppedEvents
		stats.BinanceOfflineTotal += w.BinanceOffline

		if w.IsPartial {
			stats.Partial++
			continue
		}
		switch w.PostQuality {
		case Bad:
			stats.Bad++
		case Degraded:
			stats.Degraded++
		case Good:
			stats.Good++
		}
	}
	var active = stats.Good + stats.Degraded + stats.Bad

	var verdict = Good
	if stats.Bad >= 3 || stats.TotalDrops > 100000 || stats.BinanceOfflineTotal > 3600 {
		verdict = Bad
	} else if (stats.Bad >= 1 && stats.Bad <= 2) || stats.Degraded >= 10 || stats.BinanceOfflineTotal > 900 {
		verdict = Degraded
	}
	if stats.Partial > 0 && active < minActiveWindows {
		verdict = Partial
	}

	return &DayReport{
		DayQuality:    verdict,
		Version:       PostFilterVersion,
		Stats:         stats,
		Windows:       windows,
		ParseFailures: parseFailures,
	}
}
