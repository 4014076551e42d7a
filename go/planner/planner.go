// Package planner selects the (partition, date) work set: forward catch-up
// from the journal watermark, or reverse backfill of pending dates.
package planner

import (
	"sort"
	"strings"

	"github.com/quantlab/compactor/go/journal"
)

// terminal reports whether a status counts a date as done for planning.
// Aborted runs stay pending so an interrupted backfill resumes.
func terminal(status string) bool {
	switch status {
	case journal.StatusSuccess, journal.StatusQuarantine, journal.StatusSkipped, journal.StatusNoFiles:
		return true
	}
	return false
}

// CatchUp returns the raw dates strictly between the journal's
// last_compacted_date and |today|, ascending. An unset watermark returns
// nil: the runner separately elects "yesterday only" as a fresh start.
func CatchUp(rawDates []string, lastCompacted, today string) []string {
	if lastCompacted == "" {
		return nil
	}
	var out []string
	for _, d := range rawDates {
		if d > lastCompacted && d < today {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// Reverse returns the raw dates before |today| that are not yet completed,
// newest first. A date is completed if it carries a terminal day status, or
// if every known partition of that date carries a terminal status.
func Reverse(rawDates []string, state *journal.State, today string) []string {
	var completed = completedDates(state)

	var pending []string
	for _, d := range rawDates {
		if d >= today {
			continue
		}
		if _, ok := completed[d]; ok {
			continue
		}
		pending = append(pending, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(pending)))
	return pending
}

func completedDates(state *journal.State) map[string]struct{} {
	var completed = make(map[string]struct{})
	for date, entry := range state.Days {
		if terminal(entry.Status) {
			completed[date] = struct{}{}
		}
	}

	// Group partition statuses by date; a date whose every known partition
	// is terminal counts as completed even without a day entry.
	var byDate = make(map[string]bool) // date → all-terminal so far
	for key, entry := range state.Partitions {
		var idx = strings.LastIndexByte(key, '/')
		if idx < 0 {
			continue
		}
		var date = key[idx+1:]
		if _, ok := completed[date]; ok {
			continue
		}
		if all, seen := byDate[date]; !seen {
			byDate[date] = terminal(entry.Status)
		} else {
			byDate[date] = all && terminal(entry.Status)
		}
	}
	for date, all := range byDate {
		if all {
			completed[date] = struct{}{}
		}
	}
	return completed
}
