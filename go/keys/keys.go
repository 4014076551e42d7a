// Package keys defines partition identity and the object-key layout shared
// by the raw and compact stores.
package keys

import (
	"fmt"
	"strings"
)

// Coordination objects under the compact store root.
const (
	// StateKey is the single state journal document.
	StateKey = "compacted/_state.json"
	// StateLockKey serializes read-modify-write of the journal document.
	StateLockKey = "compacted/_state.json.lock"
	// QuicktestStateKey scopes quicktest runs to their own journal.
	QuicktestStateKey = "compacted/quicktest/_state.json"
	// LocksPrefix holds one lock object per in-flight partition.
	LocksPrefix = "compacted/locks/"
)

// Partition identifies one (exchange, stream, symbol, date) tuple.
// Date is YYYYMMDD, UTC.
type Partition struct {
	Exchange string
	Stream   string
	Symbol   string
	Date     string
}

// String returns the canonical journal key form, "exchange/stream/symbol/date".
func (p Partition) String() string {
	return p.Exchange + "/" + p.Stream + "/" + p.Symbol + "/" + p.Date
}

// RawPrefix is the partition's key prefix in both the raw and compact stores.
func (p Partition) RawPrefix() string {
	return fmt.Sprintf("exchange=%s/stream=%s/symbol=%s/date=%s/",
		p.Exchange, p.Stream, p.Symbol, p.Date)
}

// DataKey is the finalized compact output object.
func (p Partition) DataKey() string { return p.RawPrefix() + "data.parquet" }

// MetaKey is the finalized metadata sidecar.
func (p Partition) MetaKey() string { return p.RawPrefix() + "meta.json" }

// QualityKey is the finalized day-quality sidecar. Readers treat it as the
// "done marker": publication order is data, then meta, then quality.
func (p Partition) QualityKey() string { return p.RawPrefix() + "quality_day.json" }

// LockKey is the partition's conditional-PUT lock object.
func (p Partition) LockKey() string {
	return fmt.Sprintf("%s%s/%s/%s/%s.lock",
		LocksPrefix, p.Exchange, p.Stream, p.Symbol, p.Date)
}

// QualityWindowPrefix lists the ingester's window reports for a date.
func QualityWindowPrefix(date string) string {
	return fmt.Sprintf("quality/date=%s/", date)
}

// ParseLockKey recovers the Partition from a lock object key, or false if
// the key isn't shaped like one.
func ParseLockKey(key string) (Partition, bool) {
	if !strings.HasPrefix(key, LocksPrefix) || !strings.HasSuffix(key, ".lock") {
		return Partition{}, false
	}
	var parts = strings.Split(strings.TrimSuffix(strings.TrimPrefix(key, LocksPrefix), ".lock"), "/")
	if len(parts) != 4 {
		return Partition{}, false
	}
	var p = Partition{Exchange: parts[0], Stream: parts[1], Symbol: parts[2], Date: parts[3]}
	if p.Exchange == "" || p.Stream == "" || p.Symbol == "" || !ValidDate(p.Date) {
		return Partition{}, false
	}
	return p, true
}

// ParsePartitionKey recovers a Partition from its canonical journal key form.
func ParsePartitionKey(key string) (Partition, bool) {
	var parts = strings.Split(key, "/")
	if len(parts) != 4 || !ValidDate(parts[3]) {
		return Partition{}, false
	}
	return Partition{Exchange: parts[0], Stream: parts[1], Symbol: parts[2], Date: parts[3]}, true
}

// ValidDate reports whether s is a well-formed YYYYMMDD value.
func ValidDate(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
