package worker

import (
	"fmt"
	"strings"

	"github.com/quantlab/compactor/go/keys"
	"github.com/quantlab/compactor/go/merge"
)

// Error types recorded in quarantine entries for triage.
const (
	ErrorTypeDictConflict  = "DICT_CONFLICT"
	ErrorTypeSnappyCorrupt = "SNAPPY_CORRUPT"
	ErrorTypeOther         = "OTHER"
)

func classifyError(err error) string {
	switch {
	case merge.IsEncodingConflict(err):
		return ErrorTypeDictConflict
	case strings.Contains(strings.ToLower(err.Error()), "snappy"):
		return ErrorTypeSnappyCorrupt
	default:
		return ErrorTypeOther
	}
}

// failingKey maps a local scratch path mentioned in the error message back
// to the source object key it was downloaded from.
func failingKey(err error, sources map[string]string) string {
	var msg = err.Error()
	for local, key := range sources {
		if strings.Contains(msg, local) {
			return key
		}
	}
	return ""
}

// reproducer is a copy-pasteable command re-running exactly this partition.
func reproducer(key keys.Partition) string {
	return fmt.Sprintf(
		"compactctl-go backfill --from %s --to %s --exchanges %s --streams %s --symbols %s --overwrite",
		key.Date, key.Date, key.Exchange, key.Stream, key.Symbol)
}
