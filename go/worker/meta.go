package worker

import (
	"github.com/quantlab/compactor/go/keys"
	"github.com/quantlab/compactor/go/merge"
	"github.com/quantlab/compactor/go/quality"
)

// SchemaVersion identifies the metadata sidecar layout.
const SchemaVersion = "1"

// Meta is the metadata sidecar published next to each compact output.
// Readers use it to validate row counts and checksums without opening
// the data file.
type Meta struct {
	Rows              int64    `json:"rows"`
	TsEventMin        *int64   `json:"ts_event_min"`
	TsEventMax        *int64   `json:"ts_event_max"`
	SHA256            string   `json:"sha256"`
	SourceFiles       int      `json:"source_files"`
	SchemaVersion     string   `json:"schema_version"`
	StreamType        string   `json:"stream_type"`
	OrderingColumns   []string `json:"ordering_columns"`
	DayQuality        string   `json:"day_quality"`
	PostFilterVersion string   `json:"post_filter_version"`
	DurationMS        int64    `json:"duration_ms"`
}

func buildMeta(key keys.Partition, result *merge.Result, sourceFiles int, report *quality.DayReport) Meta {
	var meta = Meta{
		Rows:              result.Rows,
		SHA256:            result.SHA256,
		SourceFiles:       sourceFiles,
		SchemaVersion:     SchemaVersion,
		StreamType:        key.Stream,
		OrderingColumns:   []string{"ts_event", "seq"},
		DayQuality:        report.DayQuality,
		PostFilterVersion: report.Version,
		DurationMS:        result.Duration.Milliseconds(),
	}
	if result.Rows > 0 {
		var min, max = result.TsEventMin, result.TsEventMax
		meta.TsEventMin, meta.TsEventMax = &min, &max
	}
	return meta
}
