// Package merge implements streaming, constant-memory merging of sorted
// parquet files into a single date-ordered output with a dense seq column.
package merge

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Defaults mirror long-standing production settings.
const (
	DefaultBatchSize        = 100_000
	DefaultOutputBufferSize = 200_000
	DefaultLogInterval      = 5_000_000
	DefaultMaxOpenFiles     = 1200
)

// Merge strategies, reported in Result.Mode.
const (
	ModeFastConcat   = "fast_concat"
	ModeKWay         = "kway"
	ModeHierarchical = "hierarchical"
)

// ErrShutdown is returned when CheckShutdown reports a pending stop.
var ErrShutdown = errors.New("shutdown requested")

// Config tunes a merge. The zero value selects production defaults with
// seq injection and the fast path enabled.
type Config struct {
	// BatchSize is the number of rows decoded from an input at a time.
	BatchSize int
	// OutputBufferSize is the number of rows per output row group.
	OutputBufferSize int
	// LogInterval emits a progress line every N output rows.
	LogInterval int64
	// MaxOpenFiles caps simultaneously open inputs; above it the merge
	// goes hierarchical through an intermediate tier.
	MaxOpenFiles int

	// DisableSeq skips the seq column. Set for intermediate tiers.
	DisableSeq bool
	// PlainOutput writes every column plain-encoded, with no dictionary
	// pages. Pre-selected for trade streams, and as conflict fallback.
	PlainOutput bool
	// DisableFastPath forces a full k-way merge even for disjoint inputs.
	DisableFastPath bool

	// ScratchDir hosts hierarchical intermediates. Defaults to the
	// output's directory.
	ScratchDir string
	// CheckShutdown is polled between batches; returning true aborts
	// the merge with ErrShutdown.
	CheckShutdown func() bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.OutputBufferSize <= 0 {
		c.OutputBufferSize = DefaultOutputBufferSize
	}
	if c.LogInterval <= 0 {
		c.LogInterval = DefaultLogInterval
	}
	if c.MaxOpenFiles <= 0 {
		c.MaxOpenFiles = DefaultMaxOpenFiles
	}
	return c
}

// Timings breaks a merge into its coarse phases.
type Timings struct {
	Init  time.Duration `json:"init"`
	Loop  time.Duration `json:"loop"`
	Flush time.Duration `json:"flush"`
}

// Result describes a completed merge.
type Result struct {
	Rows        int64
	TsEventMin  int64 // valid iff Rows > 0 and any ts_event is non-null
	TsEventMax  int64
	SHA256      string
	InputParts  int
	Mode        string
	PlainOutput bool
	Duration    time.Duration
	Timings     Timings
}

// Merge combines |inputs| into one date-ordered parquet file at |output|.
// Inputs are taken in lexicographic order, which is their file_idx order.
// A dictionary conflict retries the entire merge with plain-encoded
// output.
func Merge(inputs []string, output string, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no input files for %s", output)
	}
	var sorted = append([]string(nil), inputs...)
	sort.Strings(sorted)

	result, err := mergeTree(sorted, output, cfg)
	if err != nil && !cfg.PlainOutput && IsEncodingConflict(err) {
		log.WithFields(log.Fields{
			"output": output,
			"error":  err.Error(),
		}).Warn("dictionary conflict; retrying merge with plain-encoded output")

		cfg.PlainOutput = true
		result, err = mergeTree(sorted, output, cfg)
	}
	return result, err
}

// IsEncodingConflict matches the failure raised when inputs carry
// incompatible dictionary pages for the same column.
func IsEncodingConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "more than one dictionary")
}

func mergeTree(inputs []string, output string, cfg Config) (*Result, error) {
	if len(inputs) > cfg.MaxOpenFiles {
		return mergeHierarchical(inputs, output, cfg)
	}
	return mergeOnce(inputs, output, cfg)
}

func mergeOnce(inputs []string, output string, cfg Config) (result *Result, err error) {
	var started = time.Now()
	var timings Timings

	var streams = make([]*fileStream, 0, len(inputs))
	defer func() {
		for _, s := range streams {
			s.close()
		}
	}()
	for i, path := range inputs {
		s, err := openFileStream(i, path, cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}
	timings.Init = time.Since(started)

	// Take the concatenation fast path only when column statistics prove
	// every input is internally sorted and the files, in order, cover
	// strictly non-overlapping ts_event ranges.
	var mode = ModeKWay
	if !cfg.DisableFastPath && disjointAscending(streams) {
		mode = ModeFastConcat
	}

	ow, err := newOutputWriter(output, streams[0].schema, streams[0].tsColumn, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			ow.abort()
		}
	}()

	var loopStart = time.Now()
	if mode == ModeFastConcat {
		err = concatStreams(streams, ow, cfg)
	} else {
		err = mergeStreams(streams, ow, cfg)
	}
	if err != nil {
		return nil, err
	}
	timings.Loop = time.Since(loopStart)

	var flushStart = time.Now()
	sha, err := ow.close()
	if err != nil {
		return nil, err
	}
	timings.Flush = time.Since(flushStart)

	return &Result{
		Rows:        ow.appended,
		TsEventMin:  ow.tsMin,
		TsEventMax:  ow.tsMax,
		SHA256:      sha,
		InputParts:  len(inputs),
		Mode:        mode,
		PlainOutput: cfg.PlainOutput,
		Duration:    time.Since(started),
		Timings:     timings,
	}, nil
}

// concatStreams streams each file's batches to the output in file order,
// flushing at batch boundaries so rows never outlive their source batch.
func concatStreams(streams []*fileStream, ow *outputWriter, cfg Config) error {
	for _, s := range streams {
		for s.hasRows() {
			if shutdownRequested(cfg) {
				return ErrShutdown
			}
			for _, row := range s.remaining() {
				if err := ow.append(row, false); err != nil {
					return err
				}
			}
			if err := ow.flush(); err != nil {
				return err
			}
			if err := s.loadNextBatch(); err != nil {
				return err
			}
			ow.logProgress(cfg.LogInterval)
		}
	}
	return nil
}

// mergeStreams runs the k-way heap merge, popping the globally smallest
// row until every stream is exhausted.
func mergeStreams(streams []*fileStream, ow *outputWriter, cfg Config) error {
	var h = make(streamHeap, 0, len(streams))
	for _, s := range streams {
		if s.hasRows() {
			h = append(h, heapEntry{key: s.key(), stream: s})
		}
	}
	heap.Init(&h)

	var sinceCheck int
	for h.Len() > 0 {
		var s = h[0].stream
		// The row is buffered across batch reloads of its stream.
		if err := ow.append(s.row(), true); err != nil {
			return err
		}
		if err := s.advance(); err != nil {
			return err
		}
		if s.hasRows() {
			h[0].key = s.key()
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}

		if sinceCheck++; sinceCheck >= cfg.BatchSize {
			sinceCheck = 0
			if shutdownRequested(cfg) {
				return ErrShutdown
			}
			ow.logProgress(cfg.LogInterval)
		}
	}
	return nil
}

// mergeHierarchical merges inputs in chunks of MaxOpenFiles into an
// intermediate tier, then merges the tier. Intermediates defer seq
// assignment to the final pass so seq stays dense over the whole output.
func mergeHierarchical(inputs []string, output string, cfg Config) (*Result, error) {
	var started = time.Now()

	var scratch = cfg.ScratchDir
	if scratch == "" {
		scratch = filepath.Dir(output)
	}
	dir, err := os.MkdirTemp(scratch, "merge-tier-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	log.WithFields(log.Fields{
		"inputs":         len(inputs),
		"max_open_files": cfg.MaxOpenFiles,
		"output":         output,
	}).Info("merging hierarchically through an intermediate tier")

	var intermediates []string
	for lo := 0; lo < len(inputs); lo += cfg.MaxOpenFiles {
		if shutdownRequested(cfg) {
			return nil, ErrShutdown
		}
		var hi = lo + cfg.MaxOpenFiles
		if hi > len(inputs) {
			hi = len(inputs)
		}
		var path = filepath.Join(dir, fmt.Sprintf("tier-%04d.parquet", len(intermediates)))

		var sub = cfg
		sub.DisableSeq = true
		if _, err := mergeTree(inputs[lo:hi], path, sub); err != nil {
			return nil, err
		}
		intermediates = append(intermediates, path)
	}

	result, err := mergeTree(intermediates, output, cfg)
	if err != nil {
		return nil, err
	}
	result.Mode = ModeHierarchical
	result.InputParts = len(inputs)
	result.Duration = time.Since(started)
	return result, nil
}

// disjointAscending inspects ts_event column statistics of every row
// group. It returns true iff every group carries statistics with no
// nulls, groups ascend within each file, and consecutive files do not
// overlap.
func disjointAscending(streams []*fileStream) bool {
	var prevFileMax int64
	var havePrev bool

	for _, s := range streams {
		var meta = s.pf.Metadata()
		var fileMin, fileMax int64
		var haveFile bool

		for _, rg := range meta.RowGroups {
			if rg.NumRows == 0 {
				continue
			}
			if s.tsColumn >= len(rg.Columns) {
				return false
			}
			var stats = rg.Columns[s.tsColumn].MetaData.Statistics
			if len(stats.MinValue) != 8 || len(stats.MaxValue) != 8 || stats.NullCount > 0 {
				return false
			}
			var min = int64(binary.LittleEndian.Uint64(stats.MinValue))
			var max = int64(binary.LittleEndian.Uint64(stats.MaxValue))
			if min > max {
				return false
			}
			if haveFile && min < fileMax {
				return false // row groups out of order within the file
			}
			if !haveFile {
				fileMin, haveFile = min, true
			}
			fileMax = max
		}
		if !haveFile {
			continue // empty file contributes no range
		}
		if havePrev && fileMin <= prevFileMax {
			return false // files overlap or touch
		}
		prevFileMax, havePrev = fileMax, true
	}
	return true
}

func shutdownRequested(cfg Config) bool {
	return cfg.CheckShutdown != nil && cfg.CheckShutdown()
}

// logProgress emits one line per LogInterval output rows.
func (ow *outputWriter) logProgress(interval int64) {
	if interval <= 0 {
		return
	}
	if tick := ow.appended / interval; tick > ow.logged {
		ow.logged = tick
		log.WithFields(log.Fields{
			"rows":   ow.appended,
			"output": ow.path,
		}).Info("merge progress")
	}
}
