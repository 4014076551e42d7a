package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

const (
	tsEventColumn = "ts_event"
	seqColumn     = "seq"
)

// orderedGroup carries an explicit field order. parquet.Group alone lists
// fields alphabetically, which would detach seq from ts_event.
type orderedGroup struct {
	parquet.Group
	order []string
}

func (g orderedGroup) Fields() []parquet.Field {
	var byName = make(map[string]parquet.Field, len(g.order))
	for _, f := range g.Group.Fields() {
		byName[f.Name()] = f
	}
	var fields = make([]parquet.Field, 0, len(g.order))
	for _, name := range g.order {
		fields = append(fields, byName[name])
	}
	return fields
}

// outputSchema derives the writer schema from an input schema: the same
// fields in the same order, optionally with a required int64 seq field
// directly after ts_event, and optionally with every leaf forced to plain
// encoding so no dictionary pages are written.
func outputSchema(in *parquet.Schema, addSeq, plain bool) *parquet.Schema {
	var group = parquet.Group{}
	var order []string
	for _, f := range in.Fields() {
		var node parquet.Node = f
		if plain && f.Leaf() {
			node = parquet.Encoded(node, &parquet.Plain)
		}
		group[f.Name()] = node
		order = append(order, f.Name())

		if addSeq && f.Name() == tsEventColumn {
			group[seqColumn] = parquet.Int(64)
			order = append(order, seqColumn)
		}
	}
	return parquet.NewSchema(in.Name(), orderedGroup{Group: group, order: order})
}

// outputWriter buffers rows and writes them in aligned row groups,
// assigning dense seq values and tracking ts_event bounds as it goes.
type outputWriter struct {
	path string
	f    *os.File
	hash hash.Hash
	w    *parquet.Writer

	addSeq  bool
	tsIn    int // ts_event leaf index in the input schema
	seq     int64
	flushAt int
	buffer  []parquet.Row
	scratch []parquet.Row

	appended int64
	logged   int64
	tsMin    int64
	tsMax    int64
	tsSeen   bool
}

func newOutputWriter(path string, inSchema *parquet.Schema, tsIn int, cfg Config) (*outputWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	var h = sha256.New()
	var schema = outputSchema(inSchema, !cfg.DisableSeq, cfg.PlainOutput)

	return &outputWriter{
		path:    path,
		f:       f,
		hash:    h,
		w:       parquet.NewWriter(io.MultiWriter(f, h), schema, parquet.Compression(&zstd.Codec{})),
		addSeq:  !cfg.DisableSeq,
		tsIn:    tsIn,
		flushAt: cfg.OutputBufferSize,
		buffer:  make([]parquet.Row, 0, cfg.OutputBufferSize),
	}, nil
}

// append buffers one input-shaped row. Rows that outlive their source
// batch must be appended with clone set.
func (ow *outputWriter) append(row parquet.Row, clone bool) error {
	var v = row[ow.tsIn]
	if !v.IsNull() {
		var ts = v.Int64()
		if !ow.tsSeen {
			ow.tsMin, ow.tsMax, ow.tsSeen = ts, ts, true
		} else {
			if ts < ow.tsMin {
				ow.tsMin = ts
			}
			if ts > ow.tsMax {
				ow.tsMax = ts
			}
		}
	}

	if clone {
		row = row.Clone()
	}
	ow.buffer = append(ow.buffer, row)
	ow.appended++

	if len(ow.buffer) >= ow.flushAt {
		return ow.flush()
	}
	return nil
}

// flush writes the buffer as one row group, injecting seq values.
func (ow *outputWriter) flush() error {
	if len(ow.buffer) == 0 {
		return nil
	}
	if cap(ow.scratch) < len(ow.buffer) {
		ow.scratch = make([]parquet.Row, 0, len(ow.buffer))
	}
	var out = ow.scratch[:0]
	for _, row := range ow.buffer {
		out = append(out, ow.outputRow(row))
	}
	if _, err := ow.w.WriteRows(out); err != nil {
		return fmt.Errorf("writing rows to %s: %w", ow.path, err)
	}
	// Row group boundaries track buffer flushes.
	if err := ow.w.Flush(); err != nil {
		return fmt.Errorf("flushing row group of %s: %w", ow.path, err)
	}
	ow.buffer = ow.buffer[:0]
	return nil
}

// outputRow maps an input-shaped row to the output schema, re-indexing
// columns past ts_event and splicing in the next seq value.
func (ow *outputWriter) outputRow(in parquet.Row) parquet.Row {
	if !ow.addSeq {
		return in
	}
	var out = make(parquet.Row, 0, len(in)+1)
	for _, v := range in {
		var col = v.Column()
		if col > ow.tsIn {
			col++
		}
		out = append(out, v.Level(v.RepetitionLevel(), v.DefinitionLevel(), col))

		if v.Column() == ow.tsIn {
			out = append(out, parquet.Int64Value(ow.seq).Level(0, 0, ow.tsIn+1))
			ow.seq++
		}
	}
	return out
}

// close flushes remaining rows, finalizes the footer, and returns the
// hex SHA-256 of the written file.
func (ow *outputWriter) close() (string, error) {
	if err := ow.flush(); err != nil {
		return "", err
	}
	if err := ow.w.Close(); err != nil {
		return "", fmt.Errorf("closing writer of %s: %w", ow.path, err)
	}
	if err := ow.f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", ow.path, err)
	}
	ow.f = nil
	return hex.EncodeToString(ow.hash.Sum(nil)), nil
}

// abort discards the partially written file. Safe after close.
func (ow *outputWriter) abort() {
	if ow.f == nil {
		return
	}
	ow.f.Close()
	ow.f = nil
	os.Remove(ow.path)
}
