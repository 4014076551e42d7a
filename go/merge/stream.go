package merge

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// fileStream reads one input file as a sequence of row batches, holding
// exactly one decoded batch in memory at a time.
type fileStream struct {
	fileIdx int
	path    string

	osFile    *os.File
	pf        *parquet.File
	schema    *parquet.Schema
	tsColumn  int
	rowGroups []parquet.RowGroup
	rgIdx     int
	rows      parquet.Rows

	buf          []parquet.Row
	batch        []parquet.Row
	batchIdx     int
	globalRowIdx int64
	exhausted    bool
}

// openFileStream opens |path| and positions the stream at its first row.
func openFileStream(fileIdx int, path string, batchSize int) (*fileStream, error) {
	osFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	stat, err := osFile.Stat()
	if err != nil {
		osFile.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	pf, err := parquet.OpenFile(osFile, stat.Size())
	if err != nil {
		osFile.Close()
		return nil, fmt.Errorf("opening parquet %s: %w", path, err)
	}

	var schema = pf.Schema()
	tsLeaf, ok := schema.Lookup(tsEventColumn)
	if !ok {
		osFile.Close()
		return nil, fmt.Errorf("%s: missing %s column", path, tsEventColumn)
	}

	var s = &fileStream{
		fileIdx:   fileIdx,
		path:      path,
		osFile:    osFile,
		pf:        pf,
		schema:    schema,
		tsColumn:  tsLeaf.ColumnIndex,
		rowGroups: pf.RowGroups(),
		buf:       make([]parquet.Row, batchSize),
	}
	if err := s.loadNextBatch(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// loadNextBatch advances to the next non-empty batch, walking row groups
// as needed, and marks the stream exhausted at end of file.
func (s *fileStream) loadNextBatch() error {
	for {
		if s.rows == nil {
			if s.rgIdx >= len(s.rowGroups) {
				s.batch = nil
				s.exhausted = true
				return nil
			}
			s.rows = s.rowGroups[s.rgIdx].Rows()
			s.rgIdx++
		}

		n, err := s.rows.ReadRows(s.buf)
		if n > 0 {
			s.batch = s.buf[:n]
			s.batchIdx = 0
			if err == io.EOF {
				s.closeRows()
			}
			return nil
		}
		if err == io.EOF {
			s.closeRows()
			continue
		}
		if err != nil {
			return fmt.Errorf("reading batch from %s: %w", s.path, err)
		}
	}
}

func (s *fileStream) hasRows() bool { return !s.exhausted }

// key returns the sort key of the current row.
func (s *fileStream) key() sortKey {
	var v = s.batch[s.batchIdx][s.tsColumn]
	return sortKey{
		ts:      v.Int64(),
		tsNull:  v.IsNull(),
		fileIdx: s.fileIdx,
		rowIdx:  s.globalRowIdx,
	}
}

// row returns the current row. The returned slice is only valid until the
// stream advances past its batch; callers retaining it must Clone.
func (s *fileStream) row() parquet.Row {
	return s.batch[s.batchIdx]
}

// remaining returns the unconsumed rows of the current batch and marks
// them consumed. The slice is invalidated by the next loadNextBatch.
func (s *fileStream) remaining() []parquet.Row {
	var rows = s.batch[s.batchIdx:]
	s.globalRowIdx += int64(len(rows))
	s.batchIdx = len(s.batch)
	return rows
}

// advance moves to the next row, loading a new batch lazily.
func (s *fileStream) advance() error {
	s.batchIdx++
	s.globalRowIdx++
	if s.batchIdx >= len(s.batch) {
		return s.loadNextBatch()
	}
	return nil
}

func (s *fileStream) closeRows() {
	if s.rows != nil {
		s.rows.Close()
		s.rows = nil
	}
}

func (s *fileStream) close() {
	s.closeRows()
	if s.osFile != nil {
		s.osFile.Close()
		s.osFile = nil
	}
}

// sortKey totally orders rows: ts_event ascending (nulls last), then
// (file_idx, row_idx) to make ties deterministic.
type sortKey struct {
	ts      int64
	tsNull  bool
	fileIdx int
	rowIdx  int64
}

func (a sortKey) less(b sortKey) bool {
	if a.tsNull != b.tsNull {
		return !a.tsNull
	}
	if !a.tsNull && a.ts != b.ts {
		return a.ts < b.ts
	}
	if a.fileIdx != b.fileIdx {
		return a.fileIdx < b.fileIdx
	}
	return a.rowIdx < b.rowIdx
}

// streamHeap is a min-heap of streams keyed by their current row.
type streamHeap []heapEntry

type heapEntry struct {
	key    sortKey
	stream *fileStream
}

func (h streamHeap) Len() int            { return len(h) }
func (h streamHeap) Less(i, j int) bool  { return h[i].key.less(h[j].key) }
func (h streamHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *streamHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *streamHeap) Pop() interface{} {
	var old = *h
	var n = len(old)
	var entry = old[n-1]
	*h = old[:n-1]
	return entry
}
