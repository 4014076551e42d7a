package merge

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// Verify re-opens |path| before publication, confirms it ends with the
// PAR1 trailer, and decodes every row, requiring exactly |wantRows|.
// Footer row counts are written independently of the data pages, so only
// a full read catches corrupt or truncated pages.
func Verify(path string, wantRows int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if stat.Size() < 8 {
		return fmt.Errorf("%s: truncated (%d bytes)", path, stat.Size())
	}

	var trailer [4]byte
	if _, err := f.ReadAt(trailer[:], stat.Size()-4); err != nil {
		return fmt.Errorf("reading trailer of %s: %w", path, err)
	}
	if string(trailer[:]) != "PAR1" {
		return fmt.Errorf("%s: missing parquet trailer", path)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	var buf = make([]parquet.Row, 256)
	var rows int64
	for _, rg := range pf.RowGroups() {
		var rr = rg.Rows()
		for {
			n, err := rr.ReadRows(buf)
			rows += int64(n)
			if err == io.EOF {
				break
			} else if err != nil {
				rr.Close()
				return fmt.Errorf("decoding rows of %s: %w", path, err)
			} else if n == 0 {
				break
			}
		}
		if err := rr.Close(); err != nil {
			return fmt.Errorf("closing row reader of %s: %w", path, err)
		}
	}
	if rows != wantRows {
		return fmt.Errorf("%s: holds %d rows, merge produced %d", path, rows, wantRows)
	}
	return nil
}
