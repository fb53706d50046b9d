package store

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

// TimestampLayout formats time labels in tabular headers and index columns.
const TimestampLayout = "2006-01-02 15:04:05"

// tabular holds what the row-wise and column-wise CSV stores share.
type tabular struct {
	path string
	opts Options
}

// readCommitted parses the file up to its last newline. A trailing partial
// row left by an interrupted append is not committed and is ignored. The
// second result is the byte length of the committed prefix.
func (t tabular) readCommitted() ([][]string, int64, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", t.path, err)
	}
	cut := bytes.LastIndexByte(data, '\n') + 1
	if cut < len(data) {
		t.opts.Logger.Warn("ignoring torn trailing row", "path", t.path, "bytes", len(data)-cut)
	}
	data = data[:cut]

	r := csv.NewReader(bytes.NewReader(data))
	records, err := r.ReadAll()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: parse %s: %w", domain.ErrSchemaMismatch, t.path, err)
	}
	return records, int64(cut), nil
}

// writeAtomic writes a new version of the file through a temp file and a
// rename, so readers see either the old or the new content.
func (t tabular) writeAtomic(records [][]string) error {
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(t.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if err := writeRecords(tmp, records); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		return fmt.Errorf("rename to %s: %w", t.path, err)
	}
	return nil
}

// appendRecords appends records at offset, the end of the committed
// prefix, and syncs. On failure the file is truncated back to offset.
func (t tabular) appendRecords(offset int64, records [][]string) (err error) {
	f, err := os.OpenFile(t.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.path, err)
	}
	defer func() {
		if err != nil {
			if terr := f.Truncate(offset); terr != nil {
				t.opts.Logger.Error("truncate after failed append", "path", t.path, "error", terr)
			}
		}
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", t.path, cerr)
		}
	}()

	if err := f.Truncate(offset); err != nil {
		return fmt.Errorf("drop torn row: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", t.path, err)
	}
	if err := writeRecords(f, records); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", t.path, err)
	}
	return nil
}

func writeRecords(w io.Writer, records [][]string) error {
	bw := bufio.NewWriter(w)
	cw := csv.NewWriter(bw)
	if err := cw.WriteAll(records); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func timeLabels(ix domain.TimeIndex) []string {
	labels := make([]string, ix.Len)
	for i := range labels {
		labels[i] = ix.At(i).Format(TimestampLayout)
	}
	return labels
}

// FormatValue renders a stored value. NaN is an empty field.
func FormatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ParseValue is the inverse of FormatValue.
func ParseValue(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
