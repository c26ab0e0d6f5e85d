// Package artifact reads and writes per-shard output files. An artifact is a
// JSON Lines file holding one Record per input item, in input order.
package artifact

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrMalformed is returned when an artifact exists but cannot be trusted.
var ErrMalformed = errors.New("malformed artifact")

// Record is the result of processing one input item.
type Record struct {
	Index  int             `json:"index"`
	Item   string          `json:"item"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Writer writes records to a temp file and moves it into place on Commit.
type Writer struct {
	path  string
	tmp   *os.File
	buf   *bufio.Writer
	enc   *json.Encoder
	count int
}

// Create opens a writer for path. Nothing is visible at path until Commit.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp artifact: %w", err)
	}
	buf := bufio.NewWriter(tmp)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Writer{path: path, tmp: tmp, buf: buf, enc: enc}, nil
}

// Write appends one record.
func (w *Writer) Write(r Record) error {
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("encode record %d: %w", r.Index, err)
	}
	w.count++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() int {
	return w.count
}

// Commit flushes, syncs and renames the temp file over the target path.
func (w *Writer) Commit() error {
	name := w.tmp.Name()
	if err := w.buf.Flush(); err != nil {
		w.tmp.Close()
		os.Remove(name)
		return fmt.Errorf("flush artifact: %w", err)
	}
	if err := w.tmp.Sync(); err != nil {
		w.tmp.Close()
		os.Remove(name)
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(name, w.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// Abort discards the temp file.
func (w *Writer) Abort() {
	name := w.tmp.Name()
	w.tmp.Close()
	os.Remove(name)
}

// WriteAll writes records to path atomically.
func WriteAll(path string, records []Record) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := w.Write(r); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Commit()
}

// Decode reads every record from r.
func Decode(r io.Reader) ([]Record, error) {
	var records []Record
	dec := json.NewDecoder(bufio.NewReader(r))
	for {
		var rec Record
		err := dec.Decode(&rec)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("%w: record %d: %v", ErrMalformed, len(records)+1, err)
		}
		records = append(records, rec)
	}
}

// ReadAll reads every record from the artifact at path.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Exists reports whether path is a regular, non-empty file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Verify checks that the artifact at path exists, parses, and holds exactly
// want records. A negative want skips the count check.
func Verify(path string, want int) error {
	if !Exists(path) {
		return fmt.Errorf("%w: %s missing or empty", ErrMalformed, path)
	}
	records, err := ReadAll(path)
	if err != nil {
		return err
	}
	if want >= 0 && len(records) != want {
		return fmt.Errorf("%w: %s has %d records, want %d", ErrMalformed, path, len(records), want)
	}
	return nil
}
