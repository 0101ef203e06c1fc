package tabular

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"

	perr "dumpflat/internal/errors"
)

// RowSink receives the header once and then every row in order. Row slices
// are reused by the caller and must not be retained.
type RowSink interface {
	WriteHeader(cols []string) error
	WriteRow(row []string) error
	Close() error
}

// Format selects the on-disk table encoding.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// ParseFormat maps a user-supplied name to a Format. "" means CSV.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return FormatCSV, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	default:
		return "", perr.Configf("unknown output format %q", s)
	}
}

// Ext is the file extension for f, without the dot.
func (f Format) Ext() string {
	if f == FormatJSONL {
		return "jsonl"
	}
	return "csv"
}

// Create opens path for writing and returns a sink of the given format.
// comma is only used for CSV; 0 means ','.
func Create(path string, f Format, comma rune) (RowSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, perr.IO("create", path, err)
	}
	bw := bufio.NewWriterSize(file, 1<<20)
	fs := &fileSink{path: path, f: file, bw: bw}
	switch f {
	case FormatJSONL:
		fs.RowSink = NewJSONLSink(bw)
	default:
		fs.RowSink = NewCSVSink(bw, comma)
	}
	return fs, nil
}

// CSVSink writes RFC 4180 CSV. The header row is skipped when there are no
// columns so an empty table is an empty file.
type CSVSink struct {
	w *csv.Writer
}

// NewCSVSink returns a CSV sink over w. comma 0 means ','.
func NewCSVSink(w io.Writer, comma rune) *CSVSink {
	cw := csv.NewWriter(w)
	if comma != 0 {
		cw.Comma = comma
	}
	return &CSVSink{w: cw}
}

func (s *CSVSink) WriteHeader(cols []string) error {
	if len(cols) == 0 {
		return nil
	}
	return s.w.Write(cols)
}

func (s *CSVSink) WriteRow(row []string) error { return s.w.Write(row) }

func (s *CSVSink) Close() error {
	s.w.Flush()
	return s.w.Error()
}

// JSONLSink writes one JSON object per row, keyed by column name.
type JSONLSink struct {
	w    io.Writer
	cols []string
	obj  map[string]string
}

// NewJSONLSink returns a JSON-lines sink over w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

func (s *JSONLSink) WriteHeader(cols []string) error {
	s.cols = append([]string(nil), cols...)
	s.obj = make(map[string]string, len(cols))
	return nil
}

func (s *JSONLSink) WriteRow(row []string) error {
	if len(row) != len(s.cols) {
		return fmt.Errorf("jsonl: row has %d values for %d columns", len(row), len(s.cols))
	}
	for i, c := range s.cols {
		s.obj[c] = row[i]
	}
	b, err := json.MarshalNoEscape(s.obj)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = s.w.Write(b)
	return err
}

func (s *JSONLSink) Close() error { return nil }

// fileSink ties a sink to the file it writes and tags errors with its path.
type fileSink struct {
	RowSink
	path string
	f    *os.File
	bw   *bufio.Writer
}

func (s *fileSink) WriteHeader(cols []string) error {
	if err := s.RowSink.WriteHeader(cols); err != nil {
		return perr.IO("write", s.path, err)
	}
	return nil
}

func (s *fileSink) WriteRow(row []string) error {
	if err := s.RowSink.WriteRow(row); err != nil {
		return perr.IO("write", s.path, err)
	}
	return nil
}

func (s *fileSink) Close() error {
	err := s.RowSink.Close()
	if err == nil {
		err = s.bw.Flush()
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return perr.IO("close", s.path, err)
	}
	return nil
}
