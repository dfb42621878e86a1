// Package report writes benchmark results.
//
// A Sink receives one header line followed by rows. The benchmark loop emits
// rows of (index, message size, metric); other harnesses emit their own
// column sets. Writer renders rows as tab- or comma-separated text.
package report

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Report errors.
var (
	ErrNoHeader      = errors.New("row written before header")
	ErrColumnCount   = errors.New("row does not match header column count")
	ErrUnknownFormat = errors.New("unknown report format")
)

// Format is the row separator style.
type Format string

const (
	// FormatTSV separates fields with tabs.
	FormatTSV Format = "tsv"
	// FormatCSV separates fields with commas.
	FormatCSV Format = "csv"
)

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatTSV, "tab":
		return FormatTSV, nil
	case FormatCSV, "comma":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

func (f Format) separator() string {
	if f == FormatCSV {
		return ","
	}

	return "\t"
}

// Sink receives result rows.
type Sink interface {
	// Header starts a new table with the given columns.
	Header(columns ...string) error

	// Row appends one row. The number of values must match the header.
	Row(values ...interface{}) error
}

// Writer is a Sink rendering text rows.
type Writer struct {
	mu        sync.Mutex
	w         *bufio.Writer
	format    Format
	precision int
	columns   int
	rows      int
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithPrecision sets the number of decimals printed for floats. Default 4.
func WithPrecision(p int) WriterOption {
	return func(w *Writer) {
		w.precision = p
	}
}

// NewWriter returns a Writer over out.
func NewWriter(out io.Writer, format Format, opts ...WriterOption) *Writer {
	w := &Writer{
		w:         bufio.NewWriter(out),
		format:    format,
		precision: 4,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Comment writes a line prefixed with '#'.
func (w *Writer) Comment(format string, args ...interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := fmt.Fprintf(w.w, "# "+format+"\n", args...)

	return err
}

// Header implements Sink.
func (w *Writer) Header(columns ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.columns = len(columns)

	return w.line(columns)
}

// Row implements Sink. Rows are flushed as they are written so a failed run
// leaves every completed row in the output.
func (w *Writer) Row(values ...interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.columns == 0 {
		return ErrNoHeader
	}

	if len(values) != w.columns {
		return fmt.Errorf("%w: got %d, want %d", ErrColumnCount, len(values), w.columns)
	}

	fields := make([]string, len(values))
	for i, v := range values {
		fields[i] = w.field(v)
	}

	w.rows++

	return w.line(fields)
}

// Rows returns the number of rows written.
func (w *Writer) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.rows
}

// Flush writes buffered output.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.w.Flush()
}

func (w *Writer) line(fields []string) error {
	if _, err := w.w.WriteString(strings.Join(fields, w.format.separator()) + "\n"); err != nil {
		return err
	}

	return w.w.Flush()
}

func (w *Writer) field(v interface{}) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', w.precision, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', w.precision, 32)
	case time.Duration:
		return strconv.FormatFloat(float64(x.Nanoseconds())*1e-3, 'f', w.precision, 64)
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Header(...string) error   { return nil }
func (discard) Row(...interface{}) error { return nil }

// Table is an in-memory Sink.
type Table struct {
	mu      sync.Mutex
	Columns []string
	Rows    [][]interface{}
}

// Header implements Sink.
func (t *Table) Header(columns ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Columns = append([]string(nil), columns...)

	return nil
}

// Row implements Sink.
func (t *Table) Row(values ...interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Columns == nil {
		return ErrNoHeader
	}

	if len(values) != len(t.Columns) {
		return fmt.Errorf("%w: got %d, want %d", ErrColumnCount, len(values), len(t.Columns))
	}

	t.Rows = append(t.Rows, append([]interface{}(nil), values...))

	return nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.Rows)
}

// Float returns column col of every row as float64.
func (t *Table) Float(col int) []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]float64, 0, len(t.Rows))
	for _, r := range t.Rows {
		switch v := r[col].(type) {
		case float64:
			out = append(out, v)
		case int:
			out = append(out, float64(v))
		case uint64:
			out = append(out, float64(v))
		}
	}

	return out
}
