package reference

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/e7canasta/dantic/internal/pose"
)

// Columns is the persisted field order.
var Columns = []string{
	"left_arm_x", "left_arm_y",
	"right_arm_x", "right_arm_y",
	"left_leg_x", "left_leg_y",
	"right_leg_x", "right_leg_y",
}

// Precision values understood by WriteCSV besides a positive decimal count.
const (
	// DefaultPrecision is the number of decimals written when
	// CSVOptions.Precision is zero.
	DefaultPrecision = 4
	// ShortestPrecision writes the shortest representation that round-trips
	// exactly.
	ShortestPrecision = -1
	// WholePrecision writes coordinates with no decimals.
	WholePrecision = -2
)

// CSVOptions controls WriteCSV.
type CSVOptions struct {
	Header bool
	// Precision is the number of decimals. Zero selects DefaultPrecision;
	// see ShortestPrecision and WholePrecision for the other modes.
	Precision int
}

func (o CSVOptions) decimals() int {
	switch {
	case o.Precision == 0:
		return DefaultPrecision
	case o.Precision == WholePrecision:
		return 0
	case o.Precision < 0:
		return -1
	}
	return o.Precision
}

// RecordError describes a persisted row that could not be parsed.
type RecordError struct {
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("reference log line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// ReadStats reports what ReadCSV accepted and skipped.
type ReadStats struct {
	Rows    int
	Skipped []*RecordError
}

// WriteCSV writes one row of eight coordinates per pose.
func WriteCSV(w io.Writer, seq []pose.Reduced, opts CSVOptions) error {
	cw := csv.NewWriter(w)

	if opts.Header {
		if err := cw.Write(Columns); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	prec := opts.decimals()
	row := make([]string, len(Columns))
	for i, p := range seq {
		for j, v := range p.Fields() {
			row[j] = strconv.FormatFloat(v, 'f', prec, 64)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a reference log. A leading row naming Columns is treated as
// a header and skipped. Rows that do not hold exactly eight numbers are logged, recorded
// in ReadStats and skipped. NaN coordinates are accepted.
func ReadCSV(r io.Reader) ([]pose.Reduced, ReadStats, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var (
		seq   []pose.Reduced
		stats ReadStats
		first = true
	)

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				first = false
				stats.Skipped = append(stats.Skipped, skip(perr.Line, perr.Err))
				continue
			}
			return nil, stats, fmt.Errorf("read reference log: %w", err)
		}

		line, _ := cr.FieldPos(0)
		if first {
			first = false
			if isHeader(record) {
				continue
			}
		}

		p, err := parseRecord(record)
		if err != nil {
			stats.Skipped = append(stats.Skipped, skip(line, err))
			continue
		}
		seq = append(seq, p)
		stats.Rows++
	}

	return seq, stats, nil
}

func skip(line int, err error) *RecordError {
	rerr := &RecordError{Line: line, Err: err}
	slog.Warn("reference log: record skipped", "line", line, "error", err)
	return rerr
}

// isHeader reports whether record names Columns, ignoring case and
// surrounding space.
func isHeader(record []string) bool {
	if len(record) != len(Columns) {
		return false
	}
	for i, s := range record {
		if !strings.EqualFold(strings.TrimSpace(s), Columns[i]) {
			return false
		}
	}
	return true
}

func parseRecord(record []string) (pose.Reduced, error) {
	if len(record) != len(Columns) {
		return pose.Reduced{}, fmt.Errorf("expected %d fields, got %d", len(Columns), len(record))
	}
	var fields [8]float64
	for i, s := range record {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return pose.Reduced{}, fmt.Errorf("field %s: %w", Columns[i], err)
		}
		fields[i] = v
	}
	return pose.FromFields(fields), nil
}

// SaveCSV writes seq to path through a temporary file and rename, so a
// crash never leaves a truncated log behind.
func SaveCSV(path string, seq []pose.Reduced, opts CSVOptions) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".reference-*.csv")
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, seq, opts); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp log: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename log: %w", err)
	}

	slog.Info("reference log saved", "path", path, "rows", len(seq), "precision", opts.Precision)
	return nil
}

// LoadCSV reads a reference log from path.
func LoadCSV(path string) ([]pose.Reduced, ReadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ReadStats{}, fmt.Errorf("open reference log: %w", err)
	}
	defer f.Close()

	seq, stats, err := ReadCSV(f)
	if err != nil {
		return nil, stats, err
	}
	slog.Info("reference log loaded",
		"path", path,
		"rows", stats.Rows,
		"skipped", len(stats.Skipped),
	)
	return seq, stats, nil
}
