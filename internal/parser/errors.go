package parser

import (
	"errors"
	"fmt"
)

// ErrMissingTimeColumn is returned when lap reconstruction finds no "Time" column.
var ErrMissingTimeColumn = errors.New("data table has no Time column")

// ErrUnknownColumn is returned by row queries naming a column the table lacks.
var ErrUnknownColumn = errors.New("unknown column")

// MalformedHeaderError reports a file whose leading lines do not follow the
// metadata / blank / headers / data layout.
type MalformedHeaderError struct {
	Line   int // 0-based physical line, -1 when not tied to a line
	Reason string
}

func (e *MalformedHeaderError) Error() string {
	if e.Line < 0 {
		return fmt.Sprintf("malformed header: %s", e.Reason)
	}
	return fmt.Sprintf("malformed header at line %d: %s", e.Line, e.Reason)
}

// MissingHeadingsRowError reports a header block with no column-names row.
type MissingHeadingsRowError struct {
	Path string
}

func (e *MissingHeadingsRowError) Error() string {
	if e.Path == "" {
		return "no headings row (starting with Time or Distance) found in header block"
	}
	return fmt.Sprintf("no headings row (starting with Time or Distance) found in header block of %s", e.Path)
}

// UnrecognizedFormatError is returned by the registry when no parser accepts a file.
type UnrecognizedFormatError struct {
	Path string
}

func (e *UnrecognizedFormatError) Error() string {
	return fmt.Sprintf("unrecognized data log format: %s", e.Path)
}

// DataRowError reports a data line that could not be loaded into the table.
type DataRowError struct {
	Line   int
	Column string
	Reason string
}

func (e *DataRowError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("data row at line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("data row at line %d, column %q: %s", e.Line, e.Column, e.Reason)
}

// ErrorKind names the error category for API and session reporting.
func ErrorKind(err error) string {
	var (
		malformed    *MalformedHeaderError
		missing      *MissingHeadingsRowError
		unrecognized *UnrecognizedFormatError
		row          *DataRowError
	)
	switch {
	case errors.As(err, &malformed):
		return "malformed_header"
	case errors.As(err, &missing):
		return "missing_headings_row"
	case errors.As(err, &unrecognized):
		return "unrecognized_format"
	case errors.As(err, &row):
		return "data_row"
	case errors.Is(err, ErrMissingTimeColumn):
		return "missing_time_column"
	default:
		return "internal"
	}
}

// IsFormatError reports whether err is caused by the input file rather than the system.
func IsFormatError(err error) bool {
	return ErrorKind(err) != "internal"
}

// ErrorLine returns the physical line an error refers to, or 0.
func ErrorLine(err error) int {
	var (
		malformed *MalformedHeaderError
		row       *DataRowError
	)
	switch {
	case errors.As(err, &malformed):
		return max(malformed.Line, 0)
	case errors.As(err, &row):
		return row.Line
	}
	return 0
}
