package parser

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/aim-datalog/backend/internal/models"
)

// progressInterval is how often (in rows) the loader reports progress.
const progressInterval = 10000

// lineFilter drops physical lines listed in skip and remembers which
// physical line each emitted line came from.
type lineFilter struct {
	br   *bufio.Reader
	skip map[int]struct{}
	line int
	buf  []byte
	kept []int
}

func newLineFilter(r io.Reader, skip map[int]struct{}) *lineFilter {
	return &lineFilter{
		br:   bufio.NewReaderSize(r, 64*1024),
		skip: skip,
		kept: make([]int, 0, 1024),
	}
}

func (f *lineFilter) Read(p []byte) (int, error) {
	for len(f.buf) == 0 {
		chunk, err := f.br.ReadBytes('\n')
		if len(chunk) > 0 {
			n := f.line
			f.line++
			if _, skipped := f.skip[n]; !skipped {
				f.buf = chunk
				f.kept = append(f.kept, n)
			}
		}
		if err != nil {
			if len(f.buf) == 0 {
				return 0, err
			}
			break
		}
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

// physicalLine maps a 1-based line of the filtered stream back to the file.
func (f *lineFilter) physicalLine(filtered int) int {
	if filtered >= 1 && filtered <= len(f.kept) {
		return f.kept[filtered-1]
	}
	return filtered
}

// uniqueHeadings renames repeated column names to "name.1", "name.2", ...
// Names that differ only in case count as repeats.
func uniqueHeadings(names []string) []string {
	out := make([]string, len(names))
	used := make(map[string]bool, len(names))
	for i, n := range names {
		name := n
		for k := 1; used[strings.ToLower(name)]; k++ {
			name = fmt.Sprintf("%s.%d", n, k)
		}
		used[strings.ToLower(name)] = true
		out[i] = name
	}
	return out
}

// LoadTable reads the data region of r into a DataTable. skip lists the
// physical lines to drop; the first remaining line supplies column names.
func LoadTable(r io.Reader, skip map[int]struct{}, onRow func(rows int)) (*models.DataTable, error) {
	filter := newLineFilter(r, skip)
	reader := csv.NewReader(filter)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	headings, err := reader.Read()
	if err == io.EOF {
		return nil, &MalformedHeaderError{Line: -1, Reason: "no headings row left after skipping header lines"}
	}
	if err != nil {
		return nil, fmt.Errorf("reading headings row: %w", err)
	}

	columns := make([]string, len(headings))
	copy(columns, headings)
	table := models.NewDataTable(uniqueHeadings(columns))
	ncols := len(columns)

	values := make([]float64, ncols)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return nil, &DataRowError{Line: filter.physicalLine(perr.StartLine), Reason: perr.Err.Error()}
			}
			return nil, fmt.Errorf("reading data rows: %w", err)
		}

		line, _ := reader.FieldPos(0)
		physical := filter.physicalLine(line)

		// Trailing delimiters produce empty fields past the last column.
		for len(record) > ncols && strings.TrimSpace(record[len(record)-1]) == "" {
			record = record[:len(record)-1]
		}
		if len(record) > ncols {
			return nil, &DataRowError{
				Line:   physical,
				Reason: fmt.Sprintf("row has %d fields, expected %d", len(record), ncols),
			}
		}

		values = values[:len(record)]
		for i, raw := range record {
			v, err := parseCell(raw)
			if err != nil {
				return nil, &DataRowError{Line: physical, Column: table.Columns()[i], Reason: err.Error()}
			}
			values[i] = v
		}
		if err := table.AppendRow(values); err != nil {
			return nil, &DataRowError{Line: physical, Reason: err.Error()}
		}
		values = values[:ncols]

		if onRow != nil && table.Len()%progressInterval == 0 {
			onRow(table.Len())
		}
	}

	return table, nil
}

// parseCell converts a raw CSV field; an empty field is NaN.
func parseCell(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

// LoadFile loads the data table of a Latin-1 export using the row bookkeeping
// produced by ClassifyFile.
func LoadFile(filePath string, meta *models.LogMetadata, onProgress ProgressCallback) (*models.DataTable, error) {
	if meta.HeadingsRowNumber == nil {
		return nil, &MissingHeadingsRowError{Path: filePath}
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	total := fileSize(file)
	counter := &countingReader{r: file}

	var onRow func(int)
	if onProgress != nil {
		onRow = func(rows int) {
			onProgress(rows, counter.n, total)
		}
	}

	table, err := LoadTable(latin1Reader(counter), meta.SkipRows(), onRow)
	if err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(table.Len(), counter.n, total)
	}
	return table, nil
}
