package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/aim-datalog/backend/internal/models"
)

// Header lines can carry hundreds of channel names.
const maxHeaderLineBytes = 4 * 1024 * 1024

var (
	headingsRowRegex = regexp.MustCompile(`^(Time|Distance)`)
	unitsRowRegex    = regexp.MustCompile(`^(sec|km)`)
	dataRowRegex     = regexp.MustCompile(`^\d+`)
)

// scanState is the phase of the header scan.
type scanState int

const (
	stateReadingMetadata scanState = iota
	stateReadingHeaders
)

func (s scanState) String() string {
	switch s {
	case stateReadingMetadata:
		return "ReadingMetadata"
	case stateReadingHeaders:
		return "ReadingHeaders"
	}
	return "unknown"
}

// LineKind is the classification of a single leading line.
type LineKind int

const (
	LineMetadata LineKind = iota
	LineMetadataSeparator
	LineHeadings
	LineUnits
	LineHeader
	LineHeaderSeparator
	LineDataStart
)

var lineKindNames = [...]string{
	"metadata", "metadata-separator", "headings", "units", "header", "header-separator", "data-start",
}

func (k LineKind) String() string {
	if int(k) < len(lineKindNames) {
		return lineKindNames[k]
	}
	return "unknown"
}

// lineClass is the outcome of classifying one line.
type lineClass struct {
	Kind   LineKind
	Key    string   // metadata key, empty for unquoted metadata-phase lines
	Value  string   // metadata value
	Tokens []string // quote-stripped fields of header lines
}

// classifyLine is the pure transition function of the header scan. It returns
// the next state, the line's classification and whether the scan terminates.
// line must not contain its line terminator; an empty line is a blank separator.
func classifyLine(state scanState, lineNum int, line string) (scanState, lineClass, bool, error) {
	switch state {
	case stateReadingMetadata:
		switch {
		case strings.HasPrefix(line, `"`):
			fields := strings.Split(line, ",")
			if len(fields) < 2 {
				return state, lineClass{}, false, &MalformedHeaderError{
					Line:   lineNum,
					Reason: "metadata line has no value field",
				}
			}
			return state, lineClass{
				Kind:  LineMetadata,
				Key:   strings.ReplaceAll(fields[0], `"`, ""),
				Value: strings.TrimRight(strings.ReplaceAll(fields[1], `"`, ""), "\n"),
			}, false, nil
		case line == "":
			return stateReadingHeaders, lineClass{Kind: LineMetadataSeparator}, false, nil
		case dataRowRegex.MatchString(line):
			return state, lineClass{}, false, &MalformedHeaderError{
				Line:   lineNum,
				Reason: "data row found before the blank line ending the metadata block",
			}
		default:
			return state, lineClass{Kind: LineMetadata}, false, nil
		}

	case stateReadingHeaders:
		switch {
		case strings.HasPrefix(line, `"`):
			tokens := strings.Split(line, ",")
			for i := range tokens {
				tokens[i] = strings.ReplaceAll(tokens[i], `"`, "")
			}
			kind := LineHeader
			unquoted := strings.Trim(line, `"`)
			if headingsRowRegex.MatchString(unquoted) {
				kind = LineHeadings
			} else if unitsRowRegex.MatchString(unquoted) {
				kind = LineUnits
			}
			return state, lineClass{Kind: kind, Tokens: tokens}, false, nil
		case dataRowRegex.MatchString(line):
			return state, lineClass{Kind: LineDataStart}, true, nil
		case line == "":
			return state, lineClass{Kind: LineHeaderSeparator}, true, nil
		default:
			return state, lineClass{Kind: LineHeader}, false, nil
		}
	}

	return state, lineClass{}, false, fmt.Errorf("invalid scan state %d", state)
}

// ClassifyHeaders scans the leading lines of an export and returns its
// metadata and row bookkeeping. The reader must yield UTF-8 text; use
// ClassifyFile for files on disk.
func ClassifyHeaders(r io.Reader) (*models.LogMetadata, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxHeaderLineBytes)

	meta := models.NewLogMetadata()
	state := stateReadingMetadata
	lineNum := 0
	foundData := false
	sawLine := false

	for scanner.Scan() {
		sawLine = true
		line := scanner.Text()

		next, class, done, err := classifyLine(state, lineNum, line)
		if err != nil {
			return nil, err
		}

		switch class.Kind {
		case LineMetadata:
			if class.Key != "" {
				meta.Values[class.Key] = class.Value
			}
			meta.MetadataRowNumbers = append(meta.MetadataRowNumbers, lineNum)
		case LineMetadataSeparator:
			meta.MetadataRowNumbers = append(meta.MetadataRowNumbers, lineNum)
		case LineHeadings:
			n := lineNum
			meta.HeadingsRowNumber = &n
			meta.Headings = class.Tokens
			meta.HeaderRowNumbers = append(meta.HeaderRowNumbers, lineNum)
		case LineUnits:
			n := lineNum
			meta.UnitsRowNumber = &n
			meta.Units = class.Tokens
			meta.HeaderRowNumbers = append(meta.HeaderRowNumbers, lineNum)
		case LineHeader, LineHeaderSeparator:
			meta.HeaderRowNumbers = append(meta.HeaderRowNumbers, lineNum)
		case LineDataStart:
			foundData = true
		}

		state = next
		lineNum++
		if done {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading header lines: %w", err)
	}

	if !sawLine {
		return nil, &MalformedHeaderError{Line: -1, Reason: "file is empty"}
	}

	if state == stateReadingMetadata {
		return nil, &MalformedHeaderError{Line: -1, Reason: "no blank line ends the metadata block"}
	}

	// A second blank line ends the header block. Further blank lines are
	// skipped by the loader, so the first non-blank line must be data.
	for !foundData && scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			lineNum++
			continue
		}
		if !dataRowRegex.MatchString(line) {
			return nil, &MalformedHeaderError{Line: lineNum, Reason: "expected a data row after the header block"}
		}
		foundData = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading header lines: %w", err)
	}

	if !foundData {
		return nil, &MalformedHeaderError{Line: -1, Reason: "no data rows found"}
	}

	// Data straight after the first blank line means the header lines were
	// consumed as metadata, so the metadata separator is missing.
	if len(meta.HeaderRowNumbers) == 0 {
		return nil, &MalformedHeaderError{Line: -1, Reason: "no header lines between metadata and data; metadata separator missing"}
	}

	if meta.HeadingsRowNumber == nil {
		return nil, &MissingHeadingsRowError{}
	}

	return meta, nil
}

// ClassifyFile runs ClassifyHeaders over a Latin-1 encoded export file.
func ClassifyFile(filePath string) (*models.LogMetadata, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	meta, err := ClassifyHeaders(latin1Reader(file))
	if err != nil {
		var missing *MissingHeadingsRowError
		if errors.As(err, &missing) {
			missing.Path = filePath
		}
		return nil, err
	}
	return meta, nil
}
