package parser

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aim-datalog/backend/internal/models"
)

const (
	// AiMFormatName identifies the AiM CSV export parser.
	AiMFormatName = "aim_csv"

	// AiMFileEncoding is the text encoding AiM uses for CSV exports.
	AiMFileEncoding = "ISO-8859-1"

	// DataLogVersion is the version of the converted output layout.
	DataLogVersion = "0.1"
)

// AiMParser converts AiM CSV exports: quoted key/value metadata, a blank
// line, quoted header rows, an optional blank line, then numeric rows whose
// Time column restarts at 0 on every lap.
type AiMParser struct{}

func NewAiMParser() *AiMParser {
	return &AiMParser{}
}

func (p *AiMParser) Name() string {
	return AiMFormatName
}

// CanParse accepts files whose first line is a quoted key/value pair.
func (p *AiMParser) CanParse(filePath string) (bool, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return false, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(latin1Reader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), maxHeaderLineBytes)
	if !scanner.Scan() {
		return false, scanner.Err()
	}
	line := scanner.Text()
	return strings.HasPrefix(line, `"`) && strings.Contains(line, ","), nil
}

func (p *AiMParser) Convert(filePath string) (*models.DataLog, error) {
	return p.ConvertWithProgress(filePath, nil)
}

// ConvertWithProgress classifies the header block, loads the data rows and
// reconstructs lap and total time columns.
func (p *AiMParser) ConvertWithProgress(filePath string, onProgress ProgressCallback) (*models.DataLog, error) {
	log := slog.With("component", "aim", "file", filePath)

	meta, err := ClassifyFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("classifying headers: %w", err)
	}
	log.Debug("headers classified",
		"metadata_rows", len(meta.MetadataRowNumbers),
		"header_rows", len(meta.HeaderRowNumbers),
		"headings_row", *meta.HeadingsRowNumber)

	table, err := LoadFile(filePath, meta, onProgress)
	if err != nil {
		return nil, fmt.Errorf("loading data rows: %w", err)
	}

	segments, err := ReconstructLaps(table)
	if err != nil {
		return nil, fmt.Errorf("reconstructing laps: %w", err)
	}
	log.Debug("laps reconstructed", "rows", table.Len(), "laps", len(segments))

	return &models.DataLog{
		FilePath: filePath,
		Format:   p.Name(),
		Version:  DataLogVersion,
		Metadata: meta,
		Table:    table,
		Laps:     SummarizeLaps(segments, table),
		Segments: segments,
	}, nil
}

// NewDataLog converts the AiM export at filePath.
func NewDataLog(filePath string) (*models.DataLog, error) {
	return NewAiMParser().Convert(filePath)
}
