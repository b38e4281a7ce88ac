// Package models contains domain types for the AiM data log converter.
package models

import (
	"encoding/json"
	"math"
	"slices"
)

// Reserved column names added by lap reconstruction.
const (
	ColumnTime      = "Time"
	ColumnLapNumber = "Lap #"
	ColumnTotalTime = "Total Time"
)

// LogMetadata holds the key/value metadata block of an export together with
// the row bookkeeping needed to skip non-data lines when loading the table.
type LogMetadata struct {
	Values             map[string]string `json:"values" msgpack:"values"`
	MetadataRowNumbers []int             `json:"metadataRowNumbers" msgpack:"metadataRowNumbers"`
	HeaderRowNumbers   []int             `json:"headerRowNumbers" msgpack:"headerRowNumbers"`
	HeadingsRowNumber  *int              `json:"headingsRowNumber,omitempty" msgpack:"headingsRowNumber,omitempty"`
	UnitsRowNumber     *int              `json:"unitsRowNumber,omitempty" msgpack:"unitsRowNumber,omitempty"`
	Headings           []string          `json:"headings,omitempty" msgpack:"headings,omitempty"`
	Units              []string          `json:"units,omitempty" msgpack:"units,omitempty"`
}

// NewLogMetadata creates an empty LogMetadata.
func NewLogMetadata() *LogMetadata {
	return &LogMetadata{
		Values:             make(map[string]string),
		MetadataRowNumbers: make([]int, 0),
		HeaderRowNumbers:   make([]int, 0),
	}
}

// Get returns a metadata value by key.
func (m *LogMetadata) Get(key string) (string, bool) {
	v, ok := m.Values[key]
	return v, ok
}

// SkipRows returns every physical line that is not part of the data region,
// except the headings row which supplies the column names.
func (m *LogMetadata) SkipRows() map[int]struct{} {
	skip := make(map[int]struct{}, len(m.MetadataRowNumbers)+len(m.HeaderRowNumbers))
	for _, n := range m.MetadataRowNumbers {
		skip[n] = struct{}{}
	}
	for _, n := range m.HeaderRowNumbers {
		skip[n] = struct{}{}
	}
	if m.HeadingsRowNumber != nil {
		delete(skip, *m.HeadingsRowNumber)
	}
	return skip
}

// UnitsByColumn pairs heading names with unit labels by position.
// Returns an empty map when the export had no units row.
func (m *LogMetadata) UnitsByColumn() map[string]string {
	units := make(map[string]string, len(m.Headings))
	for i, h := range m.Headings {
		if i < len(m.Units) {
			units[h] = m.Units[i]
		}
	}
	return units
}

// Clone returns a deep copy.
func (m *LogMetadata) Clone() *LogMetadata {
	out := &LogMetadata{
		Values:             make(map[string]string, len(m.Values)),
		MetadataRowNumbers: slices.Clone(m.MetadataRowNumbers),
		HeaderRowNumbers:   slices.Clone(m.HeaderRowNumbers),
		Headings:           slices.Clone(m.Headings),
		Units:              slices.Clone(m.Units),
	}
	for k, v := range m.Values {
		out.Values[k] = v
	}
	if m.HeadingsRowNumber != nil {
		n := *m.HeadingsRowNumber
		out.HeadingsRowNumber = &n
	}
	if m.UnitsRowNumber != nil {
		n := *m.UnitsRowNumber
		out.UnitsRowNumber = &n
	}
	return out
}

// LapSegment is an inclusive row range belonging to a single lap.
type LapSegment struct {
	Start int `json:"start"`
	End   int `json:"end"`
	Lap   int `json:"lap"`
}

// Len returns the number of rows in the segment.
func (s LapSegment) Len() int {
	return s.End - s.Start + 1
}

// LapSummary describes one lap of a converted log.
type LapSummary struct {
	Lap            int     `json:"lap" msgpack:"lap"`
	StartRow       int     `json:"startRow" msgpack:"startRow"`
	EndRow         int     `json:"endRow" msgpack:"endRow"`
	Samples        int     `json:"samples" msgpack:"samples"`
	LapTime        float64 `json:"lapTime" msgpack:"lapTime"`
	StartTotalTime float64 `json:"startTotalTime" msgpack:"startTotalTime"`
	EndTotalTime   float64 `json:"endTotalTime" msgpack:"endTotalTime"`
}

// lapSummaryJSON carries the float fields as pointers so NaN travels as null.
type lapSummaryJSON struct {
	Lap            int      `json:"lap"`
	StartRow       int      `json:"startRow"`
	EndRow         int      `json:"endRow"`
	Samples        int      `json:"samples"`
	LapTime        *float64 `json:"lapTime"`
	StartTotalTime *float64 `json:"startTotalTime"`
	EndTotalTime   *float64 `json:"endTotalTime"`
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func fromNullable(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// MarshalJSON writes NaN times as null, which encoding/json cannot encode.
func (s LapSummary) MarshalJSON() ([]byte, error) {
	return json.Marshal(lapSummaryJSON{
		Lap:            s.Lap,
		StartRow:       s.StartRow,
		EndRow:         s.EndRow,
		Samples:        s.Samples,
		LapTime:        nullable(s.LapTime),
		StartTotalTime: nullable(s.StartTotalTime),
		EndTotalTime:   nullable(s.EndTotalTime),
	})
}

// UnmarshalJSON reads null times back as NaN.
func (s *LapSummary) UnmarshalJSON(data []byte) error {
	var v lapSummaryJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = LapSummary{
		Lap:            v.Lap,
		StartRow:       v.StartRow,
		EndRow:         v.EndRow,
		Samples:        v.Samples,
		LapTime:        fromNullable(v.LapTime),
		StartTotalTime: fromNullable(v.StartTotalTime),
		EndTotalTime:   fromNullable(v.EndTotalTime),
	}
	return nil
}

// DataLog is the result of converting one export file.
type DataLog struct {
	FilePath string       `json:"filePath"`
	Format   string       `json:"format"`
	Version  string       `json:"version"`
	Metadata *LogMetadata `json:"metadata"`
	Table    *DataTable   `json:"-"`
	Laps     []LapSummary `json:"laps"`
	Segments []LapSegment `json:"-"`
}
