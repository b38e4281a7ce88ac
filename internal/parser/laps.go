package parser

import (
	"fmt"

	"github.com/aim-datalog/backend/internal/models"
)

// LapSegments splits a lap-relative time column into laps. A lap starts at
// every row whose time is exactly 0; the first row always starts lap 1.
func LapSegments(times []float64) []models.LapSegment {
	if len(times) == 0 {
		return nil
	}

	starts := []int{0}
	for i := 1; i < len(times); i++ {
		if times[i] == 0 {
			starts = append(starts, i)
		}
	}

	segments := make([]models.LapSegment, len(starts))
	for i, start := range starts {
		end := len(times) - 1
		if i+1 < len(starts) {
			end = starts[i+1] - 1
		}
		segments[i] = models.LapSegment{Start: start, End: end, Lap: i + 1}
	}
	return segments
}

// TotalTimes accumulates lap-relative times into elapsed time across laps.
// Each lap is offset by the total time at the last row of the previous lap.
func TotalTimes(segments []models.LapSegment, times []float64) []float64 {
	out := make([]float64, len(times))
	copy(out, times)

	var totalLapTime float64
	for _, seg := range segments {
		for r := seg.Start; r <= seg.End; r++ {
			out[r] = totalLapTime + times[r]
		}
		totalLapTime = out[seg.End]
	}
	return out
}

// ReconstructLaps adds the "Lap #" and "Total Time" columns to table and
// returns the lap segments it derived them from.
func ReconstructLaps(table *models.DataTable) ([]models.LapSegment, error) {
	times, ok := table.Column(models.ColumnTime)
	if !ok {
		return nil, ErrMissingTimeColumn
	}

	segments := LapSegments(times)
	if err := table.SetColumn(models.ColumnLapNumber, make([]float64, len(times))); err != nil {
		return nil, fmt.Errorf("setting lap column: %w", err)
	}
	for _, seg := range segments {
		if err := table.SetRange(models.ColumnLapNumber, seg.Start, seg.End, float64(seg.Lap)); err != nil {
			return nil, fmt.Errorf("numbering lap %d: %w", seg.Lap, err)
		}
	}
	if err := table.SetColumn(models.ColumnTotalTime, TotalTimes(segments, times)); err != nil {
		return nil, fmt.Errorf("setting total time column: %w", err)
	}
	return segments, nil
}

// SummarizeLaps reports duration and row span for each lap of a table that
// already went through ReconstructLaps.
func SummarizeLaps(segments []models.LapSegment, table *models.DataTable) []models.LapSummary {
	times, _ := table.Column(models.ColumnTime)
	totals, _ := table.Column(models.ColumnTotalTime)

	out := make([]models.LapSummary, 0, len(segments))
	for _, seg := range segments {
		s := models.LapSummary{
			Lap:      seg.Lap,
			StartRow: seg.Start,
			EndRow:   seg.End,
			Samples:  seg.Len(),
		}
		if seg.End < len(times) && seg.End < len(totals) {
			s.LapTime = times[seg.End]
			s.StartTotalTime = totals[seg.Start]
			s.EndTotalTime = totals[seg.End]
		}
		out = append(out, s)
	}
	return out
}
