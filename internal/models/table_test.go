package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(t *testing.T) *DataTable {
	t.Helper()
	table := NewDataTable([]string{"Time", "Speed"})
	require.NoError(t, table.AppendRow([]float64{0, 10}))
	require.NoError(t, table.AppendRow([]float64{1}))
	require.NoError(t, table.AppendRow([]float64{2, 12}))
	return table
}

func TestDataTable_AppendRow(t *testing.T) {
	table := newTable(t)

	assert.Equal(t, 3, table.Len())
	assert.True(t, math.IsNaN(table.Row(1)[1]), "short rows are padded with NaN")
	assert.Error(t, table.AppendRow([]float64{1, 2, 3}))
}

func TestDataTable_Columns(t *testing.T) {
	table := newTable(t)

	speed, ok := table.Column("Speed")
	require.True(t, ok)
	assert.Equal(t, 10.0, speed[0])
	_, ok = table.Column("RPM")
	assert.False(t, ok)

	require.NoError(t, table.SetColumn("Lap #", []float64{1, 1, 2}))
	assert.Equal(t, []string{"Time", "Speed", "Lap #"}, table.Columns())
	assert.Equal(t, []float64{2, 12, 2}, table.Row(2))
	assert.Error(t, table.SetColumn("Lap #", []float64{1}))

	require.NoError(t, table.SetRange("Lap #", 0, 1, 7))
	laps, _ := table.Column("Lap #")
	assert.Equal(t, []float64{7, 7, 2}, laps)
	assert.Error(t, table.SetRange("Lap #", 2, 3, 0))

	require.NoError(t, table.RenameColumn("Speed", "GPS Speed"))
	assert.True(t, table.HasColumn("GPS Speed"))
	assert.False(t, table.HasColumn("Speed"))
	assert.Error(t, table.RenameColumn("Time", "Lap #"))
}

func TestDataTable_SelectAndSlice(t *testing.T) {
	table := newTable(t)

	sel, err := table.Select("Speed")
	require.NoError(t, err)
	assert.Equal(t, []string{"Speed"}, sel.Columns())
	assert.Equal(t, 3, sel.Len())
	_, err = table.Select("RPM")
	assert.Error(t, err)

	page := table.Slice(1, 10)
	assert.Equal(t, 2, page.Len())
	assert.Equal(t, 0, table.Slice(5, 9).Len())
}

func TestDataTable_NullableRows(t *testing.T) {
	rows := newTable(t).NullableRows()

	require.Len(t, rows, 3)
	assert.Nil(t, rows[1][1])
	require.NotNil(t, rows[2][1])
	assert.Equal(t, 12.0, *rows[2][1])
}

func TestLogMetadata_SkipRowsAndUnits(t *testing.T) {
	headings := 3
	meta := NewLogMetadata()
	meta.MetadataRowNumbers = []int{0, 1, 2}
	meta.HeaderRowNumbers = []int{3, 4, 5}
	meta.HeadingsRowNumber = &headings
	meta.Headings = []string{"Time", "Speed"}
	meta.Units = []string{"sec"}

	skip := meta.SkipRows()
	assert.Len(t, skip, 5)
	assert.NotContains(t, skip, 3)
	assert.Equal(t, map[string]string{"Time": "sec"}, meta.UnitsByColumn())

	clone := meta.Clone()
	*clone.HeadingsRowNumber = 9
	clone.Values["Driver"] = "A"
	assert.Equal(t, 3, *meta.HeadingsRowNumber)
	assert.Empty(t, meta.Values)
}
