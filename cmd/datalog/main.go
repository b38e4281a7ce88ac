// Command datalog converts AiM CSV exports and prints their metadata and laps.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aim-datalog/backend/internal/logging"
	"github.com/aim-datalog/backend/internal/models"
	"github.com/aim-datalog/backend/internal/parser"
	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/sync/errgroup"
)

type result struct {
	Path     string              `json:"path"`
	Format   string              `json:"format"`
	Rows     int                 `json:"rows"`
	Columns  []string            `json:"columns"`
	Metadata map[string]string   `json:"metadata"`
	Laps     []models.LapSummary `json:"laps"`
	Preview  *preview            `json:"preview,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
}

// preview holds the first rows of a converted table; empty cells are nil.
type preview struct {
	Columns []string     `json:"columns"`
	Rows    [][]*float64 `json:"rows"`
}

type options struct {
	ChannelMap *models.ChannelMap
	Parallel   int

	// Head is the number of rows to preview; 0 disables the preview.
	Head    int
	Columns []string
}

func main() {
	channels := flag.String("channels", "", "YAML channel map applied to every file")
	parallel := flag.Int("parallel", 4, "number of files converted at once")
	asJSON := flag.Bool("json", false, "print results as JSON")
	head := flag.Int("head", 0, "preview the first N rows of each file")
	columns := flag.String("columns", "", "comma-separated columns shown in the preview")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] export.csv...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	logging.SetupWriter(os.Stderr, *logLevel, "text")

	opts := options{Parallel: *parallel, Head: *head}
	if *channels != "" {
		var err error
		if opts.ChannelMap, err = parser.ParseChannelMap(*channels); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	for _, c := range strings.Split(*columns, ",") {
		if c = strings.TrimSpace(c); c != "" {
			opts.Columns = append(opts.Columns, c)
		}
	}

	results, err := convertAll(flag.Args(), opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		if err := writeJSON(os.Stdout, results); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	for _, r := range results {
		printResult(os.Stdout, r)
	}
}

// convertAll converts every path with at most opts.Parallel conversions in
// flight. Results keep the order of paths; the first failure is returned.
func convertAll(paths []string, opts options) ([]*result, error) {
	results := make([]*result, len(paths))
	log := logging.Component("datalog")

	var g errgroup.Group
	g.SetLimit(max(opts.Parallel, 1))
	for i, path := range paths {
		g.Go(func() error {
			dl, err := parser.GetGlobalRegistry().ConvertFile(path, nil)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			warnings, err := parser.ApplyChannelMap(dl, opts.ChannelMap)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			log.Info("converted", "path", path, "rows", dl.Table.Len(), "laps", len(dl.Laps))

			r := &result{
				Path:     path,
				Format:   dl.Format,
				Rows:     dl.Table.Len(),
				Columns:  dl.Table.Columns(),
				Metadata: dl.Metadata.Values,
				Laps:     dl.Laps,
				Warnings: warnings,
			}
			if opts.Head > 0 {
				if r.Preview, err = previewTable(dl.Table, opts.Columns, opts.Head); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func writeJSON(w io.Writer, results []*result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// previewTable keeps the first n rows of t, restricted to columns when given.
func previewTable(t *models.DataTable, columns []string, n int) (*preview, error) {
	page := t.Slice(0, n)
	if len(columns) > 0 {
		var err error
		if page, err = page.Select(columns...); err != nil {
			return nil, err
		}
	}
	return &preview{Columns: page.Columns(), Rows: page.NullableRows()}, nil
}

func printResult(w io.Writer, r *result) {
	fmt.Fprintf(w, "%s (%s, %d rows, %d columns)\n", r.Path, r.Format, r.Rows, len(r.Columns))
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}

	meta := table.NewWriter()
	meta.SetOutputMirror(w)
	meta.SetStyle(table.StyleRounded)
	meta.AppendHeader(table.Row{"Key", "Value"})
	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		meta.AppendRow(table.Row{k, r.Metadata[k]})
	}
	meta.Render()

	laps := table.NewWriter()
	laps.SetOutputMirror(w)
	laps.SetStyle(table.StyleRounded)
	laps.AppendHeader(table.Row{"Lap", "Rows", "Samples", "Lap Time", "Total Time"})
	for _, lap := range r.Laps {
		laps.AppendRow(table.Row{
			lap.Lap,
			fmt.Sprintf("%d-%d", lap.StartRow, lap.EndRow),
			lap.Samples,
			formatLapTime(lap.LapTime),
			formatLapTime(lap.EndTotalTime),
		})
	}
	laps.Render()

	if r.Preview != nil {
		rows := table.NewWriter()
		rows.SetOutputMirror(w)
		rows.SetStyle(table.StyleRounded)
		header := make(table.Row, len(r.Preview.Columns))
		for i, c := range r.Preview.Columns {
			header[i] = c
		}
		rows.AppendHeader(header)
		for _, row := range r.Preview.Rows {
			cells := make(table.Row, len(row))
			for i, v := range row {
				cells[i] = "-"
				if v != nil {
					cells[i] = strconv.FormatFloat(*v, 'g', -1, 64)
				}
			}
			rows.AppendRow(cells)
		}
		rows.Render()
	}
	fmt.Fprintln(w)
}

// formatLapTime renders seconds as m:ss.mmm.
func formatLapTime(seconds float64) string {
	if math.IsNaN(seconds) {
		return "-"
	}
	minutes := int(seconds) / 60
	return fmt.Sprintf("%d:%06.3f", minutes, seconds-float64(minutes*60))
}
