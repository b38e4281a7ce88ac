package parser

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aim-datalog/backend/internal/models"
	"github.com/marcboeker/go-duckdb"
)

// DuckStoreOptions tunes the embedded DuckDB instance.
type DuckStoreOptions struct {
	Threads     int
	MemoryLimit string
}

// DefaultDuckStoreOptions mirrors the defaults of the server configuration.
func DefaultDuckStoreOptions() DuckStoreOptions {
	return DuckStoreOptions{Threads: 4, MemoryLimit: "1GB"}
}

// DuckStore keeps a converted data table in a DuckDB file so that large
// logs can be paged and aggregated without holding them in memory.
type DuckStore struct {
	db       *sql.DB
	dbPath   string
	columns  []string
	sqlNames map[string]string // display name -> positional SQL column
	rowCount int

	// Cache for total counts by lap filter to avoid repeated COUNT queries
	countCache   map[int]int
	countCacheMu sync.RWMutex

	// Semaphore to limit concurrent queries
	querySem chan struct{}
}

// RowQuery selects a page of rows, optionally restricted to a lap and a
// subset of columns.
type RowQuery struct {
	Lap      int // 0 means all laps
	Columns  []string
	Page     int
	PageSize int
}

// NewDuckStore creates a new DuckDB-backed store in the given directory.
func NewDuckStore(dir string, sessionID string, opts DuckStoreOptions) (*DuckStore, error) {
	dbPath := filepath.Join(dir, fmt.Sprintf("session_%s.duckdb", sessionID))
	return NewDuckStoreAtPath(dbPath, opts)
}

// NewDuckStoreAtPath creates a new DuckDB-backed store at a specific path.
func NewDuckStoreAtPath(dbPath string, opts DuckStoreOptions) (*DuckStore, error) {
	log := slog.With("component", "duckstore", "path", dbPath)

	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if opts.MemoryLimit == "" {
		opts.MemoryLimit = "1GB"
	}

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			fmt.Sprintf("PRAGMA memory_limit='%s'", strings.ReplaceAll(opts.MemoryLimit, "'", "")),
			fmt.Sprintf("PRAGMA threads=%d", opts.Threads),
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				log.Error("pragma failed", "pragma", pragma, "error", err)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)

	_, err = db.Exec(`CREATE TABLE metadata (key VARCHAR PRIMARY KEY, value VARCHAR)`)
	if err != nil {
		db.Close()
		os.Remove(dbPath)
		return nil, fmt.Errorf("failed to create metadata table: %w", err)
	}

	log.Debug("store created")
	return &DuckStore{
		db:         db,
		dbPath:     dbPath,
		countCache: make(map[int]int),
		querySem:   make(chan struct{}, 3), // Max 3 concurrent queries
	}, nil
}

// sqlColumn names the i-th channel in the samples table. Channel names are
// never used as identifiers since DuckDB compares them case-insensitively.
func sqlColumn(i int) string {
	return fmt.Sprintf("c%d", i)
}

// column resolves a display name to its SQL column.
func (ds *DuckStore) column(name string) (string, error) {
	c, ok := ds.sqlNames[name]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownColumn, name)
	}
	return c, nil
}

// WriteDataLog creates the samples table for dl and appends every row.
// It may be called once per store.
func (ds *DuckStore) WriteDataLog(ctx context.Context, dl *models.DataLog) error {
	if ds.columns != nil {
		return fmt.Errorf("store already holds a data log")
	}
	table := dl.Table
	columns := table.Columns()

	sqlNames := make(map[string]string, len(columns))
	defs := make([]string, 0, len(columns)+1)
	defs = append(defs, "row_idx BIGINT PRIMARY KEY")
	for i, c := range columns {
		if _, ok := sqlNames[c]; !ok {
			sqlNames[c] = sqlColumn(i)
		}
		defs = append(defs, sqlColumn(i)+" DOUBLE")
	}
	if _, err := ds.db.ExecContext(ctx, "CREATE TABLE samples ("+strings.Join(defs, ", ")+")"); err != nil {
		return fmt.Errorf("failed to create samples table: %w", err)
	}

	start := time.Now()
	conn, err := ds.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	// Access the raw driver connection to use the Appender API
	err = conn.Raw(func(driverConn interface{}) error {
		dConn, ok := driverConn.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("failed to cast to duckdb.Conn")
		}

		appender, err := duckdb.NewAppenderFromConn(dConn, "", "samples")
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}
		defer appender.Close()

		args := make([]driver.Value, len(columns)+1)
		for i := 0; i < table.Len(); i++ {
			args[0] = int64(i)
			for j, v := range table.Row(i) {
				args[j+1] = v
			}
			if err := appender.AppendRow(args...); err != nil {
				return fmt.Errorf("failed to append row %d: %w", i, err)
			}
		}
		return appender.Flush()
	})
	if err != nil {
		return fmt.Errorf("appender error: %w", err)
	}

	for k, v := range dl.Metadata.Values {
		if _, err := ds.db.ExecContext(ctx, "INSERT INTO metadata VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("failed to insert metadata %q: %w", k, err)
		}
	}

	if lap, ok := sqlNames[models.ColumnLapNumber]; ok {
		if _, err := ds.db.ExecContext(ctx, "CREATE INDEX idx_lap ON samples("+lap+")"); err != nil {
			slog.Warn("lap index creation failed", "component", "duckstore", "error", err)
		}
	}

	ds.columns = columns
	ds.sqlNames = sqlNames
	ds.rowCount = table.Len()
	slog.Debug("data log written", "component", "duckstore", "rows", ds.rowCount, "elapsed", time.Since(start))
	return nil
}

// Len returns the number of stored rows.
func (ds *DuckStore) Len() int {
	return ds.rowCount
}

// Columns returns the stored column names.
func (ds *DuckStore) Columns() []string {
	out := make([]string, len(ds.columns))
	copy(out, ds.columns)
	return out
}

func (ds *DuckStore) acquire(ctx context.Context) (func(), error) {
	select {
	case ds.querySem <- struct{}{}:
		return func() { <-ds.querySem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueryRows returns one page of rows as a table plus the total row count
// matching the lap filter.
func (ds *DuckStore) QueryRows(ctx context.Context, q RowQuery) (*models.DataTable, int, error) {
	release, err := ds.acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	columns := q.Columns
	if len(columns) == 0 {
		columns = ds.columns
	}
	selects := make([]string, len(columns))
	for i, c := range columns {
		if selects[i], err = ds.column(c); err != nil {
			return nil, 0, err
		}
	}

	where := ""
	var args []interface{}
	if q.Lap > 0 {
		lap, err := ds.column(models.ColumnLapNumber)
		if err != nil {
			return nil, 0, err
		}
		where = " WHERE " + lap + " = ?"
		args = append(args, float64(q.Lap))
	}

	ds.countCacheMu.RLock()
	total, found := ds.countCache[q.Lap]
	ds.countCacheMu.RUnlock()
	if !found {
		if err := ds.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM samples"+where, args...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count query failed: %w", err)
		}
		ds.countCacheMu.Lock()
		ds.countCache[q.Lap] = total
		ds.countCacheMu.Unlock()
	}

	out := models.NewDataTable(columns)
	if total == 0 || len(columns) == 0 {
		return out, total, nil
	}

	page := max(q.Page, 1)
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	query := fmt.Sprintf("SELECT %s FROM samples%s ORDER BY row_idx LIMIT %d OFFSET %d",
		strings.Join(selects, ", "), where, pageSize, (page-1)*pageSize)

	rows, err := ds.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cells := make([]sql.NullFloat64, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range cells {
		dest[i] = &cells[i]
	}
	values := make([]float64, len(columns))
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, fmt.Errorf("scan failed: %w", err)
		}
		for i, c := range cells {
			values[i] = nullableFloat(c)
		}
		if err := out.AppendRow(values); err != nil {
			return nil, 0, err
		}
	}
	return out, total, rows.Err()
}

// LapSummaries aggregates per-lap statistics in DuckDB.
func (ds *DuckStore) LapSummaries(ctx context.Context) ([]models.LapSummary, error) {
	release, err := ds.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var cols [3]string
	for i, name := range []string{models.ColumnLapNumber, models.ColumnTime, models.ColumnTotalTime} {
		if cols[i], err = ds.column(name); err != nil {
			return nil, err
		}
	}
	query := fmt.Sprintf(`
		SELECT CAST(%[1]s AS BIGINT) AS lap,
		       MIN(row_idx), MAX(row_idx), COUNT(*),
		       arg_max(%[2]s, row_idx), arg_min(%[3]s, row_idx), arg_max(%[3]s, row_idx)
		FROM samples
		GROUP BY 1
		ORDER BY 1
	`, cols[0], cols[1], cols[2])

	rows, err := ds.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("lap summary query failed: %w", err)
	}
	defer rows.Close()

	var out []models.LapSummary
	for rows.Next() {
		var (
			s                        models.LapSummary
			lapNum, first, last, n   int64
			lt, startTotal, endTotal sql.NullFloat64
		)
		if err := rows.Scan(&lapNum, &first, &last, &n, &lt, &startTotal, &endTotal); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		s.Lap = int(lapNum)
		s.StartRow = int(first)
		s.EndRow = int(last)
		s.Samples = int(n)
		s.LapTime = nullableFloat(lt)
		s.StartTotalTime = nullableFloat(startTotal)
		s.EndTotalTime = nullableFloat(endTotal)
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullableFloat(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// Metadata returns the stored key/value metadata.
func (ds *DuckStore) Metadata(ctx context.Context) (map[string]string, error) {
	release, err := ds.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := ds.db.QueryContext(ctx, "SELECT key, value FROM metadata")
	if err != nil {
		return nil, fmt.Errorf("metadata query failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Close closes the database and removes its file.
func (ds *DuckStore) Close() error {
	err := ds.db.Close()
	os.Remove(ds.dbPath)
	os.Remove(ds.dbPath + ".wal")
	return err
}
