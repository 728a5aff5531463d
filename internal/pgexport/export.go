// ABOUTME: Logical migration of a thoth SQLite store into PostgreSQL
// ABOUTME: Streams each table through COPY inside a single transaction

package pgexport

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2389/thoth/internal/store"
)

// Target is the write side of a PostgreSQL connection or transaction.
type Target interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var (
	_ Target = (*pgx.Conn)(nil)
	_ Target = (pgx.Tx)(nil)
)

// Options controls an export.
type Options struct {
	// Replace drops existing thoth tables in the target before copying.
	Replace bool
}

// Result reports rows copied per table.
type Result struct {
	Rows map[string]int64
}

// Total returns the number of rows copied across all tables.
func (r Result) Total() int64 {
	var n int64
	for _, v := range r.Rows {
		n += v
	}
	return n
}

// Connect opens a pool for dsn and checks connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	cfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}

// ExportPool copies src into the database behind pool in one transaction.
func ExportPool(ctx context.Context, src *sql.DB, pool *pgxpool.Pool, opts Options) (Result, error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Result{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := Export(ctx, src, tx, opts)
	if err != nil {
		return res, err
	}
	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("committing export: %w", err)
	}
	return res, nil
}

// Export creates the schema on dst and copies every table from src.
// Identity sequences are advanced past the copied ids.
func Export(ctx context.Context, src *sql.DB, dst Target, opts Options) (Result, error) {
	logger := slog.Default().With("component", "pgexport")
	res := Result{Rows: make(map[string]int64, len(tables))}

	if opts.Replace {
		for _, stmt := range dropStatements() {
			if _, err := dst.Exec(ctx, stmt); err != nil {
				return res, fmt.Errorf("dropping tables: %w", err)
			}
		}
	}

	for _, t := range tables {
		if _, err := dst.Exec(ctx, t.ddl); err != nil {
			return res, fmt.Errorf("creating %s: %w", t.name, err)
		}
	}

	for _, t := range tables {
		n, err := copyTable(ctx, src, dst, t)
		if err != nil {
			return res, err
		}
		res.Rows[t.name] = n
		logger.Info("copied table", "table", t.name, "rows", n)

		if t.identity && n > 0 {
			_, err := dst.Exec(ctx, fmt.Sprintf(
				"SELECT setval(pg_get_serial_sequence('%s', 'id'), (SELECT MAX(id) FROM %s))",
				t.name, pgx.Identifier{t.name}.Sanitize()))
			if err != nil {
				return res, fmt.Errorf("advancing %s id sequence: %w", t.name, err)
			}
		}
	}

	return res, nil
}

func copyTable(ctx context.Context, src *sql.DB, dst Target, t table) (int64, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", strings.Join(t.columnNames(), ", "), t.name)
	rows, err := src.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", t.name, err)
	}
	defer func() { _ = rows.Close() }()

	n, err := dst.CopyFrom(ctx, pgx.Identifier{t.name}, t.columnNames(), newRowSource(rows, t))
	if err != nil {
		return n, fmt.Errorf("copying %s: %w", t.name, err)
	}
	return n, nil
}

// rowSource adapts SQLite rows to pgx.CopyFromSource, converting each
// column to the type its PostgreSQL column expects.
type rowSource struct {
	rows   *sql.Rows
	table  table
	values []any
	err    error
}

var _ pgx.CopyFromSource = (*rowSource)(nil)

func newRowSource(rows *sql.Rows, t table) *rowSource {
	return &rowSource{rows: rows, table: t}
}

func (r *rowSource) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}

	raw := make([]any, len(r.table.columns))
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		r.err = fmt.Errorf("scanning %s row: %w", r.table.name, err)
		return false
	}

	values := make([]any, len(raw))
	for i, c := range r.table.columns {
		v, err := convert(c.kind, raw[i])
		if err != nil {
			r.err = fmt.Errorf("converting %s.%s: %w", r.table.name, c.name, err)
			return false
		}
		values[i] = v
	}
	r.values = values
	return true
}

func (r *rowSource) Values() ([]any, error) {
	return r.values, nil
}

func (r *rowSource) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

// convert maps a value scanned from SQLite onto the PostgreSQL column kind.
func convert(k kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	text := func() string {
		switch x := v.(type) {
		case string:
			return x
		case []byte:
			return string(x)
		default:
			return fmt.Sprint(x)
		}
	}

	switch k {
	case kindInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", v)
		}
	case kindTime:
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
		s := text()
		if s == "" {
			return nil, nil
		}
		t, err := store.ParseTime(s)
		if err != nil {
			return nil, err
		}
		return t, nil
	case kindJSON:
		s := text()
		if s == "" {
			return nil, nil
		}
		return s, nil
	default:
		return text(), nil
	}
}
