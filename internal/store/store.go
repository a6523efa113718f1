// Package store owns the relational target: connection, schema bootstrap,
// the provenance-stamping upsert engine and the run ledger.
//
// All SQL uses $n placeholders, which both the pgx stdlib driver and DuckDB
// accept, so the same statements run against production Postgres and a local
// or in-memory DuckDB file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gridfeed/cammesa/internal/config"
	"github.com/gridfeed/cammesa/internal/period"
	_ "github.com/jackc/pgx/v5/stdlib" // Driver "pgx"
	_ "github.com/marcboeker/go-duckdb" // Driver "duckdb"
)

const pingTimeout = 5 * time.Second

// ConnectError reports a store that could not be opened or reached.
type ConnectError struct {
	Driver string
	Host   string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("connect %s: %v", e.Driver, e.Err)
	}
	return fmt.Sprintf("connect %s at %s: %v", e.Driver, e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Store is a handle on the target database.
type Store struct {
	db        *sql.DB
	driver    string
	schema    string
	chunkSize int
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for non-fatal store diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithChunkSize caps the rows per INSERT statement. The effective size is also
// bounded by the driver's parameter limit.
func WithChunkSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

func sqlDriver(name string) (string, error) {
	switch name {
	case config.DriverPostgres, "":
		return "pgx", nil
	case config.DriverDuckDB:
		return "duckdb", nil
	default:
		return "", fmt.Errorf("unsupported driver %q", name)
	}
}

// Open connects to the configured store and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (*Store, error) {
	driver, err := sqlDriver(cfg.Driver)
	if err != nil {
		return nil, &ConnectError{Driver: cfg.Driver, Err: err}
	}
	host := cfg.Host
	if cfg.Driver == config.DriverDuckDB {
		host = cfg.Path
	}

	db, err := sql.Open(driver, cfg.ConnString())
	if err != nil {
		return nil, &ConnectError{Driver: cfg.Driver, Host: host, Err: err}
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &ConnectError{Driver: cfg.Driver, Host: host, Err: err}
	}

	schema := cfg.Schema
	if schema == "" {
		schema = config.DefaultSchema
	}
	return New(db, cfg.Driver, schema, opts...), nil
}

// New wraps an already-open database.
func New(db *sql.DB, driver, schema string, opts ...Option) *Store {
	s := &Store{
		db:        db,
		driver:    driver,
		schema:    strings.ToLower(schema),
		chunkSize: config.DefaultChunkSize,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

// Schema is the namespace every table lives in.
func (s *Store) Schema() string { return s.schema }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// qualified returns the quoted schema.table name.
func (s *Store) qualified(table string) string {
	return quoteIdent(s.schema) + "." + quoteIdent(table)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// WatermarkTable is the fact table whose latest month marks a period as loaded.
const WatermarkTable = TableDemand

// MaxLoadedPeriod returns the latest month present in WatermarkTable.
// The zero Month means nothing has been loaded yet.
func (s *Store) MaxLoadedPeriod(ctx context.Context) (period.Month, error) {
	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, quoteIdent("month"), s.qualified(WatermarkTable))
	var last sql.NullTime
	if err := s.db.QueryRowContext(ctx, query).Scan(&last); err != nil {
		return period.Month{}, fmt.Errorf("query last loaded period: %w", err)
	}
	if !last.Valid {
		return period.Month{}, nil
	}
	return period.Of(last.Time), nil
}

// CountRows returns the number of rows in one of the managed tables.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if _, ok := Lookup(table); !ok && table != TableEventLog {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.qualified(table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// clip bounds a ledger message, keeping whole runes.
func clip(msg string) string {
	const limit = 2000
	if len(msg) <= limit {
		return msg
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}
