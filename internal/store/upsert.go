package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// maxParams is the bind-parameter ceiling of the Postgres wire protocol.
const maxParams = 65535

// ErrInvalidBatch marks a caller error in an upsert request. It is never retried.
var ErrInvalidBatch = errors.New("invalid upsert batch")

// UpsertError reports a table whose batch was rejected or rolled back.
type UpsertError struct {
	Table string
	Err   error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("upsert %s: %v", e.Table, e.Err)
}

func (e *UpsertError) Unwrap() error { return e.Err }

// Provenance stamps every written row. First writes record it as creation and
// update provenance; later writes only refresh the update pair.
type Provenance struct {
	Actor string
	At    time.Time
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidBatch, fmt.Sprintf(format, args...))
}

// validateBatch checks the preconditions of an upsert: rows present, a known
// non-empty key, consistent row width and no key repeated inside the batch.
func validateBatch(spec TableSpec, rows [][]any) error {
	if len(rows) == 0 {
		return invalid("no rows")
	}
	if len(spec.Key) == 0 {
		return invalid("no key columns")
	}
	keyIdx := make([]int, len(spec.Key))
	for i, k := range spec.Key {
		idx := spec.Index(k)
		if idx < 0 {
			return invalid("key column %q is not a column of %s", k, spec.Name)
		}
		keyIdx[i] = idx
	}

	seen := make(map[string]int, len(rows))
	for n, row := range rows {
		if len(row) != len(spec.Columns) {
			return invalid("row %d has %d values, want %d", n, len(row), len(spec.Columns))
		}
		key := batchKey(row, keyIdx)
		if first, dup := seen[key]; dup {
			return invalid("rows %d and %d share key (%s) = (%s)", first, n, strings.Join(spec.Key, ", "), key)
		}
		seen[key] = n
	}
	return nil
}

func batchKey(row []any, idx []int) string {
	parts := make([]string, len(idx))
	for i, j := range idx {
		switch v := row[j].(type) {
		case time.Time:
			parts[i] = v.UTC().Format(time.RFC3339Nano)
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, ", ")
}

// bindValue resolves driver.Valuer wrappers (sql.Null*, decimal.NullDecimal)
// before the value reaches the driver.
func bindValue(v any) (any, error) {
	if valuer, ok := v.(driver.Valuer); ok {
		return valuer.Value()
	}
	return v, nil
}

// upsertSQL builds a multi-row INSERT ... ON CONFLICT DO UPDATE for n rows.
// Every non-key column and the update provenance pair are refreshed on
// conflict; creation provenance is left untouched.
func (s *Store) upsertSQL(spec TableSpec, n int) string {
	cols := append(spec.ColumnNames(), ColCreateUser, ColCreateDate, ColUpdateUser, ColUpdateDate)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", s.qualified(spec.Name), strings.Join(quoted, ", "))
	p := 1
	for r := 0; r < n; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range cols {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(p))
			p++
		}
		b.WriteByte(')')
	}

	keys := make([]string, len(spec.Key))
	for i, k := range spec.Key {
		keys[i] = quoteIdent(k)
	}
	var sets []string
	for _, c := range cols {
		if spec.IsKey(c) || c == ColCreateUser || c == ColCreateDate {
			continue
		}
		q := quoteIdent(c)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
	return b.String()
}

// rowsPerStatement bounds a chunk by the configured size and the parameter limit.
func (s *Store) rowsPerStatement(width int) int {
	n := s.chunkSize
	if limit := maxParams / width; n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Upsert writes rows into the table described by spec inside one transaction.
// Each row holds the business columns in spec order; provenance is appended
// here. Either every row is committed or none is. The returned count is the
// number of rows sent.
func (s *Store) Upsert(ctx context.Context, spec TableSpec, rows [][]any, prov Provenance) (int, error) {
	if err := validateBatch(spec, rows); err != nil {
		return 0, &UpsertError{Table: spec.Name, Err: err}
	}
	at := prov.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	width := len(spec.Columns) + 4
	per := s.rowsPerStatement(width)
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &UpsertError{Table: spec.Name, Err: fmt.Errorf("begin transaction: %w", err)}
	}
	defer tx.Rollback() // Safe after commit

	for lo := 0; lo < len(rows); lo += per {
		hi := min(lo+per, len(rows))
		chunk := rows[lo:hi]
		args := make([]any, 0, len(chunk)*width)
		for n, row := range chunk {
			for c, v := range row {
				bound, err := bindValue(v)
				if err != nil {
					return 0, &UpsertError{Table: spec.Name, Err: fmt.Errorf("row %d column %s: %w", lo+n, spec.Columns[c].Name, err)}
				}
				args = append(args, bound)
			}
			args = append(args, prov.Actor, at, prov.Actor, at)
		}
		if _, err := tx.ExecContext(ctx, s.upsertSQL(spec, len(chunk)), args...); err != nil {
			return 0, &UpsertError{Table: spec.Name, Err: fmt.Errorf("rows %d-%d: %w", lo, hi-1, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, &UpsertError{Table: spec.Name, Err: fmt.Errorf("commit: %w", err)}
	}

	s.logger.Debug("Upserted rows.",
		slog.String("table", spec.Name),
		slog.Int("rows", len(rows)),
		slog.Int("statements", (len(rows)+per-1)/per),
		slog.Duration("duration", time.Since(start)),
	)
	return len(rows), nil
}
