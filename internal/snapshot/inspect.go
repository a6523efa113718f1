package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
)

// Summary aggregates the snapshot files of one table.
type Summary struct {
	Table    string
	Files    int
	Rows     int64
	Periods  []string // YYYY_MM directory names, ascending
	Columns  []string
	FirstDay string // smallest month value, when the table has a month column
	LastDay  string
	Err      error
}

// Summarize reads every snapshot under dir through DuckDB's read_parquet and
// returns one Summary per table, ordered by table name. db must be a DuckDB
// connection.
func Summarize(ctx context.Context, db *sql.DB, dir string, logger *slog.Logger) ([]Summary, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*", "*.parquet"))
	if err != nil {
		return nil, fmt.Errorf("glob snapshots in %s: %w", dir, err)
	}
	byTable := make(map[string][]string)
	for _, f := range files {
		table := strings.TrimSuffix(filepath.Base(f), ".parquet")
		byTable[table] = append(byTable[table], f)
	}

	var out []Summary
	for table, paths := range byTable {
		sort.Strings(paths)
		l := logger.With(slog.String("table", table))
		s := Summary{Table: table, Files: len(paths)}
		for _, p := range paths {
			s.Periods = append(s.Periods, filepath.Base(filepath.Dir(p)))
		}

		s.Columns, s.Err = describe(ctx, db, paths[0])
		if s.Err != nil {
			l.Error("Failed reading snapshot schema.", "error", s.Err)
			out = append(out, s)
			continue
		}

		list := fileList(paths)
		var first, last sql.NullString
		statsSQL := fmt.Sprintf(`SELECT COUNT(*), NULL, NULL FROM read_parquet(%s)`, list)
		for _, c := range s.Columns {
			if c == "month" {
				statsSQL = fmt.Sprintf(`SELECT COUNT(*), MIN(month), MAX(month) FROM read_parquet(%s)`, list)
			}
		}
		if err := db.QueryRowContext(ctx, statsSQL).Scan(&s.Rows, &first, &last); err != nil {
			s.Err = fmt.Errorf("stats %s: %w", table, err)
			l.Error("Failed reading snapshot statistics.", "error", s.Err)
		}
		s.FirstDay, s.LastDay = first.String, last.String
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })

	var errs error
	for _, s := range out {
		errs = errors.Join(errs, s.Err)
	}
	return out, errs
}

func fileList(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		p = strings.ReplaceAll(p, `\`, `/`)
		quoted[i] = "'" + strings.ReplaceAll(p, "'", "''") + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func describe(ctx context.Context, db *sql.DB, path string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`DESCRIBE SELECT * FROM read_parquet(%s)`, fileList([]string{path})))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", path, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan describe %s: %w", path, err)
		}
		if name, ok := vals[0].(string); ok {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

// Print renders summaries as a fixed-width table.
func Print(w io.Writer, summaries []Summary) {
	fmt.Fprintf(w, "%-24s | %-6s | %-10s | %-10s | %-10s | %s\n", "Table", "Files", "Rows", "First", "Last", "Errors")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, s := range summaries {
		errText := ""
		if s.Err != nil {
			errText = s.Err.Error()
		}
		fmt.Fprintf(w, "%-24s | %-6d | %-10d | %-10s | %-10s | %s\n", s.Table, s.Files, s.Rows, orNA(s.FirstDay), orNA(s.LastDay), errText)
	}
	fmt.Fprintln(w, strings.Repeat("-", 90))
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
