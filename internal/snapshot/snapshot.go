// Package snapshot writes reconciled period tables to parquet files, one file
// per table under <dir>/<YYYY_MM>/, and summarizes what is on disk.
package snapshot

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gridfeed/cammesa/internal/period"
	"github.com/gridfeed/cammesa/internal/store"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// writerParallelism is the number of goroutines parquet-go uses per file.
const writerParallelism = 4

// Path returns where the snapshot of table for p lives below dir.
func Path(dir string, p period.Month, table string) string {
	return filepath.Join(dir, p.DirName(), table+".parquet")
}

// schema maps a table's business columns to parquet-go CSV metadata. Dates
// and decimals are written as text so no precision or calendar is lost.
func schema(spec store.TableSpec) []string {
	meta := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		switch c.Type {
		case store.TypeDouble:
			meta[i] = fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", c.Name)
		case store.TypeInt:
			meta[i] = fmt.Sprintf("name=%s, type=INT32, repetitiontype=OPTIONAL", c.Name)
		case store.TypeBigInt:
			meta[i] = fmt.Sprintf("name=%s, type=INT64, repetitiontype=OPTIONAL", c.Name)
		default:
			meta[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", c.Name)
		}
	}
	return meta
}

// formatValue renders one cell for the CSV writer; nil means NULL.
func formatValue(v any) (*string, error) {
	if valuer, ok := v.(driver.Valuer); ok {
		resolved, err := valuer.Value()
		if err != nil {
			return nil, err
		}
		v = resolved
	}
	var s string
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = x
	case time.Time:
		s = x.Format("2006-01-02")
	case int:
		s = strconv.Itoa(x)
	case int32:
		s = strconv.FormatInt(int64(x), 10)
	case int64:
		s = strconv.FormatInt(x, 10)
	case float64:
		s = strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		s = strconv.FormatBool(x)
	case fmt.Stringer:
		s = x.String()
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
	return &s, nil
}

// Write stores one batch as <dir>/<YYYY_MM>/<table>.parquet, replacing any
// previous snapshot of the same table and period. It returns the file path.
func Write(dir string, p period.Month, b store.Batch) (string, error) {
	path := Path(dir, p, b.Spec.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"

	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return "", fmt.Errorf("create file %s: %w", tmp, err)
	}
	pw, err := writer.NewCSVWriter(schema(b.Spec), fw, writerParallelism)
	if err != nil {
		fw.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("create writer %s: %w", path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	var writeErr error
	for n, row := range b.Rows {
		if len(row) != len(b.Spec.Columns) {
			writeErr = fmt.Errorf("row %d has %d values, want %d", n, len(row), len(b.Spec.Columns))
			break
		}
		rec := make([]*string, len(row))
		for i, v := range row {
			if rec[i], writeErr = formatValue(v); writeErr != nil {
				writeErr = fmt.Errorf("row %d column %s: %w", n, b.Spec.Columns[i].Name, writeErr)
				break
			}
		}
		if writeErr != nil {
			break
		}
		if writeErr = pw.WriteString(rec); writeErr != nil {
			writeErr = fmt.Errorf("row %d: %w", n, writeErr)
			break
		}
	}
	if writeErr == nil {
		writeErr = pw.WriteStop()
	}
	closeErr := fw.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("move snapshot into place: %w", err)
	}
	return path, nil
}

// WritePeriod snapshots every non-empty batch of a period. Failed tables are
// reported together; the others are still written.
func WritePeriod(dir string, p period.Month, batches []store.Batch, logger *slog.Logger) ([]string, error) {
	var (
		paths []string
		errs  error
	)
	for _, b := range batches {
		if len(b.Rows) == 0 {
			continue
		}
		l := logger.With(slog.String("table", b.Spec.Name))
		path, err := Write(dir, p, b)
		if err != nil {
			l.Warn("Failed to write snapshot.", "error", err)
			errs = errors.Join(errs, fmt.Errorf("snapshot %s: %w", b.Spec.Name, err))
			continue
		}
		l.Debug("Snapshot written.", slog.String("path", path), slog.Int("rows", len(b.Rows)))
		paths = append(paths, path)
	}
	return paths, errs
}
