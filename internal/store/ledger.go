package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Ledger event types.
const (
	EventStageStart = "stage_start"
	EventStageEnd   = "stage_end"
	EventSkip       = "skip"
	EventWarning    = "warning"
	EventError      = "error"
)

// Event is one row of the run ledger.
type Event struct {
	ID       int64
	RunID    string
	Period   string // empty for run-level events
	Stage    string
	Event    string
	At       time.Time
	Message  string
	Duration *time.Duration
}

// LogStageEvent appends an event to the run ledger. A zero At is stamped with
// the current time.
func (s *Store) LogStageEvent(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	var durationMs sql.NullInt64
	if ev.Duration != nil {
		durationMs = sql.NullInt64{Int64: ev.Duration.Milliseconds(), Valid: true}
	}
	query := fmt.Sprintf(`
        INSERT INTO %s (run_id, period, stage, event, event_timestamp, message, duration_ms)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.qualified(TableEventLog))

	_, err := s.db.ExecContext(ctx, query,
		ev.RunID,
		nullString(ev.Period),
		ev.Stage,
		ev.Event,
		at.UTC(),
		nullString(clip(ev.Message)),
		nullInt(durationMs),
	)
	if err != nil {
		return fmt.Errorf("failed to log event '%s' for stage '%s' of '%s': %w", ev.Event, ev.Stage, ev.Period, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n sql.NullInt64) any {
	if !n.Valid {
		return nil
	}
	return n.Int64
}

// HistoryFilter narrows History. Zero fields match everything; Limit <= 0
// means no limit.
type HistoryFilter struct {
	Period string
	RunID  string
	Event  string
	Limit  int
}

// History returns ledger events, newest first.
func (s *Store) History(ctx context.Context, f HistoryFilter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("period", f.Period)
	add("run_id", f.RunID)
	add("event", f.Event)

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT log_id, run_id, period, stage, event, event_timestamp, message, duration_ms FROM %s`, s.qualified(TableEventLog))
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY event_timestamp DESC, log_id DESC")
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query event history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev       Event
			period   sql.NullString
			message  sql.NullString
			duration sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &period, &ev.Stage, &ev.Event, &ev.At, &message, &duration); err != nil {
			return nil, fmt.Errorf("scan event history: %w", err)
		}
		ev.Period = period.String
		ev.Message = message.String
		if duration.Valid {
			d := time.Duration(duration.Int64) * time.Millisecond
			ev.Duration = &d
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event history: %w", err)
	}
	return events, nil
}

// PeriodStatus is the latest ledger event seen for a period.
type PeriodStatus struct {
	Period  string
	RunID   string
	Stage   string
	Event   string
	At      time.Time
	Message string
}

// LatestByPeriod returns the most recent event of every period in the ledger,
// ordered by period.
func (s *Store) LatestByPeriod(ctx context.Context) ([]PeriodStatus, error) {
	query := fmt.Sprintf(`
        SELECT period, run_id, stage, event, event_timestamp, message
        FROM (
            SELECT period, run_id, stage, event, event_timestamp, message,
                   ROW_NUMBER() OVER (PARTITION BY period ORDER BY event_timestamp DESC, log_id DESC) AS rn
            FROM %s
            WHERE period IS NOT NULL
        ) latest
        WHERE rn = 1
        ORDER BY period`, s.qualified(TableEventLog))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query latest period events: %w", err)
	}
	defer rows.Close()

	var out []PeriodStatus
	for rows.Next() {
		var (
			st      PeriodStatus
			message sql.NullString
		)
		if err := rows.Scan(&st.Period, &st.RunID, &st.Stage, &st.Event, &st.At, &message); err != nil {
			return nil, fmt.Errorf("scan latest period event: %w", err)
		}
		st.Message = message.String
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest period events: %w", err)
	}
	return out, nil
}
