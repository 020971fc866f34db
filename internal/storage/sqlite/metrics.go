package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quietfield/treelock/internal/core"
)

// Metric event log operations

func (s *Store) AppendMetricEvents(ctx context.Context, events []core.MetricEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO metric_events (id, ts, type, scope_id, duration_ms, verb)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		if _, err := stmt.Exec(
			ev.ID, ev.Timestamp.UTC().Format(time.RFC3339Nano),
			string(ev.Type), string(ev.Scope), ev.DurationMS, ev.Verb,
		); err != nil {
			return fmt.Errorf("insert metric event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) MetricEventsSince(ctx context.Context, since time.Time, limit int) ([]core.MetricEvent, error) {
	query := `SELECT id, ts, type, scope_id, duration_ms, verb
	          FROM metric_events WHERE ts > ? ORDER BY cursor ASC`
	args := []any{since.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metric events: %w", err)
	}
	defer rows.Close()

	var out []core.MetricEvent
	for rows.Next() {
		var (
			ev            core.MetricEvent
			ts, typ, scop string
		)
		if err := rows.Scan(&ev.ID, &ts, &typ, &scop, &ev.DurationMS, &ev.Verb); err != nil {
			return nil, fmt.Errorf("scan metric event: %w", err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		ev.Type = core.EventType(typ)
		ev.Scope = core.ScopeID(scop)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) PruneMetricEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM metric_events WHERE ts < ?`,
		before.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune metric events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
