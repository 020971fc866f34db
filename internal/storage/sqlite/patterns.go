package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quietfield/treelock/internal/core"
)

// Pattern observation log operations

func (s *Store) AppendPatternObservations(ctx context.Context, obs []core.PatternObservation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO pattern_observations (antecedent_json, successor, observed_at)
		 VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		if o.ObservedAt.IsZero() {
			o.ObservedAt = time.Now().UTC()
		}
		anteJSON, _ := json.Marshal(o.Antecedent)
		if _, err := stmt.Exec(
			string(anteJSON), o.Successor, o.ObservedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) PatternObservations(ctx context.Context, limit int) ([]core.PatternObservation, error) {
	query := `SELECT antecedent_json, successor, observed_at
	          FROM pattern_observations ORDER BY cursor ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []core.PatternObservation
	for rows.Next() {
		var (
			o                  core.PatternObservation
			anteJSON, observed string
		)
		if err := rows.Scan(&anteJSON, &o.Successor, &observed); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		_ = json.Unmarshal([]byte(anteJSON), &o.Antecedent)
		o.ObservedAt, _ = time.Parse(time.RFC3339Nano, observed)
		out = append(out, o)
	}
	return out, rows.Err()
}
