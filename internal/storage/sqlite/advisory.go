package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/quietfield/treelock/internal/core"
)

// Degraded-mode advisory locks. Clients claim rows here directly when
// the coordinator is unreachable; expired rows are fair game for
// usurping. Conflict rules mirror the in-memory registry: the global
// row excludes everything, a worktree row excludes only itself and a
// global claim.

func (s *Store) TryAcquireAdvisory(ctx context.Context, scope core.ScopeID, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM advisory_locks WHERE expires_at <= ?`,
		now.Format(time.RFC3339Nano),
	); err != nil {
		return false, fmt.Errorf("expire advisory rows: %w", err)
	}

	var conflicts int
	var query string
	var args []any
	if scope.IsGlobal() {
		query = `SELECT COUNT(*) FROM advisory_locks`
	} else {
		query = `SELECT COUNT(*) FROM advisory_locks WHERE scope_id IN (?, ?)`
		args = []any{string(scope), string(core.ScopeGlobal)}
	}
	if err := tx.QueryRow(query, args...).Scan(&conflicts); err != nil {
		return false, fmt.Errorf("check conflicts: %w", err)
	}
	if conflicts > 0 {
		return false, nil
	}

	if _, err := tx.Exec(
		`INSERT INTO advisory_locks (scope_id, holder_id, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		string(scope), holderID, now.Format(time.RFC3339Nano),
		now.Add(ttl).Format(time.RFC3339Nano),
	); err != nil {
		return false, fmt.Errorf("insert advisory row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *Store) ReleaseAdvisory(ctx context.Context, scope core.ScopeID, holderID string) error {
	_, err := s.db.Exec(
		`DELETE FROM advisory_locks WHERE scope_id = ? AND holder_id = ?`,
		string(scope), holderID,
	)
	if err != nil {
		return fmt.Errorf("release advisory row: %w", err)
	}
	return nil
}

// PruneExpiredAdvisory removes stale degraded-mode rows. Run
// periodically by the coordinator so crashed degraded clients do not
// leave scopes claimed forever.
func (s *Store) PruneExpiredAdvisory(ctx context.Context) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM advisory_locks WHERE expires_at <= ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune advisory rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
