package store

import (
	"context"
	"database/sql"
	"fmt"

	"tallyline/internal/domain"
)

const flagCols = `id, discussion_id, task_id, flagged_by, reason, status, created_at, resolved_by, resolved_at`

func scanFlag(row *sql.Row) (domain.Flag, error) {
	var f domain.Flag
	var by, at sql.NullString
	err := row.Scan(&f.ID, &f.DiscussionID, &f.TaskID, &f.FlaggedBy, &f.Reason, &f.Status, &f.CreatedAt, &by, &at)
	if err == sql.ErrNoRows {
		return domain.Flag{}, ErrNotFound
	}
	if err != nil {
		return domain.Flag{}, err
	}
	f.ResolvedBy = strPtr(by)
	f.ResolvedAt = strPtr(at)
	return f, nil
}

// InsertFlagTx records a new active flag on a task.
func (s Store) InsertFlagTx(ctx context.Context, tx *sql.Tx, f domain.Flag) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO flags(id, discussion_id, task_id, flagged_by, reason, status, created_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.DiscussionID, f.TaskID, f.FlaggedBy, f.Reason, f.Status, f.CreatedAt)
	return err
}

// GetFlag returns one flag by ID.
func (s Store) GetFlag(ctx context.Context, id string) (domain.Flag, error) {
	return scanFlag(s.DB.QueryRowContext(ctx,
		`SELECT `+flagCols+` FROM flags WHERE id=?`, id))
}

// GetFlagTx is GetFlag inside a caller-owned transaction.
func (s Store) GetFlagTx(ctx context.Context, tx *sql.Tx, id string) (domain.Flag, error) {
	return scanFlag(tx.QueryRowContext(ctx,
		`SELECT `+flagCols+` FROM flags WHERE id=?`, id))
}

// ResolveFlagTx marks an active flag resolved. Resolving a flag that is
// already resolved (or missing) returns ErrNotFound.
func (s Store) ResolveFlagTx(ctx context.Context, tx *sql.Tx, id, resolvedBy, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE flags SET status=?, resolved_by=?, resolved_at=? WHERE id=? AND status=?`,
		domain.FlagResolved, resolvedBy, now, id, domain.FlagActive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveFlagCountTx counts active flags on a pair inside a transaction.
func (s Store) ActiveFlagCountTx(ctx context.Context, tx *sql.Tx, discussionID string, taskID int) (int, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flags WHERE discussion_id=? AND task_id=? AND status=?`,
		discussionID, taskID, domain.FlagActive)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ActiveFlagCount counts active flags on a pair.
func (s Store) ActiveFlagCount(ctx context.Context, discussionID string, taskID int) (int, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flags WHERE discussion_id=? AND task_id=? AND status=?`,
		discussionID, taskID, domain.FlagActive)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// FlagFilters narrows ListFlags. Zero values mean no filter.
type FlagFilters struct {
	DiscussionID string
	TaskID       int
	Status       string
	Limit        int
}

// ListFlags returns flags newest first.
func (s Store) ListFlags(ctx context.Context, f FlagFilters) ([]domain.Flag, error) {
	query := `SELECT ` + flagCols + ` FROM flags`
	var args []any
	var where []string
	if f.DiscussionID != "" {
		where = append(where, `discussion_id=?`)
		args = append(args, f.DiscussionID)
	}
	if f.TaskID > 0 {
		where = append(where, `task_id=?`)
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		where = append(where, `status=?`)
		args = append(args, f.Status)
	}
	for i, w := range where {
		if i == 0 {
			query += ` WHERE ` + w
		} else {
			query += ` AND ` + w
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Flag
	for rows.Next() {
		var fl domain.Flag
		var by, at sql.NullString
		if err := rows.Scan(&fl.ID, &fl.DiscussionID, &fl.TaskID, &fl.FlaggedBy, &fl.Reason, &fl.Status, &fl.CreatedAt, &by, &at); err != nil {
			return nil, err
		}
		fl.ResolvedBy = strPtr(by)
		fl.ResolvedAt = strPtr(at)
		out = append(out, fl)
	}
	return out, rows.Err()
}
