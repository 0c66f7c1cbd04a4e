// Package store wraps SQLite persistence for discussions, task states,
// annotations, consensus, flags and events. Methods either run on the
// shared pool or, when suffixed Tx, inside a caller-owned transaction so
// the engine can compose a workflow step and its event append atomically.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tallyline/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides typed access to the workspace database.
type Store struct {
	DB *sql.DB
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableStringPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// InsertDiscussion stores a discussion row. The caller seeds task states
// separately so imports stay a single transaction.
func (s Store) InsertDiscussion(ctx context.Context, tx *sql.Tx, d domain.Discussion) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO discussions(id, repository, title, url, created_at) VALUES (?,?,?,?,?)`,
		d.ID, d.Repository, nullable(d.Title), nullable(d.URL), d.CreatedAt)
	return err
}

// GetDiscussion returns one discussion by ID.
func (s Store) GetDiscussion(ctx context.Context, id string) (domain.Discussion, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, repository, COALESCE(title,''), COALESCE(url,''), created_at FROM discussions WHERE id=?`, id)
	var d domain.Discussion
	err := row.Scan(&d.ID, &d.Repository, &d.Title, &d.URL, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Discussion{}, ErrNotFound
	}
	if err != nil {
		return domain.Discussion{}, err
	}
	return d, nil
}

// GetDiscussionTx is GetDiscussion inside a caller-owned transaction.
func (s Store) GetDiscussionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Discussion, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, repository, COALESCE(title,''), COALESCE(url,''), created_at FROM discussions WHERE id=?`, id)
	var d domain.Discussion
	err := row.Scan(&d.ID, &d.Repository, &d.Title, &d.URL, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Discussion{}, ErrNotFound
	}
	if err != nil {
		return domain.Discussion{}, err
	}
	return d, nil
}

// DeleteDiscussion removes a discussion. Dependent rows cascade.
func (s Store) DeleteDiscussion(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM discussions WHERE id=?`, id)
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

// DiscussionFilters narrows ListDiscussions. Zero values mean no filter.
// Cursor fields page by (created_at, id) descending.
type DiscussionFilters struct {
	Repository      string
	TaskID          int
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListDiscussions returns discussions newest first. When TaskID is set the
// Status filter applies to that task's state.
func (s Store) ListDiscussions(ctx context.Context, f DiscussionFilters) ([]domain.Discussion, error) {
	query := `SELECT d.id, d.repository, COALESCE(d.title,''), COALESCE(d.url,''), d.created_at FROM discussions d`
	var args []any
	var where []string
	if f.TaskID > 0 {
		query += ` JOIN task_states ts ON ts.discussion_id=d.id AND ts.task_id=?`
		args = append(args, f.TaskID)
		if f.Status != "" {
			where = append(where, `ts.status=?`)
			args = append(args, f.Status)
		}
	}
	if f.Repository != "" {
		where = append(where, `d.repository=?`)
		args = append(args, f.Repository)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		where = append(where, `(d.created_at < ? OR (d.created_at = ? AND d.id < ?))`)
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	for i, w := range where {
		if i == 0 {
			query += ` WHERE ` + w
		} else {
			query += ` AND ` + w
		}
	}
	query += ` ORDER BY d.created_at DESC, d.id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Discussion
	for rows.Next() {
		var d domain.Discussion
		if err := rows.Scan(&d.ID, &d.Repository, &d.Title, &d.URL, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertTaskState seeds one task's workflow row during import.
func (s Store) InsertTaskState(ctx context.Context, tx *sql.Tx, ts domain.TaskState) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_states(discussion_id, task_id, status, prior_status, updated_at) VALUES (?,?,?,?,?)`,
		ts.DiscussionID, ts.TaskID, string(ts.Status), nullableStringPtr(ts.PriorStatus), ts.UpdatedAt)
	return err
}

func scanTaskState(row *sql.Row) (domain.TaskState, error) {
	var ts domain.TaskState
	var status string
	var prior sql.NullString
	err := row.Scan(&ts.DiscussionID, &ts.TaskID, &status, &prior, &ts.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.TaskState{}, ErrNotFound
	}
	if err != nil {
		return domain.TaskState{}, err
	}
	ts.Status = domain.TaskStatus(status)
	ts.PriorStatus = strPtr(prior)
	return ts, nil
}

const taskStateCols = `discussion_id, task_id, status, prior_status, updated_at`

// GetTaskState returns one task's workflow state.
func (s Store) GetTaskState(ctx context.Context, discussionID string, taskID int) (domain.TaskState, error) {
	return scanTaskState(s.DB.QueryRowContext(ctx,
		`SELECT `+taskStateCols+` FROM task_states WHERE discussion_id=? AND task_id=?`, discussionID, taskID))
}

// GetTaskStateTx is GetTaskState inside a caller-owned transaction.
func (s Store) GetTaskStateTx(ctx context.Context, tx *sql.Tx, discussionID string, taskID int) (domain.TaskState, error) {
	return scanTaskState(tx.QueryRowContext(ctx,
		`SELECT `+taskStateCols+` FROM task_states WHERE discussion_id=? AND task_id=?`, discussionID, taskID))
}

// ListTaskStates returns all task states for a discussion in task order.
func (s Store) ListTaskStates(ctx context.Context, discussionID string) ([]domain.TaskState, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+taskStateCols+` FROM task_states WHERE discussion_id=? ORDER BY task_id`, discussionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TaskState
	for rows.Next() {
		var ts domain.TaskState
		var status string
		var prior sql.NullString
		if err := rows.Scan(&ts.DiscussionID, &ts.TaskID, &status, &prior, &ts.UpdatedAt); err != nil {
			return nil, err
		}
		ts.Status = domain.TaskStatus(status)
		ts.PriorStatus = strPtr(prior)
		out = append(out, ts)
	}
	return out, rows.Err()
}

// UpdateTaskStatusTx writes a task's status and prior_status. Passing a nil
// prior clears the column, which is how a restore from blocked forgets it.
func (s Store) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, discussionID string, taskID int, status domain.TaskStatus, prior *string, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE task_states SET status=?, prior_status=?, updated_at=? WHERE discussion_id=? AND task_id=?`,
		string(status), nullableStringPtr(prior), now, discussionID, taskID)
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

// StatusCount is one (task, status) bucket of the workspace overview.
type StatusCount struct {
	TaskID int    `json:"task_id"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// CountTaskStatuses buckets every task state by task and status.
func (s Store) CountTaskStatuses(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT task_id, status, COUNT(*) FROM task_states GROUP BY task_id, status ORDER BY task_id, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.TaskID, &sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// CountDiscussions returns the number of registered discussions.
func (s Store) CountDiscussions(ctx context.Context) (int, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM discussions`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// PairsByStatus lists task states currently in the given status, optionally
// restricted to one task, ordered for stable sweep output.
func (s Store) PairsByStatus(ctx context.Context, taskID int, status domain.TaskStatus) ([]domain.TaskState, error) {
	query := `SELECT ` + taskStateCols + ` FROM task_states WHERE status=?`
	args := []any{string(status)}
	if taskID > 0 {
		query += ` AND task_id=?`
		args = append(args, taskID)
	}
	query += ` ORDER BY discussion_id, task_id`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TaskState
	for rows.Next() {
		var ts domain.TaskState
		var st string
		var prior sql.NullString
		if err := rows.Scan(&ts.DiscussionID, &ts.TaskID, &st, &prior, &ts.UpdatedAt); err != nil {
			return nil, err
		}
		ts.Status = domain.TaskStatus(st)
		ts.PriorStatus = strPtr(prior)
		out = append(out, ts)
	}
	return out, rows.Err()
}
