package store

import (
	"context"
	"database/sql"

	"tallyline/internal/domain"
)

const rawCols = `discussion_id, user_id, task_id, data_json, submitted_at, overridden_by, overridden_at`

func scanRawAnnotation(row *sql.Row) (domain.RawAnnotation, error) {
	var a domain.RawAnnotation
	var by, at sql.NullString
	err := row.Scan(&a.DiscussionID, &a.UserID, &a.TaskID, &a.DataJSON, &a.SubmittedAt, &by, &at)
	if err == sql.ErrNoRows {
		return domain.RawAnnotation{}, ErrNotFound
	}
	if err != nil {
		return domain.RawAnnotation{}, err
	}
	a.OverriddenBy = strPtr(by)
	a.OverriddenAt = strPtr(at)
	return a, nil
}

// GetUserAnnotation returns one annotator's submission for a task.
func (s Store) GetUserAnnotation(ctx context.Context, discussionID, userID string, taskID int) (domain.RawAnnotation, error) {
	return scanRawAnnotation(s.DB.QueryRowContext(ctx,
		`SELECT `+rawCols+` FROM raw_annotations WHERE discussion_id=? AND user_id=? AND task_id=?`,
		discussionID, userID, taskID))
}

func (s Store) annotationsForTask(ctx context.Context, tx *sql.Tx, discussionID string, taskID int) ([]domain.RawAnnotation, error) {
	query := `SELECT ` + rawCols + ` FROM raw_annotations WHERE discussion_id=? AND task_id=? ORDER BY submitted_at, user_id`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, discussionID, taskID)
	} else {
		rows, err = s.DB.QueryContext(ctx, query, discussionID, taskID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RawAnnotation
	for rows.Next() {
		var a domain.RawAnnotation
		var by, at sql.NullString
		if err := rows.Scan(&a.DiscussionID, &a.UserID, &a.TaskID, &a.DataJSON, &a.SubmittedAt, &by, &at); err != nil {
			return nil, err
		}
		a.OverriddenBy = strPtr(by)
		a.OverriddenAt = strPtr(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AnnotationsForTask returns every annotator's submission for a task in
// submission order. The order is the aggregation tie-break, so it must be
// total: ties on submitted_at fall back to user_id.
func (s Store) AnnotationsForTask(ctx context.Context, discussionID string, taskID int) ([]domain.RawAnnotation, error) {
	return s.annotationsForTask(ctx, nil, discussionID, taskID)
}

// AnnotationsForTaskTx is AnnotationsForTask inside a caller-owned transaction.
func (s Store) AnnotationsForTaskTx(ctx context.Context, tx *sql.Tx, discussionID string, taskID int) ([]domain.RawAnnotation, error) {
	return s.annotationsForTask(ctx, tx, discussionID, taskID)
}

// SaveAnnotationTx upserts one annotator's submission. A resubmission
// replaces the previous payload and clears any override provenance, since
// the annotator owns the row again.
func (s Store) SaveAnnotationTx(ctx context.Context, tx *sql.Tx, a domain.RawAnnotation) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO raw_annotations(discussion_id, user_id, task_id, data_json, submitted_at)
VALUES (?,?,?,?,?)
ON CONFLICT(discussion_id, user_id, task_id) DO UPDATE SET
  data_json=excluded.data_json,
  submitted_at=excluded.submitted_at,
  overridden_by=NULL,
  overridden_at=NULL`,
		a.DiscussionID, a.UserID, a.TaskID, a.DataJSON, a.SubmittedAt)
	return err
}

// OverrideAnnotationTx replaces an annotator's payload on a pod lead's
// authority, recording who did it and when. The row must already exist.
func (s Store) OverrideAnnotationTx(ctx context.Context, tx *sql.Tx, discussionID, userID string, taskID int, dataJSON, overriddenBy, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE raw_annotations SET data_json=?, overridden_by=?, overridden_at=? WHERE discussion_id=? AND user_id=? AND task_id=?`,
		dataJSON, overriddenBy, now, discussionID, userID, taskID)
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

// CountAnnotators returns how many distinct annotators have submitted.
func (s Store) CountAnnotators(ctx context.Context, discussionID string, taskID int) (int, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_annotations WHERE discussion_id=? AND task_id=?`, discussionID, taskID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CountAnnotatorsTx is CountAnnotators inside a caller-owned transaction.
func (s Store) CountAnnotatorsTx(ctx context.Context, tx *sql.Tx, discussionID string, taskID int) (int, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_annotations WHERE discussion_id=? AND task_id=?`, discussionID, taskID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// TaskRef names one (discussion, task) pair.
type TaskRef struct {
	DiscussionID string
	TaskID       int
}

// AnnotatedPairs lists every pair that has at least one raw annotation.
// The annotator report walks these to score each contributor.
func (s Store) AnnotatedPairs(ctx context.Context) ([]TaskRef, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT discussion_id, task_id FROM raw_annotations ORDER BY discussion_id, task_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskRef
	for rows.Next() {
		var ref TaskRef
		if err := rows.Scan(&ref.DiscussionID, &ref.TaskID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

const consensusCols = `discussion_id, task_id, data_json, stars, comment, created_by, overridden_by_pod_lead, updated_at`

func scanConsensus(row *sql.Row) (domain.ConsensusAnnotation, error) {
	var c domain.ConsensusAnnotation
	var stars sql.NullInt64
	var comment sql.NullString
	var overridden int
	err := row.Scan(&c.DiscussionID, &c.TaskID, &c.DataJSON, &stars, &comment, &c.CreatedBy, &overridden, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.ConsensusAnnotation{}, ErrNotFound
	}
	if err != nil {
		return domain.ConsensusAnnotation{}, err
	}
	c.Stars = intPtr(stars)
	c.Comment = strPtr(comment)
	c.OverriddenByPodLead = overridden != 0
	return c, nil
}

// GetConsensus returns the consensus annotation for a task, if any.
func (s Store) GetConsensus(ctx context.Context, discussionID string, taskID int) (domain.ConsensusAnnotation, error) {
	return scanConsensus(s.DB.QueryRowContext(ctx,
		`SELECT `+consensusCols+` FROM consensus_annotations WHERE discussion_id=? AND task_id=?`, discussionID, taskID))
}

// GetConsensusTx is GetConsensus inside a caller-owned transaction.
func (s Store) GetConsensusTx(ctx context.Context, tx *sql.Tx, discussionID string, taskID int) (domain.ConsensusAnnotation, error) {
	return scanConsensus(tx.QueryRowContext(ctx,
		`SELECT `+consensusCols+` FROM consensus_annotations WHERE discussion_id=? AND task_id=?`, discussionID, taskID))
}

// SaveConsensusTx stores the consensus annotation, replacing any previous
// one for the pair wholesale.
func (s Store) SaveConsensusTx(ctx context.Context, tx *sql.Tx, c domain.ConsensusAnnotation) error {
	overridden := 0
	if c.OverriddenByPodLead {
		overridden = 1
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO consensus_annotations(discussion_id, task_id, data_json, stars, comment, created_by, overridden_by_pod_lead, updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(discussion_id, task_id) DO UPDATE SET
  data_json=excluded.data_json,
  stars=excluded.stars,
  comment=excluded.comment,
  created_by=excluded.created_by,
  overridden_by_pod_lead=excluded.overridden_by_pod_lead,
  updated_at=excluded.updated_at`,
		c.DiscussionID, c.TaskID, c.DataJSON, nullableIntPtr(c.Stars), nullableStringPtr(c.Comment),
		c.CreatedBy, overridden, c.UpdatedAt)
	return err
}
