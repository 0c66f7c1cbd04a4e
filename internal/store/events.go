package store

import (
	"context"
	"database/sql"
	"fmt"

	"tallyline/internal/domain"
)

const eventCols = `id, ts, type, discussion_id, entity_kind, entity_id, actor_id, payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var discussionID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &discussionID, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if discussionID.Valid {
			e.DiscussionID = discussionID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the highest event ID, or 0 when the log is empty.
// The webhook dispatcher seeds its cursor from this.
func (s Store) LatestEventID(ctx context.Context) (int64, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// EventsAfter returns events with ID greater than afterID in append order.
func (s Store) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events WHERE id > ? ORDER BY id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, afterID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ListEvents returns recent events newest first, optionally scoped to one
// discussion.
func (s Store) ListEvents(ctx context.Context, discussionID string, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events`
	var args []any
	if discussionID != "" {
		query += ` WHERE discussion_id=?`
		args = append(args, discussionID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}
