// Package timeline is the append-only audit trail. Append is the only
// mutation; nothing in the engine ever updates or deletes an event row.
package timeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"storyflow/internal/domain"
)

type Recorder struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is the writable portion of a timeline event; id and occurred_at are
// assigned on append.
type Entry struct {
	IdeaID      int64
	Type        string
	Description string
	Actor       domain.Actor
	OldValue    string
	NewValue    string
}

// Append writes one event inside the caller's transaction so the event and
// the row mutation it describes commit or roll back together. Failures
// propagate: the executor's atomicity guarantee depends on it.
func (w Recorder) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO timeline_events(idea_id,type,description,actor_id,actor_role,old_value,new_value,occurred_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.IdeaID, e.Type, e.Description, e.Actor.ID, e.Actor.Role, nullable(e.OldValue), nullable(e.NewValue), ts)
	if err != nil {
		return fmt.Errorf("append timeline event: %w", err)
	}
	return nil
}

const eventColumns = `id,idea_id,type,description,actor_id,actor_role,COALESCE(old_value,''),COALESCE(new_value,''),occurred_at`

// List returns all events for a content item, oldest first. The secondary
// sort on id makes the order stable when concurrent writers share a
// timestamp: insertion order is the tiebreak.
func (w Recorder) List(ctx context.Context, ideaID int64) ([]domain.TimelineEvent, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM timeline_events WHERE idea_id=? ORDER BY occurred_at ASC, id ASC`, ideaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		var e domain.TimelineEvent
		if err := rows.Scan(&e.ID, &e.IdeaID, &e.Type, &e.Description, &e.ActorID, &e.ActorRole, &e.OldValue, &e.NewValue, &e.OccurredAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// After returns events with ids greater than the cursor, ascending. The
// notification dispatcher tails the timeline with this.
func (w Recorder) After(ctx context.Context, cursor int64, limit int) ([]domain.TimelineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM timeline_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		var e domain.TimelineEvent
		if err := rows.Scan(&e.ID, &e.IdeaID, &e.Type, &e.Description, &e.ActorID, &e.ActorRole, &e.OldValue, &e.NewValue, &e.OccurredAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestID returns the most recent event id, 0 when the table is empty.
func (w Recorder) LatestID(ctx context.Context) (int64, error) {
	var id int64
	if err := w.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM timeline_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
