package timeline_test

import (
	"context"
	"testing"
	"time"

	"storyflow/internal/db"
	"storyflow/internal/domain"
	"storyflow/internal/migrate"
	"storyflow/internal/repo"
	"storyflow/internal/timeline"
)

func newRecorder(t *testing.T) (timeline.Recorder, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rec := timeline.Recorder{DB: conn, Now: func() time.Time {
		return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}}
	return rec, repo.Repo{DB: conn}
}

func seedIdea(t *testing.T, r repo.Repo) int64 {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id, err := r.InsertIdea(context.Background(), tx, domain.Idea{Title: "x", SubmittedBy: "alice", CreatedAt: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("insert idea: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return id
}

func TestAppendAndListOrdering(t *testing.T) {
	rec, r := newRecorder(t)
	ctx := context.Background()
	ideaID := seedIdea(t, r)
	actor := domain.Actor{ID: "alice", Role: "editor"}

	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	// Same injected timestamp for both: insertion order must break the tie.
	if err := rec.Append(ctx, tx, timeline.Entry{IdeaID: ideaID, Type: domain.EventCreated, Description: "first", Actor: actor}); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := rec.Append(ctx, tx, timeline.Entry{IdeaID: ideaID, Type: domain.EventStageMoved, Description: "second", Actor: actor, OldValue: "idea", NewValue: "script"}); err != nil {
		t.Fatalf("append second: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	events, err := rec.List(ctx, ideaID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Description != "first" || events[1].Description != "second" {
		t.Fatalf("wrong order: %q then %q", events[0].Description, events[1].Description)
	}
	if events[1].OldValue != "idea" || events[1].NewValue != "script" {
		t.Fatalf("old/new not round-tripped: %+v", events[1])
	}
}

func TestAfterCursor(t *testing.T) {
	rec, r := newRecorder(t)
	ctx := context.Background()
	ideaID := seedIdea(t, r)
	actor := domain.Actor{ID: "alice", Role: "editor"}

	tx, _ := r.DB.Begin()
	for _, desc := range []string{"a", "b", "c"} {
		if err := rec.Append(ctx, tx, timeline.Entry{IdeaID: ideaID, Type: domain.EventStatusChanged, Description: desc, Actor: actor}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	latest, err := rec.LatestID(ctx)
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	if latest == 0 {
		t.Fatal("expected non-zero latest id")
	}

	events, err := rec.After(ctx, latest-2, 10)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after cursor, got %d", len(events))
	}
	if events[0].Description != "b" || events[1].Description != "c" {
		t.Fatalf("wrong tail: %+v", events)
	}

	none, err := rec.After(ctx, latest, 10)
	if err != nil {
		t.Fatalf("after latest: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no events past the head, got %d", len(none))
	}
}
