package stage_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"storyflow/internal/db"
	"storyflow/internal/domain"
	"storyflow/internal/migrate"
	"storyflow/internal/repo"
	"storyflow/internal/stage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestResolveWalksTheChain(t *testing.T) {
	conn := newTestDB(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := "2024-01-01T00:00:00Z"

	var ideaID, contentID, productionID, socialID int64
	inTx(t, conn, func(tx *sql.Tx) error {
		var err error
		ideaID, err = r.InsertIdea(ctx, tx, domain.Idea{Title: "video", SubmittedBy: "alice", CreatedAt: now})
		return err
	})

	rec, err := stage.Resolve(ctx, r, conn, ideaID)
	if err != nil {
		t.Fatalf("resolve idea: %v", err)
	}
	if rec.Stage != domain.StageIdea || rec.ContentID != nil {
		t.Fatalf("expected idea stage, got %+v", rec)
	}

	inTx(t, conn, func(tx *sql.Tx) error {
		var err error
		contentID, err = r.InsertContent(ctx, tx, domain.Content{IdeaID: ideaID, Script: "draft", CreatedBy: "alice", CreatedAt: now})
		return err
	})
	rec, err = stage.Resolve(ctx, r, conn, ideaID)
	if err != nil {
		t.Fatalf("resolve script: %v", err)
	}
	if rec.Stage != domain.StageScript || rec.ContentID == nil || *rec.ContentID != contentID {
		t.Fatalf("expected script stage, got %+v", rec)
	}

	inTx(t, conn, func(tx *sql.Tx) error {
		var err error
		productionID, err = r.InsertProduction(ctx, tx, domain.Production{ContentID: contentID, CreatedBy: "alice", CreatedAt: now})
		return err
	})
	rec, err = stage.Resolve(ctx, r, conn, ideaID)
	if err != nil {
		t.Fatalf("resolve production: %v", err)
	}
	if rec.Stage != domain.StageProduction || rec.ProductionID == nil || *rec.ProductionID != productionID {
		t.Fatalf("expected production stage, got %+v", rec)
	}

	inTx(t, conn, func(tx *sql.Tx) error {
		var err error
		socialID, err = r.InsertSocialPost(ctx, tx, domain.SocialPost{ContentID: contentID, Platform: "youtube", CreatedBy: "alice", CreatedAt: now})
		return err
	})
	rec, err = stage.Resolve(ctx, r, conn, ideaID)
	if err != nil {
		t.Fatalf("resolve social: %v", err)
	}
	if rec.Stage != domain.StageSocial || rec.SocialPostID == nil || *rec.SocialPostID != socialID {
		t.Fatalf("expected social stage, got %+v", rec)
	}

	inTx(t, conn, func(tx *sql.Tx) error {
		return r.MarkSocialPublished(ctx, tx, socialID, now)
	})
	rec, err = stage.Resolve(ctx, r, conn, ideaID)
	if err != nil {
		t.Fatalf("resolve published: %v", err)
	}
	if rec.Stage != domain.StagePublished {
		t.Fatalf("expected published stage, got %+v", rec)
	}
}

func TestResolveUnknownItem(t *testing.T) {
	conn := newTestDB(t)
	r := repo.Repo{DB: conn}
	_, err := stage.Resolve(context.Background(), r, conn, 42)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveDetectsSkippedStage(t *testing.T) {
	conn := newTestDB(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := "2024-01-01T00:00:00Z"

	var ideaID, contentID int64
	inTx(t, conn, func(tx *sql.Tx) error {
		var err error
		ideaID, err = r.InsertIdea(ctx, tx, domain.Idea{Title: "broken", SubmittedBy: "alice", CreatedAt: now})
		if err != nil {
			return err
		}
		contentID, err = r.InsertContent(ctx, tx, domain.Content{IdeaID: ideaID, CreatedBy: "alice", CreatedAt: now})
		if err != nil {
			return err
		}
		// Social row without a production row: written out of band.
		_, err = r.InsertSocialPost(ctx, tx, domain.SocialPost{ContentID: contentID, CreatedBy: "alice", CreatedAt: now})
		return err
	})

	_, err := stage.Resolve(ctx, r, conn, ideaID)
	var ive stage.IntegrityViolationError
	if !errors.As(err, &ive) {
		t.Fatalf("expected IntegrityViolationError, got %v", err)
	}
	if ive.IdeaID != ideaID {
		t.Fatalf("expected violation for item %d, got %+v", ideaID, ive)
	}
}
