package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"storyflow/internal/config"
	"storyflow/internal/db"
	"storyflow/internal/domain"
	"storyflow/internal/engine"
	"storyflow/internal/engine/auth"
	"storyflow/internal/migrate"
	"storyflow/internal/stage"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var (
	admin  = domain.Actor{ID: "alice", Role: "admin"}
	agent  = domain.Actor{ID: "sam", Role: "agent"}
	editor = domain.Actor{ID: "erin", Role: "editor"}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.SeedRBAC(ctx); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createIdea(t *testing.T, env testEnv, owner string) domain.Idea {
	t.Helper()
	idea, err := env.Engine.CreateIdea(env.Ctx, engine.IdeaCreateOptions{
		Title:       "How to brew coffee",
		Description: "explainer video",
		ScriptOwner: owner,
		Actor:       admin,
	})
	if err != nil {
		t.Fatalf("create idea: %v", err)
	}
	return idea
}

func TestCreateIdeaStartsAtIdeaStage(t *testing.T) {
	env := newTestEnv(t)
	idea := createIdea(t, env, "")

	rec, err := env.Engine.ResolveStage(env.Ctx, idea.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Stage != domain.StageIdea {
		t.Fatalf("expected idea stage, got %s", rec.Stage)
	}
	events, err := env.Engine.Timeline.List(env.Ctx, idea.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.EventCreated {
		t.Fatalf("expected single created event, got %+v", events)
	}
}

func TestMoveBlockedByMissingOwner(t *testing.T) {
	env := newTestEnv(t)
	idea := createIdea(t, env, "")

	_, err := env.Engine.MoveForward(env.Ctx, idea.ID, admin, engine.MoveRequest{})
	var ide engine.IncompleteDataError
	if !errors.As(err, &ide) {
		t.Fatalf("expected IncompleteDataError, got %v", err)
	}
	if len(ide.Missing) != 1 || ide.Missing[0] != "script_owner" {
		t.Fatalf("expected missing script_owner, got %v", ide.Missing)
	}

	events, _ := env.Engine.Timeline.List(env.Ctx, idea.ID)
	last := events[len(events)-1]
	if last.Type != domain.EventMoveRejected || last.NewValue != "IncompleteData" {
		t.Fatalf("expected move_rejected IncompleteData event, got %+v", last)
	}
	// Rejection must not have advanced the item.
	rec, _ := env.Engine.ResolveStage(env.Ctx, idea.ID)
	if rec.Stage != domain.StageIdea {
		t.Fatalf("item advanced on rejection: %s", rec.Stage)
	}
}

func TestAssignThenReassignOwner(t *testing.T) {
	env := newTestEnv(t)
	idea := createIdea(t, env, "")

	if _, err := env.Engine.AssignScriptOwner(env.Ctx, idea.ID, "erin", admin); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.AssignScriptOwner(env.Ctx, idea.ID, "frank", admin); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	events, _ := env.Engine.Timeline.List(env.Ctx, idea.ID)
	var types []string
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	want := []string{domain.EventCreated, domain.EventAssigned, domain.EventReassigned}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
	last := events[len(events)-1]
	if last.OldValue != "erin" || last.NewValue != "frank" {
		t.Fatalf("reassigned event should carry old and new owner, got %+v", last)
	}
}

func TestAgentCannotMove(t *testing.T) {
	env := newTestEnv(t)
	idea := createIdea(t, env, "erin")

	_, err := env.Engine.MoveForward(env.Ctx, idea.ID, agent, engine.MoveRequest{})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if fe.Capability != config.CapMoveForward {
		t.Fatalf("expected move capability in error, got %+v", fe)
	}
	events, _ := env.Engine.Timeline.List(env.Ctx, idea.ID)
	last := events[len(events)-1]
	if last.Type != domain.EventMoveRejected || last.NewValue != "PermissionDenied" {
		t.Fatalf("expected move_rejected PermissionDenied event, got %+v", last)
	}
}

func TestFullPipelineToPublished(t *testing.T) {
	env := newTestEnv(t)
	idea := createIdea(t, env, "erin")

	rec, err := env.Engine.MoveForward(env.Ctx, idea.ID, editor, engine.MoveRequest{Script: "draft one"})
	if err != nil || rec.Stage != domain.StageScript {
		t.Fatalf("move to script: %v (stage %s)", err, rec.Stage)
	}

	// Script stage needs its completion marker before production.
	_, err = env.Engine.MoveForward(env.Ctx, idea.ID, editor, engine.MoveRequest{})
	var ide engine.IncompleteDataError
	if !errors.As(err, &ide) || ide.Missing[0] != "script_complete" {
		t.Fatalf("expected script_complete rejection, got %v", err)
	}
	if err := env.Engine.MarkScriptComplete(env.Ctx, idea.ID, true, editor); err != nil {
		t.Fatalf("mark script complete: %v", err)
	}
	rec, err = env.Engine.MoveForward(env.Ctx, idea.ID, editor, engine.MoveRequest{ProductionNotes: "studio b"})
	if err != nil || rec.Stage != domain.StageProduction {
		t.Fatalf("move to production: %v", err)
	}

	_, err = env.Engine.MoveForward(env.Ctx, idea.ID, editor, engine.MoveRequest{})
	if !errors.As(err, &ide) || ide.Missing[0] != "production_complete" {
		t.Fatalf("expected production_complete rejection, got %v", err)
	}
	if err := env.Engine.MarkProductionComplete(env.Ctx, idea.ID, true, editor); err != nil {
		t.Fatalf("mark production complete: %v", err)
	}
	rec, err = env.Engine.MoveForward(env.Ctx, idea.ID, editor, engine.MoveRequest{Platform: "youtube"})
	if err != nil || rec.Stage != domain.StageSocial {
		t.Fatalf("move to social: %v", err)
	}

	// Publishing needs the explicit confirm flag.
	_, err = env.Engine.MoveForward(env.Ctx, idea.ID, editor, engine.MoveRequest{})
	if !errors.Is(err, engine.ErrConfirmationRequired) {
		t.Fatalf("expected confirmation required, got %v", err)
	}
	rec, err = env.Engine.MoveForward(env.Ctx, idea.ID, editor, engine.MoveRequest{Confirm: true})
	if err != nil || rec.Stage != domain.StagePublished {
		t.Fatalf("publish: %v", err)
	}

	// Published is terminal.
	_, err = env.Engine.MoveForward(env.Ctx, idea.ID, admin, engine.MoveRequest{Confirm: true})
	if !errors.Is(err, engine.ErrTerminalState) {
		t.Fatalf("expected terminal state, got %v", err)
	}

	events, _ := env.Engine.Timeline.List(env.Ctx, idea.ID)
	var moves int
	for _, evt := range events {
		if evt.Type == domain.EventStageMoved {
			moves++
		}
	}
	if moves != 4 {
		t.Fatalf("expected 4 stage_moved events, got %d", moves)
	}
}

func TestIntegrityViolationBlocksMoves(t *testing.T) {
	env := newTestEnv(t)
	idea := createIdea(t, env, "erin")
	rec, err := env.Engine.MoveForward(env.Ctx, idea.ID, admin, engine.MoveRequest{})
	if err != nil {
		t.Fatalf("move to script: %v", err)
	}

	// Simulate an out-of-band write that skips production.
	now := "2024-01-01T00:00:00Z"
	if _, err := env.Engine.DB.Exec(`INSERT INTO social_media(content_id,published,created_by,created_at) VALUES (?,0,?,?)`,
		*rec.ContentID, "rogue", now); err != nil {
		t.Fatalf("inject social row: %v", err)
	}

	_, err = env.Engine.ResolveStage(env.Ctx, idea.ID)
	var ive stage.IntegrityViolationError
	if !errors.As(err, &ive) {
		t.Fatalf("expected IntegrityViolationError, got %v", err)
	}
	_, err = env.Engine.MoveForward(env.Ctx, idea.ID, admin, engine.MoveRequest{})
	if !errors.As(err, &ive) {
		t.Fatalf("expected move blocked by integrity violation, got %v", err)
	}
}

func TestCheckIntegrityFindsOrphans(t *testing.T) {
	env := newTestEnv(t)
	idea := createIdea(t, env, "erin")
	rec, err := env.Engine.MoveForward(env.Ctx, idea.ID, admin, engine.MoveRequest{})
	if err != nil {
		t.Fatalf("move to script: %v", err)
	}

	orphans, err := env.Engine.CheckIntegrity(env.Ctx)
	if err != nil {
		t.Fatalf("check integrity: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("expected clean chain, got %+v", orphans)
	}

	now := "2024-01-01T00:00:00Z"
	if _, err := env.Engine.DB.Exec(`INSERT INTO social_media(content_id,published,created_by,created_at) VALUES (?,0,?,?)`,
		*rec.ContentID, "rogue", now); err != nil {
		t.Fatalf("inject social row: %v", err)
	}
	orphans, err = env.Engine.CheckIntegrity(env.Ctx)
	if err != nil {
		t.Fatalf("check integrity: %v", err)
	}
	if len(orphans) != 1 || orphans[0].Table != "social_media_skipped_production" {
		t.Fatalf("expected skipped-production orphan, got %+v", orphans)
	}
}

func TestRoleGrantsSurfaceStorageErrors(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.GrantRole(env.Ctx, "erin", "editor"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	roles, err := env.Engine.Repo.ActorRoles(env.Ctx, "erin")
	if err != nil {
		t.Fatalf("actor roles: %v", err)
	}
	if len(roles) != 1 || roles[0] != "editor" {
		t.Fatalf("expected [editor], got %v", roles)
	}

	// Once the store is gone every grant path must map to StorageError,
	// not leak a raw driver error.
	env.Engine.DB.Close()
	var se engine.StorageError
	if err := env.Engine.GrantRole(env.Ctx, "erin", "manager"); !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "erin", "editor"); !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}
