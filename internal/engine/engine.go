package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"storyflow/internal/config"
	"storyflow/internal/domain"
	"storyflow/internal/engine/auth"
	"storyflow/internal/repo"
	"storyflow/internal/stage"
	"storyflow/internal/timeline"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Timeline timeline.Recorder
	Auth     auth.Authorizer
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Timeline: timeline.Recorder{DB: db},
		Auth:     auth.Service{DB: db, Config: cfg},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ResolveStage is the canonical read path for a content item's stage.
func (e Engine) ResolveStage(ctx context.Context, ideaID int64) (domain.StageRecord, error) {
	return stage.Resolve(ctx, e.Repo, e.DB, ideaID)
}

// IdeaCreateOptions are parameters for submitting a new idea. ID may be zero
// for locally created items or carry an externally assigned identifier.
type IdeaCreateOptions struct {
	ID          int64
	Title       string
	Description string
	Priority    *int
	ScriptOwner string
	Actor       domain.Actor
}

func (e Engine) CreateIdea(ctx context.Context, opts IdeaCreateOptions) (domain.Idea, error) {
	if opts.Title == "" {
		return domain.Idea{}, errors.New("title is required")
	}
	if opts.Actor.ID == "" {
		return domain.Idea{}, errors.New("actor is required")
	}
	now := e.nowStr()
	idea := domain.Idea{
		ID:          opts.ID,
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
		SubmittedBy: opts.Actor.ID,
		CreatedAt:   now,
	}
	if opts.ScriptOwner != "" {
		idea.ScriptOwner = &opts.ScriptOwner
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Idea{}, StorageError{Op: "create idea", Err: err}
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureActor(ctx, tx, opts.Actor.ID, now); err != nil {
		return domain.Idea{}, err
	}
	id, err := e.Repo.InsertIdea(ctx, tx, idea)
	if err != nil {
		return domain.Idea{}, fmt.Errorf("insert idea: %w", err)
	}
	idea.ID = id
	if err := e.Timeline.Append(ctx, tx, timeline.Entry{
		IdeaID:      id,
		Type:        domain.EventCreated,
		Description: fmt.Sprintf("idea %q submitted", idea.Title),
		Actor:       opts.Actor,
		NewValue:    string(domain.StageIdea),
	}); err != nil {
		return domain.Idea{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Idea{}, StorageError{Op: "create idea", Err: err}
	}
	return idea, nil
}

// AssignScriptOwner sets or replaces the script owner, recording assigned or
// reassigned depending on whether one already existed.
func (e Engine) AssignScriptOwner(ctx context.Context, ideaID int64, owner string, actor domain.Actor) (domain.Idea, error) {
	if owner == "" {
		return domain.Idea{}, errors.New("owner is required")
	}
	if err := e.requireCapability(ctx, actor, config.CapAssign); err != nil {
		return domain.Idea{}, err
	}
	idea, err := e.Repo.GetIdea(ctx, e.DB, ideaID)
	if err != nil {
		return domain.Idea{}, err
	}
	eventType := domain.EventAssigned
	oldOwner := ""
	if idea.ScriptOwner != nil {
		eventType = domain.EventReassigned
		oldOwner = *idea.ScriptOwner
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Idea{}, StorageError{Op: "assign owner", Err: err}
	}
	defer tx.Rollback()

	if err := e.Repo.SetScriptOwner(ctx, tx, ideaID, owner); err != nil {
		return domain.Idea{}, err
	}
	if err := e.Timeline.Append(ctx, tx, timeline.Entry{
		IdeaID:      ideaID,
		Type:        eventType,
		Description: fmt.Sprintf("script owner set to %s", owner),
		Actor:       actor,
		OldValue:    oldOwner,
		NewValue:    owner,
	}); err != nil {
		return domain.Idea{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Idea{}, StorageError{Op: "assign owner", Err: err}
	}
	idea.ScriptOwner = &owner
	return idea, nil
}

// MarkScriptComplete flips the script-completion marker on the item's
// content row. Requires the item to have reached Script.
func (e Engine) MarkScriptComplete(ctx context.Context, ideaID int64, complete bool, actor domain.Actor) error {
	rec, err := e.ResolveStage(ctx, ideaID)
	if err != nil {
		return err
	}
	if rec.ContentID == nil {
		return IncompleteDataError{ToStage: string(domain.StageScript), Missing: []string{"content"}}
	}
	return e.markerUpdate(ctx, ideaID, "script_complete", complete, actor, func(tx *sql.Tx) error {
		return e.Repo.SetScriptComplete(ctx, tx, *rec.ContentID, complete)
	})
}

// MarkProductionComplete flips the production-completion marker.
func (e Engine) MarkProductionComplete(ctx context.Context, ideaID int64, complete bool, actor domain.Actor) error {
	rec, err := e.ResolveStage(ctx, ideaID)
	if err != nil {
		return err
	}
	if rec.ProductionID == nil {
		return IncompleteDataError{ToStage: string(domain.StageProduction), Missing: []string{"production"}}
	}
	return e.markerUpdate(ctx, ideaID, "production_complete", complete, actor, func(tx *sql.Tx) error {
		return e.Repo.SetProductionCompleted(ctx, tx, *rec.ProductionID, complete)
	})
}

func (e Engine) markerUpdate(ctx context.Context, ideaID int64, marker string, value bool, actor domain.Actor, update func(*sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StorageError{Op: "update " + marker, Err: err}
	}
	defer tx.Rollback()
	if err := update(tx); err != nil {
		return err
	}
	if err := e.Timeline.Append(ctx, tx, timeline.Entry{
		IdeaID:      ideaID,
		Type:        domain.EventStatusChanged,
		Description: fmt.Sprintf("%s set to %t", marker, value),
		Actor:       actor,
		NewValue:    fmt.Sprintf("%s=%t", marker, value),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return StorageError{Op: "update " + marker, Err: err}
	}
	return nil
}

// MoveRequest is the caller's transition input. Confirm is only meaningful
// for the terminal Social to Published move. The optional payload fields seed
// the child row the executor creates.
type MoveRequest struct {
	Note            string
	Confirm         bool
	Script          string
	ProductionNotes string
	Platform        string
}

// ValidatedMove is the token handed from the validator to the executor. It
// lives for the duration of one request and is never persisted.
type ValidatedMove struct {
	IdeaID int64
	From   domain.Stage
	To     domain.Stage
	Actor  domain.Actor
}

// ValidateMove runs the guard chain: terminal check, capability check,
// completeness check, confirmation check. It performs no writes.
func (e Engine) ValidateMove(ctx context.Context, ideaID int64, actor domain.Actor, req MoveRequest) (ValidatedMove, error) {
	rec, err := e.ResolveStage(ctx, ideaID)
	if err != nil {
		return ValidatedMove{}, err
	}
	return e.validateAgainst(ctx, rec, actor, req)
}

func (e Engine) validateAgainst(ctx context.Context, rec domain.StageRecord, actor domain.Actor, req MoveRequest) (ValidatedMove, error) {
	vm := ValidatedMove{IdeaID: rec.IdeaID, From: rec.Stage, Actor: actor}
	if rec.Stage == domain.StagePublished {
		return vm, ErrTerminalState
	}
	vm.To = rec.Stage.Next()

	if err := e.requireCapability(ctx, actor, config.CapMoveForward); err != nil {
		return vm, err
	}
	if missing, err := e.missingFields(ctx, rec, vm.To); err != nil {
		return vm, err
	} else if len(missing) > 0 {
		return vm, IncompleteDataError{ToStage: string(vm.To), Missing: missing}
	}
	if vm.To == domain.StagePublished && !req.Confirm {
		return vm, ErrConfirmationRequired
	}
	return vm, nil
}

func (e Engine) missingFields(ctx context.Context, rec domain.StageRecord, to domain.Stage) ([]string, error) {
	var missing []string
	switch to {
	case domain.StageScript:
		idea, err := e.Repo.GetIdea(ctx, e.DB, rec.IdeaID)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(idea.Title) == "" {
			missing = append(missing, "title")
		}
		if idea.ScriptOwner == nil || *idea.ScriptOwner == "" {
			missing = append(missing, "script_owner")
		}
	case domain.StageProduction:
		content, err := e.Repo.GetContent(ctx, e.DB, *rec.ContentID)
		if err != nil {
			return nil, err
		}
		if !content.ScriptComplete {
			missing = append(missing, "script_complete")
		}
	case domain.StageSocial:
		production, err := e.Repo.GetProductionByContent(ctx, e.DB, *rec.ContentID)
		if err != nil {
			return nil, err
		}
		if !production.Completed {
			missing = append(missing, "production_complete")
		}
	}
	return missing, nil
}

func (e Engine) requireCapability(ctx context.Context, actor domain.Actor, capability string) error {
	ok, err := e.Auth.HasCapability(ctx, actor.Role, capability)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Role: actor.Role, Capability: capability}
	}
	return nil
}

// MoveForward validates and executes one forward transition. Validator
// rejections are recorded as move_rejected events before the error returns;
// executor aborts (stale races) are not, since their transaction rolls back.
func (e Engine) MoveForward(ctx context.Context, ideaID int64, actor domain.Actor, req MoveRequest) (domain.StageRecord, error) {
	vm, err := e.ValidateMove(ctx, ideaID, actor, req)
	if err != nil {
		if code := rejectionEventCode(err); code != "" {
			if recErr := e.recordRejection(ctx, ideaID, actor, vm.From, code, req.Note); recErr != nil {
				return domain.StageRecord{}, recErr
			}
		}
		return domain.StageRecord{}, err
	}
	return e.executeMove(ctx, vm, req)
}

func rejectionEventCode(err error) string {
	if code := RejectionCode(err); code != "" {
		return code
	}
	var forbidden auth.ForbiddenError
	if errors.As(err, &forbidden) {
		return "PermissionDenied"
	}
	var integrity stage.IntegrityViolationError
	if errors.As(err, &integrity) {
		return "IntegrityViolation"
	}
	return ""
}

func (e Engine) recordRejection(ctx context.Context, ideaID int64, actor domain.Actor, from domain.Stage, code, note string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StorageError{Op: "record rejection", Err: err}
	}
	defer tx.Rollback()
	desc := "move rejected: " + code
	if note != "" {
		desc += " (" + note + ")"
	}
	if err := e.Timeline.Append(ctx, tx, timeline.Entry{
		IdeaID:      ideaID,
		Type:        domain.EventMoveRejected,
		Description: desc,
		Actor:       actor,
		OldValue:    string(from),
		NewValue:    code,
	}); err != nil {
		return StorageError{Op: "record rejection", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return StorageError{Op: "record rejection", Err: err}
	}
	return nil
}

// executeMove performs the single side-effecting write that advances the
// item. The stage is re-resolved inside the transaction; if it no longer
// matches the validated token, another mover won and the caller gets
// ErrStaleTransition. The child-row insert and the stage_moved event commit
// atomically.
func (e Engine) executeMove(ctx context.Context, vm ValidatedMove, req MoveRequest) (domain.StageRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageRecord{}, StorageError{Op: "execute move", Err: err}
	}
	defer tx.Rollback()

	rec, err := stage.Resolve(ctx, e.Repo, tx, vm.IdeaID)
	if err != nil {
		return domain.StageRecord{}, err
	}
	if rec.Stage != vm.From {
		return domain.StageRecord{}, ErrStaleTransition
	}
	now := e.nowStr()
	switch vm.To {
	case domain.StageScript:
		id, err := e.Repo.InsertContent(ctx, tx, domain.Content{
			IdeaID:    vm.IdeaID,
			Script:    req.Script,
			CreatedBy: vm.Actor.ID,
			CreatedAt: now,
		})
		if err != nil {
			return domain.StageRecord{}, insertErr(err)
		}
		rec.ContentID = &id
	case domain.StageProduction:
		id, err := e.Repo.InsertProduction(ctx, tx, domain.Production{
			ContentID: *rec.ContentID,
			Notes:     req.ProductionNotes,
			CreatedBy: vm.Actor.ID,
			CreatedAt: now,
		})
		if err != nil {
			return domain.StageRecord{}, insertErr(err)
		}
		rec.ProductionID = &id
	case domain.StageSocial:
		id, err := e.Repo.InsertSocialPost(ctx, tx, domain.SocialPost{
			ContentID: *rec.ContentID,
			Platform:  req.Platform,
			CreatedBy: vm.Actor.ID,
			CreatedAt: now,
		})
		if err != nil {
			return domain.StageRecord{}, insertErr(err)
		}
		rec.SocialPostID = &id
	case domain.StagePublished:
		if err := e.Repo.MarkSocialPublished(ctx, tx, *rec.SocialPostID, now); err != nil {
			return domain.StageRecord{}, err
		}
	default:
		return domain.StageRecord{}, fmt.Errorf("no executor for target stage %s", vm.To)
	}
	rec.Stage = vm.To

	desc := fmt.Sprintf("moved from %s to %s", vm.From, vm.To)
	if req.Note != "" {
		desc += ": " + req.Note
	}
	if err := e.Timeline.Append(ctx, tx, timeline.Entry{
		IdeaID:      vm.IdeaID,
		Type:        domain.EventStageMoved,
		Description: desc,
		Actor:       vm.Actor,
		OldValue:    string(vm.From),
		NewValue:    string(vm.To),
	}); err != nil {
		return domain.StageRecord{}, StorageError{Op: "execute move", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.StageRecord{}, StorageError{Op: "execute move", Err: err}
	}
	return rec, nil
}

// insertErr maps a UNIQUE violation on a child foreign key to
// ErrStaleTransition: a concurrent mover inserted the row between our
// in-transaction re-check and this insert.
func insertErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrStaleTransition
	}
	return err
}

// CheckIntegrity reports child rows whose parents are missing or whose
// presence skips a stage. These come from out-of-band writes and need
// manual correction; the engine never auto-repairs.
func (e Engine) CheckIntegrity(ctx context.Context) ([]repo.OrphanRow, error) {
	return e.Repo.FindOrphans(ctx)
}

// GrantRole assigns an RBAC role to an actor.
func (e Engine) GrantRole(ctx context.Context, actorID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StorageError{Op: "grant role", Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, e.nowStr()); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return StorageError{Op: "grant role", Err: err}
	}
	return nil
}

// RevokeRole removes an RBAC role from an actor.
func (e Engine) RevokeRole(ctx context.Context, actorID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StorageError{Op: "revoke role", Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return StorageError{Op: "revoke role", Err: err}
	}
	return nil
}

// SeedRBAC writes the config's roles and capabilities into the RBAC tables.
func (e Engine) SeedRBAC(ctx context.Context) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StorageError{Op: "seed rbac", Err: err}
	}
	defer tx.Rollback()
	for roleID, role := range e.Config.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		for _, cap := range role.Capabilities {
			if err := e.Repo.InsertCapability(ctx, tx, cap, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRoleCapability(ctx, tx, roleID, cap); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return StorageError{Op: "seed rbac", Err: err}
	}
	return nil
}
