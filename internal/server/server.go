package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"storyflow/internal/config"
	"storyflow/internal/domain"
	"storyflow/internal/engine"
	"storyflow/internal/engine/auth"
	"storyflow/internal/repo"
	"storyflow/internal/stage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"incomplete_data"`
	Message string         `json:"message" example:"cannot move to script: missing script_owner"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing_fields\":[\"script_owner\"]}"`
}

// apiError models the error envelope every failure path returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Storyflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Storyflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerItems(group, cfg.Engine)
	registerStage(group, cfg.Engine)
	registerMove(group, cfg.Engine)
	registerTimeline(group, cfg.Engine)
	registerIntegrity(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startNotifierDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine rejections to the wire taxonomy. The retriable
// detail tells clients which failures a re-fetch or backoff can cure.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "permission_denied", err.Error(), map[string]any{
			"role":       fe.Role,
			"capability": fe.Capability,
		})
	}
	var ive stage.IntegrityViolationError
	if errors.As(err, &ive) {
		return newAPIError(http.StatusConflict, "integrity_violation", err.Error(), map[string]any{
			"content_item_id": ive.IdeaID,
			"detail":          ive.Detail,
		})
	}
	var ide engine.IncompleteDataError
	if errors.As(err, &ide) {
		return newAPIError(http.StatusUnprocessableEntity, "incomplete_data", err.Error(), map[string]any{
			"to_stage":       ide.ToStage,
			"missing_fields": ide.Missing,
		})
	}
	var se engine.StorageError
	if errors.As(err, &se) {
		return newAPIError(http.StatusServiceUnavailable, "storage_failure", err.Error(), map[string]any{"retriable": true})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrTerminalState):
		return newAPIError(http.StatusConflict, "terminal_state", err.Error(), nil)
	case errors.Is(err, engine.ErrConfirmationRequired):
		return newAPIError(http.StatusPreconditionRequired, "confirmation_required", err.Error(), nil)
	case errors.Is(err, engine.ErrStaleTransition):
		return newAPIError(http.StatusConflict, "stale_transition", err.Error(), map[string]any{"retriable": true})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "incomplete_data"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requireCapability(ctx context.Context, e engine.Engine, capability string) (domain.Actor, error) {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return domain.Actor{}, authErr
	}
	ok, err := e.Auth.HasCapability(ctx, actor.Role, capability)
	if err != nil {
		return domain.Actor{}, err
	}
	if !ok {
		return domain.Actor{}, auth.ForbiddenError{Role: actor.Role, Capability: capability}
	}
	return actor, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	type itemPath struct {
		ItemID int64 `path:"item_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/content-items",
		Summary:       "Submit a content idea",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.IdeaCreateOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			ScriptOwner: input.Body.ScriptOwner,
			Actor:       actor,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		idea, err := e.CreateIdea(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(idea)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/content-items",
		Summary:     "List content items",
	}, func(ctx context.Context, input *struct {
		SubmittedBy string `query:"submitted_by"`
		ScriptOwner string `query:"script_owner"`
		Limit       int    `query:"limit"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedItems `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, e, config.CapRead); err != nil {
			return nil, handleError(err)
		}
		filters := repo.IdeaFilters{
			SubmittedBy: input.SubmittedBy,
			ScriptOwner: input.ScriptOwner,
			Limit:       input.Limit,
		}
		if filters.Limit <= 0 || filters.Limit > 200 {
			filters.Limit = 50
		}
		if input.Cursor != "" {
			createdAt, id, ok := decodeCursor(input.Cursor)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		ideas, err := e.Repo.ListIdeas(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		res := paginatedItems{Items: []ItemResponse{}}
		for _, i := range ideas {
			res.Items = append(res.Items, itemResponse(i))
		}
		if len(ideas) == filters.Limit {
			last := ideas[len(ideas)-1]
			res.NextCursor = encodeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedItems `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/content-items/{item_id}",
		Summary:     "Get a content item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, e, config.CapRead); err != nil {
			return nil, handleError(err)
		}
		idea, err := e.Repo.GetIdea(ctx, e.DB, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(idea)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-script-owner",
		Method:      http.MethodPost,
		Path:        "/content-items/{item_id}/assign",
		Summary:     "Assign or replace the script owner",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		itemPath
		Body AssignOwnerRequest
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		idea, err := e.AssignScriptOwner(ctx, input.ItemID, input.Body.Owner, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(idea)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-script-complete",
		Method:      http.MethodPost,
		Path:        "/content-items/{item_id}/script-complete",
		Summary:     "Set the script completion marker",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		itemPath
		Body MarkCompleteRequest
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		complete := true
		if input.Body.Complete != nil {
			complete = *input.Body.Complete
		}
		if err := e.MarkScriptComplete(ctx, input.ItemID, complete, actor); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.ResolveStage(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-production-complete",
		Method:      http.MethodPost,
		Path:        "/content-items/{item_id}/production-complete",
		Summary:     "Set the production completion marker",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		itemPath
		Body MarkCompleteRequest
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		complete := true
		if input.Body.Complete != nil {
			complete = *input.Body.Complete
		}
		if err := e.MarkProductionComplete(ctx, input.ItemID, complete, actor); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.ResolveStage(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(rec)}, nil
	})
}

func registerStage(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/content-items/{item_id}/stage",
		Summary:     "Resolve the derived pipeline stage",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID int64 `path:"item_id"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, e, config.CapRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.ResolveStage(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(rec)}, nil
	})
}

func registerMove(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "move-forward",
		Method:      http.MethodPost,
		Path:        "/content-items/{item_id}/move-forward",
		Summary:     "Advance the item one stage forward",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusPreconditionRequired,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ItemID int64 `path:"item_id"`
		Body   MoveForwardRequest
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		before, err := e.ResolveStage(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.MoveForward(ctx, input.ItemID, actor, engine.MoveRequest{
			Confirm:         input.Body.Confirm,
			Note:            input.Body.Note,
			Script:          input.Body.Script,
			ProductionNotes: input.Body.ProductionNotes,
			Platform:        input.Body.Platform,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MoveResponse `json:"body"`
		}{Body: MoveResponse{
			IdeaID:  rec.IdeaID,
			From:    string(before.Stage),
			To:      string(rec.Stage),
			Message: fmt.Sprintf("moved from %s to %s", before.Stage, rec.Stage),
			Stage:   stageResponse(rec),
		}}, nil
	})
}

func registerTimeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-timeline",
		Method:      http.MethodGet,
		Path:        "/content-items/{item_id}/timeline",
		Summary:     "List the item's audit timeline, oldest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID int64 `path:"item_id"`
	}) (*struct {
		Body struct {
			Items []TimelineEventResponse `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, e, config.CapRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetIdea(ctx, e.DB, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		events, err := e.Timeline.List(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []TimelineEventResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []TimelineEventResponse{}
		for _, evt := range events {
			out.Body.Items = append(out.Body.Items, timelineEventResponse(evt))
		}
		return out, nil
	})
}

func registerIntegrity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-integrity",
		Method:      http.MethodGet,
		Path:        "/admin/integrity",
		Summary:     "Scan for chain rows written out of band",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body IntegrityResponse `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, e, config.CapRBACManage); err != nil {
			return nil, handleError(err)
		}
		orphans, err := e.CheckIntegrity(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if orphans == nil {
			orphans = []repo.OrphanRow{}
		}
		return &struct {
			Body IntegrityResponse `json:"body"`
		}{Body: IntegrityResponse{Clean: len(orphans) == 0, Orphans: orphans}}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/rbac/grants",
		Summary:       "Grant a role to an actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body GrantRoleRequest
	}) (*struct {
		Body ActorRolesResponse `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, e, config.CapRBACManage); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		if err := e.GrantRole(ctx, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Repo.ActorRoles(ctx, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActorRolesResponse `json:"body"`
		}{Body: ActorRolesResponse{ActorID: input.Body.ActorID, Roles: roles}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/rbac/grants/{actor_id}/{role}",
		Summary:     "Revoke a role from an actor",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
		Role    string `path:"role"`
	}) (*struct {
		Body ActorRolesResponse `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, e, config.CapRBACManage); err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeRole(ctx, input.ActorID, input.Role); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Repo.ActorRoles(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActorRolesResponse `json:"body"`
		}{Body: ActorRolesResponse{ActorID: input.ActorID, Roles: roles}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-actor-roles",
		Method:      http.MethodGet,
		Path:        "/rbac/actors/{actor_id}",
		Summary:     "List an actor's roles",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body ActorRolesResponse `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, e, config.CapRBACManage); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Repo.ActorRoles(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActorRolesResponse `json:"body"`
		}{Body: ActorRolesResponse{ActorID: input.ActorID, Roles: roles}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, e, config.CapRBACManage); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		plain := "sf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: input.Body.ActorID,
			Role:    input.Body.Role,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(plain),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetAPIKeyByHash(ctx, key.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		res := apiKeyResponse(stored)
		res.Key = plain
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body struct {
			Items []APIKeyResponse `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, e, config.CapRBACManage); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []APIKeyResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []APIKeyResponse{}
		for _, k := range keys {
			out.Body.Items = append(out.Body.Items, apiKeyResponse(k))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, e, config.CapRBACManage); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deleted"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{
			"actor_id": p.ActorID,
			"role":     p.Role,
			"source":   p.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a short-lived JWT (dev only)",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if !cfg.AllowDevLogin {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := issueJWT(cfg.JWTSecret, input.Body.ActorID, input.Body.Role, time.Hour, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Storyflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func encodeCursor(createdAt string, id int64) string {
	return fmt.Sprintf("%s|%d", createdAt, id)
}

func decodeCursor(cursor string) (createdAt, id string, ok bool) {
	idx := strings.LastIndex(cursor, "|")
	if idx <= 0 || idx == len(cursor)-1 {
		return "", "", false
	}
	return cursor[:idx], cursor[idx+1:], true
}
