package server

import (
	"storyflow/internal/domain"
	"storyflow/internal/repo"
)

// Request payloads

type CreateItemRequest struct {
	ID          *int64 `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    *int   `json:"priority,omitempty"`
	ScriptOwner string `json:"script_owner,omitempty"`
}

type AssignOwnerRequest struct {
	Owner string `json:"owner"`
}

type MarkCompleteRequest struct {
	Complete *bool `json:"complete,omitempty"`
}

type MoveForwardRequest struct {
	Confirm         bool   `json:"confirm,omitempty"`
	Note            string `json:"note,omitempty"`
	Script          string `json:"script,omitempty"`
	ProductionNotes string `json:"production_notes,omitempty"`
	Platform        string `json:"platform,omitempty"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// Response payloads

type ItemResponse struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	SubmittedBy string  `json:"submitted_by"`
	ScriptOwner *string `json:"script_owner,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type StageResponse struct {
	IdeaID       int64  `json:"content_item_id"`
	Stage        string `json:"stage" enum:"idea,script,production,social,published"`
	ContentID    *int64 `json:"content_id,omitempty"`
	ProductionID *int64 `json:"production_id,omitempty"`
	SocialPostID *int64 `json:"social_post_id,omitempty"`
}

type MoveResponse struct {
	IdeaID  int64         `json:"content_item_id"`
	From    string        `json:"from" enum:"idea,script,production,social"`
	To      string        `json:"to" enum:"script,production,social,published"`
	Message string        `json:"message"`
	Stage   StageResponse `json:"stage"`
}

type TimelineEventResponse struct {
	ID          int64  `json:"id"`
	IdeaID      int64  `json:"content_item_id"`
	Type        string `json:"event_type" enum:"created,status_changed,assigned,reassigned,stage_moved,move_rejected"`
	Description string `json:"description"`
	ActorID     string `json:"actor_id"`
	ActorRole   string `json:"actor_role,omitempty"`
	OldValue    string `json:"old_value,omitempty"`
	NewValue    string `json:"new_value,omitempty"`
	OccurredAt  string `json:"occurred_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only present on creation; the server stores a hash.
	Key string `json:"key,omitempty"`
}

type ActorRolesResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

type IntegrityResponse struct {
	Clean   bool             `json:"clean"`
	Orphans []repo.OrphanRow `json:"orphans"`
}

type paginatedItems struct {
	Items      []ItemResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Conversion helpers

func itemResponse(i domain.Idea) ItemResponse {
	return ItemResponse(i)
}

func stageResponse(rec domain.StageRecord) StageResponse {
	return StageResponse{
		IdeaID:       rec.IdeaID,
		Stage:        string(rec.Stage),
		ContentID:    rec.ContentID,
		ProductionID: rec.ProductionID,
		SocialPostID: rec.SocialPostID,
	}
}

func timelineEventResponse(e domain.TimelineEvent) TimelineEventResponse {
	return TimelineEventResponse{
		ID:          e.ID,
		IdeaID:      e.IdeaID,
		Type:        e.Type,
		Description: e.Description,
		ActorID:     e.ActorID,
		ActorRole:   e.ActorRole,
		OldValue:    e.OldValue,
		NewValue:    e.NewValue,
		OccurredAt:  e.OccurredAt,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Role:      k.Role,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}
