package domain

// Stage is the derived position of a content item in the pipeline. It is
// never stored; it is computed from which child rows exist for the item.
type Stage string

const (
	StageIdea       Stage = "idea"
	StageScript     Stage = "script"
	StageProduction Stage = "production"
	StageSocial     Stage = "social"
	StagePublished  Stage = "published"
)

// Order is the fixed forward sequence of stages.
var Order = []Stage{StageIdea, StageScript, StageProduction, StageSocial, StagePublished}

// Next returns the stage after s, or "" when s is terminal.
func (s Stage) Next() Stage {
	for i, st := range Order {
		if st == s && i+1 < len(Order) {
			return Order[i+1]
		}
	}
	return ""
}

// Index returns the position of s in the pipeline order, -1 if unknown.
func (s Stage) Index() int {
	for i, st := range Order {
		if st == s {
			return i
		}
	}
	return -1
}

type Idea struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	SubmittedBy string  `json:"submitted_by"`
	ScriptOwner *string `json:"script_owner,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Content struct {
	ID             int64  `json:"id"`
	IdeaID         int64  `json:"idea_id"`
	Script         string `json:"script,omitempty"`
	ScriptComplete bool   `json:"script_complete"`
	CreatedBy      string `json:"created_by"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Production struct {
	ID        int64  `json:"id"`
	ContentID int64  `json:"content_id"`
	Notes     string `json:"notes,omitempty"`
	Completed bool   `json:"completed"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type SocialPost struct {
	ID          int64   `json:"id"`
	ContentID   int64   `json:"content_id"`
	Platform    string  `json:"platform,omitempty"`
	Published   bool    `json:"published"`
	PublishedAt *string `json:"published_at,omitempty" format:"date-time"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// StageRecord is the derived projection returned by the resolver: the stage
// plus the ids of whichever chain rows exist.
type StageRecord struct {
	IdeaID       int64  `json:"idea_id"`
	Stage        Stage  `json:"stage" enum:"idea,script,production,social,published"`
	ContentID    *int64 `json:"content_id,omitempty"`
	ProductionID *int64 `json:"production_id,omitempty"`
	SocialPostID *int64 `json:"social_post_id,omitempty"`
}

// Actor is the caller identity the engine works with. Role is resolved by
// the caller (session provider); the engine never reads it from ambient state.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// TimelineEvent is one immutable audit entry. Events are only appended,
// never updated or deleted.
type TimelineEvent struct {
	ID          int64  `json:"id"`
	IdeaID      int64  `json:"content_item_id"`
	Type        string `json:"event_type" enum:"created,status_changed,assigned,reassigned,stage_moved,move_rejected"`
	Description string `json:"description"`
	ActorID     string `json:"actor_id"`
	ActorRole   string `json:"actor_role"`
	OldValue    string `json:"old_value,omitempty"`
	NewValue    string `json:"new_value,omitempty"`
	OccurredAt  string `json:"occurred_at" format:"date-time"`
}

// Timeline event types.
const (
	EventCreated       = "created"
	EventStatusChanged = "status_changed"
	EventAssigned      = "assigned"
	EventReassigned    = "reassigned"
	EventStageMoved    = "stage_moved"
	EventMoveRejected  = "move_rejected"
)

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
