// Package models defines the shared data types of the sync core:
// backlog entities, change events, conversation messages, and drift issues.
package models

import "time"

// Feature statuses as reported by the server.
const (
	FeatureStatusBacklog    = "backlog"
	FeatureStatusRefining   = "refining"
	FeatureStatusInProgress = "in_progress"
	FeatureStatusShipped    = "shipped"
)

// Feature is a single backlog entity owned by the server.
type Feature struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Status       string    `json:"status"`
	Branch       string    `json:"branch,omitempty"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChangeAction enumerates the actions carried by a feature_update frame.
type ChangeAction string

const (
	ActionCreated ChangeAction = "created"
	ActionUpdated ChangeAction = "updated"
	ActionDeleted ChangeAction = "deleted"
	ActionStarted ChangeAction = "started"
	ActionStopped ChangeAction = "stopped"
)

// ChangeEvent is an out-of-band change notification for one project scope.
// Deleted is applied directly against the cache; every other action means
// the scope's collection must be refetched wholesale.
type ChangeEvent struct {
	Project   string       `json:"project"`
	FeatureID string       `json:"feature_id"`
	Action    ChangeAction `json:"action"`
}

// RequiresRefetch reports whether the event invalidates the whole collection.
func (e ChangeEvent) RequiresRefetch() bool {
	return e.Action != ActionDeleted
}

// CachedCollection is the last-known snapshot of a project's features.
// Collections are always replaced wholesale, never merged field-by-field.
type CachedCollection struct {
	ProjectID string    `json:"project_id"`
	Features  []Feature `json:"features"`
	SavedAt   time.Time `json:"saved_at"`
}
