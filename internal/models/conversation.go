package models

import "time"

// Message roles in a refinement conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationMessage is one entry in the refinement transcript.
// An assistant message stays mutable while fragments accumulate and is
// finalized exactly once.
type ConversationMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RefinedResult is the structured payload that ends a successful
// refinement conversation.
type RefinedResult struct {
	Title             string   `json:"title"`
	Summary           string   `json:"summary"`
	StructuredSteps   []string `json:"structured_steps"`
	AffectedArtifacts []string `json:"affected_artifacts"`
	ScopeEstimate     string   `json:"scope_estimate"`
	Raw               string   `json:"raw"`
}
