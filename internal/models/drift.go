package models

// Drift issue kinds reported by the server's health endpoint.
const (
	IssueBranchAlreadyMerged = "branch_already_merged"
	IssueMissingWorktree     = "missing_worktree"
	IssueOrphanWorktree      = "orphan_worktree"
)

// HealthIssue is one discrepancy between a feature's declared state and
// the observed ground truth (actual branch/worktree/merge state).
type HealthIssue struct {
	FeatureID  string `json:"feature_id"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	CanAutoFix bool   `json:"can_auto_fix"`
	FixAction  string `json:"fix_action,omitempty"`
}

// HealthReport is the full result of one drift check for a project.
type HealthReport struct {
	Healthy bool          `json:"healthy"`
	Issues  []HealthIssue `json:"issues"`
}
