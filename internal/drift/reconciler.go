// Package drift packages the server-side health comparison between
// declared backlog state and observed ground truth (actual branch,
// worktree and merge state). The reconciler never computes drift itself
// and never simulates a fix locally; the authoritative post-fix state
// always comes back from the server.
package drift

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/backlog-sync/internal/models"
)

// Boundary is the slice of the HTTP API the reconciler needs.
type Boundary interface {
	Health(ctx context.Context, projectID string) (*models.HealthReport, error)
	Fix(ctx context.Context, projectID, featureID, action string) error
}

// Refetcher is invoked after a successful fix so the controller pulls
// the authoritative collection before the re-check.
type Refetcher func(ctx context.Context, projectID string) error

// Reconciler runs drift checks and remediations for the active project.
type Reconciler struct {
	boundary Boundary
	refetch  Refetcher
	logger   zerolog.Logger

	// OnReport observes every successful check result (metrics).
	OnReport func(*models.HealthReport)

	mu        sync.RWMutex
	projectID string
	last      *models.HealthReport
	checkedAt time.Time
}

// NewReconciler creates a reconciler bound to the HTTP boundary.
func NewReconciler(boundary Boundary, refetch Refetcher, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		boundary: boundary,
		refetch:  refetch,
		logger:   logger.With().Str("component", "drift").Logger(),
	}
}

// SetProject switches the active project and discards the last result.
func (r *Reconciler) SetProject(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projectID = projectID
	r.last = nil
	r.checkedAt = time.Time{}
}

// Check runs one drift comparison and caches only this latest result.
func (r *Reconciler) Check(ctx context.Context, projectID string) (*models.HealthReport, error) {
	report, err := r.boundary.Health(ctx, projectID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.projectID = projectID
	r.last = report
	r.checkedAt = time.Now().UTC()
	r.mu.Unlock()

	if !report.Healthy {
		r.logger.Info().Str("project", projectID).Int("issues", len(report.Issues)).Msg("drift detected")
	}
	if r.OnReport != nil {
		r.OnReport(report)
	}
	return report, nil
}

// Last returns the most recent report and when it was taken, or nil.
func (r *Reconciler) Last() (*models.HealthReport, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.checkedAt
}

// IssueFor looks up the last-known issue for a feature, if any.
func (r *Reconciler) IssueFor(featureID string) (models.HealthIssue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return models.HealthIssue{}, false
	}
	for _, issue := range r.last.Issues {
		if issue.FeatureID == featureID {
			return issue, true
		}
	}
	return models.HealthIssue{}, false
}

// Reconcile applies a remediation action, then refetches the collection
// and re-checks so all post-fix state is server-authoritative.
func (r *Reconciler) Reconcile(ctx context.Context, featureID, fixAction string) (*models.HealthReport, error) {
	r.mu.RLock()
	projectID := r.projectID
	r.mu.RUnlock()

	if err := r.boundary.Fix(ctx, projectID, featureID, fixAction); err != nil {
		return nil, err
	}
	r.logger.Info().Str("feature", featureID).Str("action", fixAction).Msg("fix applied")

	if r.refetch != nil {
		if err := r.refetch(ctx, projectID); err != nil {
			r.logger.Warn().Err(err).Msg("post-fix refetch failed")
		}
	}
	return r.Check(ctx, projectID)
}

// RunLoop re-checks the active project on a fixed cadence until the
// context is cancelled. Check errors are logged and the loop continues.
func (r *Reconciler) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.RLock()
			projectID := r.projectID
			r.mu.RUnlock()
			if projectID == "" {
				continue
			}
			if _, err := r.Check(ctx, projectID); err != nil {
				r.logger.Debug().Err(err).Msg("periodic drift check failed")
			}
		}
	}
}
