package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/backlog-sync/internal/conn"
	"github.com/p-blackswan/backlog-sync/internal/controller"
	serrors "github.com/p-blackswan/backlog-sync/internal/errors"
	"github.com/p-blackswan/backlog-sync/internal/health"
	"github.com/p-blackswan/backlog-sync/internal/metrics"
	"github.com/p-blackswan/backlog-sync/internal/models"
)

type fakeState struct {
	snap controller.Snapshot
}

func (f *fakeState) Snapshot() controller.Snapshot { return f.snap }

type fakeFeatures struct {
	features []models.Feature
	err      error
}

func (f *fakeFeatures) ListFeatures(ctx context.Context, projectID string) ([]models.Feature, error) {
	return f.features, f.err
}

type fakeCache struct {
	collections map[string][]models.Feature
}

func (f *fakeCache) Load(projectID string) ([]models.Feature, bool) {
	list, ok := f.collections[projectID]
	return list, ok
}

type fakeDrift struct {
	report *models.HealthReport
	err    error
}

func (f *fakeDrift) Check(ctx context.Context, projectID string) (*models.HealthReport, error) {
	return f.report, f.err
}

type testDeps struct {
	state    *fakeState
	cache    *fakeCache
	features *fakeFeatures
	drift    *fakeDrift
	checker  *health.Checker
}

func testApp(t *testing.T, deps testDeps) *fiber.App {
	t.Helper()
	if deps.state == nil {
		deps.state = &fakeState{snap: controller.Snapshot{
			Project: "notes",
			Conn:    conn.State{Mode: conn.Connected},
		}}
	}
	if deps.cache == nil {
		deps.cache = &fakeCache{}
	}
	if deps.features == nil {
		deps.features = &fakeFeatures{features: []models.Feature{{ID: "f1", Title: "Search"}}}
	}
	if deps.drift == nil {
		deps.drift = &fakeDrift{report: &models.HealthReport{Healthy: true}}
	}
	if deps.checker == nil {
		deps.checker = health.NewChecker(zerolog.Nop())
	}

	srv := NewServer(":0", deps.state, deps.cache, deps.features, deps.drift, deps.checker, metrics.New(), zerolog.Nop())
	return srv.App()
}

func TestHealthzEndpoint(t *testing.T) {
	app := testApp(t, testDeps{})

	req, _ := http.NewRequest("GET", "/healthz", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	assert.Equal(t, "ok", body["status"])
}

func TestReadyzEndpoint_Ready(t *testing.T) {
	checker := health.NewChecker(zerolog.Nop())
	checker.Register("server", func(ctx context.Context) health.Status { return health.StatusOK })
	app := testApp(t, testDeps{checker: checker})

	req, _ := http.NewRequest("GET", "/readyz", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyzEndpoint_NotReady(t *testing.T) {
	checker := health.NewChecker(zerolog.Nop())
	checker.Register("server", func(ctx context.Context) health.Status { return health.StatusDown })
	app := testApp(t, testDeps{checker: checker})

	req, _ := http.NewRequest("GET", "/readyz", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	assert.Equal(t, "not_ready", body["status"])
}

func TestStateEndpoint(t *testing.T) {
	state := &fakeState{snap: controller.Snapshot{
		Project:  "notes",
		Features: []models.Feature{{ID: "f1", Title: "Search", Status: "in_progress"}},
		Conn:     conn.State{Mode: conn.Degraded, PendingOps: 3},
	}}
	app := testApp(t, testDeps{state: state})

	req, _ := http.NewRequest("GET", "/v1/state", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap controller.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "notes", snap.Project)
	assert.Equal(t, conn.Degraded, snap.Conn.Mode)
	assert.Equal(t, uint(3), snap.Conn.PendingOps)
	require.Len(t, snap.Features, 1)
	assert.Equal(t, "f1", snap.Features[0].ID)
}

func TestFeaturesEndpoint_ServesCachedView(t *testing.T) {
	cached := &fakeCache{collections: map[string][]models.Feature{
		"notes": {{ID: "f1", Title: "Search"}, {ID: "f2", Title: "Tags"}},
	}}
	app := testApp(t, testDeps{cache: cached})

	req, _ := http.NewRequest("GET", "/v1/features/notes", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Project  string           `json:"project"`
		Source   string           `json:"source"`
		Features []models.Feature `json:"features"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "notes", body.Project)
	assert.Equal(t, "cache", body.Source)
	require.Len(t, body.Features, 2)
}

func TestFeaturesEndpoint_CacheMissFetchesUpstream(t *testing.T) {
	app := testApp(t, testDeps{})

	req, _ := http.NewRequest("GET", "/v1/features/notes", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Source   string           `json:"source"`
		Features []models.Feature `json:"features"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "server", body.Source)
	require.Len(t, body.Features, 1)
}

func TestFeaturesEndpoint_UpstreamError(t *testing.T) {
	app := testApp(t, testDeps{features: &fakeFeatures{err: serrors.ErrUnavailable}})

	req, _ := http.NewRequest("GET", "/v1/features/notes", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var problem Problem
	json.NewDecoder(resp.Body).Decode(&problem)
	assert.Equal(t, "upstream_error", problem.Type)
}

func TestDriftEndpoint(t *testing.T) {
	report := &models.HealthReport{
		Healthy: false,
		Issues: []models.HealthIssue{{
			FeatureID: "f1",
			Kind:      models.IssueBranchAlreadyMerged,
			Message:   "branch already merged",
		}},
	}
	app := testApp(t, testDeps{drift: &fakeDrift{report: report}})

	req, _ := http.NewRequest("GET", "/v1/drift/notes", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Project string              `json:"project"`
		Report  models.HealthReport `json:"report"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Report.Healthy)
	require.Len(t, body.Report.Issues, 1)
	assert.Equal(t, models.IssueBranchAlreadyMerged, body.Report.Issues[0].Kind)
}

func TestDriftEndpoint_UpstreamError(t *testing.T) {
	app := testApp(t, testDeps{drift: &fakeDrift{err: serrors.ErrUnavailable}})

	req, _ := http.NewRequest("GET", "/v1/drift/notes", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	app := testApp(t, testDeps{})

	req, _ := http.NewRequest("GET", "/metrics", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
