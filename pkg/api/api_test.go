package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastops/roastd/pkg/command"
	"github.com/roastops/roastd/pkg/config"
	"github.com/roastops/roastd/pkg/database"
	"github.com/roastops/roastd/pkg/governance"
	"github.com/roastops/roastd/pkg/inference"
	"github.com/roastops/roastd/pkg/mission"
	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/storage"
)

func newTestClient(t *testing.T) *database.Client {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Type: database.DialectSQLite,
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func newMissionRouter(t *testing.T) *gin.Engine {
	client := newTestClient(t)
	store := mission.NewStore(storage.NewMissionRepo(client), config.DefaultMissionConfig(), slog.Default())
	r := NewRouter()
	NewMissionServer(store, client).Routes(r)
	return r
}

func TestMissionCreateAndIdempotency(t *testing.T) {
	r := newMissionRouter(t)

	body := models.CreateMissionRequest{
		Goal:           models.MissionGoal{Title: "calibrate-probe"},
		IdempotencyKey: "req-1",
	}
	w := doJSON(t, r, http.MethodPost, "/missions", body)
	require.Equal(t, http.StatusCreated, w.Code)
	first := decode[models.Mission](t, w)

	w = doJSON(t, r, http.MethodPost, "/missions", body)
	require.Equal(t, http.StatusOK, w.Code, "replay returns the original mission")
	second := decode[models.Mission](t, w)
	assert.Equal(t, first.MissionID, second.MissionID)
}

func TestMissionCreateValidation(t *testing.T) {
	r := newMissionRouter(t)

	w := doJSON(t, r, http.MethodPost, "/missions", models.CreateMissionRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMissionClaimFlow(t *testing.T) {
	r := newMissionRouter(t)

	// Empty queue claims as 204.
	w := doJSON(t, r, http.MethodPost, "/missions/claim", gin.H{
		"agentName": "agent-1", "goals": []string{"calibrate-probe"},
	})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, r, http.MethodPost, "/missions", models.CreateMissionRequest{
		Goal: models.MissionGoal{Title: "calibrate-probe"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/missions/claim", gin.H{
		"agentName": "agent-1", "goals": []string{"calibrate-probe"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	claimed := decode[models.Mission](t, w)
	require.NotNil(t, claimed.Lease)

	w = doJSON(t, r, http.MethodPost, "/missions/"+claimed.MissionID+"/heartbeat", gin.H{
		"leaseId": claimed.Lease.LeaseID, "agentName": "agent-1",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// Wrong lease is a conflict, unknown mission a 404.
	w = doJSON(t, r, http.MethodPost, "/missions/"+claimed.MissionID+"/complete", gin.H{
		"leaseId": "bogus",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = doJSON(t, r, http.MethodPost, "/missions/nope/complete", gin.H{
		"leaseId": claimed.Lease.LeaseID,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/missions/"+claimed.MissionID+"/complete", gin.H{
		"leaseId": claimed.Lease.LeaseID,
	})
	require.Equal(t, http.StatusOK, w.Code)
	done := decode[models.Mission](t, w)
	assert.Equal(t, models.MissionSucceeded, done.Status)
}

func TestMissionMetricsEndpoint(t *testing.T) {
	r := newMissionRouter(t)

	w := doJSON(t, r, http.MethodPost, "/missions", models.CreateMissionRequest{
		Goal: models.MissionGoal{Title: "calibrate-probe"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodGet, "/missions/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		ByStatus  map[string]int `json:"byStatus"`
		Claimable int            `json:"claimable"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.ByStatus["PENDING"])
	assert.Equal(t, 1, resp.Claimable)
}

func newCommandRouter(t *testing.T) *gin.Engine {
	client := newTestClient(t)
	repo := storage.NewProposalRepo(client)
	svc := command.NewService(repo, nil, nil, repo, config.DefaultCommandConfig(), slog.Default())
	r := NewRouter()
	NewCommandServer(svc, client).Routes(r)
	return r
}

func proposeBody(value float64) models.ProposeRequest {
	v := value
	return models.ProposeRequest{
		Command: models.Command{
			Type:        models.CommandSetPower,
			MachineID:   "roaster-1",
			TargetValue: &v,
		},
		Proposer:  models.ProposerHuman,
		Actor:     "operator-1",
		Reasoning: "manual adjustment",
	}
}

func TestProposalLifecycleEndpoints(t *testing.T) {
	r := newCommandRouter(t)

	w := doJSON(t, r, http.MethodPost, "/proposals", proposeBody(60))
	require.Equal(t, http.StatusCreated, w.Code)
	p := decode[models.CommandProposal](t, w)
	assert.Equal(t, models.ProposalPendingApproval, p.Status)

	w = doJSON(t, r, http.MethodGet, "/proposals/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/proposals/"+p.ProposalID+"/approve", gin.H{"actor": "operator-2"})
	require.Equal(t, http.StatusOK, w.Code)
	approved := decode[models.CommandProposal](t, w)
	assert.Equal(t, models.ProposalApproved, approved.Status)

	// Double approval conflicts.
	w = doJSON(t, r, http.MethodPost, "/proposals/"+p.ProposalID+"/approve", gin.H{"actor": "operator-2"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, r, http.MethodPost, "/proposals/"+p.ProposalID+"/execute", gin.H{"actor": "executor-1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/proposals/"+p.ProposalID+"/outcome", gin.H{
		"actor":   "executor-1",
		"outcome": gin.H{"status": "COMPLETED"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	done := decode[models.CommandProposal](t, w)
	assert.Equal(t, models.ProposalCompleted, done.Status)
}

func TestProposalGateRejectionIsCreated(t *testing.T) {
	r := newCommandRouter(t)

	// Out-of-range value: the proposal is persisted REJECTED, not an error.
	w := doJSON(t, r, http.MethodPost, "/proposals", proposeBody(150))
	require.Equal(t, http.StatusCreated, w.Code)
	p := decode[models.CommandProposal](t, w)
	assert.Equal(t, models.ProposalRejected, p.Status)
	require.NotNil(t, p.RejectionReason)
	assert.Equal(t, models.ReasonConstraintViolation, p.RejectionReason.Code)
}

func TestProposalValidationAndNotFound(t *testing.T) {
	r := newCommandRouter(t)

	bad := proposeBody(60)
	bad.Actor = ""
	w := doJSON(t, r, http.MethodPost, "/proposals", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodGet, "/proposals/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProposalListFilters(t *testing.T) {
	r := newCommandRouter(t)

	req := proposeBody(60)
	req.SessionID = "sess-1"
	w := doJSON(t, r, http.MethodPost, "/proposals", req)
	require.Equal(t, http.StatusCreated, w.Code)

	for _, path := range []string{
		"/proposals?machineId=roaster-1",
		"/proposals?sessionId=sess-1",
		"/proposals",
	} {
		w = doJSON(t, r, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		var resp struct {
			Proposals []models.CommandProposal `json:"proposals"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Proposals, 1, path)
	}

	w = doJSON(t, r, http.MethodGet, "/proposals?machineId=other", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Proposals []models.CommandProposal `json:"proposals"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Proposals)
}

func newInferenceRouter(t *testing.T) *gin.Engine {
	client := newTestClient(t)
	configs := storage.NewMachineConfigRepo(client)
	engine := inference.NewEngine(configs, slog.Default())
	r := NewRouter()
	NewInferenceServer(engine, configs, client).Routes(r)
	return r
}

func TestInferenceConfigEndpoints(t *testing.T) {
	r := newInferenceRouter(t)
	query := "orgId=acme&siteId=berlin&machineId=r1"

	w := doJSON(t, r, http.MethodGet, "/config?"+query, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Config    models.HeuristicsConfig `json:"config"`
		IsDefault bool                    `json:"isDefault"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.IsDefault)

	five := 5.0
	w = doJSON(t, r, http.MethodPost, "/config", gin.H{
		"orgId": "acme", "siteId": "berlin", "machineId": "r1",
		"config": models.HeuristicsConfig{DropSilenceSeconds: &five},
	})
	require.Equal(t, http.StatusOK, w.Code)
	merged := decode[models.HeuristicsConfig](t, w)
	require.NotNil(t, merged.DropSilenceSeconds)
	assert.Equal(t, 5.0, *merged.DropSilenceSeconds)
	require.NotNil(t, merged.SessionGapSeconds, "defaults fill unset fields")

	w = doJSON(t, r, http.MethodGet, "/config?"+query, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.False(t, got.IsDefault)

	// Invalid override values map to 400.
	neg := -1.0
	w = doJSON(t, r, http.MethodPost, "/config", gin.H{
		"orgId": "acme", "siteId": "berlin", "machineId": "r1",
		"config": models.HeuristicsConfig{DropSilenceSeconds: &neg},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/config?"+query, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodDelete, "/config?"+query, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodGet, "/config/defaults", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGovernanceEndpoints(t *testing.T) {
	client := newTestClient(t)
	repo := storage.NewGovernanceRepo(client)
	agg := governance.NewAggregator(storage.NewProposalRepo(client))
	cfg := config.DefaultBreakerConfig()
	breaker := governance.NewBreaker(repo, agg, cfg, slog.Default())
	svc := governance.NewService(repo, agg, breaker, cfg)
	r := NewRouter()
	NewGovernanceServer(svc, client).Routes(r)

	w := doJSON(t, r, http.MethodGet, "/governance/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[models.GovernanceState](t, w)
	assert.Equal(t, models.PhaseL3, state.CurrentPhase)

	w = doJSON(t, r, http.MethodPost, "/circuit-breaker/rules", gin.H{
		"name": "error-rate", "enabled": true,
		"condition": "errorRate > 0.05", "windowSeconds": 300,
		"action": "alert_only",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/circuit-breaker/rules", gin.H{
		"name": "bad", "enabled": true,
		"condition": "cpuLoad > 1", "action": "alert_only",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPatch, "/circuit-breaker/rules/error-rate", gin.H{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	rule := decode[models.BreakerRule](t, w)
	assert.False(t, rule.Enabled)

	w = doJSON(t, r, http.MethodPatch, "/circuit-breaker/rules/no-such-rule", gin.H{"enabled": false})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/governance/run-cycle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cycle struct {
		Fired int `json:"fired"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cycle))
	assert.Zero(t, cycle.Fired)

	// The cycle persisted a snapshot.
	w = doJSON(t, r, http.MethodGet, "/metrics/latest", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/metrics/current", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodGet, "/metrics/current?start=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(t, r, http.MethodGet, "/metrics/weekly", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/circuit-breaker/events", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodPost, "/circuit-breaker/events/no-such-event/resolve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	r := newMissionRouter(t)

	w := doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestIntQueryFallback(t *testing.T) {
	r := NewRouter()
	r.GET("/echo", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"limit": intQuery(c, "limit", 100)})
	})

	for q, want := range map[string]int{"": 100, "?limit=5": 5, "?limit=abc": 100} {
		w := doJSON(t, r, http.MethodGet, "/echo"+q, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Limit int `json:"limit"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, want, resp.Limit, fmt.Sprintf("query %q", q))
	}
}
