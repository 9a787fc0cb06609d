package mission

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastops/roastd/pkg/config"
	"github.com/roastops/roastd/pkg/database"
	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Type: database.DialectSQLite,
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(storage.NewMissionRepo(client), config.DefaultMissionConfig(), slog.Default())
}

func createMission(t *testing.T, s *Store, title string, priority models.MissionPriority) *models.Mission {
	t.Helper()
	m, created, err := s.Create(context.Background(), models.CreateMissionRequest{
		Goal:     models.MissionGoal{Title: title},
		Priority: priority,
	})
	require.NoError(t, err)
	require.True(t, created)
	return m
}

func TestCreateDefaultsAndValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := createMission(t, store, "calibrate-probe", "")
	assert.Equal(t, models.PriorityMedium, m.Priority)
	assert.Equal(t, models.MissionPending, m.Status)
	assert.Equal(t, 0, m.Attempts)

	_, _, err := store.Create(ctx, models.CreateMissionRequest{})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := models.CreateMissionRequest{
		Goal:           models.MissionGoal{Title: "calibrate-probe"},
		IdempotencyKey: "req-42",
	}
	first, created, err := store.Create(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.Create(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.MissionID, second.MissionID)
}

func TestClaimPriorityOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createMission(t, store, "calibrate-probe", models.PriorityLow)
	high := createMission(t, store, "calibrate-probe", models.PriorityHigh)
	createMission(t, store, "calibrate-probe", models.PriorityMedium)

	claimed, err := store.Claim(ctx, "agent-1", []string{"calibrate-probe"}, 0)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, high.MissionID, claimed.MissionID)
	assert.Equal(t, models.MissionLeased, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.Lease)
	assert.Equal(t, "agent-1", claimed.Lease.HolderID)
}

func TestClaimFiltersOnGoal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createMission(t, store, "calibrate-probe", models.PriorityHigh)

	claimed, err := store.Claim(ctx, "agent-1", []string{"clean-chaff-tray"}, 0)
	require.NoError(t, err)
	assert.Nil(t, claimed, "no mission matches the requested goals")
}

func TestClaimEmptyQueue(t *testing.T) {
	store := newTestStore(t)

	claimed, err := store.Claim(context.Background(), "agent-1", []string{"calibrate-probe"}, 0)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Claim(ctx, "", []string{"calibrate-probe"}, 0)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = store.Claim(ctx, "agent-1", nil, 0)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createMission(t, store, "calibrate-probe", models.PriorityHigh)
	claimed, err := store.Claim(ctx, "agent-1", []string{"calibrate-probe"}, 30)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	extended, err := store.Heartbeat(ctx, claimed.MissionID, claimed.Lease.LeaseID, "agent-1")
	require.NoError(t, err)
	assert.True(t, extended.Lease.ExpiresAt.After(claimed.Lease.ExpiresAt))
}

func TestHeartbeatRejectsWrongLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createMission(t, store, "calibrate-probe", models.PriorityHigh)
	claimed, err := store.Claim(ctx, "agent-1", []string{"calibrate-probe"}, 30)
	require.NoError(t, err)

	_, err = store.Heartbeat(ctx, claimed.MissionID, "not-the-lease", "agent-1")
	assert.ErrorIs(t, err, ErrBadLease)

	_, err = store.Heartbeat(ctx, "no-such-mission", claimed.Lease.LeaseID, "agent-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompleteClearsLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createMission(t, store, "calibrate-probe", models.PriorityHigh)
	claimed, err := store.Claim(ctx, "agent-1", []string{"calibrate-probe"}, 30)
	require.NoError(t, err)

	done, err := store.Complete(ctx, claimed.MissionID, claimed.Lease.LeaseID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionSucceeded, done.Status)
	assert.Nil(t, done.Lease)

	// Terminal missions refuse further lease operations.
	_, err = store.Complete(ctx, claimed.MissionID, claimed.Lease.LeaseID)
	assert.ErrorIs(t, err, ErrBadLease)
}

func TestFailRetryableBacksOffThenReclaims(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	createMission(t, store, "calibrate-probe", models.PriorityHigh)
	claimed, err := store.Claim(ctx, "agent-1", []string{"calibrate-probe"}, 30)
	require.NoError(t, err)
	require.Equal(t, 1, claimed.Attempts)

	failed, err := store.Fail(ctx, claimed.MissionID, claimed.Lease.LeaseID, "probe offline", true)
	require.NoError(t, err)
	assert.Equal(t, models.MissionRetry, failed.Status)
	assert.Equal(t, 1, failed.Attempts, "failing does not consume an attempt")
	assert.Equal(t, "probe offline", failed.LastError)
	assert.True(t, failed.NextRunAfter.After(now), "retry is pushed into the future")

	// Not claimable until the backoff elapses.
	early, err := store.Claim(ctx, "agent-1", []string{"calibrate-probe"}, 30)
	require.NoError(t, err)
	assert.Nil(t, early)

	// Base backoff 1s jittered within ±25%; 2s is safely past it.
	now = now.Add(2 * time.Second)
	again, err := store.Claim(ctx, "agent-1", []string{"calibrate-probe"}, 30)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, claimed.MissionID, again.MissionID)
	assert.Equal(t, 2, again.Attempts)
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createMission(t, store, "calibrate-probe", models.PriorityHigh)
	claimed, err := store.Claim(ctx, "agent-1", []string{"calibrate-probe"}, 30)
	require.NoError(t, err)

	failed, err := store.Fail(ctx, claimed.MissionID, claimed.Lease.LeaseID, "bad firmware", false)
	require.NoError(t, err)
	assert.Equal(t, models.MissionFailed, failed.Status)
	assert.Nil(t, failed.Lease)
}

func TestFailExhaustedAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	store.cfg = config.DefaultMissionConfig()
	store.cfg.MaxAttempts = 2

	createMission(t, store, "calibrate-probe", models.PriorityHigh)

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := store.Claim(ctx, "agent-1", []string{"calibrate-probe"}, 30)
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", attempt)

		failed, err := store.Fail(ctx, claimed.MissionID, claimed.Lease.LeaseID, "still broken", true)
		require.NoError(t, err)
		if attempt < 2 {
			assert.Equal(t, models.MissionRetry, failed.Status)
		} else {
			assert.Equal(t, models.MissionFailed, failed.Status, "attempt cap reached")
		}
		now = now.Add(time.Minute)
	}
}

func TestFailRejectsWrongLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createMission(t, store, "calibrate-probe", models.PriorityHigh)
	claimed, err := store.Claim(ctx, "agent-1", []string{"calibrate-probe"}, 30)
	require.NoError(t, err)

	_, err = store.Fail(ctx, claimed.MissionID, "not-the-lease", "boom", true)
	assert.ErrorIs(t, err, ErrBadLease)
}

func TestReapExpiredLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	createMission(t, store, "calibrate-probe", models.PriorityHigh)
	claimed, err := store.Claim(ctx, "agent-1", []string{"calibrate-probe"}, 30)
	require.NoError(t, err)

	// Lease still live: nothing to reap.
	reaped, err := store.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	now = now.Add(31 * time.Second)
	reaped, err = store.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	m, err := store.Get(ctx, claimed.MissionID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionRetry, m.Status)
	assert.Nil(t, m.Lease)
	assert.Equal(t, 1, m.Attempts, "reaping does not consume an attempt")

	// The old lease is dead.
	_, err = store.Complete(ctx, claimed.MissionID, claimed.Lease.LeaseID)
	assert.ErrorIs(t, err, ErrBadLease)
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createMission(t, store, "calibrate-probe", models.PriorityHigh)
	createMission(t, store, "clean-chaff-tray", models.PriorityLow)
	claimed, err := store.Claim(ctx, "agent-1", []string{"calibrate-probe"}, 30)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	counts, claimable, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.MissionLeased])
	assert.Equal(t, 1, counts[models.MissionPending])
	assert.Equal(t, 1, claimable)
}

func TestBackoffDoublesWithJitter(t *testing.T) {
	store := newTestStore(t)

	for attempts, base := range map[int]time.Duration{
		1: 1 * time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
	} {
		d := store.backoff(attempts)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75), "attempts=%d", attempts)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25), "attempts=%d", attempts)
	}
}
