// Package mission implements the durable, lease-based work queue agents
// claim from. Claims are linearizable per mission; retries back off
// exponentially with jitter.
package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/roastops/roastd/pkg/config"
	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/storage"
)

// ErrBadLease is returned when a lease tuple does not match the mission's
// current lease or the lease has expired.
var ErrBadLease = errors.New("lease does not match or has expired")

// Store is the mission queue service.
type Store struct {
	repo   *storage.MissionRepo
	cfg    *config.MissionConfig
	logger *slog.Logger

	now func() time.Time
}

// NewStore creates a Store.
func NewStore(repo *storage.MissionRepo, cfg *config.MissionConfig, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		cfg:    cfg,
		logger: logger.With("component", "mission-store"),
		now:    time.Now,
	}
}

// Create persists a new PENDING mission. When the request carries an
// idempotency key that already exists, the original mission is returned with
// created=false.
func (s *Store) Create(ctx context.Context, req models.CreateMissionRequest) (*models.Mission, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, err
		}
	}

	now := s.now().UTC()
	m := &models.Mission{
		MissionID:      uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		Goal:           req.Goal,
		Priority:       req.Priority,
		Status:         models.MissionPending,
		Attempts:       0,
		NextRunAfter:   now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, m); err != nil {
		// A concurrent create may have won the unique idempotency index.
		if req.IdempotencyKey != "" {
			if existing, getErr := s.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey); getErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	s.logger.Info("mission created",
		"missionId", m.MissionID, "goal", m.Goal.Title, "priority", string(m.Priority))
	return m, true, nil
}

// Claim leases the next eligible mission whose goal title is in goals.
// Returns (nil, nil) when nothing is claimable.
func (s *Store) Claim(ctx context.Context, agentName string, goals []string, leaseSeconds float64) (*models.Mission, error) {
	if agentName == "" {
		return nil, fmt.Errorf("%w: mission: agentName is required", models.ErrValidation)
	}
	if len(goals) == 0 {
		return nil, fmt.Errorf("%w: mission: at least one goal is required", models.ErrValidation)
	}
	if leaseSeconds <= 0 {
		leaseSeconds = s.cfg.DefaultLeaseSeconds
	}

	m, err := s.repo.ClaimNext(ctx, goals, agentName, uuid.NewString(), leaseSeconds, s.now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("mission claimed",
		"missionId", m.MissionID, "holder", agentName, "attempts", m.Attempts)
	return m, nil
}

// Heartbeat extends a held lease by the default lease duration. Returns
// ErrBadLease when the tuple does not match or the lease already lapsed,
// storage.ErrNotFound for unknown missions.
func (s *Store) Heartbeat(ctx context.Context, missionID, leaseID, agentName string) (*models.Mission, error) {
	now := s.now().UTC()
	expiresAt := now.Add(time.Duration(s.cfg.DefaultLeaseSeconds * float64(time.Second)))
	ok, err := s.repo.ExtendLease(ctx, missionID, leaseID, agentName, expiresAt, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.leaseFailure(ctx, missionID)
	}
	return s.repo.Get(ctx, missionID)
}

// Complete transitions a leased mission to SUCCEEDED and clears the lease.
func (s *Store) Complete(ctx context.Context, missionID, leaseID string) (*models.Mission, error) {
	now := s.now().UTC()
	ok, err := s.repo.FinishWithLease(ctx, missionID, leaseID, models.MissionSucceeded, nil, "", now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.leaseFailure(ctx, missionID)
	}
	s.logger.Info("mission succeeded", "missionId", missionID)
	return s.repo.Get(ctx, missionID)
}

// Fail records a failure. Retryable failures below the attempt cap go back
// to RETRY with exponential backoff; everything else goes FAILED.
func (s *Store) Fail(ctx context.Context, missionID, leaseID, failureMsg string, retryable bool) (*models.Mission, error) {
	m, err := s.repo.Get(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.Lease == nil || m.Lease.LeaseID != leaseID || m.Status != models.MissionLeased {
		return nil, ErrBadLease
	}

	now := s.now().UTC()
	status := models.MissionFailed
	var nextRun *time.Time
	if retryable && m.Attempts < s.cfg.MaxAttempts {
		status = models.MissionRetry
		next := now.Add(s.backoff(m.Attempts))
		nextRun = &next
	}

	ok, err := s.repo.FinishWithLease(ctx, missionID, leaseID, status, nextRun, failureMsg, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBadLease
	}
	s.logger.Info("mission failed",
		"missionId", missionID, "status", string(status), "attempts", m.Attempts, "retryable", retryable)
	return s.repo.Get(ctx, missionID)
}

// Get returns one mission by id.
func (s *Store) Get(ctx context.Context, missionID string) (*models.Mission, error) {
	return s.repo.Get(ctx, missionID)
}

// List returns recent missions, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*models.Mission, error) {
	return s.repo.List(ctx, limit)
}

// Stats summarizes queue depth by status plus how many missions are due now.
func (s *Store) Stats(ctx context.Context) (map[models.MissionStatus]int, int, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, 0, err
	}
	claimable, err := s.repo.CountClaimable(ctx, s.now().UTC())
	if err != nil {
		return nil, 0, err
	}
	return counts, claimable, nil
}

// ReapExpired sweeps lapsed leases back to RETRY. Returns the number reaped.
func (s *Store) ReapExpired(ctx context.Context) (int64, error) {
	return s.repo.ReapExpired(ctx, s.now().UTC())
}

// backoff computes the retry delay after the given number of claim attempts:
// baseBackoff doubled per attempt, jittered within ±25%.
func (s *Store) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := float64(s.cfg.BaseBackoff) * math.Pow(2, float64(attempts-1))
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(base * jitter)
}

// leaseFailure distinguishes an unknown mission from a lease mismatch after
// a guarded update affected no rows.
func (s *Store) leaseFailure(ctx context.Context, missionID string) error {
	if _, err := s.repo.Get(ctx, missionID); err != nil {
		return err
	}
	return ErrBadLease
}
