// Package inference turns per-machine telemetry streams into roast
// lifecycle events. The engine keeps one in-memory session per machine
// key; sessions are lost on restart, which is acceptable because a live
// roast re-establishes state within a few samples.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/storage"
)

// ErrBadPayload marks envelopes that fail validation or decoding. Callers
// drop the envelope and keep the stream alive.
var ErrBadPayload = errors.New("bad telemetry payload")

// ConfigStore persists per-machine heuristics overrides.
type ConfigStore interface {
	Get(ctx context.Context, key models.MachineKey) (models.HeuristicsConfig, error)
	Upsert(ctx context.Context, key models.MachineKey, cfg models.HeuristicsConfig) error
}

// Detection is the result of ingesting one telemetry envelope.
type Detection struct {
	SessionID string
	Events    []models.RoastEvent
}

// TickEvent is a DROP detected by the silence sweep, with the machine and
// session it closed.
type TickEvent struct {
	Key       models.MachineKey
	SessionID string
	Event     models.RoastEvent
}

// Engine is the streaming roast-phase detector. Safe for concurrent use;
// operations on distinct machine keys proceed in parallel, operations on
// the same key serialize on that session's lock.
type Engine struct {
	defaults models.HeuristicsConfig
	configs  ConfigStore
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[models.MachineKey]*session
}

// NewEngine creates an Engine. configs may be nil, in which case every
// machine runs on the defaults.
func NewEngine(configs ConfigStore, logger *slog.Logger) *Engine {
	return &Engine{
		defaults: models.DefaultHeuristics(),
		configs:  configs,
		logger:   logger.With("component", "inference"),
		sessions: make(map[models.MachineKey]*session),
	}
}

// HandleTelemetry ingests one telemetry envelope and returns any events it
// produced, in detection order. Returns ErrBadPayload for envelopes that do
// not carry a valid telemetry point.
func (e *Engine) HandleTelemetry(ctx context.Context, env models.TelemetryEnvelope) (Detection, error) {
	if err := env.Validate(); err != nil {
		return Detection{}, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}
	point, err := env.DecodeTelemetry()
	if err != nil {
		return Detection{}, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}
	now, err := time.Parse(time.RFC3339, env.Ts)
	if err != nil {
		return Detection{}, fmt.Errorf("%w: parsing envelope ts: %w", ErrBadPayload, err)
	}

	key := env.Origin.Key()
	cfg, err := e.resolveConfig(ctx, key)
	if err != nil {
		return Detection{}, err
	}

	s := e.ensureSession(key, cfg, now)
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSeen).Seconds() > *s.config.SessionGapSeconds {
		e.logger.Debug("session gap exceeded, starting new session",
			"machine", key.String(), "gapSeconds", now.Sub(s.lastSeen).Seconds())
		s.reset(cfg, now)
	} else {
		s.config = cfg
	}

	s.points.Append(point)
	s.lastSeen = now

	var events []models.RoastEvent
	if ev := s.detectCharge(point); ev != nil {
		events = append(events, *ev)
	}
	if ev := s.detectTP(); ev != nil {
		events = append(events, *ev)
	}
	if ev := s.detectFC(point); ev != nil {
		events = append(events, *ev)
	}
	for _, ev := range events {
		e.logger.Info("roast event detected",
			"machine", key.String(), "session", s.sessionID,
			"event", string(ev.Type), "elapsedSeconds", ev.ElapsedSeconds)
	}
	return Detection{SessionID: s.sessionID, Events: events}, nil
}

// Tick runs the silence-based DROP sweep across all live sessions. Sessions
// that drop are removed; the next telemetry point starts a fresh session.
func (e *Engine) Tick(now time.Time) []TickEvent {
	e.mu.RLock()
	keys := make([]models.MachineKey, 0, len(e.sessions))
	for k := range e.sessions {
		keys = append(keys, k)
	}
	e.mu.RUnlock()

	var out []TickEvent
	for _, key := range keys {
		e.mu.RLock()
		s := e.sessions[key]
		e.mu.RUnlock()
		if s == nil {
			continue
		}

		s.mu.Lock()
		ev := s.detectDrop(now)
		sessionID := s.sessionID
		s.mu.Unlock()
		if ev == nil {
			continue
		}

		e.mu.Lock()
		if e.sessions[key] == s {
			delete(e.sessions, key)
		}
		e.mu.Unlock()

		e.logger.Info("roast session dropped on silence",
			"machine", key.String(), "session", sessionID)
		out = append(out, TickEvent{Key: key, SessionID: sessionID, Event: *ev})
	}
	return out
}

// UpsertConfig merges a partial config over the machine's stored overrides,
// persists the result when a store is configured, and returns the effective
// config (defaults plus overrides).
func (e *Engine) UpsertConfig(ctx context.Context, key models.MachineKey, partial models.HeuristicsConfig) (models.HeuristicsConfig, error) {
	if err := key.Validate(); err != nil {
		return models.HeuristicsConfig{}, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	if err := partial.Validate(); err != nil {
		return models.HeuristicsConfig{}, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}

	stored := models.HeuristicsConfig{}
	if e.configs != nil {
		var err error
		stored, err = e.configs.Get(ctx, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return models.HeuristicsConfig{}, err
		}
	}
	merged := stored.Merge(partial)
	if e.configs != nil {
		if err := e.configs.Upsert(ctx, key, merged); err != nil {
			return models.HeuristicsConfig{}, err
		}
	}
	return e.defaults.Merge(merged), nil
}

// EffectiveConfig returns the machine's current config, defaults included.
func (e *Engine) EffectiveConfig(ctx context.Context, key models.MachineKey) (models.HeuristicsConfig, error) {
	return e.resolveConfig(ctx, key)
}

// SessionCount returns the number of live sessions.
func (e *Engine) SessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

func (e *Engine) resolveConfig(ctx context.Context, key models.MachineKey) (models.HeuristicsConfig, error) {
	if e.configs == nil {
		return e.defaults, nil
	}
	stored, err := e.configs.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return e.defaults, nil
	}
	if err != nil {
		return models.HeuristicsConfig{}, fmt.Errorf("resolving config for %s: %w", key.String(), err)
	}
	return e.defaults.Merge(stored), nil
}

func (e *Engine) ensureSession(key models.MachineKey, cfg models.HeuristicsConfig, now time.Time) *session {
	e.mu.RLock()
	s := e.sessions[key]
	e.mu.RUnlock()
	if s != nil {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s = e.sessions[key]; s != nil {
		return s
	}
	s = newSession(cfg, now)
	e.sessions[key] = s
	return s
}

// detectCharge synthesizes CHARGE from the first point of a session.
func (s *session) detectCharge(p models.TelemetryPoint) *models.RoastEvent {
	if s.emitted[models.EventCharge] {
		return nil
	}
	s.emitted[models.EventCharge] = true
	return &models.RoastEvent{
		Type:           models.EventCharge,
		MachineID:      p.MachineID,
		Timestamp:      p.Timestamp,
		ElapsedSeconds: p.ElapsedSeconds,
		BtC:            p.BtC,
	}
}

// detectTP finds the turning point in the last three samples: a local
// bean-temperature minimum around the middle point, or a slope sign flip
// from negative to non-negative. Both rules name the middle point; the
// local minimum takes precedence when both fire. Missing bean temperature
// reads as +Inf and never qualifies.
func (s *session) detectTP() *models.RoastEvent {
	if s.emitted[models.EventTP] || s.points.Len() < 3 {
		return nil
	}
	last3 := s.points.LastN(3)
	latest := last3[2]
	if latest.ElapsedSeconds > *s.config.TpSearchWindowSeconds {
		return nil
	}

	b0, b1, b2 := btOrInf(last3[0]), btOrInf(last3[1]), btOrInf(last3[2])
	localMin := b1 < b0 && b1 < b2
	slopeFlip := b1-b0 < 0 && b2-b1 >= 0
	if !localMin && !slopeFlip {
		return nil
	}

	mid := last3[1]
	s.emitted[models.EventTP] = true
	return &models.RoastEvent{
		Type:           models.EventTP,
		MachineID:      mid.MachineID,
		Timestamp:      mid.Timestamp,
		ElapsedSeconds: mid.ElapsedSeconds,
		BtC:            mid.BtC,
	}
}

// detectFC fires once the roast is old and hot enough, with an optional
// rate-of-rise cap.
func (s *session) detectFC(p models.TelemetryPoint) *models.RoastEvent {
	if s.emitted[models.EventFC] {
		return nil
	}
	if p.ElapsedSeconds < *s.config.MinFirstCrackSeconds {
		return nil
	}
	if p.BtC == nil || *p.BtC < *s.config.FcBtThresholdC {
		return nil
	}
	if s.config.FcRorMaxThreshold != nil && p.RorCPerMin != nil &&
		*p.RorCPerMin > *s.config.FcRorMaxThreshold {
		return nil
	}
	s.emitted[models.EventFC] = true
	return &models.RoastEvent{
		Type:           models.EventFC,
		MachineID:      p.MachineID,
		Timestamp:      p.Timestamp,
		ElapsedSeconds: p.ElapsedSeconds,
		BtC:            p.BtC,
	}
}

// detectDrop fires when the machine has been silent for dropSilenceSeconds,
// emitting DROP at the last telemetry point's timestamp.
func (s *session) detectDrop(now time.Time) *models.RoastEvent {
	if s.emitted[models.EventDrop] {
		return nil
	}
	if now.Sub(s.lastSeen).Seconds() < *s.config.DropSilenceSeconds {
		return nil
	}
	last, ok := s.points.Last()
	if !ok {
		return nil
	}
	s.emitted[models.EventDrop] = true
	return &models.RoastEvent{
		Type:           models.EventDrop,
		MachineID:      last.MachineID,
		Timestamp:      last.Timestamp,
		ElapsedSeconds: last.ElapsedSeconds,
		BtC:            last.BtC,
	}
}
