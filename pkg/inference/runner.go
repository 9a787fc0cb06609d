package inference

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/roastops/roastd/pkg/bus"
	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/signing"
)

// tickInterval drives the silence-based DROP sweep.
const tickInterval = 1 * time.Second

// Runner wires the engine to the message bus: inbound telemetry envelopes
// are verified and ingested, inferred events are signed and published back
// out. Bad envelopes are dropped with a warning; the stream stays alive.
type Runner struct {
	engine   *Engine
	bus      bus.Bus
	verifier *signing.Verifier
	signer   *signing.Signer
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a Runner. verifier and signer run in ModeOff when
// signing is disabled.
func NewRunner(engine *Engine, b bus.Bus, verifier *signing.Verifier, signer *signing.Signer, logger *slog.Logger) *Runner {
	return &Runner{
		engine:   engine,
		bus:      b,
		verifier: verifier,
		signer:   signer,
		logger:   logger.With("component", "inference-runner"),
	}
}

// Start subscribes to the telemetry stream and launches the tick loop.
func (r *Runner) Start(ctx context.Context) error {
	if r.cancel != nil {
		return nil
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	if err := r.bus.Subscribe(ctx, bus.TelemetryFilter, func(topic string, payload []byte) {
		r.handle(ctx, topic, payload)
	}); err != nil {
		r.cancel()
		close(r.done)
		r.cancel = nil
		return err
	}

	go r.run(ctx)

	slog.Info("Inference runner started", "filter", bus.TelemetryFilter)
	return nil
}

// Stop signals the tick loop to exit and waits for it to finish.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("Inference runner stopped")
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, te := range r.engine.Tick(now.UTC()) {
				r.publishEvent(ctx, te.Key, te.SessionID, te.Event)
			}
		}
	}
}

func (r *Runner) handle(ctx context.Context, topic string, payload []byte) {
	var env models.TelemetryEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("dropping undecodable envelope", "topic", topic, "error", err)
		return
	}
	if err := r.verifier.Verify(env); err != nil {
		r.logger.Warn("dropping envelope with bad signature",
			"topic", topic, "kid", env.Kid, "error", err)
		return
	}

	detection, err := r.engine.HandleTelemetry(ctx, env)
	if errors.Is(err, ErrBadPayload) {
		r.logger.Warn("dropping bad telemetry payload", "topic", topic, "error", err)
		return
	}
	if err != nil {
		r.logger.Error("telemetry ingest failed", "topic", topic, "error", err)
		return
	}

	key := env.Origin.Key()
	for _, ev := range detection.Events {
		r.publishEvent(ctx, key, detection.SessionID, ev)
	}
}

func (r *Runner) publishEvent(ctx context.Context, key models.MachineKey, sessionID string, ev models.RoastEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("encoding roast event", "error", err)
		return
	}
	env := models.TelemetryEnvelope{
		Ts:        ev.Timestamp,
		Origin:    models.EnvelopeOrigin{OrgID: key.OrgID, SiteID: key.SiteID, MachineID: key.MachineID},
		Topic:     models.TopicEvent,
		Payload:   payload,
		SessionID: sessionID,
	}
	env, err = r.signer.Sign(env)
	if err != nil {
		r.logger.Error("signing event envelope", "error", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("encoding event envelope", "error", err)
		return
	}
	if err := r.bus.Publish(ctx, bus.EventsTopic(key), raw); err != nil {
		r.logger.Error("publishing roast event",
			"machine", key.String(), "event", string(ev.Type), "error", err)
	}
}
