package inference

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roastops/roastd/pkg/models"
)

// session is the in-memory roast state for one machine. All fields are
// guarded by mu; operations on distinct machines proceed in parallel.
type session struct {
	mu sync.Mutex

	sessionID string
	startedAt time.Time
	lastSeen  time.Time

	config models.HeuristicsConfig
	points *pointRing

	emitted map[models.RoastEventType]bool
}

func newSession(cfg models.HeuristicsConfig, now time.Time) *session {
	return &session{
		sessionID: uuid.NewString(),
		startedAt: now,
		lastSeen:  now,
		config:    cfg,
		points:    newPointRing(*cfg.MaxBufferPoints),
		emitted:   make(map[models.RoastEventType]bool),
	}
}

// reset starts a new logical session in place: fresh sessionId, cleared
// emitted flags and buffer, current config applied.
func (s *session) reset(cfg models.HeuristicsConfig, now time.Time) {
	s.sessionID = uuid.NewString()
	s.startedAt = now
	s.lastSeen = now
	s.config = cfg
	s.points = newPointRing(*cfg.MaxBufferPoints)
	s.emitted = make(map[models.RoastEventType]bool)
}

// btOrInf returns the bean temperature, with missing readings mapped to
// +Inf so they never qualify as a minimum.
func btOrInf(p models.TelemetryPoint) float64 {
	if p.BtC == nil {
		return math.Inf(1)
	}
	return *p.BtC
}
