package inference

import "github.com/roastops/roastd/pkg/models"

// pointRing is a fixed-capacity ring of telemetry points. Appending past
// capacity evicts the oldest point. Single writer, single reader (the
// ingest path for one machine), so no internal locking.
type pointRing struct {
	buf   []models.TelemetryPoint
	start int
	size  int
}

func newPointRing(capacity int) *pointRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &pointRing{buf: make([]models.TelemetryPoint, capacity)}
}

func (r *pointRing) Append(p models.TelemetryPoint) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = p
		r.size++
		return
	}
	r.buf[r.start] = p
	r.start = (r.start + 1) % len(r.buf)
}

func (r *pointRing) Len() int { return r.size }

// At returns the i-th point, oldest first.
func (r *pointRing) At(i int) models.TelemetryPoint {
	return r.buf[(r.start+i)%len(r.buf)]
}

// LastN returns up to n most recent points, oldest first.
func (r *pointRing) LastN(n int) []models.TelemetryPoint {
	if n > r.size {
		n = r.size
	}
	out := make([]models.TelemetryPoint, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.At(i))
	}
	return out
}

// Last returns the most recent point; ok is false when the ring is empty.
func (r *pointRing) Last() (models.TelemetryPoint, bool) {
	if r.size == 0 {
		return models.TelemetryPoint{}, false
	}
	return r.At(r.size - 1), true
}
