package models

import "fmt"

// HeuristicsConfig tunes the roast-phase detectors for one machine. Optional
// fields are pointers so a partial config can be merged over the defaults
// without clobbering them with zero values.
type HeuristicsConfig struct {
	SessionGapSeconds     *float64 `json:"sessionGapSeconds,omitempty"`
	TpSearchWindowSeconds *float64 `json:"tpSearchWindowSeconds,omitempty"`
	MinFirstCrackSeconds  *float64 `json:"minFirstCrackSeconds,omitempty"`
	FcBtThresholdC        *float64 `json:"fcBtThresholdC,omitempty"`
	FcRorMaxThreshold     *float64 `json:"fcRorMaxThreshold,omitempty"`
	DropSilenceSeconds    *float64 `json:"dropSilenceSeconds,omitempty"`
	MaxBufferPoints       *int     `json:"maxBufferPoints,omitempty"`
}

// DefaultHeuristics returns the built-in detector defaults. FcRorMaxThreshold
// has no default: the RoR cap on first crack is opt-in.
func DefaultHeuristics() HeuristicsConfig {
	return HeuristicsConfig{
		SessionGapSeconds:     f64(30),
		TpSearchWindowSeconds: f64(180),
		MinFirstCrackSeconds:  f64(300),
		FcBtThresholdC:        f64(196),
		DropSilenceSeconds:    f64(10),
		MaxBufferPoints:       intp(2000),
	}
}

// Merge overlays the set fields of partial onto c and returns the result.
// Neither receiver nor argument is mutated.
func (c HeuristicsConfig) Merge(partial HeuristicsConfig) HeuristicsConfig {
	out := c
	if partial.SessionGapSeconds != nil {
		out.SessionGapSeconds = partial.SessionGapSeconds
	}
	if partial.TpSearchWindowSeconds != nil {
		out.TpSearchWindowSeconds = partial.TpSearchWindowSeconds
	}
	if partial.MinFirstCrackSeconds != nil {
		out.MinFirstCrackSeconds = partial.MinFirstCrackSeconds
	}
	if partial.FcBtThresholdC != nil {
		out.FcBtThresholdC = partial.FcBtThresholdC
	}
	if partial.FcRorMaxThreshold != nil {
		out.FcRorMaxThreshold = partial.FcRorMaxThreshold
	}
	if partial.DropSilenceSeconds != nil {
		out.DropSilenceSeconds = partial.DropSilenceSeconds
	}
	if partial.MaxBufferPoints != nil {
		out.MaxBufferPoints = partial.MaxBufferPoints
	}
	return out
}

// Validate rejects non-positive durations and buffer sizes.
func (c HeuristicsConfig) Validate() error {
	for name, v := range map[string]*float64{
		"sessionGapSeconds":     c.SessionGapSeconds,
		"tpSearchWindowSeconds": c.TpSearchWindowSeconds,
		"minFirstCrackSeconds":  c.MinFirstCrackSeconds,
		"dropSilenceSeconds":    c.DropSilenceSeconds,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("heuristics: %s must be positive, got %v", name, *v)
		}
	}
	if c.MaxBufferPoints != nil && *c.MaxBufferPoints <= 0 {
		return fmt.Errorf("heuristics: maxBufferPoints must be positive, got %d", *c.MaxBufferPoints)
	}
	return nil
}

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }
