package audio

import "fmt"

// GateState is the open/closed state of a NoiseGate.
type GateState int

const (
	// GateClosed mutes frames until a peak exceeds the threshold.
	GateClosed GateState = iota
	// GateOpen passes frames until a peak drops below threshold*hysteresis.
	GateOpen
)

// String returns the human-readable name of the state.
func (s GateState) String() string {
	switch s {
	case GateClosed:
		return "closed"
	case GateOpen:
		return "open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// NoiseGate is a Schmitt-trigger classifier over a frame's peak absolute amplitude.
//
// The gate opens only when the peak is strictly above the threshold and closes only when it is
// strictly below threshold*hysteresisRatio, so a signal sitting exactly on either boundary
// never toggles it.
type NoiseGate struct {
	threshold  float64
	hysteresis float64
	state      GateState
}

// NewNoiseGate creates a closed gate. threshold must be positive and 0 < hysteresisRatio < 1.
func NewNoiseGate(threshold, hysteresisRatio float64) (*NoiseGate, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("%w: gate threshold must be positive, got %f", ErrInvalidParameter, threshold)
	}
	if hysteresisRatio <= 0 || hysteresisRatio >= 1 {
		return nil, fmt.Errorf("%w: hysteresis ratio must be within (0, 1), got %f", ErrInvalidParameter, hysteresisRatio)
	}

	return &NoiseGate{
		threshold:  threshold,
		hysteresis: hysteresisRatio,
		state:      GateClosed,
	}, nil
}

// Next returns the state that follows prev for a frame with the given peak. It does not
// modify the gate.
func (g *NoiseGate) Next(prev GateState, peak float64) GateState {
	switch prev {
	case GateOpen:
		if peak < g.threshold*g.hysteresis {
			return GateClosed
		}
		return GateOpen
	default:
		if peak > g.threshold {
			return GateOpen
		}
		return GateClosed
	}
}

// Update advances the gate with one frame peak and returns the new state
func (g *NoiseGate) Update(peak float64) GateState {
	g.state = g.Next(g.state, peak)
	return g.state
}

// State returns the current gate state
func (g *NoiseGate) State() GateState {
	return g.state
}

// Passes reports whether a frame classified into state is emitted
func (g *NoiseGate) Passes(state GateState) bool {
	return state == GateOpen
}

// Threshold returns the opening threshold
func (g *NoiseGate) Threshold() float64 {
	return g.threshold
}

// HysteresisRatio returns the closing ratio
func (g *NoiseGate) HysteresisRatio() float64 {
	return g.hysteresis
}

// Reset closes the gate
func (g *NoiseGate) Reset() {
	g.state = GateClosed
}
