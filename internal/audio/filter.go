package audio

import (
	"fmt"
	"math"
)

// HighPassFilter is a single-pole IIR filter used to strip DC offset and low-frequency rumble
// from microphone samples. It is stateful: Apply must be called exactly once per sample, in
// temporal order.
type HighPassFilter struct {
	a0, a1, b1 float64

	prevInput  float64
	prevOutput float64
}

// NewHighPassFilter creates a filter for the given cutoff and sample rate
func NewHighPassFilter(cutoffHz, sampleRateHz float64) (*HighPassFilter, error) {
	f := &HighPassFilter{}
	if err := f.Reset(cutoffHz, sampleRateHz); err != nil {
		return nil, err
	}
	return f, nil
}

// Reset recomputes the coefficients and clears the filter history.
// It requires 0 < cutoffHz < sampleRateHz/2.
func (f *HighPassFilter) Reset(cutoffHz, sampleRateHz float64) error {
	if sampleRateHz <= 0 || cutoffHz <= 0 || cutoffHz >= sampleRateHz/2 {
		return fmt.Errorf("%w: cutoff %.2f Hz must be within (0, %.2f) for sample rate %.2f Hz",
			ErrInvalidParameter, cutoffHz, sampleRateHz/2, sampleRateHz)
	}

	c := math.Tan(math.Pi * cutoffHz / sampleRateHz)
	a0 := 1.0 / (1.0 + c)

	f.a0 = a0
	f.a1 = -a0
	f.b1 = (1.0 - c) * a0
	f.prevInput = 0
	f.prevOutput = 0

	return nil
}

// Apply filters one sample and advances the filter state
func (f *HighPassFilter) Apply(sample float64) float64 {
	output := f.a0*sample + f.a1*f.prevInput + f.b1*f.prevOutput
	f.prevInput = sample
	f.prevOutput = output
	return output
}

// Coefficients returns (a0, a1, b1)
func (f *HighPassFilter) Coefficients() (a0, a1, b1 float64) {
	return f.a0, f.a1, f.b1
}
