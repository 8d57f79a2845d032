package audio

import "context"

// RawShift is the arithmetic right shift applied to native 32-bit samples to obtain 16-bit PCM.
// It matches a 24-bit MEMS microphone left-justified in a 32-bit I2S slot.
const RawShift = 14

// BytesPerSample is the width of one conditioned output sample.
const BytesPerSample = 2

// SampleSource is the hardware capture channel. Read fills dst with native-width samples and
// returns the number of samples written. It blocks until data is available, but must return
// once ctx is done.
type SampleSource interface {
	Read(ctx context.Context, dst []int32) (int, error)
}

// Narrow converts a native sample to 16-bit PCM, saturating instead of wrapping
func Narrow(raw int32) int16 {
	return saturate16(float64(raw >> RawShift))
}

// Widen converts a 16-bit PCM sample to native width, the inverse of Narrow
func Widen(sample int16) int32 {
	return int32(sample) << RawShift
}

func saturate16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
