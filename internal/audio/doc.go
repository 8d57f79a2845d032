// Package audio implements the real-time conditioning pipeline of the capture device.
// It narrows native 32-bit microphone samples to 16-bit PCM, removes DC offset and rumble with a
// single-pole high-pass filter, and mutes frames with a hysteresis noise gate.
package audio
