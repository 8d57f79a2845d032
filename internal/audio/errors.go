package audio

import "errors"

// Sentinel errors returned by the conditioning pipeline. Callers match them with errors.Is.
var (
	// ErrInvalidParameter is returned for out-of-range filter, gate or read parameters.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrHardwareUnavailable is returned when the sample channel was never initialized.
	ErrHardwareUnavailable = errors.New("audio channel not initialized")

	// ErrAllocationFailure is returned when a scratch buffer for the raw frame cannot be obtained.
	ErrAllocationFailure = errors.New("failed to allocate raw buffer")

	// ErrReadFailed wraps hard errors reported by the underlying sample source.
	ErrReadFailed = errors.New("sample source read failed")
)
