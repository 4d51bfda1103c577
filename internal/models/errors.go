package models

import "errors"

// Errors propagated out of the streaming core. Not every error is wrapped
// into one of these: context errors, tuner.ErrTunerDelegated and a few setup
// errors (such as an HTTP request that cannot be built) are returned as they
// are.
var (
	// ErrNoTunerAvailable indicates every tuner acquisition and preemption
	// attempt failed.
	ErrNoTunerAvailable = errors.New("no tuner available")

	// ErrChannelNotFound indicates the backend rejected the broadcast
	// coordinates (network / transport stream / service ID).
	ErrChannelNotFound = errors.New("channel not found")

	// ErrBackendUnreachable indicates the tuner backend could not be reached.
	ErrBackendUnreachable = errors.New("tuner backend unreachable")

	// ErrTunerUnavailable indicates the backend reported all physical tuners
	// busy for a single open attempt. The arbiter retries on this before
	// giving up with ErrNoTunerAvailable.
	ErrTunerUnavailable = errors.New("all tuners busy")

	// ErrProtocol indicates a malformed exchange with the tuner backend.
	ErrProtocol = errors.New("tuner backend protocol error")

	// ErrEncoderUnsupported indicates the configured encoder cannot run on
	// this host's hardware.
	ErrEncoderUnsupported = errors.New("encoder not supported on this host")

	// ErrEncoderStartFailed indicates the encoder process could not be
	// spawned at all.
	ErrEncoderStartFailed = errors.New("encoder failed to start")

	// ErrEncoderFroze indicates the freeze watchdog tripped and the restart
	// budget is exhausted.
	ErrEncoderFroze = errors.New("encoder froze")

	// ErrEncoderFatalLog indicates the encoder's stderr matched a known
	// fatal pattern.
	ErrEncoderFatalLog = errors.New("encoder reported a fatal error")

	// ErrClientStalled is internal to fan-out eviction and never surfaces
	// to callers.
	ErrClientStalled = errors.New("client stalled")

	// ErrCancelled indicates cooperative cancellation; callers map it to a
	// no-op.
	ErrCancelled = errors.New("cancelled")
)
