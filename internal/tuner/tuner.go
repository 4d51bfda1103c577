// Package tuner abstracts the external tuner-control backends behind a
// single contract. A Tuner reserves one physical tuner on the backend and
// exposes a byte-stream reader delivering raw MPEG-2 TS for one service.
//
// Two backends are supported: EDCB's length-prefixed CtrlCmd protocol over
// TCP, and Mirakurun's HTTP streaming API. Neither guarantees 188-byte
// packet alignment on the reader; consumers must buffer.
package tuner

import (
	"context"
	"fmt"
	"io"
)

// ServiceInfo identifies one broadcast service on the backend.
type ServiceInfo struct {
	NetworkID         int
	TransportStreamID int
	ServiceID         int
	// DualMono reports whether the service currently broadcasts dual-mono
	// audio. It only influences encoder argument construction.
	DualMono bool
}

// String returns the service coordinates in NID/TSID/SID form.
func (s ServiceInfo) String() string {
	return fmt.Sprintf("%d/%d/%d", s.NetworkID, s.TransportStreamID, s.ServiceID)
}

// MirakurunServiceID returns the service ID used by Mirakurun's API paths.
func (s ServiceInfo) MirakurunServiceID() int {
	return s.NetworkID*100000 + s.ServiceID
}

// State is the lifecycle state of a tuner session.
type State string

// Tuner lifecycle states.
const (
	StateOpening    State = "Opening"
	StateOpen       State = "Open"
	StateCancelling State = "Cancelling"
	StateClosed     State = "Closed"
)

// Tuner is one reserved tuner session on the backend.
//
// Handoff transfers the underlying backend session to a new live stream
// without closing it: it returns a fresh handle bound to the new stream's
// service and permanently delegates the old handle, after which the old
// handle can no longer affect the session. Handoff and Close are serialised
// by an internal mutex.
type Tuner interface {
	// Open reserves (or re-tunes) the tuner for the bound service. When the
	// backend reports all tuners busy it returns models.ErrTunerUnavailable:
	// the EDCB backend after retrying for a bounded window, the Mirakurun
	// backend on the first refusal.
	Open(ctx context.Context) error

	// Connect opens the TS byte stream for an Open tuner.
	Connect(ctx context.Context) (io.ReadCloser, error)

	// Disconnect closes the TS byte stream without releasing the backend
	// tuner. Idempotent.
	Disconnect()

	// IsDisconnected reports whether the TS byte stream is closed.
	IsDisconnected() bool

	// Close releases the backend tuner. Idempotent; a no-op on delegated
	// handles.
	Close(ctx context.Context) error

	// Handoff re-binds the underlying backend session to toStreamID and the
	// given service, returning the fresh handle. It fails when the handle is
	// already delegated or the session is closed.
	Handoff(fromStreamID, toStreamID string, svc ServiceInfo) (Tuner, bool)

	// Lock prevents the arbiter from reusing this tuner session; Unlock
	// re-permits reuse. Locked while ONAir, unlocked while Idling.
	Lock()
	Unlock()

	State() State
	SetState(State)

	// Service returns the broadcast coordinates this handle is bound to.
	Service() ServiceInfo
}

// Backend creates tuner sessions against one tuner-control service.
type Backend interface {
	// NewTuner creates an unopened tuner bound to the given service and the
	// given owning live stream ID.
	NewTuner(svc ServiceInfo, ownerStreamID string) Tuner

	// CloseAll releases every tuner session this backend still holds. Called
	// on process shutdown.
	CloseAll(ctx context.Context) error
}
