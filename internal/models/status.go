package models

import "time"

// StreamStatus is the lifecycle state of a live stream.
type StreamStatus string

// Live stream lifecycle states.
//
// Offline: no tuner, no encoder. Standby: tuner reserved, encoder starting.
// ONAir: encoded data flowing to clients. Idling: encoder still running but
// no clients connected, kept warm for instant reconnects. Restart: transient
// state while a recoverable encoder failure is being recovered from.
const (
	StatusOffline StreamStatus = "Offline"
	StatusStandby StreamStatus = "Standby"
	StatusONAir   StreamStatus = "ONAir"
	StatusIdling  StreamStatus = "Idling"
	StatusRestart StreamStatus = "Restart"
)

// LiveStreamStatus is a point-in-time snapshot of a live stream.
type LiveStreamStatus struct {
	Status      StreamStatus `json:"status"`
	Detail      string       `json:"detail"`
	StartedAt   time.Time    `json:"started_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ClientCount int          `json:"client_count"`
}
