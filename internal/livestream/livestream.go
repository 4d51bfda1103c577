// Package livestream implements the live TV streaming core: per-stream
// state machines, the encoding task supervising the external encoder, the
// multi-client fan-out of encoded TS, and the registry that arbitrates
// tuners across streams.
package livestream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hibikitv/hibiki/internal/models"
	"github.com/hibikitv/hibiki/internal/tuner"
)

// StreamID identifies one live stream: a channel at one quality.
type StreamID struct {
	ChannelID string
	Quality   models.Quality
}

// String returns the "<channel>-<quality>" form used in logs and APIs.
func (id StreamID) String() string {
	return id.ChannelID + "-" + string(id.Quality)
}

// Status details set on live streams.
const (
	detailOffline        = "The live stream is offline."
	detailStartingTask   = "Starting the encoding task..."
	detailONAir          = "The live stream is ONAir."
	detailIdling         = "The live stream is idling."
	detailTunerHandedOff = "The tuner was handed off to a new live stream."
	detailTunerReleased  = "The tuner was released for a new live stream."
	detailRestartLimit   = "Failed to restart the live stream."
)

// LiveStream coordinates one (channel, quality) streaming session shared by
// any number of viewers. Instances are created lazily by the Registry and
// never destroyed; entering Offline releases every held resource instead.
type LiveStream struct {
	id       StreamID
	registry *Registry
	logger   *slog.Logger

	// tunerMu serialises tuner-affecting transitions: the Offline->Standby
	// flip in Connect, preemption against this stream, and final teardown.
	// It is never held across I/O.
	tunerMu sync.Mutex

	// mu guards the status fields and the tuner/task handles.
	mu        sync.Mutex
	status    models.StreamStatus
	detail    string
	startedAt time.Time
	updatedAt time.Time
	tuner     tuner.Tuner
	task      *encodingTask
	svc       tuner.ServiceInfo
	resolved  bool

	// writtenAt is when encoded bytes last reached the fan-out; the freeze
	// watchdog keys off it.
	writtenAt atomic.Int64 // unix nanoseconds

	clientsMu sync.Mutex
	clients   []*Client
}

// newLiveStream creates an Offline live stream owned by r.
func newLiveStream(r *Registry, id StreamID) *LiveStream {
	return &LiveStream{
		id:       id,
		registry: r,
		logger:   r.logger.With(slog.String("live_stream", id.String())),
		status:   models.StatusOffline,
		detail:   detailOffline,
	}
}

// ID returns the stream identifier.
func (ls *LiveStream) ID() StreamID { return ls.id }

// Status returns a point-in-time snapshot of the stream.
func (ls *LiveStream) Status() models.LiveStreamStatus {
	ls.mu.Lock()
	status := models.LiveStreamStatus{
		Status:    ls.status,
		Detail:    ls.detail,
		StartedAt: ls.startedAt,
		UpdatedAt: ls.updatedAt,
	}
	ls.mu.Unlock()

	status.ClientCount = ls.ClientCount()
	return status
}

// ClientCount returns the number of attached clients.
func (ls *LiveStream) ClientCount() int {
	ls.clientsMu.Lock()
	defer ls.clientsMu.Unlock()
	return len(ls.clients)
}

// SetStatus transitions the stream. It returns false without touching
// updatedAt when the transition is a no-op or illegal:
//
//   - setting the identical (status, detail) pair again,
//   - re-setting Offline or Restart while already in that status (their
//     details must not be overwritten until the next Standby), or
//   - Offline -> Restart.
//
// Entering Standby from Offline or Restart resets startedAt and the
// written-at watermark. The tuner is unlocked when entering Idling so the
// arbiter may reuse it, and locked again when entering ONAir.
func (ls *LiveStream) SetStatus(status models.StreamStatus, detail string) bool {
	return ls.setStatus(status, detail, false)
}

func (ls *LiveStream) setStatus(status models.StreamStatus, detail string, quiet bool) bool {
	ls.mu.Lock()

	if ls.status == status && ls.detail == detail {
		ls.mu.Unlock()
		return false
	}
	if (status == models.StatusOffline || status == models.StatusRestart) && status == ls.status {
		ls.mu.Unlock()
		return false
	}
	if ls.status == models.StatusOffline && status == models.StatusRestart {
		ls.mu.Unlock()
		return false
	}

	now := time.Now()
	if (ls.status == models.StatusOffline || ls.status == models.StatusRestart) && status == models.StatusStandby {
		ls.startedAt = now
		ls.writtenAt.Store(now.UnixNano())
	}

	if !quiet {
		ls.logger.Info("Status changed",
			slog.String("status", string(status)),
			slog.String("detail", detail))
	}
	if ls.status == models.StatusStandby && status == models.StatusONAir {
		ls.logger.Info("Startup complete",
			slog.Duration("elapsed", now.Sub(ls.startedAt).Round(10*time.Millisecond)))
	}

	ls.status = status
	ls.detail = detail
	ls.updatedAt = now
	t := ls.tuner
	ls.mu.Unlock()

	if t != nil {
		switch status {
		case models.StatusIdling:
			t.Unlock()
		case models.StatusONAir:
			t.Lock()
		}
	}
	return true
}

// Connect attaches a new client to the stream. When the stream is Offline
// this acquires a tuner (preempting another stream if hardware is scarce),
// moves to Standby and starts the encoding task; when the stream is Idling
// the running encoder is reused and the stream returns to ONAir.
func (ls *LiveStream) Connect(ctx context.Context, kind string) (*Client, error) {
	if err := ls.resolveService(ctx); err != nil {
		return nil, err
	}

	// The Standby flip must happen before scanning for reusable tuners, or
	// two racing connects would start two encoding tasks.
	ls.tunerMu.Lock()
	current := ls.currentStatus()
	shouldStart := false
	if current == models.StatusOffline {
		ls.SetStatus(models.StatusStandby, detailStartingTask)
		shouldStart = true
	}
	ls.tunerMu.Unlock()

	if shouldStart {
		if err := ls.registry.acquireTuner(ctx, ls); err != nil {
			ls.SetStatus(models.StatusOffline, fmt.Sprintf("Cannot start the live stream: %s.", err))
			return nil, err
		}

		task := newEncodingTask(ls)
		ls.mu.Lock()
		ls.task = task
		ls.mu.Unlock()
		go task.Run(ls.registry.baseContext())
	}

	client := newClient(ls, kind)
	ls.clientsMu.Lock()
	ls.clients = append(ls.clients, client)
	ls.clientsMu.Unlock()
	ls.logger.Info("Client connected", slog.String("client_id", client.ID()))

	// Instant resume from idling: the encoder never stopped.
	if current == models.StatusIdling {
		ls.SetStatus(models.StatusONAir, detailONAir)
	}

	return client, nil
}

// Disconnect detaches a client. Calling it again for the same client is a
// no-op. The encoding task notices the client count reaching zero and moves
// the stream to Idling on its own.
func (ls *LiveStream) Disconnect(client *Client) {
	ls.clientsMu.Lock()
	defer ls.clientsMu.Unlock()

	for i, c := range ls.clients {
		if c == client {
			ls.clients = append(ls.clients[:i], ls.clients[i+1:]...)
			c.terminate()
			ls.logger.Info("Client disconnected", slog.String("client_id", c.ID()))
			return
		}
	}
}

// DisconnectAll terminates every client. Unlike Disconnect it is driven by
// the encoding task or the arbiter, not by the client's own request path.
func (ls *LiveStream) DisconnectAll() {
	ls.clientsMu.Lock()
	defer ls.clientsMu.Unlock()

	for _, c := range ls.clients {
		c.terminate()
	}
	ls.clients = nil
}

// WriteStreamData broadcasts one encoded TS chunk to every attached client,
// evicting clients that have not read for the stall timeout and clients
// whose queue is full. Ordering is preserved per client.
func (ls *LiveStream) WriteStreamData(chunk []byte) {
	now := time.Now()
	stallTimeout := ls.registry.config.ClientStallTimeout

	ls.clientsMu.Lock()
	kept := ls.clients[:0]
	for _, c := range ls.clients {
		if now.Sub(c.lastRead()) > stallTimeout {
			c.terminate()
			ls.logger.Info("Client disconnected (stalled)", slog.String("client_id", c.ID()))
			continue
		}
		if c.kind == ClientKindMPEGTS && len(chunk) > 0 {
			if !c.offer(chunk) {
				c.terminate()
				ls.logger.Info("Client disconnected (queue full)", slog.String("client_id", c.ID()))
				continue
			}
		}
		kept = append(kept, c)
	}
	ls.clients = kept
	ls.clientsMu.Unlock()

	if len(chunk) > 0 {
		ls.writtenAt.Store(now.UnixNano())
	}
}

// StreamDataWrittenAt returns when encoded bytes last reached the fan-out.
func (ls *LiveStream) StreamDataWrittenAt() time.Time {
	return time.Unix(0, ls.writtenAt.Load())
}

// resolveService resolves the channel's broadcast coordinates once.
func (ls *LiveStream) resolveService(ctx context.Context) error {
	ls.mu.Lock()
	resolved := ls.resolved
	ls.mu.Unlock()
	if resolved {
		return nil
	}

	svc, err := ls.registry.resolver.Resolve(ctx, ls.id.ChannelID)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	ls.svc = svc
	ls.resolved = true
	ls.mu.Unlock()
	return nil
}

// Service returns the resolved broadcast coordinates.
func (ls *LiveStream) Service() tuner.ServiceInfo {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.svc
}

func (ls *LiveStream) currentStatus() models.StreamStatus {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.status
}

// getTuner returns the current tuner handle, which may be nil.
func (ls *LiveStream) getTuner() tuner.Tuner {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.tuner
}

// takeTuner atomically detaches and returns the tuner handle.
func (ls *LiveStream) takeTuner() tuner.Tuner {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	t := ls.tuner
	ls.tuner = nil
	return t
}

// setTuner replaces the tuner handle.
func (ls *LiveStream) setTuner(t tuner.Tuner) {
	ls.mu.Lock()
	ls.tuner = t
	ls.mu.Unlock()
}

// currentTask returns the running encoding task, which may be nil.
func (ls *LiveStream) currentTask() *encodingTask {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.task
}

// clearTask drops the task handle if it still points at task.
func (ls *LiveStream) clearTask(task *encodingTask) {
	ls.mu.Lock()
	if ls.task == task {
		ls.task = nil
	}
	ls.mu.Unlock()
}
