package livestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hibikitv/hibiki/internal/encoder"
	"github.com/hibikitv/hibiki/internal/models"
	"github.com/hibikitv/hibiki/internal/tuner"
)

// ChannelResolver maps a display channel ID to broadcast coordinates. The
// channel metadata store lives outside the streaming core; this is its only
// surface here.
type ChannelResolver interface {
	Resolve(ctx context.Context, displayChannelID string) (tuner.ServiceInfo, error)
}

// StaticResolver is a fixed-map ChannelResolver, used by the capture CLI
// and by tests.
type StaticResolver map[string]tuner.ServiceInfo

// Resolve implements ChannelResolver.
func (r StaticResolver) Resolve(ctx context.Context, displayChannelID string) (tuner.ServiceInfo, error) {
	svc, ok := r[displayChannelID]
	if !ok {
		return tuner.ServiceInfo{}, fmt.Errorf("%w: %s", models.ErrChannelNotFound, displayChannelID)
	}
	return svc, nil
}

// SpawnFunc launches an encoder process. The default is encoder.Spawn;
// tests substitute fakes.
type SpawnFunc func(t encoder.Type, binaryPath string, argv []string, logger *slog.Logger) (encoder.Runner, error)

// Config holds configuration for the registry and every live stream it owns.
type Config struct {
	// Encoder selects the encoder backend; EncoderBinaryPath overrides the
	// $PATH lookup when non-empty.
	Encoder           encoder.Type
	EncoderBinaryPath string

	// TunerHandoff enables direct tuner hand-off between streams. True for
	// the EDCB backend; the Mirakurun backend arbitrates tuners itself, so
	// preemption reduces to releasing Idling streams.
	TunerHandoff bool

	// MaxAliveTime is the Idling -> Offline timeout.
	MaxAliveTime time.Duration
	// ClientStallTimeout evicts clients that stop reading.
	ClientStallTimeout time.Duration
	// ONAirFreezeTimeout restarts the encoder when output stalls while ONAir.
	ONAirFreezeTimeout time.Duration
	// StandbyFreezeTimeout and StandbyFreezeGrace restart a startup that
	// produced no output for StandbyFreezeTimeout once the stream has been
	// in Standby for longer than StandbyFreezeGrace.
	StandbyFreezeTimeout time.Duration
	StandbyFreezeGrace   time.Duration
	// WatchdogInterval is the watchdog's polling cadence.
	WatchdogInterval time.Duration

	// MaxEncoderRestarts bounds restarts per stream before giving up.
	MaxEncoderRestarts int
	// EncoderStopGrace is how long the encoder may take to honour an
	// interrupt before being killed.
	EncoderStopGrace time.Duration
	// TaskCancelWait bounds how long a cancelled encoding task may take to
	// wind down (hand-off waits on this).
	TaskCancelWait time.Duration

	// PreemptionAttempts and PreemptionInterval pace the arbiter's scan for
	// a reusable tuner.
	PreemptionAttempts int
	PreemptionInterval time.Duration

	// SpawnEncoder launches encoder processes. Defaults to encoder.Spawn.
	SpawnEncoder SpawnFunc

	// Logger for structured logging. Defaults to slog.Default() if nil.
	Logger *slog.Logger
}

// DefaultConfig returns the documented default timings.
func DefaultConfig() Config {
	return Config{
		Encoder:              encoder.TypeFFmpeg,
		TunerHandoff:         true,
		MaxAliveTime:         10 * time.Second,
		ClientStallTimeout:   10 * time.Second,
		ONAirFreezeTimeout:   20 * time.Second,
		StandbyFreezeTimeout: 5 * time.Second,
		StandbyFreezeGrace:   10 * time.Second,
		WatchdogInterval:     100 * time.Millisecond,
		MaxEncoderRestarts:   5,
		EncoderStopGrace:     3 * time.Second,
		TaskCancelWait:       10 * time.Second,
		PreemptionAttempts:   15,
		PreemptionInterval:   100 * time.Millisecond,
	}
}

// Registry is the process-wide directory of live streams and the arbiter
// that moves tuners between them when hardware is scarce. Exactly one
// LiveStream exists per StreamID.
type Registry struct {
	config   Config
	backend  tuner.Backend
	resolver ChannelResolver
	logger   *slog.Logger

	mu      sync.Mutex
	streams map[StreamID]*LiveStream

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry creates a registry over the given tuner backend and channel
// resolver.
func NewRegistry(config Config, backend tuner.Backend, resolver ChannelResolver) *Registry {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.SpawnEncoder == nil {
		config.SpawnEncoder = func(t encoder.Type, binaryPath string, argv []string, logger *slog.Logger) (encoder.Runner, error) {
			return encoder.Spawn(t, binaryPath, argv, logger)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		config:   config,
		backend:  backend,
		resolver: resolver,
		logger:   config.Logger,
		streams:  make(map[StreamID]*LiveStream),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// baseContext is the parent context of every encoding task.
func (r *Registry) baseContext() context.Context { return r.ctx }

// LookupOrCreate returns the live stream for id, creating it on first use.
func (r *Registry) LookupOrCreate(id StreamID) *LiveStream {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ls, ok := r.streams[id]; ok {
		return ls
	}
	ls := newLiveStream(r, id)
	r.streams[id] = ls
	return ls
}

// Get returns the live stream for id if it exists.
func (r *Registry) Get(id StreamID) (*LiveStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.streams[id]
	return ls, ok
}

// All returns a snapshot of every live stream.
func (r *Registry) All() []*LiveStream {
	r.mu.Lock()
	defer r.mu.Unlock()

	streams := make([]*LiveStream, 0, len(r.streams))
	for _, ls := range r.streams {
		streams = append(streams, ls)
	}
	return streams
}

// ByStatus returns every live stream currently in the given status.
func (r *Registry) ByStatus(status models.StreamStatus) []*LiveStream {
	var result []*LiveStream
	for _, ls := range r.All() {
		if ls.currentStatus() == status {
			result = append(result, ls)
		}
	}
	return result
}

// GetStatus returns the status of one stream, if it exists.
func (r *Registry) GetStatus(channelID string, quality models.Quality) (models.LiveStreamStatus, bool) {
	ls, ok := r.Get(StreamID{ChannelID: channelID, Quality: quality})
	if !ok {
		return models.LiveStreamStatus{}, false
	}
	return ls.Status(), true
}

// ViewerCount sums the clients of every quality of one channel.
func (r *Registry) ViewerCount(channelID string) int {
	count := 0
	for _, ls := range r.All() {
		if ls.id.ChannelID == channelID {
			count += ls.ClientCount()
		}
	}
	return count
}

// StatusSnapshot returns every stream's status grouped by state, for the
// monitoring and admin surfaces.
func (r *Registry) StatusSnapshot() map[models.StreamStatus]map[string]models.LiveStreamStatus {
	snapshot := map[models.StreamStatus]map[string]models.LiveStreamStatus{
		models.StatusOffline: {},
		models.StatusStandby: {},
		models.StatusONAir:   {},
		models.StatusIdling:  {},
		models.StatusRestart: {},
	}
	for _, ls := range r.All() {
		status := ls.Status()
		snapshot[status.Status][ls.id.String()] = status
	}
	return snapshot
}

// Connect attaches a new client to the (channelID, quality) stream,
// creating and starting the stream when needed.
func (r *Registry) Connect(ctx context.Context, channelID string, quality models.Quality, kind string) (*Client, error) {
	return r.LookupOrCreate(StreamID{ChannelID: channelID, Quality: quality}).Connect(ctx, kind)
}

// Shutdown takes every stream offline, waits for their encoding tasks, and
// releases every backend tuner.
func (r *Registry) Shutdown(ctx context.Context) {
	r.cancel()

	var tasks []*encodingTask
	for _, ls := range r.All() {
		ls.SetStatus(models.StatusOffline, detailOffline)
		if task := ls.currentTask(); task != nil {
			task.Cancel()
			tasks = append(tasks, task)
		}
	}
	for _, task := range tasks {
		select {
		case <-task.Done():
		case <-ctx.Done():
		case <-time.After(r.config.TaskCancelWait):
		}
	}

	if err := r.backend.CloseAll(ctx); err != nil {
		r.logger.Warn("Closing backend tuners failed", slog.String("error", err.Error()))
	}
}

// acquireTuner obtains a tuner for ls, preempting another stream when no
// fresh tuner is free. Called by Connect on the Offline -> Standby path,
// before the encoding task starts.
func (r *Registry) acquireTuner(ctx context.Context, ls *LiveStream) error {
	if r.config.TunerHandoff {
		if tn := r.preemptTuner(ctx, ls); tn != nil {
			ls.setTuner(tn)
			return nil
		}
	} else {
		r.releaseIdlingStream(ctx)
	}

	// Fresh tuner from the backend. With hand-off available everything
	// reusable was already tried, so one attempt decides; otherwise the open
	// is retried briefly because the stream released above frees its tuner
	// asynchronously.
	attempts := 1
	if !r.config.TunerHandoff {
		attempts = r.config.PreemptionAttempts
	}
	for attempt := 0; attempt < attempts; attempt++ {
		tn := r.backend.NewTuner(ls.Service(), ls.id.String())
		err := tn.Open(ctx)
		if err == nil {
			ls.setTuner(tn)
			return nil
		}
		if !errors.Is(err, models.ErrTunerUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return models.ErrNoTunerAvailable
		case <-time.After(r.config.PreemptionInterval):
		}
	}
	return models.ErrNoTunerAvailable
}

// preemptTuner scans other streams for a tuner that can be handed off to
// ls: no meaningful viewers (Standby streams have none by definition), a
// live session, and no cancellation already in flight. ONAir streams that
// just lost their viewers transition to Idling asynchronously, so the scan
// retries briefly.
func (r *Registry) preemptTuner(ctx context.Context, ls *LiveStream) tuner.Tuner {
	for attempt := 0; attempt < r.config.PreemptionAttempts; attempt++ {
		retryWorthwhile := false

		// Idling streams are tried first: handing off their tuner costs no
		// viewer anything.
		candidates := r.All()
		idling := make(map[*LiveStream]bool, len(candidates))
		for _, c := range candidates {
			idling[c] = c.Status().Status == models.StatusIdling
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return idling[candidates[i]] && !idling[candidates[j]]
		})

		for _, victim := range candidates {
			if victim == ls {
				continue
			}

			status := victim.Status()

			// Streams with viewers stay untouched; a Standby stream has not
			// delivered a byte yet, so its clients lose nothing.
			if status.ClientCount != 0 && status.Status != models.StatusStandby {
				if status.Status == models.StatusONAir || status.Status == models.StatusIdling {
					retryWorthwhile = true
				}
				continue
			}
			switch status.Status {
			case models.StatusStandby, models.StatusONAir, models.StatusIdling:
			default:
				continue
			}

			victim.tunerMu.Lock()
			vt := victim.getTuner()
			if vt == nil || vt.State() == tuner.StateCancelling {
				victim.tunerMu.Unlock()
				continue
			}

			vt.SetState(tuner.StateCancelling)
			victim.SetStatus(models.StatusOffline, detailTunerHandedOff)
			victim.DisconnectAll()
			vt.Disconnect()

			nt, ok := vt.Handoff(victim.id.String(), ls.id.String(), ls.Service())
			if !ok {
				victim.tunerMu.Unlock()
				continue
			}
			victim.takeTuner()
			victim.tunerMu.Unlock()

			if task := victim.currentTask(); task != nil {
				task.Cancel()
				select {
				case <-task.Done():
				case <-time.After(r.config.TaskCancelWait):
					r.logger.Warn("Encoding task cleanup did not complete in time",
						slog.String("live_stream", victim.id.String()))
				}
			}

			return nt
		}

		if !retryWorthwhile {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.config.PreemptionInterval):
		}
	}
	return nil
}

// releaseIdlingStream frees a tuner on backends that arbitrate internally:
// taking an Idling stream offline closes its stream connection, which makes
// the backend release the physical tuner. Idling shows up asynchronously
// after the last viewer leaves, so the scan retries briefly.
func (r *Registry) releaseIdlingStream(ctx context.Context) {
	for attempt := 0; attempt < r.config.PreemptionAttempts; attempt++ {
		if idling := r.ByStatus(models.StatusIdling); len(idling) > 0 {
			idling[0].SetStatus(models.StatusOffline, detailTunerReleased)
			return
		}
		if len(r.ByStatus(models.StatusONAir)) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.config.PreemptionInterval):
		}
	}
}
