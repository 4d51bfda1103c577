package tuner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hibikitv/hibiki/internal/models"
)

// Timing for tuner acquisition against EDCB. Opening retries for a bounded
// window because another stream may be releasing its tuner concurrently.
const (
	openRetryWindow    = 5 * time.Second
	connectRetryWindow = 10 * time.Second
	retryBaseInterval  = 100 * time.Millisecond
	retryMaxInterval   = time.Second
)

// networkTVIDBase offsets NetworkTV IDs so they do not collide with other
// NetworkTV-mode consumers of the same EDCB instance.
const networkTVIDBase = 500

// ErrTunerDelegated is returned when operating on a handle whose session was
// handed off to another live stream.
var ErrTunerDelegated = errors.New("tuner control delegated to another stream")

// EDCBBackendConfig configures the EDCB tuner backend.
type EDCBBackendConfig struct {
	// Endpoint is the CtrlCmd TCP address (host:port).
	Endpoint string
	// PipeDir, when non-empty, switches TS delivery to the backend's named
	// pipes under this directory (loopback installs). Commands still use TCP.
	PipeDir string
	// Logger for structured logging. Defaults to slog.Default() if nil.
	Logger *slog.Logger
}

// EDCBBackend controls tuners through EDCB's CtrlCmd protocol.
//
// It tracks every live tuner session so NetworkTV IDs of unlocked (Idling)
// sessions can be recycled instead of spinning up another backend process.
type EDCBBackend struct {
	client  *ctrlCmdClient
	pipeDir string
	logger  *slog.Logger

	mu            sync.Mutex
	nextNetworkTV int
	instances     []*EDCBTuner
}

// NewEDCBBackend creates an EDCB tuner backend.
func NewEDCBBackend(config EDCBBackendConfig) *EDCBBackend {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EDCBBackend{
		client:        newCtrlCmdClient(config.Endpoint),
		pipeDir:       config.PipeDir,
		logger:        logger,
		nextNetworkTV: networkTVIDBase,
	}
}

// NewTuner creates an unopened tuner bound to svc and ownerStreamID.
//
// If another registered session is unlocked (its stream is Idling), its
// NetworkTV ID is taken over: the old handle is delegated and removed, and
// the backend process it started is re-tuned by the next Open instead of a
// fresh one being launched.
func (b *EDCBBackend) NewTuner(svc ServiceInfo, ownerStreamID string) Tuner {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := &EDCBTuner{
		backend:       b,
		svc:           svc,
		ownerStreamID: ownerStreamID,
		state:         StateOpening,
	}

	for i, inst := range b.instances {
		inst.mu.Lock()
		reusable := !inst.locked && !inst.delegated && inst.state != StateClosed
		if reusable {
			t.networkTVID = inst.networkTVID
			inst.delegated = true
		}
		inst.mu.Unlock()
		if reusable {
			b.instances = append(b.instances[:i], b.instances[i+1:]...)
			break
		}
	}
	if t.networkTVID == 0 {
		t.networkTVID = b.nextNetworkTV
		b.nextNetworkTV++
	}

	b.instances = append(b.instances, t)
	return t
}

// CloseAll releases every tuner session this backend still holds.
func (b *EDCBBackend) CloseAll(ctx context.Context) error {
	b.mu.Lock()
	instances := make([]*EDCBTuner, len(b.instances))
	copy(instances, b.instances)
	b.mu.Unlock()

	var firstErr error
	for _, t := range instances {
		if err := t.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// unregister removes t from the instance list.
func (b *EDCBBackend) unregister(t *EDCBTuner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, inst := range b.instances {
		if inst == t {
			b.instances = append(b.instances[:i], b.instances[i+1:]...)
			return
		}
	}
}

// register adds t to the instance list (used by Handoff for fresh handles).
func (b *EDCBBackend) register(t *EDCBTuner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instances = append(b.instances, t)
}

// EDCBTuner is one NetworkTV-mode tuner session on an EDCB backend.
type EDCBTuner struct {
	backend       *EDCBBackend
	svc           ServiceInfo
	ownerStreamID string
	networkTVID   int

	mu        sync.Mutex
	state     State
	locked    bool
	delegated bool
	processID int
	stream    io.ReadCloser
}

// Open reserves the tuner, or re-tunes an already running backend process to
// this handle's service. Retries for openRetryWindow because another stream
// may be releasing its tuner (Idling -> Offline) concurrently.
func (t *EDCBTuner) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.delegated {
		t.mu.Unlock()
		return ErrTunerDelegated
	}
	info := setChInfo{
		ServiceInfo: t.svc,
		NetworkTVID: t.networkTVID,
		Mode:        nwtvModeTCP,
	}
	t.mu.Unlock()

	deadline := time.Now().Add(openRetryWindow)
	wait := retryBaseInterval
	for {
		processID, ok, err := t.backend.client.sendNWTVIDSetCh(ctx, info)
		if err != nil {
			_ = t.Close(ctx)
			return err
		}
		if ok {
			t.mu.Lock()
			t.processID = processID
			if t.state == StateOpening {
				t.state = StateOpen
			}
			t.mu.Unlock()
			return nil
		}
		if time.Now().After(deadline) {
			_ = t.Close(ctx)
			return models.ErrTunerUnavailable
		}
		select {
		case <-ctx.Done():
			_ = t.Close(ctx)
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait+retryBaseInterval, retryMaxInterval)
	}
}

// Connect opens the TS byte stream for an Open tuner. The backend process
// may need a moment to start delivering, so connection attempts are retried
// for connectRetryWindow.
func (t *EDCBTuner) Connect(ctx context.Context) (io.ReadCloser, error) {
	t.mu.Lock()
	if t.delegated {
		t.mu.Unlock()
		return nil, ErrTunerDelegated
	}
	processID := t.processID
	t.mu.Unlock()

	if processID == 0 {
		return nil, fmt.Errorf("tuner not open")
	}

	var stream io.ReadCloser
	var err error
	if t.backend.pipeDir != "" {
		stream, err = openPipeStream(ctx, t.backend.pipeDir, processID)
	} else {
		stream, err = t.openViewStreamRetry(ctx, processID)
	}
	if err != nil {
		_ = t.Close(ctx)
		return nil, err
	}

	t.mu.Lock()
	t.stream = stream
	t.mu.Unlock()
	return stream, nil
}

// openViewStreamRetry retries the relay command until the backend process
// accepts the stream connection or the window elapses.
func (t *EDCBTuner) openViewStreamRetry(ctx context.Context, processID int) (io.ReadCloser, error) {
	deadline := time.Now().Add(connectRetryWindow)
	wait := retryBaseInterval
	for {
		conn, err := t.backend.client.openViewStream(ctx, processID)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: view stream for process %d never came up", models.ErrBackendUnreachable, processID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		// Early failures are the likely outcome; back off the polling.
		wait = min(wait+retryBaseInterval, retryMaxInterval)
	}
}

// Disconnect closes the TS byte stream without releasing the backend tuner.
func (t *EDCBTuner) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream != nil {
		_ = t.stream.Close()
		t.stream = nil
	}
}

// IsDisconnected reports whether the TS byte stream is closed.
func (t *EDCBTuner) IsDisconnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream == nil
}

// Close releases the backend tuner. A delegated handle cannot close the
// session it handed off.
func (t *EDCBTuner) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.delegated || t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	if t.stream != nil {
		_ = t.stream.Close()
		t.stream = nil
	}
	t.state = StateClosed
	t.processID = 0
	networkTVID := t.networkTVID
	t.mu.Unlock()

	t.backend.unregister(t)

	ok, err := t.backend.client.sendNWTVIDClose(ctx, networkTVID)
	if err != nil {
		return err
	}
	if !ok {
		t.backend.logger.Warn("EDCB refused NetworkTV close",
			slog.Int("networktv_id", networkTVID),
			slog.String("stream_id", t.ownerStreamID))
	}
	return nil
}

// Handoff re-binds the underlying backend session to toStreamID and svc.
// The receiving handle starts in StateOpening; its next Open re-tunes the
// same backend process to the new service.
func (t *EDCBTuner) Handoff(fromStreamID, toStreamID string, svc ServiceInfo) (Tuner, bool) {
	t.mu.Lock()
	if t.delegated || t.state == StateClosed || fromStreamID != t.ownerStreamID {
		t.mu.Unlock()
		return nil, false
	}
	t.delegated = true
	nt := &EDCBTuner{
		backend:       t.backend,
		svc:           svc,
		ownerStreamID: toStreamID,
		networkTVID:   t.networkTVID,
		processID:     t.processID,
		state:         StateOpening,
	}
	t.mu.Unlock()

	t.backend.unregister(t)
	t.backend.register(nt)

	t.backend.logger.Info("Tuner handed off",
		slog.String("from", fromStreamID),
		slog.String("to", toStreamID),
		slog.Int("networktv_id", nt.networkTVID))
	return nt, true
}

// Lock prevents the arbiter and NetworkTV ID recycling from reusing this
// session.
func (t *EDCBTuner) Lock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locked = true
}

// Unlock re-permits reuse of this session.
func (t *EDCBTuner) Unlock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locked = false
}

// State returns the tuner lifecycle state.
func (t *EDCBTuner) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState sets the tuner lifecycle state.
func (t *EDCBTuner) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Service returns the broadcast coordinates this handle is bound to.
func (t *EDCBTuner) Service() ServiceInfo {
	return t.svc
}

// NetworkTVID returns the NetworkTV session ID used with the backend.
func (t *EDCBTuner) NetworkTVID() int {
	return t.networkTVID
}
