package tuner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/hibikitv/hibiki/internal/models"
)

// MirakurunBackendConfig configures the Mirakurun tuner backend.
type MirakurunBackendConfig struct {
	// BaseURL is the Mirakurun API base URL (e.g. "http://127.0.0.1:40772").
	BaseURL string
	// HTTPClient for API requests. A client without a global timeout is used
	// by default because stream responses are long-running.
	HTTPClient *http.Client
	// Logger for structured logging. Defaults to slog.Default() if nil.
	Logger *slog.Logger
}

// MirakurunBackend receives TS through Mirakurun's HTTP streaming API.
// Physical tuner arbitration happens inside Mirakurun; this backend only
// holds HTTP connections, so Handoff is unsupported and preemption reduces
// to releasing Idling streams.
type MirakurunBackend struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	instances []*MirakurunTuner
}

// NewMirakurunBackend creates a Mirakurun tuner backend.
func NewMirakurunBackend(config MirakurunBackendConfig) *MirakurunBackend {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &MirakurunBackend{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// NewTuner creates an unopened tuner bound to svc and ownerStreamID.
func (b *MirakurunBackend) NewTuner(svc ServiceInfo, ownerStreamID string) Tuner {
	t := &MirakurunTuner{
		backend:       b,
		svc:           svc,
		ownerStreamID: ownerStreamID,
		state:         StateOpening,
	}
	b.mu.Lock()
	b.instances = append(b.instances, t)
	b.mu.Unlock()
	return t
}

// CloseAll tears down every stream connection this backend still holds.
func (b *MirakurunBackend) CloseAll(ctx context.Context) error {
	b.mu.Lock()
	instances := make([]*MirakurunTuner, len(b.instances))
	copy(instances, b.instances)
	b.mu.Unlock()

	for _, t := range instances {
		_ = t.Close(ctx)
	}
	return nil
}

func (b *MirakurunBackend) unregister(t *MirakurunTuner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, inst := range b.instances {
		if inst == t {
			b.instances = append(b.instances[:i], b.instances[i+1:]...)
			return
		}
	}
}

// streamURL builds the service stream URL for svc.
func (b *MirakurunBackend) streamURL(svc ServiceInfo) string {
	return fmt.Sprintf("%s/api/services/%d/stream", b.baseURL, svc.MirakurunServiceID())
}

// MirakurunTuner is one long-running service stream request on Mirakurun.
type MirakurunTuner struct {
	backend       *MirakurunBackend
	svc           ServiceInfo
	ownerStreamID string

	mu     sync.Mutex
	state  State
	locked bool
	body   io.ReadCloser
	cancel context.CancelFunc
}

// Open issues the streaming GET and keeps the response body for Connect.
// Mirakurun replies 503 when every tuner is busy; that maps to
// models.ErrTunerUnavailable so the arbiter can retry after releasing an
// Idling stream.
func (t *MirakurunTuner) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.body != nil {
		// Already streaming; a re-open after restart reconnects instead.
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.connect(ctx)
}

// connect performs one streaming GET and stores the body.
func (t *MirakurunTuner) connect(ctx context.Context) error {
	url := t.backend.streamURL(t.svc)

	// The request must outlive ctx (it feeds the encoder until Disconnect),
	// so it gets its own cancellable context tied to the tuner.
	reqCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("building stream request: %w", err)
	}

	type result struct {
		resp *http.Response
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := t.backend.httpClient.Do(req)
		resCh <- result{resp, err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case res := <-resCh:
		if res.err != nil {
			cancel()
			return fmt.Errorf("%w: %v", models.ErrBackendUnreachable, res.err)
		}
		resp = res.resp
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		resp.Body.Close()
		cancel()
		return models.ErrTunerUnavailable
	case http.StatusNotFound:
		resp.Body.Close()
		cancel()
		return fmt.Errorf("%w: service %d", models.ErrChannelNotFound, t.svc.MirakurunServiceID())
	default:
		resp.Body.Close()
		cancel()
		return fmt.Errorf("%w: unexpected HTTP %d from %s", models.ErrProtocol, resp.StatusCode, url)
	}

	t.mu.Lock()
	t.body = resp.Body
	t.cancel = cancel
	t.state = StateOpen
	t.mu.Unlock()
	return nil
}

// Connect returns the TS byte stream, re-issuing the GET when the previous
// body was consumed by an earlier encoder run.
func (t *MirakurunTuner) Connect(ctx context.Context) (io.ReadCloser, error) {
	t.mu.Lock()
	body := t.body
	closed := t.state == StateClosed
	t.mu.Unlock()

	if closed {
		return nil, fmt.Errorf("tuner closed")
	}
	if body != nil {
		return body, nil
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	body = t.body
	t.mu.Unlock()
	return body, nil
}

// Disconnect tears down the stream connection. Mirakurun frees the physical
// tuner once the last consumer of the service disconnects.
func (t *MirakurunTuner) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectLocked()
}

func (t *MirakurunTuner) disconnectLocked() {
	if t.body != nil {
		_ = t.body.Close()
		t.body = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// IsDisconnected reports whether the stream connection is closed.
func (t *MirakurunTuner) IsDisconnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.body == nil
}

// Close releases the tuner by closing the stream connection.
func (t *MirakurunTuner) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.disconnectLocked()
	t.state = StateClosed
	t.mu.Unlock()

	t.backend.unregister(t)
	return nil
}

// Handoff is unsupported: Mirakurun arbitrates tuners internally, so there
// is no backend session to transfer.
func (t *MirakurunTuner) Handoff(fromStreamID, toStreamID string, svc ServiceInfo) (Tuner, bool) {
	return nil, false
}

// Lock marks the tuner in active use.
func (t *MirakurunTuner) Lock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locked = true
}

// Unlock marks the tuner reusable.
func (t *MirakurunTuner) Unlock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locked = false
}

// State returns the tuner lifecycle state.
func (t *MirakurunTuner) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState sets the tuner lifecycle state.
func (t *MirakurunTuner) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Service returns the broadcast coordinates this handle is bound to.
func (t *MirakurunTuner) Service() ServiceInfo {
	return t.svc
}

// Ensure both implementations satisfy the contract.
var (
	_ Tuner   = (*EDCBTuner)(nil)
	_ Tuner   = (*MirakurunTuner)(nil)
	_ Backend = (*EDCBBackend)(nil)
	_ Backend = (*MirakurunBackend)(nil)
)
