package livestream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hibikitv/hibiki/internal/encoder"
	"github.com/hibikitv/hibiki/internal/models"
	"github.com/hibikitv/hibiki/internal/tuner"
)

// fakeBackend is an in-memory tuner.Backend with a fixed number of physical
// tuners.
type fakeBackend struct {
	mu       sync.Mutex
	capacity int
	active   int
	tuners   []*fakeTuner
}

func newFakeBackend(capacity int) *fakeBackend {
	return &fakeBackend{capacity: capacity}
}

func (b *fakeBackend) NewTuner(svc tuner.ServiceInfo, ownerStreamID string) tuner.Tuner {
	t := &fakeTuner{
		backend: b,
		svc:     svc,
		owner:   ownerStreamID,
		state:   tuner.StateOpening,
	}
	b.mu.Lock()
	b.tuners = append(b.tuners, t)
	b.mu.Unlock()
	return t
}

func (b *fakeBackend) CloseAll(ctx context.Context) error {
	b.mu.Lock()
	tuners := make([]*fakeTuner, len(b.tuners))
	copy(tuners, b.tuners)
	b.mu.Unlock()
	for _, t := range tuners {
		_ = t.Close(ctx)
	}
	return nil
}

func (b *fakeBackend) activeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// fakeTuner simulates one reserved tuner. Its TS stream is an in-memory
// pipe that only ever blocks, like a tuner with no data yet; Disconnect
// closes it.
type fakeTuner struct {
	backend *fakeBackend
	svc     tuner.ServiceInfo
	owner   string

	mu        sync.Mutex
	state     tuner.State
	locked    bool
	delegated bool
	reserved  bool
	closed    bool
	pr        *io.PipeReader
	pw        *io.PipeWriter
}

func (t *fakeTuner) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.delegated {
		return fmt.Errorf("tuner delegated")
	}
	if t.closed {
		return fmt.Errorf("tuner closed")
	}
	if t.reserved {
		// Re-tune of a live session.
		t.state = tuner.StateOpen
		return nil
	}

	t.backend.mu.Lock()
	if t.backend.active >= t.backend.capacity {
		t.backend.mu.Unlock()
		return models.ErrTunerUnavailable
	}
	t.backend.active++
	t.backend.mu.Unlock()

	t.reserved = true
	t.state = tuner.StateOpen
	return nil
}

func (t *fakeTuner) Connect(ctx context.Context) (io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.reserved || t.closed {
		return nil, fmt.Errorf("tuner not open")
	}
	if t.pr == nil {
		t.pr, t.pw = io.Pipe()
	}
	return t.pr, nil
}

func (t *fakeTuner) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pw != nil {
		_ = t.pw.Close()
		_ = t.pr.Close()
		t.pr, t.pw = nil, nil
	}
}

func (t *fakeTuner) IsDisconnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pr == nil
}

func (t *fakeTuner) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.delegated || t.closed {
		return nil
	}
	if t.pw != nil {
		_ = t.pw.Close()
		_ = t.pr.Close()
		t.pr, t.pw = nil, nil
	}
	if t.reserved {
		t.backend.mu.Lock()
		t.backend.active--
		t.backend.mu.Unlock()
		t.reserved = false
	}
	t.closed = true
	t.state = tuner.StateClosed
	return nil
}

func (t *fakeTuner) Handoff(fromStreamID, toStreamID string, svc tuner.ServiceInfo) (tuner.Tuner, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.delegated || t.closed || fromStreamID != t.owner {
		return nil, false
	}
	t.delegated = true
	nt := &fakeTuner{
		backend:  t.backend,
		svc:      svc,
		owner:    toStreamID,
		state:    tuner.StateOpening,
		reserved: t.reserved, // the physical tuner slot moves with the session
	}
	t.backend.mu.Lock()
	t.backend.tuners = append(t.backend.tuners, nt)
	t.backend.mu.Unlock()
	return nt, true
}

func (t *fakeTuner) Lock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locked = true
}

func (t *fakeTuner) Unlock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locked = false
}

func (t *fakeTuner) State() tuner.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTuner) SetState(s tuner.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *fakeTuner) Service() tuner.ServiceInfo { return t.svc }

func (t *fakeTuner) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeRunner is an in-memory encoder.Runner. Tests drive it by writing
// stdout chunks and stderr lines.
type fakeRunner struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done     chan struct{}
	exitOnce sync.Once
}

func newFakeRunner() *fakeRunner {
	r := &fakeRunner{done: make(chan struct{})}
	r.stdinR, r.stdinW = io.Pipe()
	r.stdoutR, r.stdoutW = io.Pipe()
	r.stderrR, r.stderrW = io.Pipe()

	// Swallow whatever the ingest loop feeds us, like a consuming encoder.
	go func() {
		_, _ = io.Copy(io.Discard, r.stdinR)
	}()

	return r
}

func (r *fakeRunner) Stdin() io.WriteCloser { return r.stdinW }
func (r *fakeRunner) Stdout() io.Reader     { return r.stdoutR }
func (r *fakeRunner) Stderr() io.Reader     { return r.stderrR }

func (r *fakeRunner) Stop(grace time.Duration) { r.exit() }

func (r *fakeRunner) Done() <-chan struct{} { return r.done }

func (r *fakeRunner) Exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *fakeRunner) Stats() *encoder.ProcessStats { return nil }

// exit simulates the encoder process terminating.
func (r *fakeRunner) exit() {
	r.exitOnce.Do(func() {
		_ = r.stdoutW.Close()
		_ = r.stderrW.Close()
		_ = r.stdinR.Close()
		close(r.done)
	})
}

// writeStderrLine feeds one log line to the log parser.
func (r *fakeRunner) writeStderrLine(line string) {
	_, _ = r.stderrW.Write([]byte(line + "\n"))
}

// writeStdout feeds encoded output to the egress loop.
func (r *fakeRunner) writeStdout(data []byte) {
	_, _ = r.stdoutW.Write(data)
}

// fakeSpawner records every encoder launch and hands the runner to the test.
type fakeSpawner struct {
	mu      sync.Mutex
	runners []*fakeRunner
	spawned chan *fakeRunner
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{spawned: make(chan *fakeRunner, 16)}
}

func (s *fakeSpawner) spawn(t encoder.Type, binaryPath string, argv []string, logger *slog.Logger) (encoder.Runner, error) {
	r := newFakeRunner()
	s.mu.Lock()
	s.runners = append(s.runners, r)
	s.mu.Unlock()
	s.spawned <- r
	return r, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

var _ tuner.Tuner = (*fakeTuner)(nil)
var _ tuner.Backend = (*fakeBackend)(nil)
var _ encoder.Runner = (*fakeRunner)(nil)
