package livestream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hibikitv/hibiki/internal/encoder"
	"github.com/hibikitv/hibiki/internal/models"
)

// chunkSize is the read/write unit on the encoder pipes:
// 188 bytes (TS packet size) * 256.
const chunkSize = 48128

// stderrRingSize is how many recent stderr lines are kept for the failure
// dump.
const stderrRingSize = 30

// Status details set by the encoding task.
const (
	detailStartingEncoder = "Starting the encoder..."
	detailEncoderFroze    = "Restarting the live stream because the encoder froze."
	detailStartupStuck    = "Restarting the live stream because the encoder stalled while starting."
	detailEncoderExited   = "The encoder exited unexpectedly. Restarting the live stream."
	detailEncoderSpawn    = "Failed to start the encoder."
)

// encodingTask runs the external encoder for one live stream end-to-end:
// tuner -> encoder stdin, encoder stdout -> fan-out, stderr -> classifier,
// plus the freeze/idle watchdog. A recoverable failure re-enters the run
// loop up to the restart budget.
type encodingTask struct {
	ls     *LiveStream
	runID  uuid.UUID
	logger *slog.Logger

	cancelOnce sync.Once
	stopCh     chan struct{}
	done       chan struct{}
}

// newEncodingTask creates a task for ls. Run must be called exactly once.
func newEncodingTask(ls *LiveStream) *encodingTask {
	runID := uuid.New()
	return &encodingTask{
		ls:     ls,
		runID:  runID,
		logger: ls.logger.With(slog.String("task_run_id", runID.String())),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Cancel requests shutdown of the task and every encoder loop. Safe to call
// at any time, including before Run has started.
func (t *encodingTask) Cancel() {
	t.cancelOnce.Do(func() { close(t.stopCh) })
}

// Done is closed once the task has fully returned.
func (t *encodingTask) Done() <-chan struct{} { return t.done }

// Run drives the encoder until the stream leaves {Standby, ONAir, Idling}
// for good, restarting on recoverable failures up to the budget.
func (t *encodingTask) Run(ctx context.Context) {
	defer close(t.done)
	defer t.ls.clearTask(t)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	maxRestarts := t.ls.registry.config.MaxEncoderRestarts
	for attempt := 0; ; attempt++ {
		restart := t.runOnce(ctx)
		if !restart {
			return
		}
		if ctx.Err() != nil {
			t.finalize(detailOffline)
			return
		}
		if attempt+1 > maxRestarts {
			t.ls.SetStatus(models.StatusOffline, detailRestartLimit)
			t.finalize(detailRestartLimit)
			return
		}
		t.logger.Info("Restarting encoder",
			slog.Int("attempt", attempt+1),
			slog.Int("max_restarts", maxRestarts))
	}
}

// runState accumulates the outcome signals of one encoder run. The log loop
// and the watchdog both write it; teardown reads it once the loops are done.
type runState struct {
	mu              sync.Mutex
	restartRequired bool
	classified      bool
	stderrRing      []string
}

func (s *runState) requestRestart() {
	s.mu.Lock()
	s.restartRequired = true
	s.classified = true
	s.mu.Unlock()
}

func (s *runState) markFatal() {
	s.mu.Lock()
	s.classified = true
	s.mu.Unlock()
}

func (s *runState) appendStderr(line string) {
	s.mu.Lock()
	s.stderrRing = append(s.stderrRing, line)
	if len(s.stderrRing) > stderrRingSize {
		s.stderrRing = s.stderrRing[1:]
	}
	s.mu.Unlock()
}

// runOnce runs one encoder process to completion and reports whether the
// task should restart it.
func (t *encodingTask) runOnce(ctx context.Context) (restart bool) {
	cfg := t.ls.registry.config

	// Standby is normally set by Connect; re-entry after a restart goes
	// through here instead.
	t.ls.SetStatus(models.StatusStandby, detailStartingEncoder)

	tn := t.ls.getTuner()
	if tn == nil {
		// The tuner was handed off before this run started.
		t.finalize(detailOffline)
		return false
	}

	if err := tn.Open(ctx); err != nil {
		t.logger.Warn("Tuner open failed", slog.String("error", err.Error()))
		detail := "Cannot start the live stream because the tuner backend failed."
		if errors.Is(err, models.ErrTunerUnavailable) {
			detail = "Cannot start the live stream because no tuner is available."
		}
		t.ls.SetStatus(models.StatusOffline, detail)
		t.finalize(detailOffline)
		return false
	}

	reader, err := tn.Connect(ctx)
	if err != nil {
		t.logger.Warn("Tuner connect failed", slog.String("error", err.Error()))
		t.ls.SetStatus(models.StatusOffline, "Cannot start the live stream because the tuner backend is unreachable.")
		t.finalize(detailOffline)
		return false
	}

	svc := t.ls.Service()
	argv := encoder.BuildOptions(cfg.Encoder, t.ls.id.Quality, svc.DualMono)
	proc, err := cfg.SpawnEncoder(cfg.Encoder, cfg.EncoderBinaryPath, argv, t.logger)
	if err != nil {
		t.logger.Error("Encoder spawn failed", slog.String("error", err.Error()))
		t.ls.SetStatus(models.StatusOffline, detailEncoderSpawn)
		t.finalize(detailEncoderSpawn)
		return false
	}

	state := &runState{}
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g := &errgroup.Group{}
	g.Go(func() error { t.runIngest(runCtx, reader, proc.Stdin()); return nil })
	g.Go(func() error { t.runEgress(proc.Stdout()); return nil })
	g.Go(func() error { t.runLogParser(runCtx, cancelRun, proc, state); return nil })
	g.Go(func() error { t.runWatchdog(runCtx, cancelRun, proc, state); return nil })

	// The watchdog or the log parser decides when the run is over.
	<-runCtx.Done()

	proc.Stop(cfg.EncoderStopGrace)

	state.mu.Lock()
	restart = state.restartRequired
	ring := append([]string(nil), state.stderrRing...)
	state.mu.Unlock()

	// Unblock the ingest loop. The TS connection is torn down even on
	// restart (the next run reconnects); the backend tuner reservation is
	// only released in finalize. On hand-off the arbiter already
	// disconnected and took the handle.
	if cur := t.ls.getTuner(); cur != nil {
		cur.Disconnect()
	}

	t.waitLoops(g)

	// A fatal classification or an external Offline transition (hand-off,
	// shutdown, idle timeout) wins over a restart requested in parallel.
	if restart && t.ls.currentStatus() == models.StatusOffline {
		restart = false
	}

	if restart {
		for _, line := range ring {
			t.logger.Warn("Encoder log", slog.String("line", line))
		}
		return true
	}

	t.finalize(detailOffline)
	return false
}

// waitLoops waits for the four loops with a bound so a hung pipe cannot wedge
// hand-off or shutdown.
func (t *encodingTask) waitLoops(g *errgroup.Group) {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(t.ls.registry.config.TaskCancelWait):
		t.logger.Warn("Encoder loops did not finish in time")
	}
}

// finalize performs the Offline transition: terminator to every client, and
// tuner release unless the tuner was handed off.
func (t *encodingTask) finalize(detail string) {
	if t.ls.currentStatus() != models.StatusOffline {
		t.ls.SetStatus(models.StatusOffline, detail)
	}

	t.ls.DisconnectAll()

	t.ls.tunerMu.Lock()
	tn := t.ls.takeTuner()
	t.ls.tunerMu.Unlock()

	if tn != nil {
		tn.Disconnect()
		if err := tn.Close(context.Background()); err != nil {
			t.logger.Warn("Tuner close failed", slog.String("error", err.Error()))
		}
	}
}

// runIngest pumps raw TS from the tuner reader into the encoder. On
// cancellation it stops writing but never closes the reader: during a
// hand-off the arbiter owns the disconnect, and the reservation behind the
// reader may already belong to another stream.
func (t *encodingTask) runIngest(ctx context.Context, reader io.Reader, stdin io.WriteCloser) {
	defer stdin.Close()

	buf := make([]byte, chunkSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := stdin.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// runEgress pumps encoded TS from the encoder into the client fan-out.
func (t *encodingTask) runEgress(stdout io.Reader) {
	buf := make([]byte, chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.ls.WriteStreamData(chunk)
		}
		if err != nil {
			return
		}
	}
}

// runLogParser consumes encoder stderr line by line (\r progress updates
// included), advances the Standby detail, flips the stream to ONAir on the
// first produced frames, and classifies failures.
func (t *encodingTask) runLogParser(ctx context.Context, cancelRun context.CancelFunc, proc encoder.Runner, state *runState) {
	matcher := encoder.MatcherFor(t.ls.registry.config.Encoder)

	scanner := bufio.NewScanner(proc.Stderr())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(encoder.ScanLinesCR)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		state.appendStderr(line)

		// Progress markers only advance the detail while starting up;
		// matching them mid-stream would fight the watchdog.
		if t.ls.currentStatus() == models.StatusStandby {
			if progress, ok := matcher.MatchProgress(line); ok {
				if progress.ONAir {
					t.ls.SetStatus(models.StatusONAir, detailONAir)
				} else {
					t.ls.SetStatus(models.StatusStandby, progress.Detail)
				}
			}
		}

		if failure, ok := matcher.MatchFailure(line); ok {
			switch failure.Severity {
			case encoder.SeverityFatal:
				t.logger.Error("Encoder reported a fatal error",
					slog.String("line", line),
					slog.String("error", failure.Err.Error()))
				state.markFatal()
				t.ls.SetStatus(models.StatusOffline, failure.Detail)
			case encoder.SeverityRecoverable:
				t.logger.Warn("Encoder reported a recoverable error", slog.String("line", line))
				state.requestRestart()
				t.ls.SetStatus(models.StatusRestart, failure.Detail)
			}
			cancelRun()
			return
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// runWatchdog enforces the lifecycle timers: ONAir with no clients idles the
// stream, idling past max-alive releases it, frozen encoder output restarts
// it, and an unclassified process exit restarts it too.
func (t *encodingTask) runWatchdog(ctx context.Context, cancelRun context.CancelFunc, proc encoder.Runner, state *runState) {
	cfg := t.ls.registry.config

	ticker := time.NewTicker(cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-proc.Done():
			state.mu.Lock()
			classified := state.classified
			state.mu.Unlock()
			if !classified {
				state.requestRestart()
				t.ls.SetStatus(models.StatusRestart, detailEncoderExited)
			}
			cancelRun()
			return

		case <-ticker.C:
			status := t.ls.Status()
			now := time.Now()

			switch status.Status {
			case models.StatusONAir:
				if status.ClientCount == 0 {
					t.ls.SetStatus(models.StatusIdling, detailIdling)
					continue
				}
				if now.Sub(t.ls.StreamDataWrittenAt()) > cfg.ONAirFreezeTimeout {
					state.requestRestart()
					t.ls.SetStatus(models.StatusRestart, detailEncoderFroze)
					cancelRun()
					return
				}

			case models.StatusIdling:
				if status.ClientCount > 0 {
					t.ls.SetStatus(models.StatusONAir, detailONAir)
					continue
				}
				if now.Sub(status.UpdatedAt) > cfg.MaxAliveTime {
					t.ls.SetStatus(models.StatusOffline, detailOffline)
					cancelRun()
					return
				}

			case models.StatusStandby:
				if now.Sub(status.StartedAt) > cfg.StandbyFreezeGrace &&
					now.Sub(t.ls.StreamDataWrittenAt()) > cfg.StandbyFreezeTimeout {
					state.requestRestart()
					t.ls.SetStatus(models.StatusRestart, detailStartupStuck)
					cancelRun()
					return
				}

			case models.StatusOffline:
				// Something outside this run (arbiter hand-off, fatal log,
				// shutdown) took the stream down.
				cancelRun()
				return
			}
		}
	}
}
