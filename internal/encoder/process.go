package encoder

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/hibikitv/hibiki/internal/models"
)

// Runner is a running encoder process as seen by the encoding task. The
// concrete implementation is Process; tests substitute fakes.
type Runner interface {
	// Stdin is the raw-TS input pipe.
	Stdin() io.WriteCloser
	// Stdout is the encoded-TS output pipe.
	Stdout() io.Reader
	// Stderr is the line-based progress log pipe.
	Stderr() io.Reader
	// Stop interrupts the process, escalating to SIGKILL after grace.
	Stop(grace time.Duration)
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Exited reports whether the process has exited.
	Exited() bool
	// Stats samples process resource usage; nil when unavailable.
	Stats() *ProcessStats
}

// ProcessStats is a resource usage snapshot of an encoder process.
type ProcessStats struct {
	PID           int32   `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSSMB   float64 `json:"memory_rss_mb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Process is an encoder subprocess with its three pipes.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *slog.Logger

	proc *process.Process

	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	exitErr error
	exited  bool
}

// Spawn starts the encoder binary with the given argv and wires up the pipe
// triple. binaryPath overrides the $PATH lookup when non-empty.
func Spawn(t Type, binaryPath string, argv []string, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}

	binary := binaryPath
	if binary == "" {
		path, err := locateBinary(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrEncoderStartFailed, err)
		}
		binary = path
	}

	cmd := exec.Command(binary, argv...)

	p := &Process{
		cmd:    cmd,
		logger: logger,
		done:   make(chan struct{}),
	}

	closePipes := func() {
		if p.stdin != nil {
			p.stdin.Close()
		}
		if p.stdout != nil {
			p.stdout.Close()
		}
		if p.stderr != nil {
			p.stderr.Close()
		}
	}

	var err error
	if p.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("%w: creating stdin pipe: %v", models.ErrEncoderStartFailed, err)
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		closePipes()
		return nil, fmt.Errorf("%w: creating stdout pipe: %v", models.ErrEncoderStartFailed, err)
	}
	if p.stderr, err = cmd.StderrPipe(); err != nil {
		closePipes()
		return nil, fmt.Errorf("%w: creating stderr pipe: %v", models.ErrEncoderStartFailed, err)
	}

	if err := cmd.Start(); err != nil {
		closePipes()
		return nil, fmt.Errorf("%w: %v", models.ErrEncoderStartFailed, err)
	}

	if proc, perr := process.NewProcess(int32(cmd.Process.Pid)); perr == nil {
		p.proc = proc
	}

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.exited = true
		p.mu.Unlock()
		close(p.done)
	}()

	logger.Debug("Encoder process started",
		slog.String("encoder", string(t)),
		slog.String("binary", binary),
		slog.Int("pid", cmd.Process.Pid))

	return p, nil
}

// Stdin returns the raw-TS input pipe.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the encoded-TS output pipe.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the progress log pipe.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// ExitErr returns the process exit error, if any. Only meaningful after
// Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop interrupts the encoder, escalating to SIGKILL when it does not exit
// within grace. Safe to call multiple times.
func (p *Process) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		if p.cmd.Process == nil {
			return
		}

		_ = p.cmd.Process.Signal(os.Interrupt)

		select {
		case <-p.done:
			return
		case <-time.After(grace):
		}

		p.logger.Warn("Encoder did not honour interrupt, killing",
			slog.Int("pid", p.cmd.Process.Pid))
		_ = p.cmd.Process.Kill()

		select {
		case <-p.done:
		case <-time.After(time.Second):
			p.logger.Error("Encoder process could not be reaped",
				slog.Int("pid", p.cmd.Process.Pid))
		}
	})
}

// Stats samples CPU and memory usage of the encoder process.
func (p *Process) Stats() *ProcessStats {
	if p.proc == nil || p.Exited() {
		return nil
	}

	stats := &ProcessStats{PID: p.proc.Pid}
	if cpu, err := p.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSSMB = float64(mem.RSS) / (1024 * 1024)
	}
	if pct, err := p.proc.MemoryPercent(); err == nil {
		stats.MemoryPercent = float64(pct)
	}
	return stats
}

// ScanLinesCR is a bufio.Scanner split function that treats both carriage
// return and newline as delimiters. Encoders overwrite their progress line
// with \r, so plain line splitting would never surface progress updates.
func ScanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	for i := 0; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			advance = i + 1
			for advance < len(data) && (data[advance] == '\r' || data[advance] == '\n') {
				advance++
			}
			return advance, data[0:i], nil
		}
	}

	if atEOF {
		return len(data), data, nil
	}

	return 0, nil, nil
}

var _ Runner = (*Process)(nil)
