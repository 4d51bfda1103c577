package tuner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hibikitv/hibiki/internal/models"
)

// The backend exposes at most this many concurrent NetworkTV pipe ports.
const pipeMaxPort = 30

// openPipeStream opens the named pipe the backend process writes TS into.
// Pipe names follow SendTSTCP_<port>_<pid>_<index>.fifo; the port is not
// knowable in advance, so candidates are scanned until one appears.
func openPipeStream(ctx context.Context, dir string, processID int) (io.ReadCloser, error) {
	deadline := time.Now().Add(connectRetryWindow)
	wait := retryBaseInterval
	for {
		for port := 0; port < pipeMaxPort; port++ {
			for index := 0; index < 2; index++ {
				path := filepath.Join(dir, fmt.Sprintf("SendTSTCP_%d_%d_%d.fifo", port, processID, index))
				if _, err := os.Stat(path); err != nil {
					continue
				}
				f, err := os.OpenFile(path, os.O_RDONLY, 0)
				if err != nil {
					continue
				}
				return f, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no TS pipe for process %d under %s", models.ErrBackendUnreachable, processID, dir)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait+retryBaseInterval, retryMaxInterval)
	}
}
