package livestream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// clientQueueSize bounds each client's chunk queue. A client that cannot
// drain this many chunks is evicted immediately rather than buffering
// without bound.
const clientQueueSize = 64

// ClientKindMPEGTS is the only client kind currently served: raw encoded
// MPEG-TS chunks.
const ClientKindMPEGTS = "mpegts"

// Client is one viewer attached to a live stream. Clients are created by
// LiveStream.Connect and must be released with Disconnect; a client that is
// never read for longer than the stall timeout is evicted by the fan-out.
type Client struct {
	id     string
	kind   string
	stream *LiveStream

	// queue carries encoded TS chunks; closing it is the end-of-stream
	// terminator. Sends and the close are serialised by the owning
	// LiveStream's client mutex.
	queue      chan []byte
	closed     atomic.Bool
	closeOnce  sync.Once
	lastReadAt atomic.Int64 // unix nanoseconds
}

// newClient creates a client bound to ls. Client IDs are ULIDs so they sort
// by connect time in logs.
func newClient(ls *LiveStream, kind string) *Client {
	c := &Client{
		id:     "MPEGTS-" + ulid.Make().String(),
		kind:   kind,
		stream: ls,
		queue:  make(chan []byte, clientQueueSize),
	}
	c.lastReadAt.Store(time.Now().UnixNano())
	return c
}

// ID returns the client identifier.
func (c *Client) ID() string { return c.id }

// Kind returns the client kind.
func (c *Client) Kind() string { return c.kind }

// Read returns the next encoded TS chunk, blocking until one arrives. It
// returns io.EOF once the stream has ended and the queue is drained.
func (c *Client) Read(ctx context.Context) ([]byte, error) {
	if c.kind != ClientKindMPEGTS {
		return nil, io.EOF
	}

	c.lastReadAt.Store(time.Now().UnixNano())

	select {
	case chunk, ok := <-c.queue:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect detaches the client from its live stream. Idempotent.
func (c *Client) Disconnect() {
	c.stream.Disconnect(c)
}

// offer enqueues a chunk without blocking. It reports false when the queue
// is full or already terminated. Must be called under the owning stream's
// client mutex.
func (c *Client) offer(chunk []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.queue <- chunk:
		return true
	default:
		return false
	}
}

// terminate closes the queue, signalling end-of-stream to the reader. Must
// be called under the owning stream's client mutex. Idempotent.
func (c *Client) terminate() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.queue)
	})
}

// lastRead returns when the client last drained a chunk.
func (c *Client) lastRead() time.Time {
	return time.Unix(0, c.lastReadAt.Load())
}
