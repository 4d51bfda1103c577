package tuner

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hibikitv/hibiki/internal/models"
)

// CtrlCmd command IDs used by the EDCB backend. Every exchange is a
// length-prefixed little-endian frame: cmd uint32, payload length uint32,
// payload. Replies carry a result code in place of the command ID.
const (
	ctrlCmdSuccess uint32 = 1

	cmdNWTVIDSetCh     uint32 = 1073
	cmdNWTVIDClose     uint32 = 1074
	cmdRelayViewStream uint32 = 301
)

// NetworkTV launch mode requesting TCP delivery from the backend.
const nwtvModeTCP = 2

// ctrlCmdClient speaks the CtrlCmd protocol with one EDCB instance. Each
// command uses a fresh TCP connection; the backend closes command
// connections after replying.
type ctrlCmdClient struct {
	addr        string
	dialTimeout time.Duration
	ioTimeout   time.Duration
}

// newCtrlCmdClient creates a CtrlCmd client for addr (host:port).
func newCtrlCmdClient(addr string) *ctrlCmdClient {
	return &ctrlCmdClient{
		addr:        addr,
		dialTimeout: 5 * time.Second,
		ioTimeout:   15 * time.Second,
	}
}

// setChInfo is the payload of a NetworkTV SetCh command.
type setChInfo struct {
	ServiceInfo
	// NetworkTVID identifies the NetworkTV-mode tuner session to the
	// backend; reused when sessions are recycled.
	NetworkTVID int
	// Mode is the delivery mode (nwtvModeTCP).
	Mode int
}

func (c *ctrlCmdClient) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", models.ErrBackendUnreachable, c.addr, err)
	}
	return conn, nil
}

// writeFrame writes one command frame to conn.
func writeFrame(conn net.Conn, cmd uint32, payload []byte) error {
	header := make([]byte, 8, 8+len(payload))
	binary.LittleEndian.PutUint32(header[0:4], cmd)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := conn.Write(append(header, payload...)); err != nil {
		return fmt.Errorf("%w: writing command %d: %v", models.ErrBackendUnreachable, cmd, err)
	}
	return nil
}

// readFrame reads one reply frame from conn and returns the result code and
// payload.
func readFrame(conn net.Conn) (uint32, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, fmt.Errorf("%w: reading reply header: %v", models.ErrProtocol, err)
	}
	ret := binary.LittleEndian.Uint32(header[0:4])
	size := binary.LittleEndian.Uint32(header[4:8])
	if size > 1<<20 {
		return 0, nil, fmt.Errorf("%w: oversized reply payload (%d bytes)", models.ErrProtocol, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: reading reply payload: %v", models.ErrProtocol, err)
	}
	return ret, payload, nil
}

// do runs one command round trip on a fresh connection.
func (c *ctrlCmdClient) do(ctx context.Context, cmd uint32, payload []byte) (uint32, []byte, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := writeFrame(conn, cmd, payload); err != nil {
		return 0, nil, err
	}
	return readFrame(conn)
}

// sendNWTVIDSetCh starts (or re-tunes) a NetworkTV-mode tuner and returns
// the backend process ID serving it. ok is false when the backend has no
// free tuner for the request.
func (c *ctrlCmdClient) sendNWTVIDSetCh(ctx context.Context, info setChInfo) (processID int, ok bool, err error) {
	payload := make([]byte, 22)
	binary.LittleEndian.PutUint32(payload[0:4], 1) // use_sid
	binary.LittleEndian.PutUint16(payload[4:6], uint16(info.NetworkID))
	binary.LittleEndian.PutUint16(payload[6:8], uint16(info.TransportStreamID))
	binary.LittleEndian.PutUint16(payload[8:10], uint16(info.ServiceID))
	binary.LittleEndian.PutUint32(payload[10:14], 1) // use_bon_ch
	binary.LittleEndian.PutUint32(payload[14:18], uint32(info.NetworkTVID))
	binary.LittleEndian.PutUint32(payload[18:22], uint32(info.Mode))

	ret, reply, err := c.do(ctx, cmdNWTVIDSetCh, payload)
	if err != nil {
		return 0, false, err
	}
	if ret != ctrlCmdSuccess {
		return 0, false, nil
	}
	if len(reply) < 4 {
		return 0, false, fmt.Errorf("%w: SetCh reply too short (%d bytes)", models.ErrProtocol, len(reply))
	}
	return int(int32(binary.LittleEndian.Uint32(reply[0:4]))), true, nil
}

// sendNWTVIDClose stops the NetworkTV-mode tuner identified by networkTVID.
func (c *ctrlCmdClient) sendNWTVIDClose(ctx context.Context, networkTVID int) (bool, error) {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(networkTVID))

	ret, _, err := c.do(ctx, cmdNWTVIDClose, payload)
	if err != nil {
		return false, err
	}
	return ret == ctrlCmdSuccess, nil
}

// openViewStream asks the backend to relay the TS stream of processID over a
// fresh TCP connection. On success the returned connection carries raw TS
// from the first byte after the reply frame.
func (c *ctrlCmdClient) openViewStream(ctx context.Context, processID int) (net.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(processID))
	if err := writeFrame(conn, cmdRelayViewStream, payload); err != nil {
		conn.Close()
		return nil, err
	}
	ret, _, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ret != ctrlCmdSuccess {
		conn.Close()
		return nil, nil
	}

	// The stream side has no fixed cadence; clear the command deadline.
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
