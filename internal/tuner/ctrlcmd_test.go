package tuner

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibikitv/hibiki/internal/models"
)

// fakeCtrlCmdServer is a minimal EDCB CtrlCmd endpoint for tests. Handlers
// receive the decoded command and payload and return the result code, the
// reply payload, and optional bytes streamed after the reply (for the view
// stream relay).
type fakeCtrlCmdServer struct {
	t        *testing.T
	listener net.Listener
	handler  func(cmd uint32, payload []byte) (ret uint32, reply []byte, stream []byte)
}

func newFakeCtrlCmdServer(t *testing.T, handler func(cmd uint32, payload []byte) (uint32, []byte, []byte)) *fakeCtrlCmdServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeCtrlCmdServer{t: t, listener: listener, handler: handler}
	go s.serve()
	t.Cleanup(func() { listener.Close() })
	return s
}

func (s *fakeCtrlCmdServer) addr() string { return s.listener.Addr().String() }

func (s *fakeCtrlCmdServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *fakeCtrlCmdServer) handleConn(conn net.Conn) {
	defer conn.Close()

	header := make([]byte, 8)
	if _, err := io.ReadFull(conn, header); err != nil {
		return
	}
	cmd := binary.LittleEndian.Uint32(header[0:4])
	size := binary.LittleEndian.Uint32(header[4:8])
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return
	}

	ret, reply, stream := s.handler(cmd, payload)

	out := make([]byte, 8, 8+len(reply))
	binary.LittleEndian.PutUint32(out[0:4], ret)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(reply)))
	out = append(out, reply...)
	if _, err := conn.Write(out); err != nil {
		return
	}
	if len(stream) > 0 {
		_, _ = conn.Write(stream)
	}
}

func uint32Reply(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestSendNWTVIDSetCh(t *testing.T) {
	var gotCmd uint32
	var gotPayload []byte
	server := newFakeCtrlCmdServer(t, func(cmd uint32, payload []byte) (uint32, []byte, []byte) {
		gotCmd = cmd
		gotPayload = payload
		return ctrlCmdSuccess, uint32Reply(4242), nil
	})

	client := newCtrlCmdClient(server.addr())
	processID, ok, err := client.sendNWTVIDSetCh(context.Background(), setChInfo{
		ServiceInfo: ServiceInfo{NetworkID: 32736, TransportStreamID: 32736, ServiceID: 1024},
		NetworkTVID: 500,
		Mode:        nwtvModeTCP,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4242, processID)

	assert.Equal(t, cmdNWTVIDSetCh, gotCmd)
	require.Len(t, gotPayload, 22)
	assert.Equal(t, uint16(32736), binary.LittleEndian.Uint16(gotPayload[4:6]))
	assert.Equal(t, uint16(32736), binary.LittleEndian.Uint16(gotPayload[6:8]))
	assert.Equal(t, uint16(1024), binary.LittleEndian.Uint16(gotPayload[8:10]))
	assert.Equal(t, uint32(500), binary.LittleEndian.Uint32(gotPayload[14:18]))
	assert.Equal(t, uint32(nwtvModeTCP), binary.LittleEndian.Uint32(gotPayload[18:22]))
}

func TestSendNWTVIDSetChBusy(t *testing.T) {
	server := newFakeCtrlCmdServer(t, func(cmd uint32, payload []byte) (uint32, []byte, []byte) {
		return 0, nil, nil // not CMD_SUCCESS: no tuner free
	})

	client := newCtrlCmdClient(server.addr())
	_, ok, err := client.sendNWTVIDSetCh(context.Background(), setChInfo{NetworkTVID: 500})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendNWTVIDClose(t *testing.T) {
	var gotPayload []byte
	server := newFakeCtrlCmdServer(t, func(cmd uint32, payload []byte) (uint32, []byte, []byte) {
		require.Equal(t, cmdNWTVIDClose, cmd)
		gotPayload = payload
		return ctrlCmdSuccess, nil, nil
	})

	client := newCtrlCmdClient(server.addr())
	ok, err := client.sendNWTVIDClose(context.Background(), 502)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, gotPayload, 4)
	assert.Equal(t, uint32(502), binary.LittleEndian.Uint32(gotPayload))
}

func TestOpenViewStream(t *testing.T) {
	ts := []byte("\x47fake-ts-bytes")
	server := newFakeCtrlCmdServer(t, func(cmd uint32, payload []byte) (uint32, []byte, []byte) {
		require.Equal(t, cmdRelayViewStream, cmd)
		require.Equal(t, uint32(4242), binary.LittleEndian.Uint32(payload))
		return ctrlCmdSuccess, nil, ts
	})

	client := newCtrlCmdClient(server.addr())
	conn, err := client.openViewStream(context.Background(), 4242)
	require.NoError(t, err)
	require.NotNil(t, conn)
	defer conn.Close()

	got := make([]byte, len(ts))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, ts, got)
}

func TestOpenViewStreamRefused(t *testing.T) {
	server := newFakeCtrlCmdServer(t, func(cmd uint32, payload []byte) (uint32, []byte, []byte) {
		return 0, nil, nil
	})

	client := newCtrlCmdClient(server.addr())
	conn, err := client.openViewStream(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, conn)
}

func TestCtrlCmdBackendUnreachable(t *testing.T) {
	client := newCtrlCmdClient("127.0.0.1:1") // nothing listens here
	_, _, err := client.sendNWTVIDSetCh(context.Background(), setChInfo{})
	assert.ErrorIs(t, err, models.ErrBackendUnreachable)
}
