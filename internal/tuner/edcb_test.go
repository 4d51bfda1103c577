package tuner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEDCBBackend(t *testing.T, handler func(cmd uint32, payload []byte) (uint32, []byte, []byte)) *EDCBBackend {
	t.Helper()
	server := newFakeCtrlCmdServer(t, handler)
	return NewEDCBBackend(EDCBBackendConfig{Endpoint: server.addr()})
}

func acceptAllHandler(cmd uint32, payload []byte) (uint32, []byte, []byte) {
	switch cmd {
	case cmdNWTVIDSetCh:
		return ctrlCmdSuccess, uint32Reply(100), nil
	case cmdNWTVIDClose:
		return ctrlCmdSuccess, nil, nil
	case cmdRelayViewStream:
		return ctrlCmdSuccess, nil, []byte("ts")
	}
	return 0, nil, nil
}

func TestEDCBNetworkTVIDAllocation(t *testing.T) {
	backend := newTestEDCBBackend(t, acceptAllHandler)

	svc := ServiceInfo{NetworkID: 1, TransportStreamID: 2, ServiceID: 3}
	t1 := backend.NewTuner(svc, "gr011-720p").(*EDCBTuner)
	// Locked: its stream is live, so the session must not be recycled.
	t1.Lock()
	t2 := backend.NewTuner(svc, "gr021-720p").(*EDCBTuner)
	t2.Lock()

	assert.Equal(t, networkTVIDBase, t1.NetworkTVID())
	assert.Equal(t, networkTVIDBase+1, t2.NetworkTVID())
}

func TestEDCBNetworkTVIDReuse(t *testing.T) {
	backend := newTestEDCBBackend(t, acceptAllHandler)

	svc := ServiceInfo{NetworkID: 1, TransportStreamID: 2, ServiceID: 3}
	idle := backend.NewTuner(svc, "gr011-720p").(*EDCBTuner)
	// Unlocked: its stream is Idling, so the session may be recycled.
	idle.Unlock()

	next := backend.NewTuner(svc, "bs101-1080p").(*EDCBTuner)
	assert.Equal(t, idle.NetworkTVID(), next.NetworkTVID())

	// The recycled handle lost control of the session.
	assert.ErrorIs(t, idle.Open(context.Background()), ErrTunerDelegated)
}

func TestEDCBOpenAndClose(t *testing.T) {
	var closed bool
	backend := newTestEDCBBackend(t, func(cmd uint32, payload []byte) (uint32, []byte, []byte) {
		if cmd == cmdNWTVIDClose {
			closed = true
		}
		return acceptAllHandler(cmd, payload)
	})

	tn := backend.NewTuner(ServiceInfo{NetworkID: 1, TransportStreamID: 2, ServiceID: 3}, "gr011-720p")
	require.NoError(t, tn.Open(context.Background()))
	assert.Equal(t, StateOpen, tn.State())

	require.NoError(t, tn.Close(context.Background()))
	assert.Equal(t, StateClosed, tn.State())
	assert.True(t, closed)

	// Closing twice is a no-op.
	require.NoError(t, tn.Close(context.Background()))
}

func TestEDCBConnectDeliversStream(t *testing.T) {
	backend := newTestEDCBBackend(t, acceptAllHandler)

	tn := backend.NewTuner(ServiceInfo{NetworkID: 1, TransportStreamID: 2, ServiceID: 3}, "gr011-720p")
	require.NoError(t, tn.Open(context.Background()))

	reader, err := tn.Connect(context.Background())
	require.NoError(t, err)
	assert.False(t, tn.IsDisconnected())

	buf := make([]byte, 2)
	_, err = reader.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ts", string(buf))

	tn.Disconnect()
	assert.True(t, tn.IsDisconnected())
}

func TestEDCBHandoff(t *testing.T) {
	backend := newTestEDCBBackend(t, acceptAllHandler)

	svc := ServiceInfo{NetworkID: 1, TransportStreamID: 2, ServiceID: 3}
	old := backend.NewTuner(svc, "gr011-720p").(*EDCBTuner)
	require.NoError(t, old.Open(context.Background()))

	newSvc := ServiceInfo{NetworkID: 4, TransportStreamID: 5, ServiceID: 6}
	old.SetState(StateCancelling)
	nt, ok := old.Handoff("gr011-720p", "bs101-720p", newSvc)
	require.True(t, ok)
	require.NotNil(t, nt)

	// The fresh handle shares the backend session but belongs to the new
	// stream and starts opening.
	fresh := nt.(*EDCBTuner)
	assert.Equal(t, old.NetworkTVID(), fresh.NetworkTVID())
	assert.Equal(t, newSvc, fresh.Service())
	assert.Equal(t, StateOpening, fresh.State())

	// The delegated handle can no longer close or hand off the session.
	require.NoError(t, old.Close(context.Background()))
	_, ok = old.Handoff("gr011-720p", "cs001-720p", newSvc)
	assert.False(t, ok)

	// Re-opening the fresh handle re-tunes the same session.
	require.NoError(t, fresh.Open(context.Background()))
	assert.Equal(t, StateOpen, fresh.State())
}

func TestEDCBHandoffWrongOwner(t *testing.T) {
	backend := newTestEDCBBackend(t, acceptAllHandler)

	old := backend.NewTuner(ServiceInfo{NetworkID: 1}, "gr011-720p").(*EDCBTuner)
	require.NoError(t, old.Open(context.Background()))

	_, ok := old.Handoff("some-other-stream", "bs101-720p", ServiceInfo{})
	assert.False(t, ok)
}

func TestEDCBOpenAllBusy(t *testing.T) {
	backend := newTestEDCBBackend(t, func(cmd uint32, payload []byte) (uint32, []byte, []byte) {
		return 0, nil, nil // never a free tuner
	})

	tn := backend.NewTuner(ServiceInfo{NetworkID: 1}, "gr011-720p")

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // skip the retry window
	err := tn.Open(ctx)
	assert.Error(t, err)
}
