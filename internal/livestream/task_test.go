package livestream

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibikitv/hibiki/internal/models"
)

var testServices = StaticResolver{
	"gr011": {NetworkID: 32736, TransportStreamID: 32736, ServiceID: 1024},
	"bs101": {NetworkID: 4, TransportStreamID: 16625, ServiceID: 101},
}

// newTestRegistry builds a registry over fakes with timings short enough
// for tests. mutate tweaks the config before construction.
func newTestRegistry(t *testing.T, capacity int, mutate func(*Config)) (*Registry, *fakeBackend, *fakeSpawner) {
	t.Helper()

	spawner := newFakeSpawner()

	cfg := DefaultConfig()
	cfg.WatchdogInterval = 10 * time.Millisecond
	cfg.MaxAliveTime = 150 * time.Millisecond
	cfg.ClientStallTimeout = time.Second
	cfg.ONAirFreezeTimeout = 2 * time.Second
	cfg.StandbyFreezeTimeout = 2 * time.Second
	cfg.StandbyFreezeGrace = 2 * time.Second
	cfg.EncoderStopGrace = 50 * time.Millisecond
	cfg.TaskCancelWait = 2 * time.Second
	cfg.PreemptionInterval = 10 * time.Millisecond
	cfg.SpawnEncoder = spawner.spawn
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if mutate != nil {
		mutate(&cfg)
	}

	backend := newFakeBackend(capacity)
	reg := NewRegistry(cfg, backend, testServices)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	return reg, backend, spawner
}

// waitSpawn waits for the next encoder launch.
func waitSpawn(t *testing.T, spawner *fakeSpawner) *fakeRunner {
	t.Helper()
	select {
	case r := <-spawner.spawned:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("encoder was never spawned")
		return nil
	}
}

// streamStatus fetches the status of one stream.
func streamStatus(reg *Registry, channel string, quality models.Quality) models.LiveStreamStatus {
	ls, ok := reg.Get(StreamID{ChannelID: channel, Quality: quality})
	if !ok {
		return models.LiveStreamStatus{}
	}
	return ls.Status()
}

func waitStatus(t *testing.T, reg *Registry, channel string, quality models.Quality, want models.StreamStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return streamStatus(reg, channel, quality).Status == want
	}, 3*time.Second, 10*time.Millisecond, "stream never reached %s", want)
}

func TestConnectHappyPath(t *testing.T) {
	reg, backend, spawner := newTestRegistry(t, 2, nil)
	ctx := context.Background()

	client, err := reg.Connect(ctx, "gr011", models.Quality720p, ClientKindMPEGTS)
	require.NoError(t, err)

	runner := waitSpawn(t, spawner)
	assert.Equal(t, models.StatusStandby, streamStatus(reg, "gr011", models.Quality720p).Status)
	assert.Equal(t, 1, backend.activeCount())

	// Startup detail advances while in Standby.
	runner.writeStderrLine("  libpostproc    55.  9.100 / 55.  9.100")
	require.Eventually(t, func() bool {
		return streamStatus(reg, "gr011", models.Quality720p).Detail == "Opening the tuner..."
	}, 3*time.Second, 10*time.Millisecond)

	// First frames flip the stream to ONAir.
	runner.writeStderrLine("frame=  120 fps= 30 q=28.0 size=    1024kB")
	waitStatus(t, reg, "gr011", models.Quality720p, models.StatusONAir)

	// Encoded output reaches the client in order.
	runner.writeStdout([]byte("chunk-1"))
	got, err := client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk-1"), got)

	// A second viewer shares the encoder: no second spawn, no second tuner.
	client2, err := reg.Connect(ctx, "gr011", models.Quality720p, ClientKindMPEGTS)
	require.NoError(t, err)
	assert.Equal(t, 1, spawner.count())
	assert.Equal(t, 1, backend.activeCount())
	assert.Equal(t, 2, reg.ViewerCount("gr011"))

	runner.writeStdout([]byte("chunk-2"))
	got, err = client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk-2"), got)
	got, err = client2.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk-2"), got)

	// Last viewer leaving idles the stream; max-alive then releases it.
	client.Disconnect()
	client2.Disconnect()
	waitStatus(t, reg, "gr011", models.Quality720p, models.StatusIdling)
	waitStatus(t, reg, "gr011", models.Quality720p, models.StatusOffline)

	require.Eventually(t, func() bool {
		return backend.activeCount() == 0
	}, 3*time.Second, 10*time.Millisecond, "tuner should be released")

	ls, _ := reg.Get(StreamID{ChannelID: "gr011", Quality: models.Quality720p})
	assert.Nil(t, ls.getTuner())
	assert.Zero(t, ls.ClientCount())
}

func TestIdlingReconnectReusesEncoder(t *testing.T) {
	reg, _, spawner := newTestRegistry(t, 1, func(cfg *Config) {
		cfg.MaxAliveTime = 5 * time.Second // keep idling alive across the test
	})
	ctx := context.Background()

	client, err := reg.Connect(ctx, "gr011", models.Quality720p, ClientKindMPEGTS)
	require.NoError(t, err)
	runner := waitSpawn(t, spawner)
	runner.writeStderrLine("frame=  120 fps= 30 q=28.0")
	waitStatus(t, reg, "gr011", models.Quality720p, models.StatusONAir)

	client.Disconnect()
	waitStatus(t, reg, "gr011", models.Quality720p, models.StatusIdling)

	// Reconnecting resumes the same encoder instantly.
	client2, err := reg.Connect(ctx, "gr011", models.Quality720p, ClientKindMPEGTS)
	require.NoError(t, err)
	waitStatus(t, reg, "gr011", models.Quality720p, models.StatusONAir)
	assert.Equal(t, 1, spawner.count())

	runner.writeStdout([]byte("resumed"))
	got, err := client2.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("resumed"), got)
}

func TestRecoverableErrorRestartsEncoder(t *testing.T) {
	reg, backend, spawner := newTestRegistry(t, 1, nil)
	ctx := context.Background()

	_, err := reg.Connect(ctx, "gr011", models.Quality720p, ClientKindMPEGTS)
	require.NoError(t, err)
	first := waitSpawn(t, spawner)

	first.writeStderrLine("Conversion failed!")

	// A fresh encoder comes up on the same tuner.
	waitSpawn(t, spawner)
	assert.Equal(t, 2, spawner.count())
	assert.Equal(t, 1, backend.activeCount())
	assert.Equal(t, models.StatusStandby, streamStatus(reg, "gr011", models.Quality720p).Status)
}

func TestRestartBudgetExhaustion(t *testing.T) {
	reg, backend, spawner := newTestRegistry(t, 1, func(cfg *Config) {
		cfg.MaxEncoderRestarts = 1
	})
	ctx := context.Background()

	client, err := reg.Connect(ctx, "gr011", models.Quality720p, ClientKindMPEGTS)
	require.NoError(t, err)

	first := waitSpawn(t, spawner)
	first.writeStderrLine("Conversion failed!")
	second := waitSpawn(t, spawner)
	second.writeStderrLine("Conversion failed!")

	waitStatus(t, reg, "gr011", models.Quality720p, models.StatusOffline)
	assert.Equal(t, detailRestartLimit, streamStatus(reg, "gr011", models.Quality720p).Detail)
	assert.Equal(t, 2, spawner.count(), "no further restart after the budget")

	require.Eventually(t, func() bool { return backend.activeCount() == 0 },
		3*time.Second, 10*time.Millisecond)

	// The client's byte stream simply ends.
	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for {
		_, err := client.Read(readCtx)
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
	}
}

func TestFatalErrorGoesOfflineWithoutRestart(t *testing.T) {
	reg, backend, spawner := newTestRegistry(t, 1, nil)
	ctx := context.Background()

	client, err := reg.Connect(ctx, "gr011", models.Quality720p, ClientKindMPEGTS)
	require.NoError(t, err)

	runner := waitSpawn(t, spawner)
	runner.writeStderrLine("Stream map '0:v:0' matches no streams.")

	waitStatus(t, reg, "gr011", models.Quality720p, models.StatusOffline)
	status := streamStatus(reg, "gr011", models.Quality720p)
	assert.Contains(t, status.Detail, "no tuner")

	// No restart, tuner released, terminator delivered.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, spawner.count())
	require.Eventually(t, func() bool { return backend.activeCount() == 0 },
		3*time.Second, 10*time.Millisecond)

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = client.Read(readCtx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestUnexpectedEncoderExitRestarts(t *testing.T) {
	reg, _, spawner := newTestRegistry(t, 1, nil)
	ctx := context.Background()

	_, err := reg.Connect(ctx, "gr011", models.Quality720p, ClientKindMPEGTS)
	require.NoError(t, err)

	first := waitSpawn(t, spawner)
	first.exit() // the process dies with nothing classified on stderr

	waitSpawn(t, spawner)
	assert.Equal(t, 2, spawner.count())
}

func TestONAirFreezeRestartsEncoder(t *testing.T) {
	reg, backend, spawner := newTestRegistry(t, 1, func(cfg *Config) {
		cfg.ONAirFreezeTimeout = 200 * time.Millisecond
	})
	ctx := context.Background()

	client, err := reg.Connect(ctx, "gr011", models.Quality720p, ClientKindMPEGTS)
	require.NoError(t, err)

	runner := waitSpawn(t, spawner)
	runner.writeStderrLine("frame=  120 fps= 30 q=28.0")
	waitStatus(t, reg, "gr011", models.Quality720p, models.StatusONAir)
	runner.writeStdout([]byte("data"))
	_, err = client.Read(ctx)
	require.NoError(t, err)

	// Keep the client healthy but freeze the encoder output: the watchdog
	// must restart the encoder on the same tuner.
	go func() {
		readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		for {
			if _, err := client.Read(readCtx); err != nil {
				return
			}
		}
	}()

	waitSpawn(t, spawner)
	assert.Equal(t, 2, spawner.count())
	assert.Equal(t, 1, backend.activeCount(), "the tuner must survive the restart")

	// The client survives the restart too.
	assert.Equal(t, 1, reg.ViewerCount("gr011"))
}

func TestStandbyStartupStuckRestarts(t *testing.T) {
	reg, _, spawner := newTestRegistry(t, 1, func(cfg *Config) {
		cfg.StandbyFreezeGrace = 100 * time.Millisecond
		cfg.StandbyFreezeTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	_, err := reg.Connect(ctx, "gr011", models.Quality720p, ClientKindMPEGTS)
	require.NoError(t, err)

	waitSpawn(t, spawner) // never produces output or progress

	waitSpawn(t, spawner)
	assert.GreaterOrEqual(t, spawner.count(), 2)
}

func TestShutdownReleasesEverything(t *testing.T) {
	reg, backend, spawner := newTestRegistry(t, 2, nil)
	ctx := context.Background()

	_, err := reg.Connect(ctx, "gr011", models.Quality720p, ClientKindMPEGTS)
	require.NoError(t, err)
	_, err = reg.Connect(ctx, "bs101", models.Quality1080p, ClientKindMPEGTS)
	require.NoError(t, err)
	waitSpawn(t, spawner)
	waitSpawn(t, spawner)

	reg.Shutdown(context.Background())

	assert.Equal(t, models.StatusOffline, streamStatus(reg, "gr011", models.Quality720p).Status)
	assert.Equal(t, models.StatusOffline, streamStatus(reg, "bs101", models.Quality1080p).Status)
	assert.Zero(t, backend.activeCount())
}
