package debugsession

import (
	"context"
	"testing"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/simulator"
	"github.com/grafana/gpudebug/pkg/sip"
)

func twoTiles(busy ...simulator.Selector) simulator.Config {
	cfg := simulator.DefaultConfig()
	cfg.Tiles = 2
	cfg.Busy = busy
	return cfg
}

func withTileAttach(cfg *Config) { cfg.TileAttach = true }

func TestAttachTile(t *testing.T) {
	s, _ := newSimSession(t, twoTiles())
	assert.Nil(t, s.AttachTile(0), "tile attach disabled")

	s, _ = newSimSession(t, twoTiles(), withTileAttach)
	ts0 := s.AttachTile(0)
	require.NotNil(t, ts0)
	assert.Equal(t, uint32(0), ts0.Tile())
	assert.Nil(t, s.AttachTile(0), "attached already")
	assert.Nil(t, s.AttachTile(2), "no such tile")

	single, _ := newSimSession(t, simulator.DefaultConfig(), withTileAttach)
	assert.Nil(t, single.AttachTile(0))
}

func TestTileSession_EventsGoToTheAttachedTile(t *testing.T) {
	s, sim := newSimSession(t, twoTiles(simulator.Selector{Tile: 1, Thread: "0.0.0.0"}), withTileAttach)
	ctx := context.Background()
	ts0 := s.AttachTile(0)
	ts1 := s.AttachTile(1)
	require.NotNil(t, ts0)
	require.NotNil(t, ts1)

	require.NoError(t, ts1.Interrupt(api0))
	runOnce(t, s)

	ev, err := ts1.ReadEvent(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, Event{Type: EventThreadStopped, Thread: api0}, ev)
	assert.Empty(t, drainEvents(t, s))
	_, err = ts0.ReadEvent(ctx, 0)
	require.ErrorIs(t, err, ErrNotReady)

	// The root session addresses the same thread by its device wide slice.
	onTile1 := euthread.APIThread{Slice: 1}
	fromTile, err := ts1.ReadRegisters(ctx, api0, sip.RegsetGRF, 0, 1)
	require.NoError(t, err)
	fromRoot, err := s.ReadRegisters(ctx, onTile1, sip.RegsetGRF, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, fromRoot, fromTile)
	_, err = ts0.ReadRegisters(ctx, api0, sip.RegsetGRF, 0, 1)
	require.ErrorIs(t, err, ErrNotAvailable)

	require.ErrorIs(t, ts0.Resume(ctx, api0), ErrNotAvailable)
	require.NoError(t, ts1.Resume(ctx, api0))
	assert.False(t, sim.Stopped(euthread.ThreadID{Tile: 1}))
}

func TestTileSession_UnavailableGoesToTheRequester(t *testing.T) {
	s, _ := newSimSession(t, twoTiles(simulator.Selector{Tile: 1, Thread: "0.0.0.0"}), withTileAttach)
	ts1 := s.AttachTile(1)
	require.NotNil(t, ts1)

	// Thread 0 answers the interrupt, thread 1 runs nothing.
	require.NoError(t, ts1.Interrupt(api1))
	s.sendInterrupts(context.Background())
	s.pollAttention(context.Background())
	s.generateEventsAndResumeStoppedThreads(context.Background())

	ev, err := ts1.ReadEvent(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, Event{Type: EventThreadUnavailable, Thread: api1}, ev)
	assert.Empty(t, drainEvents(t, s))
}

func TestRootSession_MultiTileSelectors(t *testing.T) {
	s, sim := newSimSession(t, twoTiles(
		simulator.Selector{Tile: 0, Thread: "0.0.0.0"},
		simulator.Selector{Tile: 1, Thread: "0.0.1.3"},
	))
	ctx := context.Background()

	require.NoError(t, s.Interrupt(euthread.AllThreads))
	runOnce(t, s)
	onTile1 := euthread.APIThread{Slice: 1, EU: 1, Thread: 3}
	assert.Equal(t, []Event{
		{Type: EventThreadStopped, Thread: api0},
		{Type: EventThreadStopped, Thread: onTile1},
	}, drainEvents(t, s))
	assert.Equal(t, 1, sim.Interrupts(0))
	assert.Equal(t, 1, sim.Interrupts(1))

	// Tile 0 has nothing left to resume.
	require.NoError(t, s.Resume(ctx, api0))
	require.NoError(t, s.Resume(ctx, euthread.AllThreads))
	assert.False(t, sim.Stopped(euthread.ThreadID{Tile: 1, EU: 1, Thread: 3}))
	require.ErrorIs(t, s.Resume(ctx, euthread.AllThreads), ErrNotAvailable)
}

func TestDetachTile(t *testing.T) {
	s, _ := newSimSession(t, twoTiles(), withTileAttach)
	require.NoError(t, s.Attach(context.Background()))
	ts0 := s.AttachTile(0)
	ts1 := s.AttachTile(1)

	require.NoError(t, ts0.Interrupt(api0))
	require.NoError(t, s.DetachTile(context.Background(), ts0))
	require.ErrorIs(t, s.DetachTile(context.Background(), ts0), ErrNotAvailable)
	assert.Equal(t, services.Running, s.Service().State())

	// The tile can be attached again once detached.
	again := s.AttachTile(0)
	require.NotNil(t, again)
	require.NoError(t, s.DetachTile(context.Background(), again))

	require.NoError(t, s.DetachTile(context.Background(), ts1))
	assert.Equal(t, services.Terminated, s.Service().State())

	other, _ := newSimSession(t, twoTiles(), withTileAttach)
	require.ErrorIs(t, other.DetachTile(context.Background(), ts1), ErrInvalidArgument)
}
