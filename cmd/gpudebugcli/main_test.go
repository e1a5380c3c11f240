package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/gpudebug/pkg/gpu"
	"github.com/grafana/gpudebug/pkg/sip"
)

func TestMain(m *testing.M) {
	gpu.RegisterDefaultFamilies()
	os.Exit(m.Run())
}

func TestHeaderGenAndDump(t *testing.T) {
	var out bytes.Buffer
	ctx := withOutput(context.Background(), &out)
	file := filepath.Join(t.TempDir(), "header.bin")

	p := &headerGenParams{output: file, major: 3, flags: sip.SIPFlagHeapless, geometry: sip.Geometry{
		NumSlices: 1, NumSubslicesPerSlice: 2, NumEusPerSubslice: 8, NumThreadsPerEu: 8,
	}}
	require.NoError(t, headerGen(ctx, p))
	assert.Contains(t, out.String(), "version 3.0.0 header")

	out.Reset()
	require.NoError(t, headerDump(ctx, file))
	dump := out.String()
	assert.Contains(t, dump, "geometry: 1 slices, 2 subslices, 8 EUs, 8 threads")
	assert.Contains(t, dump, "heapless: true")
	assert.Contains(t, dump, "attention fifo")
	assert.Contains(t, dump, "grf")
	assert.NotContains(t, dump, "sba")

	require.NoError(t, os.WriteFile(file, make([]byte, 64), 0o644))
	require.ErrorIs(t, headerDump(ctx, file), sip.ErrBadMagic)
}

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg.configFile = path
	t.Cleanup(func() { cfg.configFile = "" })
}

func TestLoadConfig(t *testing.T) {
	c, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultFileConfig(), c)

	writeConfig(t, `
simulator:
  tiles: 2
session:
  tile_attach: true
`)
	c, err = loadConfig(cfg.configFile)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), c.Simulator.Tiles)
	assert.Equal(t, uint32(4), c.Simulator.ThreadsPerEu)
	assert.True(t, c.Session.TileAttach)
	assert.Equal(t, 10*time.Millisecond, c.Session.PollInterval)

	writeConfig(t, "simulator:\n  threads_per_eu: 0\n")
	_, err = loadConfig(cfg.configFile)
	require.Error(t, err)
}

func TestSimulate(t *testing.T) {
	writeConfig(t, `
simulator:
  busy:
    - thread: "0.0.0.*"
session:
  poll_interval: 1ms
  interrupt_timeout: 50ms
`)
	var out bytes.Buffer
	ctx := withOutput(context.Background(), &out)

	require.NoError(t, simulate(ctx, &simulateParams{
		thread:      "0.0.*.*",
		breakpoints: []string{"0.0.0.3"},
		timeout:     200 * time.Millisecond,
		metrics:     true,
	}))
	s := out.String()
	assert.Contains(t, s, "thread_stopped slice = 0 subslice = 0 eu = 0 thread = 0\n")
	assert.Contains(t, s, "thread_stopped slice = 0 subslice = 0 eu = 0 thread = 3\n")
	assert.Contains(t, s, "resumed      slice = 0 subslice = 0 eu = 0 thread = 3\n")
	assert.NotContains(t, s, "failed")
	assert.Contains(t, s, `gpudebug_events_enqueued_total{type="thread_stopped"} 4`)

	out.Reset()
	require.NoError(t, threads(ctx, &threadsParams{stop: true, timeout: 200 * time.Millisecond}))
	assert.Contains(t, out.String(), "stopped")
	assert.Contains(t, out.String(), "unknown")

	out.Reset()
	require.NoError(t, threads(ctx, &threadsParams{tree: true}))
	tree := out.String()
	assert.Contains(t, tree, "tile 0")
	assert.Contains(t, tree, "subslice 0")
	assert.Contains(t, tree, "thread 3: ")
}
