package debugsession

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.InterruptTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.FifoRetry.MinBackoff)
	assert.Equal(t, 2, cfg.FifoRetry.MaxRetries)
	assert.False(t, cfg.TileAttach)
}

func TestConfig_Flags(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"-debug-session.poll-interval=5ms",
		"-debug-session.tile-attach",
	}))
	assert.Equal(t, 5*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.TileAttach)
	require.NoError(t, cfg.Validate())
}

func TestConfig_FifoRetryFlagDefaults(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	for name, def := range map[string]string{
		"debug-session.fifo-retry.backoff-min-period": "50ms",
		"debug-session.fifo-retry.backoff-max-period": "50ms",
		"debug-session.fifo-retry.backoff-retries":    "2",
	} {
		f := fs.Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, def, f.DefValue, name)
	}

	require.NoError(t, fs.Parse([]string{"-debug-session.fifo-retry.backoff-retries=5"}))
	assert.Equal(t, 5, cfg.FifoRetry.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.FifoRetry.MaxBackoff)
}

func TestConfig_YAML(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte(`
interrupt_timeout: 500ms
resume_ack_max_polls: 10
`), &cfg))
	assert.Equal(t, 500*time.Millisecond, cfg.InterruptTimeout)
	assert.Equal(t, 10, cfg.ResumeAckMaxPolls)
	assert.Equal(t, 10*time.Millisecond, cfg.PollInterval, "untouched fields keep their default")
}

func TestConfig_Validate(t *testing.T) {
	for name, mod := range map[string]func(*Config){
		"poll interval":     func(cfg *Config) { cfg.PollInterval = 0 },
		"interrupt timeout": func(cfg *Config) { cfg.InterruptTimeout = -time.Second },
		"extra rounds":      func(cfg *Config) { cfg.FifoMaxExtraRounds = -1 },
		"ack polls":         func(cfg *Config) { cfg.ResumeAckMaxPolls = 0 },
		"unbounded retries": func(cfg *Config) { cfg.FifoRetry.MaxRetries = 0 },
		"backoff bounds":    func(cfg *Config) { cfg.FifoRetry.MinBackoff = time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mod(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
