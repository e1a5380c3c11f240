package debugsession

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/backoff"
)

type Config struct {
	PollInterval       time.Duration  `yaml:"poll_interval"`
	InterruptTimeout   time.Duration  `yaml:"interrupt_timeout"`
	FifoRetry          backoff.Config `yaml:"fifo_retry"`
	FifoMaxExtraRounds int            `yaml:"fifo_max_extra_rounds"`
	ResumeAckMaxPolls  int            `yaml:"resume_ack_max_polls"`
	TileAttach         bool           `yaml:"tile_attach"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	const prefix = "debug-session."
	f.DurationVar(&cfg.PollInterval, prefix+"poll-interval", 10*time.Millisecond, "Interval between attention polls and event generation passes.")
	f.DurationVar(&cfg.InterruptTimeout, prefix+"interrupt-timeout", 2*time.Second, "Time after which pending interrupts are resolved even if no attention was raised.")
	f.IntVar(&cfg.FifoMaxExtraRounds, prefix+"fifo-max-extra-rounds", 2, "Number of additional attention FIFO passes when the head moves while draining.")
	f.IntVar(&cfg.ResumeAckMaxPolls, prefix+"resume-ack-max-polls", 1000000, "Maximum number of reads of a thread's system routine counter while waiting for a resume to be acknowledged.")
	f.BoolVar(&cfg.TileAttach, prefix+"tile-attach", false, "Deliver events of multi-tile devices to the attached tile sessions.")
	// Same flag names as backoff.Config. A FIFO entry not yet marked valid
	// is re-read twice, 50ms apart.
	f.DurationVar(&cfg.FifoRetry.MinBackoff, prefix+"fifo-retry.backoff-min-period", 50*time.Millisecond, "Minimum delay before re-reading an attention FIFO entry that is not valid yet.")
	f.DurationVar(&cfg.FifoRetry.MaxBackoff, prefix+"fifo-retry.backoff-max-period", 50*time.Millisecond, "Maximum delay before re-reading an attention FIFO entry that is not valid yet.")
	f.IntVar(&cfg.FifoRetry.MaxRetries, prefix+"fifo-retry.backoff-retries", 2, "Number of times an attention FIFO entry that is not valid yet is re-read.")
}

// DefaultConfig returns the configuration with every flag default applied.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return cfg
}

func (cfg *Config) Validate() error {
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.InterruptTimeout <= 0 {
		return fmt.Errorf("interrupt timeout must be positive, got %s", cfg.InterruptTimeout)
	}
	if cfg.FifoMaxExtraRounds < 0 {
		return fmt.Errorf("fifo max extra rounds must not be negative, got %d", cfg.FifoMaxExtraRounds)
	}
	if cfg.ResumeAckMaxPolls <= 0 {
		return fmt.Errorf("resume ack max polls must be positive, got %d", cfg.ResumeAckMaxPolls)
	}
	if cfg.FifoRetry.MaxRetries <= 0 || cfg.FifoRetry.MinBackoff > cfg.FifoRetry.MaxBackoff {
		return fmt.Errorf("invalid fifo retry backoff %+v", cfg.FifoRetry)
	}
	return nil
}
