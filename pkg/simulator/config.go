package simulator

import (
	"github.com/pkg/errors"

	"github.com/grafana/gpudebug/pkg/sip"
)

// Selector selects threads of one tile, in "slice.subslice.eu.thread"
// notation where any field may be "all" or "*".
type Selector struct {
	Tile   uint32 `yaml:"tile"`
	Thread string `yaml:"thread"`
}

type Config struct {
	Name              string      `yaml:"name"`
	Family            string      `yaml:"family"`
	Version           sip.Version `yaml:"version"`
	SIPFlags          uint32      `yaml:"sip_flags"`
	Tiles             uint32      `yaml:"tiles"`
	Slices            uint32      `yaml:"slices"`
	DynamicSliceMask  uint64      `yaml:"dynamic_slice_mask"`
	SubslicesPerSlice uint32      `yaml:"subslices_per_slice"`
	EusPerSubslice    uint32      `yaml:"eus_per_subslice"`
	ThreadsPerEu      uint32      `yaml:"threads_per_eu"`
	FifoCapacity      uint32      `yaml:"fifo_capacity"`
	// Busy lists the threads running a kernel at start.
	Busy []Selector `yaml:"busy"`
	// NoSIP simulates a device without a debug SIP kernel.
	NoSIP bool `yaml:"no_sip"`
}

// DefaultConfig is a single tile with one slice, one subslice, two EUs and
// four threads per EU running version 3 firmware.
func DefaultConfig() Config {
	return Config{
		Name:              "simulator",
		Family:            "xe_hpc_core",
		Version:           sip.Version{Major: 3},
		Tiles:             1,
		Slices:            1,
		SubslicesPerSlice: 1,
		EusPerSubslice:    2,
		ThreadsPerEu:      4,
		FifoCapacity:      64,
	}
}

func (cfg *Config) Validate() error {
	if cfg.Slices == 0 || cfg.SubslicesPerSlice == 0 || cfg.EusPerSubslice == 0 || cfg.ThreadsPerEu == 0 {
		return errors.Errorf("simulated geometry %d.%d.%d.%d has an empty dimension",
			cfg.Slices, cfg.SubslicesPerSlice, cfg.EusPerSubslice, cfg.ThreadsPerEu)
	}
	if cfg.ThreadsPerEu > 1<<7 || cfg.EusPerSubslice > 1<<8 || cfg.SubslicesPerSlice > 1<<8 || cfg.Slices > 1<<8 {
		return errors.Errorf("simulated geometry does not fit attention fifo entries")
	}
	if cfg.Version.Major == 3 && cfg.FifoCapacity < 2 {
		return errors.Errorf("fifo capacity must be at least 2, got %d", cfg.FifoCapacity)
	}
	return nil
}
