package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/gpudebug/pkg/debugsession"
	"github.com/grafana/gpudebug/pkg/simulator"
)

// fileConfig is the layout of the --config file. Sections left out keep
// their defaults.
type fileConfig struct {
	Simulator simulator.Config    `yaml:"simulator"`
	Session   debugsession.Config `yaml:"session"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Simulator: simulator.DefaultConfig(),
		Session:   debugsession.DefaultConfig(),
	}
}

func loadConfig(path string) (fileConfig, error) {
	c := defaultFileConfig()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := c.Simulator.Validate(); err != nil {
		return c, errors.Wrap(err, "invalid simulator config")
	}
	if err := c.Session.Validate(); err != nil {
		return c, errors.Wrap(err, "invalid session config")
	}
	return c, nil
}
