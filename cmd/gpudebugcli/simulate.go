package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/gpudebug/pkg/debugsession"
	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/simulator"
)

type simulateParams struct {
	thread      string
	breakpoints []string
	timeout     time.Duration
	metrics     bool
}

func addSimulateParams(cmd *kingpin.CmdClause) *simulateParams {
	p := &simulateParams{}
	cmd.Flag("thread", "Threads to interrupt, \"all\" or slice.subslice.eu.thread.").Default("all").StringVar(&p.thread)
	cmd.Flag("breakpoint", "Thread of tile 0 that hits a breakpoint before the interrupt, slice.subslice.eu.thread. Repeatable.").StringsVar(&p.breakpoints)
	cmd.Flag("timeout", "How long to wait for each event.").Default("3s").DurationVar(&p.timeout)
	cmd.Flag("metrics", "Print the session metrics when done.").Default("false").BoolVar(&p.metrics)
	return p
}

// simulation is a session attached to a simulated device.
type simulation struct {
	sim *simulator.Simulator
	s   *debugsession.Session
	reg *prometheus.Registry
}

func newSimulation(ctx context.Context) (*simulation, error) {
	c, err := loadConfig(cfg.configFile)
	if err != nil {
		return nil, err
	}
	sim, err := simulator.New(c.Simulator, logger)
	if err != nil {
		return nil, errors.Wrap(err, "building simulator")
	}
	reg := prometheus.NewRegistry()
	s, err := debugsession.New(c.Session, sim, logger, reg)
	if err != nil {
		return nil, err
	}
	if err := s.Attach(ctx); err != nil {
		return nil, err
	}
	return &simulation{sim: sim, s: s, reg: reg}, nil
}

func (m *simulation) close(ctx context.Context) {
	if err := m.s.Detach(ctx); err != nil {
		level.Warn(logger).Log("msg", "failed to detach debug session", "err", err)
	}
}

// drain reads events until none arrives within timeout.
func (m *simulation) drain(ctx context.Context, timeout time.Duration, fn func(debugsession.Event)) error {
	for {
		ev, err := m.s.ReadEvent(ctx, timeout)
		if errors.Is(err, debugsession.ErrNotReady) {
			return nil
		}
		if err != nil {
			return err
		}
		fn(ev)
	}
}

func simulate(ctx context.Context, p *simulateParams) error {
	api, err := euthread.ParseAPIThread(p.thread)
	if err != nil {
		return err
	}
	m, err := newSimulation(ctx)
	if err != nil {
		return err
	}
	defer m.close(ctx)
	out := output(ctx)

	for _, b := range p.breakpoints {
		a, err := euthread.ParseAPIThread(b)
		if err != nil {
			return err
		}
		if err := m.sim.Breakpoint(m.s.Topology().Resolve(a)); err != nil {
			return err
		}
	}
	if err := m.s.Interrupt(api); err != nil {
		return err
	}

	stopped := color.New(color.FgGreen, color.Bold)
	unavailable := color.New(color.FgYellow)
	var toResume []euthread.APIThread
	err = m.drain(ctx, p.timeout, func(ev debugsession.Event) {
		switch ev.Type {
		case debugsession.EventThreadStopped:
			stopped.Fprintf(out, "%-12s", ev.Type)
			toResume = append(toResume, ev.Thread)
		default:
			unavailable.Fprintf(out, "%-12s", ev.Type)
		}
		fmt.Fprintf(out, " %s\n", ev.Thread)
	})
	if err != nil {
		return err
	}

	for _, a := range toResume {
		if err := m.s.Resume(ctx, a); err != nil {
			color.New(color.FgRed).Fprintf(out, "%-12s", "failed")
			fmt.Fprintf(out, " %s: %v\n", a, err)
			continue
		}
		color.New(color.FgCyan).Fprintf(out, "%-12s", "resumed")
		fmt.Fprintf(out, " %s\n", a)
	}

	if p.metrics {
		return printMetrics(ctx, m.reg)
	}
	return nil
}

func printMetrics(ctx context.Context, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(output(ctx), mf); err != nil {
			return err
		}
	}
	return nil
}
