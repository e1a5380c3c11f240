package main

import (
	"context"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/xlab/treeprint"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/gpudebug/pkg/debugsession"
	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/gpu"
)

type threadsParams struct {
	stop    bool
	tree    bool
	timeout time.Duration
}

func addThreadsParams(cmd *kingpin.CmdClause) *threadsParams {
	p := &threadsParams{}
	cmd.Flag("stop", "Interrupt every thread before printing the table.").Default("false").BoolVar(&p.stop)
	cmd.Flag("tree", "Print the threads grouped by tile, slice, subslice and EU.").Default("false").BoolVar(&p.tree)
	cmd.Flag("timeout", "How long to wait for each stop event.").Default("3s").DurationVar(&p.timeout)
	return p
}

func threads(ctx context.Context, p *threadsParams) error {
	m, err := newSimulation(ctx)
	if err != nil {
		return err
	}
	defer m.close(ctx)

	if p.stop {
		if err := m.s.Interrupt(euthread.AllThreads); err != nil {
			return err
		}
		if err := m.drain(ctx, p.timeout, func(debugsession.Event) {}); err != nil {
			return err
		}
	}

	if p.tree {
		fmt.Fprint(output(ctx), threadTree(m.s.Threads().All()))
		return nil
	}

	topo := m.s.Topology()
	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"Thread", "Tile", "State", "Counter", "Reported", "Context"})
	for _, et := range m.s.Threads().All() {
		id := et.ID()
		table.Append([]string{
			topo.ToAPI(id).String(),
			fmt.Sprintf("%d", id.Tile),
			et.State().String(),
			fmt.Sprintf("%d", et.LastCounter()),
			fmt.Sprintf("%t", et.IsReportedAsStopped()),
			handle(et.MemoryHandle()),
		})
	}
	table.Render()
	return nil
}

func handle(h gpu.MemoryHandle) string {
	if h == gpu.InvalidHandle {
		return "-"
	}
	return fmt.Sprintf("%d", h)
}

func threadTree(all []*euthread.EuThread) string {
	tree := treeprint.New()
	branches := map[string]treeprint.Tree{}
	branch := func(parent treeprint.Tree, key, name string) treeprint.Tree {
		if b, ok := branches[key]; ok {
			return b
		}
		b := parent.AddBranch(name)
		branches[key] = b
		return b
	}
	for _, et := range all {
		id := et.ID()
		tile := branch(tree, fmt.Sprintf("%d", id.Tile), fmt.Sprintf("tile %d", id.Tile))
		slice := branch(tile, fmt.Sprintf("%d.%d", id.Tile, id.Slice), fmt.Sprintf("slice %d", id.Slice))
		subslice := branch(slice, fmt.Sprintf("%d.%d.%d", id.Tile, id.Slice, id.Subslice), fmt.Sprintf("subslice %d", id.Subslice))
		eu := branch(subslice, fmt.Sprintf("%d.%d.%d.%d", id.Tile, id.Slice, id.Subslice, id.EU), fmt.Sprintf("eu %d", id.EU))
		eu.AddNode(fmt.Sprintf("thread %d: %s", id.Thread, et.State()))
	}
	return tree.String()
}
