package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/gpudebug/pkg/sip"
)

func headerDump(ctx context.Context, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	hdr, err := sip.Decode(b)
	if err != nil {
		return errors.Wrapf(err, "decoding %s", file)
	}
	out := output(ctx)
	g := hdr.Geometry()
	fmt.Fprintln(out, "file:", file)
	fmt.Fprintln(out, "\t version:", hdr.Version)
	fmt.Fprintln(out, "\t header size:", humanize.IBytes(hdr.Bytes()))
	fmt.Fprintf(out, "\t geometry: %d slices, %d subslices, %d EUs, %d threads\n",
		g.NumSlices, g.NumSubslicesPerSlice, g.NumEusPerSubslice, g.NumThreadsPerEu)
	fmt.Fprintln(out, "\t thread slot:", humanize.IBytes(uint64(g.StateSaveSize)))
	fmt.Fprintln(out, "\t state save area:", humanize.IBytes(hdr.StateSaveAreaSize()))
	if off, ok := hdr.FifoIndicesOffset(); ok {
		fmt.Fprintf(out, "\t attention fifo: offset %#x\n", off)
	}
	fmt.Fprintf(out, "\t sip flags: %#x (heapless: %t)\n", hdr.SIPFlags(), hdr.Heapless())

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Register set", "Access", "Count", "Bits", "Bytes", "Size"})
	for _, p := range hdr.Properties() {
		table.Append([]string{
			p.Type.String(),
			access(p.Flags),
			fmt.Sprintf("%d", p.Count),
			fmt.Sprintf("%d", p.Bits),
			fmt.Sprintf("%d", p.Bytes),
			humanize.IBytes(uint64(p.Count) * uint64(p.Bytes)),
		})
	}
	table.Render()
	return nil
}

func access(f sip.RegsetFlags) string {
	switch {
	case f&sip.FlagWritable != 0:
		return "rw"
	case f&sip.FlagReadable != 0:
		return "r"
	default:
		return "-"
	}
}

type headerGenParams struct {
	output   string
	major    uint8
	flags    uint32
	geometry sip.Geometry
}

func addHeaderGenParams(cmd *kingpin.CmdClause) *headerGenParams {
	p := &headerGenParams{}
	cmd.Arg("file", "Where to write the header blob.").Required().StringVar(&p.output)
	cmd.Flag("major", "Major version of the SIP state save area.").Default("3").Uint8Var(&p.major)
	cmd.Flag("sip-flags", "SIP flags of version 3 headers.").Default("0").Uint32Var(&p.flags)
	cmd.Flag("slices", "Slices per tile.").Default("1").Uint32Var(&p.geometry.NumSlices)
	cmd.Flag("subslices", "Subslices per slice.").Default("1").Uint32Var(&p.geometry.NumSubslicesPerSlice)
	cmd.Flag("eus", "EUs per subslice.").Default("8").Uint32Var(&p.geometry.NumEusPerSubslice)
	cmd.Flag("threads", "Threads per EU.").Default("8").Uint32Var(&p.geometry.NumThreadsPerEu)
	return p
}

func headerGen(ctx context.Context, p *headerGenParams) error {
	hdr, err := sip.NewHeader(sip.Version{Major: p.major}, p.geometry, p.flags)
	if err != nil {
		return err
	}
	b := hdr.Encode()
	if err := os.WriteFile(p.output, b, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(output(ctx), "wrote %s version %s header to %s\n", humanize.IBytes(uint64(len(b))), hdr.Version, p.output)
	return nil
}
