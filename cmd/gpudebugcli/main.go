package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/gpudebug/pkg/gpu"
)

var cfg struct {
	verbose    bool
	configFile string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	ctx := withOutput(context.Background(), os.Stdout)
	gpu.RegisterDefaultFamilies()

	app := kingpin.New(filepath.Base(os.Args[0]), "Drive GPU debug sessions against a simulated Intel GPU.").UsageWriter(os.Stdout)
	app.Version(version.Print("gpudebugcli"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("config", "YAML file with the simulator and session configuration.").StringVar(&cfg.configFile)

	simulateCmd := app.Command("simulate", "Interrupt the threads of a simulated device, print their events and resume them.")
	simulateParams := addSimulateParams(simulateCmd)

	threadsCmd := app.Command("threads", "Print the thread table of a simulated device.")
	threadsParams := addThreadsParams(threadsCmd)

	headerCmd := app.Command("header", "Operate on state save area header blobs.")
	headerDumpCmd := headerCmd.Command("dump", "Decode a header blob and print its geometry and register sets.")
	headerDumpFiles := headerDumpCmd.Arg("file", "header blob path").Required().ExistingFiles()
	headerGenCmd := headerCmd.Command("gen", "Write a synthetic header blob.")
	headerGenParams := addHeaderGenParams(headerGenCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	switch parsedCmd {
	case simulateCmd.FullCommand():
		os.Exit(checkError(simulate(ctx, simulateParams)))
	case threadsCmd.FullCommand():
		os.Exit(checkError(threads(ctx, threadsParams)))
	case headerDumpCmd.FullCommand():
		for _, file := range *headerDumpFiles {
			if err := headerDump(ctx, file); err != nil {
				os.Exit(checkError(err))
			}
		}
	case headerGenCmd.FullCommand():
		os.Exit(checkError(headerGen(ctx, headerGenParams)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
