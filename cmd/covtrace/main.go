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
)

var cfg struct {
	verbose bool
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Binary coverage analysis for drcov instrumentation traces.").UsageWriter(os.Stdout)
	app.Version(version.Print("covtrace"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)

	analyzeCmd := app.Command("analyze", "Analyze a drcov trace against the library under test.").Default()
	analyzeParams := addAnalyzeParams(analyzeCmd)

	exportsCmd := app.Command("exports", "List the exported functions of a library image.")
	exportsParams := addExportsParams(exportsCmd)

	callsCmd := app.Command("calls", "Summarize a dynamic-hook call-count report.")
	callsParams := addCallsParams(callsCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	switch parsedCmd {
	case analyzeCmd.FullCommand():
		os.Exit(checkError(analyze(ctx, analyzeParams)))
	case exportsCmd.FullCommand():
		os.Exit(checkError(listExports(ctx, exportsParams)))
	case callsCmd.FullCommand():
		os.Exit(checkError(summarizeCalls(ctx, callsParams)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		os.Exit(1)
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
