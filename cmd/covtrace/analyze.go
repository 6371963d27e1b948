package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/covtools/covtrace/pkg/coverage"
	"github.com/covtools/covtrace/pkg/peinspect"
)

// defaultTracePath is where the CI instrumentation job drops the drcov log.
const defaultTracePath = "drcov_artifacts/drcov_logs/drcov.coverage_test_driver.exe.06320.0000.proc.log"

type analyzeParams struct {
	tracePath      string
	imagePath      string
	target         string
	exports        []string
	hitWindow      uint32
	tailAllowance  uint32
	topGaps        int
	objdumpPath    string
	objdumpTimeout time.Duration
}

func addAnalyzeParams(cmd *kingpin.CmdClause) *analyzeParams {
	params := new(analyzeParams)
	cmd.Arg("trace", "Path to the drcov trace file.").
		Default(defaultTracePath).StringVar(&params.tracePath)
	cmd.Flag("image", "Local path to the library image for section/export inspection. Use when the trace embeds paths that are not resolvable on this machine.").
		StringVar(&params.imagePath)
	cmd.Flag("target", "File name pattern identifying the module under test in the trace's module table.").
		Default("target.dll").StringVar(&params.target)
	cmd.Flag("export", "Expected export name; repeat to override the built-in list.").
		StringsVar(&params.exports)
	cmd.Flag("hit-window", "Proximity in bytes within which a recorded block start counts an export as hit.").
		Default("256").Uint32Var(&params.hitWindow)
	cmd.Flag("tail-allowance", "Bytes added past the last export's entry address to cover its body.").
		Default("512").Uint32Var(&params.tailAllowance)
	cmd.Flag("top-gaps", "Number of largest uncovered ranges to report.").
		Default("10").IntVar(&params.topGaps)
	cmd.Flag("objdump", "objdump binary used for image inspection.").
		Default(peinspect.DefaultObjdumpPath).StringVar(&params.objdumpPath)
	cmd.Flag("objdump-timeout", "Timeout for each objdump invocation.").
		Default("30s").DurationVar(&params.objdumpTimeout)
	return params
}

func analyze(ctx context.Context, params *analyzeParams) error {
	expected := params.exports
	if len(expected) == 0 {
		expected = defaultExports
	}

	inspector := peinspect.NewClient(logger,
		peinspect.WithObjdumpPath(params.objdumpPath),
		peinspect.WithTimeout(params.objdumpTimeout),
	)

	analyzer, err := coverage.New(logger, coverage.Config{
		TargetPattern:   params.target,
		ImagePath:       params.imagePath,
		ExpectedExports: expected,
		HitWindow:       params.hitWindow,
		TailAllowance:   params.tailAllowance,
		TopGaps:         params.topGaps,
	}, prometheus.NewRegistry(), inspector)
	if err != nil {
		return err
	}

	report, err := analyzer.AnalyzeFile(ctx, params.tracePath)
	if err != nil {
		return err
	}
	report.Render(output(ctx))
	return nil
}
