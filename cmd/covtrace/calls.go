package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/covtools/covtrace/pkg/hookcov"
)

type callsParams struct {
	reportPath string
	top        int
}

func addCallsParams(cmd *kingpin.CmdClause) *callsParams {
	params := new(callsParams)
	cmd.Arg("report", "Path to the dynamic-hook JSON call-count report.").
		Required().StringVar(&params.reportPath)
	cmd.Flag("top", "Number of most-called functions to list; -1 for all.").
		Default("-1").IntVar(&params.top)
	return params
}

func summarizeCalls(ctx context.Context, params *callsParams) error {
	report, err := hookcov.ReadFile(params.reportPath)
	if err != nil {
		return err
	}

	w := output(ctx)
	fmt.Fprintf(w, "Tool: %s (%s), recorded %s\n", report.Tool, report.Platform, report.Timestamp)
	fmt.Fprintf(w, "Total calls: %d across %d unique functions\n", report.TotalCalls, report.UniqueFunctions)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Calls", "Function"})
	table.SetBorder(false)
	for _, call := range report.Top(params.top) {
		table.Append([]string{strconv.Itoa(call.Count), call.Name})
	}
	table.Render()
	return nil
}
