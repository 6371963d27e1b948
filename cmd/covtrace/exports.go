package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/covtools/covtrace/pkg/peinspect"
)

// defaultExports is the documented export surface of the library under
// test. Overridable per run with repeated --export flags.
var defaultExports = []string{
	"Aud_InitDll", "Aud_GetInterfaceVersion", "Aud_GetDllVersion",
	"Aud_OpenGetFile", "Aud_CloseGetFile", "Aud_GetNumberOfFiles",
	"Aud_GetNumberOfChannels", "Aud_FileExistsW",
	"Aud_OpenPutFile", "Aud_ClosePutFile", "Aud_PutNumberOfChannels", "Aud_MakeDirW",
	"Aud_GetChannelDataDoubles", "Aud_GetChannelDataOriginal",
	"Aud_PutChannelDataDoubles", "Aud_PutChannelDataOriginal",
	"Aud_GetFileProperties", "Aud_GetChannelProperties",
	"Aud_PutFileProperties", "Aud_PutChannelProperties",
	"Aud_GetFileHeaderOriginal", "Aud_PutFileHeaderOriginal",
	"Aud_GetString", "Aud_PutString",
	"Aud_TextFileAOpenW", "Aud_TextFileAClose", "Aud_ReadLineAInFile",
	"Aud_GetLastWarnings", "Aud_GetErrDescription",
}

type exportsParams struct {
	imagePath      string
	objdumpPath    string
	objdumpTimeout time.Duration
}

func addExportsParams(cmd *kingpin.CmdClause) *exportsParams {
	params := new(exportsParams)
	cmd.Arg("image", "Path to the library image.").Required().StringVar(&params.imagePath)
	cmd.Flag("objdump", "objdump binary used for image inspection.").
		Default(peinspect.DefaultObjdumpPath).StringVar(&params.objdumpPath)
	cmd.Flag("objdump-timeout", "Timeout for each objdump invocation.").
		Default("30s").DurationVar(&params.objdumpTimeout)
	return params
}

func listExports(ctx context.Context, params *exportsParams) error {
	client := peinspect.NewClient(logger,
		peinspect.WithObjdumpPath(params.objdumpPath),
		peinspect.WithTimeout(params.objdumpTimeout),
	)
	exports, err := client.Exports(ctx, params.imagePath)
	if err != nil {
		return err
	}

	type export struct {
		name string
		rva  uint32
	}
	sorted := make([]export, 0, len(exports))
	for name, rva := range exports {
		sorted = append(sorted, export{name, rva})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].rva < sorted[j].rva })

	w := output(ctx)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"RVA", "Function"})
	table.SetBorder(false)
	for _, e := range sorted {
		table.Append([]string{fmt.Sprintf("0x%x", e.rva), e.name})
	}
	table.Render()
	fmt.Fprintf(w, "%d exports\n", len(sorted))
	return nil
}
