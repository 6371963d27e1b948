package coverage

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/covtools/covtrace/pkg/drcov"
	"github.com/covtools/covtrace/pkg/peinspect"
)

// Report is the terminal artifact of one analysis run. It holds only values
// derived by the earlier pipeline stages; rendering performs no computation.
type Report struct {
	Module drcov.Module

	// TraceBlocks is the whole-trace record count; TargetBlocks counts
	// only blocks attributed to the target module.
	TraceBlocks  int
	TargetBlocks int
	BytesCovered int

	CoverageOfTotal float64
	CodeSection     peinspect.Section
	CoverageOfCode  float64

	// Degraded marks that section or export inspection was unavailable
	// and fallback values are in use.
	Degraded bool

	Stats       Stats
	Correlation *Correlation
}

// Render writes the human-readable report.
func (r *Report) Render(w io.Writer) {
	fmt.Fprintf(w, "=== %s coverage ===\n", r.Module.Path)
	fmt.Fprintf(w, "Module #%d at %s-%s (%s bytes)\n",
		r.Module.ID, fmtHex(r.Module.Start), fmtHex(r.Module.End), humanize.Comma(int64(r.Module.Size)))
	if r.Degraded {
		fmt.Fprintln(w, color.YellowString("DEGRADED: image inspection unavailable, using fallback section/export data"))
	}
	fmt.Fprintf(w, "Basic blocks in trace: %s (target module: %s)\n",
		humanize.Comma(int64(r.TraceBlocks)), humanize.Comma(int64(r.TargetBlocks)))
	fmt.Fprintf(w, "Bytes covered: %s\n", humanize.Comma(int64(r.BytesCovered)))
	fmt.Fprintf(w, "Code section: VMA=%s size=%s bytes\n",
		fmtHex(r.CodeSection.VMA), humanize.Comma(int64(r.CodeSection.Size)))
	fmt.Fprintf(w, "Coverage of total module: %.1f%%\n", r.CoverageOfTotal)
	fmt.Fprintf(w, "Coverage of code section: %.1f%%\n", r.CoverageOfCode)

	if r.TargetBlocks > 0 {
		fmt.Fprintf(w, "Covered offsets: %s-%s, block sizes %d-%d bytes (mean %.1f)\n",
			fmtHex32(r.Stats.MinOffset), fmtHex32(r.Stats.MaxOffset),
			r.Stats.MinBlockSize, r.Stats.MaxBlockSize, r.Stats.MeanBlockSize)
	}

	if r.Correlation != nil {
		r.renderCorrelation(w)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Application code coverage counts exported functions only,")
	fmt.Fprintln(w, "excluding runtime and startup code.")
}

func (r *Report) renderCorrelation(w io.Writer) {
	c := r.Correlation

	fmt.Fprintf(w, "\n=== Export function coverage ===\n")
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Status", "Function", "RVA"})
	table.SetBorder(false)
	for _, e := range c.Exports {
		rva := ""
		if e.Status != StatusNotFound {
			rva = fmtHex32(e.RVA)
		}
		table.Append([]string{statusCell(e.Status), e.Name, rva})
	}
	table.Render()
	fmt.Fprintf(w, "Exports hit: %d/%d (%.1f%%), not found: %d\n",
		c.Hit, len(c.Exports), c.ExportCoverage(), c.NotFound)

	if c.Window.Size() == 0 {
		fmt.Fprintln(w, "No export table available; application code coverage: 0.0%")
		return
	}

	fmt.Fprintf(w, "\n=== Application code coverage (exports only) ===\n")
	fmt.Fprintf(w, "Export window: %s-%s (%s bytes)\n",
		fmtHex32(c.Window.Start), fmtHex32(c.Window.End), humanize.Comma(int64(c.Window.Size())))
	fmt.Fprintf(w, "Bytes covered in window: %s (%.1f%%)\n",
		humanize.Comma(int64(c.AppBytesCovered)), c.AppCoverage)

	if len(c.Gaps) > 0 {
		fmt.Fprintf(w, "\n=== Largest coverage gaps ===\n")
		fmt.Fprintf(w, "Total gaps: %d (%s uncovered bytes)\n",
			c.TotalGaps, humanize.Comma(int64(c.UncoveredBytes)))
		table = tablewriter.NewWriter(w)
		table.SetHeader([]string{"#", "Range", "Bytes", "Function"})
		table.SetBorder(false)
		for i, g := range c.Gaps {
			table.Append([]string{
				strconv.Itoa(i + 1),
				fmt.Sprintf("%s-%s", fmtHex32(g.Start), fmtHex32(g.End)),
				humanize.Comma(int64(g.Length)),
				g.Function,
			})
		}
		table.Render()
	}
}

func statusCell(s ExportStatus) string {
	switch s {
	case StatusHit:
		return color.GreenString("HIT")
	case StatusMiss:
		return color.RedString("MISS")
	default:
		return color.YellowString("NOT FOUND")
	}
}

func fmtHex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func fmtHex32(v uint32) string {
	return fmtHex(uint64(v))
}
