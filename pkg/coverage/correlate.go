package coverage

import "sort"

const (
	// DefaultHitWindow is how close (in bytes, strict) a recorded block
	// start must be to an export's RVA to count the export as hit. Exact
	// matching under-counts: the entry block the trace records first is
	// not always the block at the export address when the prologue is
	// split or blocks are coalesced.
	DefaultHitWindow = 0x100

	// DefaultTailAllowance extends the application-code window past the
	// last export's entry address to cover that function's body.
	DefaultTailAllowance = 0x200

	// DefaultTopGaps is how many of the largest uncovered ranges the
	// correlation reports.
	DefaultTopGaps = 10
)

// ExportStatus classifies one expected export after correlation.
type ExportStatus int

const (
	// StatusHit means a recorded block starts within the hit window of
	// the export's address.
	StatusHit ExportStatus = iota
	// StatusMiss means the export is present in the export table but no
	// recorded block starts near it.
	StatusMiss
	// StatusNotFound means the export table has no entry for the name at
	// all, which is a different signal than an unexercised function.
	StatusNotFound
)

func (s ExportStatus) String() string {
	switch s {
	case StatusHit:
		return "hit"
	case StatusMiss:
		return "not hit"
	case StatusNotFound:
		return "not found"
	}
	return "unknown"
}

// ExportResult is the correlation verdict for one expected export.
type ExportResult struct {
	Name   string
	RVA    uint32
	Status ExportStatus
}

// Gap is a maximal run of consecutive uncovered byte offsets within the
// application-code window. Start and End are inclusive.
type Gap struct {
	Start    uint32
	End      uint32
	Length   uint32
	Function string
}

// Window is the half-open [Start, End) module-relative address range the
// exports span, approximating "application code" as opposed to runtime and
// startup code.
type Window struct {
	Start uint32
	End   uint32
}

func (w Window) Size() uint32 { return w.End - w.Start }

// Correlation maps an export table onto a module's covered byte set.
type Correlation struct {
	Exports  []ExportResult
	Hit      int
	Missed   int
	NotFound int

	Window          Window
	AppBytesCovered int
	AppCoverage     float64

	// Gaps holds the top-N uncovered ranges by length; TotalGaps and
	// UncoveredBytes describe the full gap population.
	Gaps           []Gap
	TotalGaps      int
	UncoveredBytes int
}

// ExportCoverage is the hit share of the expected export list, in percent.
func (c *Correlation) ExportCoverage() float64 {
	if len(c.Exports) == 0 {
		return 0
	}
	return 100 * float64(c.Hit) / float64(len(c.Exports))
}

// Correlator applies the hit rule and gap analysis with tunable thresholds.
// The zero value is not usable; construct with NewCorrelator.
type Correlator struct {
	opt correlatorOptions
}

type correlatorOptions struct {
	hitWindow     uint32
	tailAllowance uint32
	topGaps       int
}

// CorrelatorOption overrides one of the correlation thresholds.
type CorrelatorOption func(*correlatorOptions)

// WithHitWindow overrides the export hit proximity threshold.
func WithHitWindow(bytes uint32) CorrelatorOption {
	return func(o *correlatorOptions) {
		o.hitWindow = bytes
	}
}

// WithTailAllowance overrides the window extension past the last export.
func WithTailAllowance(bytes uint32) CorrelatorOption {
	return func(o *correlatorOptions) {
		o.tailAllowance = bytes
	}
}

// WithTopGaps overrides how many ranked gaps are retained.
func WithTopGaps(n int) CorrelatorOption {
	return func(o *correlatorOptions) {
		o.topGaps = n
	}
}

func NewCorrelator(opts ...CorrelatorOption) *Correlator {
	c := &Correlator{opt: correlatorOptions{
		hitWindow:     DefaultHitWindow,
		tailAllowance: DefaultTailAllowance,
		topGaps:       DefaultTopGaps,
	}}
	for _, o := range opts {
		o(&c.opt)
	}
	return c
}

// Correlate resolves each expected export against the recorded blocks and
// computes the ranked gap list within the export window. An empty export
// table yields zero application coverage and no gaps; it is not an error.
func (c *Correlator) Correlate(expected []string, exports map[string]uint32, agg *Aggregation) *Correlation {
	res := &Correlation{}

	for _, name := range expected {
		rva, ok := exports[name]
		if !ok {
			res.Exports = append(res.Exports, ExportResult{Name: name, Status: StatusNotFound})
			res.NotFound++
			continue
		}
		status := StatusMiss
		for _, rec := range agg.Records {
			if within(rec.Offset, rva, c.opt.hitWindow) {
				status = StatusHit
				break
			}
		}
		res.Exports = append(res.Exports, ExportResult{Name: name, RVA: rva, Status: status})
		if status == StatusHit {
			res.Hit++
		} else {
			res.Missed++
		}
	}

	if len(exports) == 0 {
		return res
	}

	res.Window = exportWindow(exports, c.opt.tailAllowance)
	for off := res.Window.Start; off < res.Window.End; off++ {
		if agg.Covered.Contains(off) {
			res.AppBytesCovered++
		}
	}
	if res.Window.Size() > 0 {
		res.AppCoverage = 100 * float64(res.AppBytesCovered) / float64(res.Window.Size())
	}

	gaps := collectGaps(res.Window, agg.Covered)
	res.TotalGaps = len(gaps)
	for _, g := range gaps {
		res.UncoveredBytes += int(g.Length)
	}

	sort.SliceStable(gaps, func(i, j int) bool { return gaps[i].Length > gaps[j].Length })
	if len(gaps) > c.opt.topGaps {
		gaps = gaps[:c.opt.topGaps]
	}
	attributeGaps(gaps, exports)
	res.Gaps = gaps

	return res
}

// within reports whether |a-b| < window without underflowing.
func within(a, b, window uint32) bool {
	if a > b {
		a, b = b, a
	}
	return b-a < window
}

func exportWindow(exports map[string]uint32, tailAllowance uint32) Window {
	var w Window
	first := true
	for _, rva := range exports {
		if first {
			w = Window{Start: rva, End: rva}
			first = false
			continue
		}
		if rva < w.Start {
			w.Start = rva
		}
		if rva > w.End {
			w.End = rva
		}
	}
	w.End += tailAllowance
	return w
}

// collectGaps merges consecutive uncovered offsets inside the window into
// maximal inclusive ranges, in ascending address order.
func collectGaps(w Window, covered *ByteSet) []Gap {
	var (
		gaps []Gap
		open bool
		gap  Gap
	)
	for off := w.Start; off < w.End; off++ {
		if covered.Contains(off) {
			if open {
				gaps = append(gaps, gap)
				open = false
			}
			continue
		}
		if !open {
			gap = Gap{Start: off, End: off}
			open = true
		} else {
			gap.End = off
		}
		gap.Length = gap.End - gap.Start + 1
	}
	if open {
		gaps = append(gaps, gap)
	}
	return gaps
}

// attributeGaps names the export containing each gap: the highest-address
// export at or below the gap start. Gaps before the first export stay
// unattributed.
func attributeGaps(gaps []Gap, exports map[string]uint32) {
	type export struct {
		name string
		rva  uint32
	}
	sorted := make([]export, 0, len(exports))
	for name, rva := range exports {
		sorted = append(sorted, export{name, rva})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].rva < sorted[j].rva })

	for i := range gaps {
		gaps[i].Function = "unknown"
		// First export with rva > gap start; its predecessor contains the gap.
		idx := sort.Search(len(sorted), func(k int) bool { return sorted[k].rva > gaps[i].Start })
		if idx > 0 {
			gaps[i].Function = sorted[idx-1].name
		}
	}
}
