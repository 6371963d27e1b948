package coverage

import (
	"github.com/samber/lo"

	"github.com/covtools/covtrace/pkg/drcov"
)

// Stats summarizes the shape of a module's covered blocks. Useful for
// regression diffing between instrumentation runs.
type Stats struct {
	Blocks        int
	BytesCovered  int
	MinOffset     uint32
	MaxOffset     uint32
	MinBlockSize  uint16
	MaxBlockSize  uint16
	MeanBlockSize float64
}

// Aggregation is the byte-level coverage of a single module: the records
// that belong to it and the deduplicated set of covered byte offsets.
type Aggregation struct {
	Records []drcov.BasicBlockRecord
	Covered *ByteSet
	Stats   Stats
}

// Aggregate filters records down to the target module and expands each
// surviving block into its constituent byte offsets.
func Aggregate(records []drcov.BasicBlockRecord, target *drcov.Module) *Aggregation {
	agg := &Aggregation{Covered: NewByteSet()}

	for _, rec := range records {
		if int(rec.ModuleID) != target.ID {
			continue
		}
		agg.Records = append(agg.Records, rec)
		agg.Covered.AddBlock(rec.Offset, rec.Size)
	}

	agg.Stats = blockStats(agg.Records, agg.Covered)
	return agg
}

// CoverageOfTotal is the covered share of the whole module image, in percent.
func (a *Aggregation) CoverageOfTotal(target *drcov.Module) float64 {
	if target.Size == 0 {
		return 0
	}
	return 100 * float64(a.Covered.Len()) / float64(target.Size)
}

// CoverageOfCode is the covered share of the executable section, in percent.
func (a *Aggregation) CoverageOfCode(codeSectionSize uint64) float64 {
	if codeSectionSize == 0 {
		return 0
	}
	return 100 * float64(a.Covered.Len()) / float64(codeSectionSize)
}

func blockStats(records []drcov.BasicBlockRecord, covered *ByteSet) Stats {
	stats := Stats{
		Blocks:       len(records),
		BytesCovered: covered.Len(),
	}
	if len(records) == 0 {
		return stats
	}

	offsets := lo.Map(records, func(r drcov.BasicBlockRecord, _ int) uint32 { return r.Offset })
	sizes := lo.Map(records, func(r drcov.BasicBlockRecord, _ int) uint16 { return r.Size })

	stats.MinOffset = lo.Min(offsets)
	stats.MaxOffset = lo.Max(offsets)
	stats.MinBlockSize = lo.Min(sizes)
	stats.MaxBlockSize = lo.Max(sizes)
	stats.MeanBlockSize = float64(lo.SumBy(sizes, func(s uint16) int { return int(s) })) / float64(len(records))
	return stats
}
