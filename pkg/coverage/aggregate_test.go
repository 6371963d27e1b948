package coverage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/covtools/covtrace/pkg/drcov"
)

func TestAggregateFiltersAndDeduplicates(t *testing.T) {
	target := &drcov.Module{ID: 1, Size: 0x1000}
	records := []drcov.BasicBlockRecord{
		{ModuleID: 1, Offset: 0x100, Size: 0x10},
		{ModuleID: 2, Offset: 0x500, Size: 0x40}, // other module, dropped
		{ModuleID: 1, Offset: 0x100, Size: 0x10}, // repeated block
		{ModuleID: 1, Offset: 0x108, Size: 0x10}, // overlaps the first
	}

	agg := Aggregate(records, target)

	require.Len(t, agg.Records, 3)
	require.Equal(t, 24, agg.Covered.Len())
	require.InDelta(t, 100*24.0/0x1000, agg.CoverageOfTotal(target), 1e-9)
}

func TestAggregateStats(t *testing.T) {
	target := &drcov.Module{ID: 0, Size: 0x1000}
	records := []drcov.BasicBlockRecord{
		{ModuleID: 0, Offset: 0x300, Size: 6},
		{ModuleID: 0, Offset: 0x100, Size: 2},
		{ModuleID: 0, Offset: 0x200, Size: 4},
	}

	agg := Aggregate(records, target)

	require.Equal(t, Stats{
		Blocks:        3,
		BytesCovered:  12,
		MinOffset:     0x100,
		MaxOffset:     0x300,
		MinBlockSize:  2,
		MaxBlockSize:  6,
		MeanBlockSize: 4,
	}, agg.Stats)
}

func TestAggregateEmpty(t *testing.T) {
	target := &drcov.Module{ID: 7, Size: 0x1000}

	agg := Aggregate(nil, target)

	require.Empty(t, agg.Records)
	require.Zero(t, agg.Covered.Len())
	require.Zero(t, agg.Stats.Blocks)
	require.Zero(t, agg.CoverageOfTotal(target))
	require.Zero(t, agg.CoverageOfCode(0))
}
