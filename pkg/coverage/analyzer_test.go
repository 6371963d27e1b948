package coverage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/covtools/covtrace/pkg/drcov"
	"github.com/covtools/covtrace/pkg/peinspect"
)

type fakeInspector struct {
	section    peinspect.Section
	sectionErr error
	exports    map[string]uint32
	exportsErr error
}

func (f *fakeInspector) TextSection(context.Context, string) (peinspect.Section, error) {
	return f.section, f.sectionErr
}

func (f *fakeInspector) Exports(context.Context, string) (map[string]uint32, error) {
	return f.exports, f.exportsErr
}

func traceBytes(rows []string, records []drcov.BasicBlockRecord) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Module Table: version 2, count %d\n", len(rows))
	for _, row := range rows {
		buf.WriteString(row + "\n")
	}
	fmt.Fprintf(&buf, "BB Table: %d bbs\n", len(records))
	for _, r := range records {
		var b [8]byte
		binary.LittleEndian.PutUint32(b[0:], r.Offset)
		binary.LittleEndian.PutUint16(b[4:], r.Size)
		binary.LittleEndian.PutUint16(b[6:], r.ModuleID)
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func testConfig() Config {
	return Config{
		TargetPattern:   "target.dll",
		ExpectedExports: []string{"Aud_InitDll"},
		HitWindow:       DefaultHitWindow,
		TailAllowance:   DefaultTailAllowance,
		TopGaps:         DefaultTopGaps,
	}
}

func TestAnalyzeEndToEnd(t *testing.T) {
	data := traceBytes(
		[]string{`0, 0, 0x10000000, 0x10020000, 0x0, 0x0, 0x0, 0x0, 0x0, C:\app\target.dll`},
		[]drcov.BasicBlockRecord{{ModuleID: 0, Offset: 0x100, Size: 0x10}},
	)
	inspector := &fakeInspector{
		section: peinspect.Section{VMA: 0x1000, Size: 0x8000},
		exports: map[string]uint32{"Aud_InitDll": 0x100},
	}

	analyzer, err := New(log.NewNopLogger(), testConfig(), prometheus.NewRegistry(), inspector)
	require.NoError(t, err)

	report, err := analyzer.Analyze(context.Background(), data)
	require.NoError(t, err)

	require.Equal(t, 0, report.Module.ID)
	require.Equal(t, uint64(0x20000), report.Module.Size)
	require.Equal(t, 16, report.BytesCovered)
	require.InDelta(t, 100*16.0/0x20000, report.CoverageOfTotal, 1e-9)
	require.InDelta(t, 100*16.0/0x8000, report.CoverageOfCode, 1e-9)
	require.False(t, report.Degraded)

	require.Equal(t, 1, report.Correlation.Hit)
	require.Equal(t, StatusHit, report.Correlation.Exports[0].Status)
}

func TestAnalyzeMissingMarkerIsFatal(t *testing.T) {
	analyzer, err := New(log.NewNopLogger(), testConfig(), prometheus.NewRegistry(), &fakeInspector{})
	require.NoError(t, err)

	report, err := analyzer.Analyze(context.Background(), []byte("no marker here"))
	require.Nil(t, report)

	var formatErr *drcov.FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestAnalyzeTargetAbsentIsFatal(t *testing.T) {
	data := traceBytes(
		[]string{`0, 0, 0x77000000, 0x77100000, 0x0, 0x0, 0x0, 0x0, 0x0, C:\Windows\System32\ntdll.dll`},
		nil,
	)
	analyzer, err := New(log.NewNopLogger(), testConfig(), prometheus.NewRegistry(), &fakeInspector{})
	require.NoError(t, err)

	report, err := analyzer.Analyze(context.Background(), data)
	require.Nil(t, report)

	var notFound *drcov.ModuleNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestAnalyzeDegradesWhenInspectionFails(t *testing.T) {
	data := traceBytes(
		[]string{`0, 0, 0x10000000, 0x10020000, 0x0, 0x0, 0x0, 0x0, 0x0, C:\app\target.dll`},
		[]drcov.BasicBlockRecord{{ModuleID: 0, Offset: 0x100, Size: 0x10}},
	)
	inspector := &fakeInspector{
		sectionErr: errors.New("objdump: not found"),
		exportsErr: errors.New("objdump: not found"),
	}

	reg := prometheus.NewRegistry()
	analyzer, err := New(log.NewNopLogger(), testConfig(), reg, inspector)
	require.NoError(t, err)

	report, err := analyzer.Analyze(context.Background(), data)
	require.NoError(t, err)

	require.True(t, report.Degraded)
	require.Equal(t, uint64(DefaultCodeSectionSize), report.CodeSection.Size)
	require.Equal(t, StatusNotFound, report.Correlation.Exports[0].Status)

	require.Equal(t, 1.0, testutil.ToFloat64(analyzer.metrics.inspectFallbacks))
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.TargetPattern = ""
	_, err := New(log.NewNopLogger(), cfg, nil, nil)
	require.Error(t, err)

	cfg = testConfig()
	cfg.HitWindow = 0
	_, err = New(log.NewNopLogger(), cfg, nil, nil)
	require.Error(t, err)
}

func TestReportRender(t *testing.T) {
	data := traceBytes(
		[]string{`0, 0, 0x10000000, 0x10020000, 0x0, 0x0, 0x0, 0x0, 0x0, C:\app\target.dll`},
		[]drcov.BasicBlockRecord{{ModuleID: 0, Offset: 0x100, Size: 0x10}},
	)
	inspector := &fakeInspector{
		section: peinspect.Section{VMA: 0x1000, Size: 0x8000},
		exports: map[string]uint32{"Aud_InitDll": 0x100},
	}
	analyzer, err := New(log.NewNopLogger(), testConfig(), prometheus.NewRegistry(), inspector)
	require.NoError(t, err)

	report, err := analyzer.Analyze(context.Background(), data)
	require.NoError(t, err)

	var out bytes.Buffer
	report.Render(&out)

	require.Contains(t, out.String(), "target.dll")
	require.Contains(t, out.String(), "Aud_InitDll")
	require.Contains(t, out.String(), "Exports hit: 1/1")
}
