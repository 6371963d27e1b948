package drcov

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func encodeRecords(records []BasicBlockRecord) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		var b [recordSize]byte
		binary.LittleEndian.PutUint32(b[0:], r.Offset)
		binary.LittleEndian.PutUint16(b[4:], r.Size)
		binary.LittleEndian.PutUint16(b[6:], r.ModuleID)
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func buildTrace(rows []string, announced int, stream []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("DRCOV VERSION: 2\n")
	buf.WriteString("DRCOV FLAVOR: drcov\n")
	fmt.Fprintf(&buf, "Module Table: version 2, count %d\n", len(rows))
	buf.WriteString("Columns: id, containing_id, start, end, entry, offset, preferred_base, checksum, timestamp, path\n")
	for _, row := range rows {
		buf.WriteString(row + "\n")
	}
	fmt.Fprintf(&buf, "BB Table: %d bbs\n", announced)
	buf.Write(stream)
	return buf.Bytes()
}

func moduleRow(id int, start, end uint64, path string) string {
	return fmt.Sprintf("%d, 0, 0x%08x, 0x%08x, 0x0, 0x0, 0x0, 0x0, 0x0, %s", id, start, end, path)
}

func TestParseRoundTrip(t *testing.T) {
	records := []BasicBlockRecord{
		{ModuleID: 0, Offset: 0x100, Size: 0x10},
		{ModuleID: 1, Offset: 0xdeadbe, Size: 0xffff},
		{ModuleID: 0, Offset: 0x100, Size: 0x10}, // duplicates survive decoding
	}
	data := buildTrace([]string{
		moduleRow(0, 0x10000000, 0x10020000, `C:\app\target.dll`),
		moduleRow(1, 0x77000000, 0x77100000, `C:\Windows\System32\ntdll.dll`),
	}, len(records), encodeRecords(records))

	trace, err := Parse(log.NewNopLogger(), data)
	require.NoError(t, err)

	require.Len(t, trace.Modules, 2)
	require.Equal(t, Module{
		ID:    0,
		Start: 0x10000000,
		End:   0x10020000,
		Size:  0x20000,
		Path:  `C:\app\target.dll`,
	}, trace.Modules[0])

	require.Equal(t, len(records), trace.BlockCount)
	require.Equal(t, records, trace.Records)
}

func TestParseMissingMarker(t *testing.T) {
	data := []byte("Module Table: version 2, count 1\n" + moduleRow(0, 0, 0x1000, "a.dll") + "\n")

	trace, err := Parse(log.NewNopLogger(), data)
	require.Nil(t, trace)

	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestParseBadBlockCount(t *testing.T) {
	data := []byte("Module Table: version 2, count 0\nBB Table: some bbs\n")

	_, err := Parse(log.NewNopLogger(), data)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestParseTruncatedTail(t *testing.T) {
	records := []BasicBlockRecord{
		{ModuleID: 0, Offset: 0x100, Size: 8},
		{ModuleID: 0, Offset: 0x200, Size: 8},
	}
	stream := encodeRecords(records)
	// Announce three records but provide two and a half; the partial
	// record is dropped, not an error.
	stream = append(stream, 0xaa, 0xbb, 0xcc, 0xdd)
	data := buildTrace([]string{moduleRow(0, 0, 0x1000, "a.dll")}, 3, stream)

	trace, err := Parse(log.NewNopLogger(), data)
	require.NoError(t, err)
	require.Equal(t, 3, trace.BlockCount)
	require.Equal(t, records, trace.Records)
}

func TestParseCountBoundsTrailingBytes(t *testing.T) {
	records := []BasicBlockRecord{
		{ModuleID: 0, Offset: 0x100, Size: 8},
		{ModuleID: 0, Offset: 0x200, Size: 8},
	}
	// Announce one record; the second full record's bytes are trailing
	// garbage and must not be decoded.
	data := buildTrace([]string{moduleRow(0, 0, 0x1000, "a.dll")}, 1, encodeRecords(records))

	trace, err := Parse(log.NewNopLogger(), data)
	require.NoError(t, err)
	require.Equal(t, records[:1], trace.Records)
}

func TestParseSkipsMalformedRows(t *testing.T) {
	data := buildTrace([]string{
		"3, too, few, fields",
		"notanid, 0, 0x0, 0x1000, 0x0, 0x0, 0x0, 0x0, 0x0, a.dll",
		"1, 0, 0xzz, 0x1000, 0x0, 0x0, 0x0, 0x0, 0x0, b.dll",
		moduleRow(2, 0x1000, 0x2000, "c.dll"),
	}, 0, nil)

	trace, err := Parse(log.NewNopLogger(), data)
	require.NoError(t, err)
	require.Len(t, trace.Modules, 1)
	require.Equal(t, "c.dll", trace.Modules[0].Path)
}

func TestParseIgnoresDigitLinesOutsideModuleTable(t *testing.T) {
	var buf bytes.Buffer
	// A digit-prefixed line before the module table section must not be
	// mistaken for a module row.
	buf.WriteString("9, 0, 0x0, 0x1000, 0x0, 0x0, 0x0, 0x0, 0x0, impostor.dll\n")
	buf.WriteString("Module Table: version 2, count 1\n")
	buf.WriteString(moduleRow(0, 0x1000, 0x2000, "real.dll") + "\n")
	buf.WriteString("BB Table: 0 bbs\n")

	trace, err := Parse(log.NewNopLogger(), buf.Bytes())
	require.NoError(t, err)
	require.Len(t, trace.Modules, 1)
	require.Equal(t, "real.dll", trace.Modules[0].Path)
}

func TestFindModule(t *testing.T) {
	trace := &Trace{Modules: []Module{
		{ID: 0, Path: `C:\Windows\System32\ntdll.dll`},
		{ID: 1, Path: `C:\app\Target.DLL`},
		{ID: 2, Path: `C:\app\copy\target.dll`},
	}}

	mod, err := trace.FindModule("target.dll")
	require.NoError(t, err)
	require.Equal(t, 1, mod.ID) // first match wins, case-insensitively

	_, err = trace.FindModule("missing.dll")
	var notFound *ModuleNotFoundError
	require.ErrorAs(t, err, &notFound)
}
