// Package drcov decodes DynamoRIO drcov coverage traces.
//
// A trace is a text prologue (module table, basic-block count) followed by a
// binary stream of fixed-size basic-block records. Record offsets are relative
// to the owning module's load base, the same coordinate space as PE export
// RVAs, which is what makes the downstream correlation possible.
package drcov

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	moduleTableMarker = "Module Table:"
	bbTableMarker     = "BB Table:"

	// Each binary record is 8 bytes little-endian:
	// uint32 offset, uint16 size, uint16 module id.
	recordSize = 8

	// Module-table rows carry at least 10 comma-separated columns;
	// id, start, end and path sit at fixed positions.
	moduleRowMinFields = 10
	moduleRowID        = 0
	moduleRowStart     = 2
	moduleRowEnd       = 3
	moduleRowPath      = 9
)

// Module is one row of the trace's module table.
type Module struct {
	ID    int
	Start uint64
	End   uint64
	Size  uint64
	Path  string
}

// BasicBlockRecord is one executed basic block. Offset is relative to the
// owning module's load base. The same (ModuleID, Offset) pair may recur
// across a trace; deduplication is the aggregator's concern.
type BasicBlockRecord struct {
	ModuleID uint16
	Offset   uint32
	Size     uint16
}

// Trace is the decoded form of one drcov log file.
type Trace struct {
	Modules []Module
	// BlockCount is the record count announced by the BB table header.
	// len(Records) may be smaller if the binary stream was truncated.
	BlockCount int
	Records    []BasicBlockRecord
}

// Parse decodes a whole drcov trace held in memory.
//
// The prologue is parsed as a state machine over labeled sections: lines
// before "Module Table:" are ignored, lines between it and "BB Table:" are
// module rows. Malformed rows are skipped, never fatal. A missing
// "BB Table:" marker or unparsable record count yields a *FormatError.
func Parse(logger log.Logger, data []byte) (*Trace, error) {
	marker := bytes.Index(data, []byte(bbTableMarker))
	if marker < 0 {
		return nil, &FormatError{Reason: bbTableMarker + " marker not found"}
	}

	modules := parseModuleTable(logger, string(data[:marker]))

	header, stream := splitHeaderLine(data[marker:])
	blockCount, err := parseBlockCount(header)
	if err != nil {
		return nil, err
	}

	records := decodeRecords(stream, blockCount)
	if len(records) < blockCount {
		level.Warn(logger).Log(
			"msg", "trace truncated before announced record count",
			"announced", blockCount,
			"decoded", len(records),
		)
	}

	return &Trace{
		Modules:    modules,
		BlockCount: blockCount,
		Records:    records,
	}, nil
}

// FindModule returns the first module whose path contains pattern,
// case-insensitively. The module table is not expected to hold more than one
// match; if it does, later entries are ignored. Returns a
// *ModuleNotFoundError when nothing matches.
func (t *Trace) FindModule(pattern string) (*Module, error) {
	p := strings.ToLower(pattern)
	for i := range t.Modules {
		if strings.Contains(strings.ToLower(t.Modules[i].Path), p) {
			return &t.Modules[i], nil
		}
	}
	return nil, &ModuleNotFoundError{Pattern: pattern}
}

type prologueSection int

const (
	sectionPreamble prologueSection = iota
	sectionModuleTable
)

func parseModuleTable(logger log.Logger, prologue string) []Module {
	var (
		modules   []Module
		announced = -1
		section   = sectionPreamble
	)

	for _, line := range strings.Split(prologue, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, moduleTableMarker) {
			section = sectionModuleTable
			if _, after, ok := strings.Cut(line, "count"); ok {
				if n, err := strconv.Atoi(strings.TrimSpace(after)); err == nil {
					announced = n
				}
			}
			continue
		}
		if section != sectionModuleTable || line == "" {
			continue
		}
		// Rows start with the decimal module id; anything else in this
		// section (the "Columns:" legend, stray text) is not a row.
		if line[0] < '0' || line[0] > '9' {
			continue
		}

		mod, ok := parseModuleRow(line)
		if !ok {
			level.Debug(logger).Log("msg", "skipping malformed module row", "row", line)
			continue
		}
		modules = append(modules, mod)
	}

	if announced >= 0 && announced != len(modules) {
		level.Debug(logger).Log(
			"msg", "module table row count differs from announced count",
			"announced", announced,
			"parsed", len(modules),
		)
	}
	return modules
}

func parseModuleRow(line string) (Module, bool) {
	fields := strings.Split(line, ",")
	if len(fields) < moduleRowMinFields {
		return Module{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	id, err := strconv.Atoi(fields[moduleRowID])
	if err != nil {
		return Module{}, false
	}
	start, err := parseHex(fields[moduleRowStart])
	if err != nil {
		return Module{}, false
	}
	end, err := parseHex(fields[moduleRowEnd])
	if err != nil {
		return Module{}, false
	}

	return Module{
		ID:    id,
		Start: start,
		End:   end,
		Size:  end - start,
		Path:  fields[moduleRowPath],
	}, true
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

// splitHeaderLine separates the "BB Table: N bbs" line from the binary
// record stream that follows it.
func splitHeaderLine(rest []byte) (string, []byte) {
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return string(rest), nil
	}
	return string(rest[:nl]), rest[nl+1:]
}

// parseBlockCount extracts the record count from the BB table header line:
// the token immediately preceding the literal word "bbs".
func parseBlockCount(header string) (int, error) {
	tokens := strings.Fields(header)
	for i, tok := range tokens {
		if tok != "bbs" || i == 0 {
			continue
		}
		n, err := strconv.Atoi(tokens[i-1])
		if err != nil {
			return 0, &FormatError{Reason: "unparsable basic-block count " + strconv.Quote(tokens[i-1])}
		}
		return n, nil
	}
	return 0, &FormatError{Reason: "basic-block count not found in BB table header"}
}

func decodeRecords(stream []byte, blockCount int) []BasicBlockRecord {
	n := len(stream) / recordSize
	if n > blockCount {
		// The announced count bounds decoding so trailing garbage after
		// the record stream is never misread as records.
		n = blockCount
	}
	records := make([]BasicBlockRecord, 0, n)
	for off := 0; off+recordSize <= len(stream) && len(records) < blockCount; off += recordSize {
		records = append(records, BasicBlockRecord{
			Offset:   binary.LittleEndian.Uint32(stream[off:]),
			Size:     binary.LittleEndian.Uint16(stream[off+4:]),
			ModuleID: binary.LittleEndian.Uint16(stream[off+6:]),
		})
	}
	return records
}
