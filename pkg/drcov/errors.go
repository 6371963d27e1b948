package drcov

import "fmt"

// FormatError indicates the trace file does not follow the drcov layout
// (missing section marker or unparsable record header). It is fatal: no
// partial trace is returned alongside it.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed drcov trace: %s", e.Reason)
}

// ModuleNotFoundError indicates no module-table entry matched the
// requested path pattern.
type ModuleNotFoundError struct {
	Pattern string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module matching %q not found in module table", e.Pattern)
}
