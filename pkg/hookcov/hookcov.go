// Package hookcov reads the JSON call-count reports written by the dynamic
// instrumentation tracer that hooks the library's exported functions at
// runtime. Call counts are a complementary, lower-fidelity coverage signal;
// they are displayed alongside trace-based coverage but never merged into it.
package hookcov

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// Function is one hooked export's call record.
type Function struct {
	Count     int   `json:"count"`
	FirstCall int64 `json:"first_call"`
}

// Report mirrors the tracer's JSON output.
type Report struct {
	Tool            string              `json:"tool"`
	Timestamp       string              `json:"timestamp"`
	Platform        string              `json:"platform"`
	FunctionsCalled map[string]Function `json:"functions_called"`
	TotalCalls      int                 `json:"total_calls"`
	BasicBlocks     int                 `json:"basic_blocks"`
	UniqueFunctions int                 `json:"unique_functions"`
}

// ReadFile loads a call-count report from disk.
func ReadFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading call report")
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decoding call report")
	}
	return &r, nil
}

// Call pairs a function name with its call count, for ranked display.
type Call struct {
	Name  string
	Count int
}

// Top returns up to n functions by descending call count, ties broken by
// name so output is stable.
func (r *Report) Top(n int) []Call {
	calls := make([]Call, 0, len(r.FunctionsCalled))
	for name, fn := range r.FunctionsCalled {
		calls = append(calls, Call{Name: name, Count: fn.Count})
	}
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].Count != calls[j].Count {
			return calls[i].Count > calls[j].Count
		}
		return calls[i].Name < calls[j].Name
	})
	if n >= 0 && len(calls) > n {
		calls = calls[:n]
	}
	return calls
}

// Called reports whether the named function was observed at least once.
func (r *Report) Called(name string) bool {
	fn, ok := r.FunctionsCalled[name]
	return ok && fn.Count > 0
}
