package harness

import (
	"fmt"
	"sort"
	"strings"
)

// ExpectationError describes one failed expectation with the trace for
// context.
type ExpectationError struct {
	Field    string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *ExpectationError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Expectation failed: %s\n", e.Field)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] tick=%d %s", i+1, ev.Tick, ev.Kind)
		if ev.ID != "" {
			fmt.Fprintf(&buf, " id=%s", ev.ID)
		}
		if ev.Peer != "" {
			fmt.Fprintf(&buf, " peer=%s", ev.Peer)
		}
		if ev.Status != "" {
			fmt.Fprintf(&buf, " status=%s", ev.Status)
		}
		if ev.ErrorKind != "" {
			fmt.Fprintf(&buf, " error=%s: %s", ev.ErrorKind, ev.Cause)
		}
		buf.WriteByte('\n')
	}

	return buf.String()
}

// checkExpect compares result against exp and records every mismatch.
func checkExpect(exp Expect, result *Result) {
	fail := func(field, expected, actual string) {
		err := &ExpectationError{Field: field, Expected: expected, Actual: actual, Trace: result.Trace}
		result.AddError(err.Error())
	}

	if result.Status != exp.Status {
		fail("status", exp.Status, result.Status)
	}
	if result.Counterpart != exp.Counterpart {
		fail("counterpart", quoteOrNone(exp.Counterpart), quoteOrNone(result.Counterpart))
	}

	// Sorted for stable error output.
	kinds := make([]string, 0, len(exp.Counts))
	for kind := range exp.Counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		want := exp.Counts[kind]
		if got := result.Count(kind); got != want {
			fail("counts."+kind, fmt.Sprintf("%d", want), fmt.Sprintf("%d", got))
		}
	}
}

func quoteOrNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return fmt.Sprintf("%q", s)
}
