package harness

import (
	"bytes"
	"fmt"
)

// Report is the outcome of one scenario run. It carries no run ids or
// timestamps, so two runs of the same scenario render identically.
type Report struct {
	Scenario string       `json:"scenario"`
	Steps    []StepReport `json:"steps"`
}

type StepReport struct {
	Index    int      `json:"index"`
	Action   string   `json:"action"`
	Detail   string   `json:"detail"`
	Notes    []string `json:"notes,omitempty"`
	Failures []string `json:"failures,omitempty"`
}

func (r *Report) Failures() int {
	n := 0
	for _, s := range r.Steps {
		n += len(s.Failures)
	}
	return n
}

func (r *Report) Passed() bool {
	return r.Failures() == 0
}

// Text renders the report one line per step, with notes and failures
// indented beneath it.
func (r *Report) Text() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "scenario: %s\n", r.Scenario)
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "%d. %s: %s\n", s.Index, s.Action, s.Detail)
		for _, n := range s.Notes {
			fmt.Fprintf(&b, "   %s\n", n)
		}
		for _, f := range s.Failures {
			fmt.Fprintf(&b, "   FAIL: %s\n", f)
		}
	}
	if r.Passed() {
		b.WriteString("result: PASS\n")
	} else {
		fmt.Fprintf(&b, "result: FAIL (%d failures)\n", r.Failures())
	}
	return b.Bytes()
}
