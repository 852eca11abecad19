package main

import (
	"strings"

	"github.com/fatih/color"

	"github.com/kamdental/extref/internal/domain/reconcile"
	"github.com/kamdental/extref/internal/harness"
)

func ok(s string) string   { return color.New(color.FgGreen).Sprint(s) }
func warn(s string) string { return color.New(color.FgYellow).Sprint(s) }
func bad(s string) string  { return color.New(color.FgRed).Sprint(s) }

func statusColor(s reconcile.Status) string {
	switch s {
	case reconcile.StatusCompleted:
		return ok(string(s))
	case reconcile.StatusPartial:
		return warn(string(s))
	default:
		return bad(string(s))
	}
}

// colorSummary renders the run summary with the status and the unresolved
// and missing lines highlighted.
func colorSummary(sum *reconcile.Summary) string {
	text := sum.String()
	text = strings.Replace(text, "): "+string(sum.Status), "): "+statusColor(sum.Status), 1)

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		trimmed := strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(trimmed, "unresolved:"), strings.HasPrefix(trimmed, "missing from primary store:"):
			lines[i] = warn(l)
		case strings.HasPrefix(trimmed, "error:"):
			lines[i] = bad(l)
		}
	}
	return strings.Join(lines, "\n")
}

func colorReport(rep *harness.Report) string {
	lines := strings.Split(string(rep.Text()), "\n")
	for i, l := range lines {
		switch {
		case strings.HasPrefix(strings.TrimSpace(l), "FAIL:"), strings.HasPrefix(l, "result: FAIL"):
			lines[i] = bad(l)
		case l == "result: PASS":
			lines[i] = ok(l)
		}
	}
	return strings.Join(lines, "\n")
}
