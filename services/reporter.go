package services

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"community-sync/models"
)

// maxReportedErrors caps the error listing in the terminal summary
const maxReportedErrors = 15

// PrintRunReport formats a finished run for the terminal
func PrintRunReport(w io.Writer, report models.RunReport) {
	border := strings.Repeat("═", 55)
	thin := strings.Repeat("─", 55)

	fmt.Fprintf(w, "\n╔%s╗\n", border)
	fmt.Fprintf(w, "║%s║\n", center("CMS IMPORT: "+strings.ToUpper(string(report.Dataset)), 55))
	fmt.Fprintf(w, "╚%s╝\n", border)

	fmt.Fprintf(w, "\n RUN\n%s\n", thin)
	fmt.Fprintf(w, "  Run ID                  : %s\n", report.RunID)
	fmt.Fprintf(w, "  State                   : %s\n", report.State)
	fmt.Fprintf(w, "  Success                 : %v\n", report.Success)
	fmt.Fprintf(w, "  Truncated by timeout    : %v\n", report.TruncatedByTimeout)
	fmt.Fprintf(w, "  Duration                : %v\n", report.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  Message                 : %s\n", report.Message)

	fmt.Fprintf(w, "\n RECORDS\n%s\n", thin)
	fmt.Fprintf(w, "  Processed               : %d\n", report.Processed)
	fmt.Fprintf(w, "  Inserted                : %d\n", report.Inserted)
	fmt.Fprintf(w, "  Updated                 : %d\n", report.Updated)
	fmt.Fprintf(w, "  Skipped                 : %d\n", report.Skipped)
	fmt.Fprintf(w, "  Errors                  : %d\n", len(report.Errors))

	if kinds := countKinds(report.Errors, report.Skips); len(kinds) > 0 {
		fmt.Fprintf(w, "\n ISSUES BY KIND\n%s\n", thin)
		for _, kc := range kinds {
			bar := strings.Repeat("▓", min(kc.count, 30))
			fmt.Fprintf(w, "  %-25s %4d  %s\n", string(kc.kind)+":", kc.count, bar)
		}
	}

	if len(report.Errors) > 0 {
		n := min(len(report.Errors), maxReportedErrors)
		fmt.Fprintf(w, "\n FIRST %d ERRORS\n%s\n", n, thin)
		for i, e := range report.Errors[:n] {
			where := e.RegulatoryID
			if where == "" {
				where = fmt.Sprintf("%s:%d", e.Source, e.Line)
			}
			fmt.Fprintf(w, "  %2d. %-12s %s\n", i+1, truncate(where, 12), truncate(e.Message, 38))
		}
	}

	fmt.Fprintf(w, "\n%s\n\n", border)
}

type kindCount struct {
	kind  models.ErrorKind
	count int
}

// countKinds tallies issues per kind, most frequent first
func countKinds(lists ...[]models.RecordError) []kindCount {
	counts := make(map[models.ErrorKind]int)
	for _, list := range lists {
		for _, e := range list {
			counts[e.Kind]++
		}
	}
	out := make([]kindCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, kindCount{k, c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].kind < out[j].kind
	})
	return out
}

func center(s string, width int) string {
	runes := []rune(s)
	if len(runes) >= width {
		return s
	}
	pad := (width - len(runes)) / 2
	return strings.Repeat(" ", pad) + s + strings.Repeat(" ", width-len(runes)-pad)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
