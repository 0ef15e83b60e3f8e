package app

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	summaryTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#3B82F6"))
	summaryChanged = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FBBF24"))
	summaryAdded = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))
	summaryError = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F87171")).
			Bold(true)
	summaryDim = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#64748B"))
)

// PrintSummary writes a short report of one build: every artifact with its
// size, marked when it was added or changed since the previous build.
func PrintSummary(w io.Writer, res *BuildResult) {
	if res == nil {
		return
	}
	rule := summaryDim.Render(strings.Repeat("-", 40))
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "%s %d modules, %d bundles in %v\n",
		summaryTitle.Render("Build"),
		res.Graph.Len(),
		len(res.Plan.Bundles),
		res.Duration.Round(time.Millisecond),
	)

	added := make(map[string]bool, len(res.Changes.Added))
	for _, name := range res.Changes.Added {
		added[name] = true
	}
	changed := make(map[string]bool, len(res.Changes.Changed))
	for _, name := range res.Changes.Changed {
		changed[name] = true
	}
	for _, a := range res.Manifest.Artifacts {
		line := fmt.Sprintf("  %-28s %-44s %8s", a.Bundle, a.File, humanize.Bytes(uint64(a.Size)))
		switch {
		case added[a.Bundle]:
			fmt.Fprintln(w, summaryAdded.Render("+"+line[1:]))
		case changed[a.Bundle]:
			fmt.Fprintln(w, summaryChanged.Render("~"+line[1:]))
		default:
			fmt.Fprintln(w, summaryDim.Render(line))
		}
	}
	for _, name := range res.Changes.Removed {
		fmt.Fprintln(w, summaryDim.Render("- "+name))
	}

	if len(res.Cycles) > 0 {
		fmt.Fprintln(w, summaryChanged.Render(fmt.Sprintf("%d import cycles:", len(res.Cycles))))
		for _, c := range res.Cycles {
			fmt.Fprintf(w, "   %s\n", strings.Join(c, " -> "))
		}
	}
	for _, warn := range res.Plan.Warnings {
		fmt.Fprintf(w, "%s %s: %s\n", summaryChanged.Render("warning"), warn.Module, warn.Message)
	}
	fmt.Fprintln(w, rule)
}

// PrintFailure reports a failed build.
func PrintFailure(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", summaryError.Render("Build failed:"), err)
}
