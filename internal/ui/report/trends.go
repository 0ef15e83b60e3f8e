// Package report renders recorded build history for terminals and tooling.
package report

import (
	"assetplan/internal/data/history"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Formats accepted by Render.
var Formats = []string{"tsv", "json", "markdown"}

func Render(report history.TrendReport, format string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "tsv":
		return RenderTrendTSV(report)
	case "json":
		return RenderTrendJSON(report)
	case "markdown", "md":
		return RenderTrendMarkdown(report)
	default:
		return nil, fmt.Errorf("unknown report format %q; expected one of: %s", format, strings.Join(Formats, ", "))
	}
}

func RenderTrendTSV(report history.TrendReport) ([]byte, error) {
	var buf strings.Builder

	buf.WriteString("Timestamp\tBuild\tCommit\tDurationMs\tModules\tBundles\tTotalBytes\tLargestBundle\tDeltaModules\tDeltaBytes\tInvalidated\tRemoved\n")
	for _, point := range report.Points {
		buf.WriteString(fmt.Sprintf(
			"%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%d\t%d\t%d\t%d\n",
			point.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			point.BuildID,
			point.CommitHash,
			point.Duration.Milliseconds(),
			point.ModuleCount,
			point.BundleCount,
			point.TotalBytes,
			point.LargestBundle,
			point.DeltaModules,
			point.DeltaBytes,
			point.Invalidated,
			point.Removed,
		))
	}

	return []byte(buf.String()), nil
}

func RenderTrendJSON(report history.TrendReport) ([]byte, error) {
	return json.MarshalIndent(report, "", "  ")
}

func RenderTrendMarkdown(report history.TrendReport) ([]byte, error) {
	var buf strings.Builder
	fmt.Fprintf(&buf, "## Build history: %s\n\n", report.ProjectKey)
	if len(report.Points) == 0 {
		buf.WriteString("No builds recorded.\n")
		return []byte(buf.String()), nil
	}

	buf.WriteString("| When | Commit | Modules | Bundles | Size | Δ Size | Invalidated |\n")
	buf.WriteString("|---|---|---:|---:|---:|---:|---:|\n")
	for _, p := range report.Points {
		commit := p.CommitHash
		if commit == "" {
			commit = "-"
		}
		fmt.Fprintf(&buf, "| %s | %s | %d | %d | %s | %s | %d |\n",
			p.Timestamp.UTC().Format(time.DateTime),
			commit,
			p.ModuleCount,
			p.BundleCount,
			humanize.Bytes(uint64(p.TotalBytes)),
			signedBytes(p.DeltaBytes),
			p.Invalidated,
		)
	}
	fmt.Fprintf(&buf, "\nAverage bundles invalidated per rebuild: %.2f\n", report.AvgInvalidated)
	return []byte(buf.String()), nil
}

func signedBytes(n int64) string {
	switch {
	case n > 0:
		return "+" + humanize.Bytes(uint64(n))
	case n < 0:
		return "-" + humanize.Bytes(uint64(-n))
	default:
		return "0"
	}
}
