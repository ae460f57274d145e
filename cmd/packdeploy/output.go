package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/packdeploy/internal/diff"
	"github.com/schaermu/packdeploy/internal/pipeline"
)

func writeReport(w io.Writer, report *pipeline.Report) error {
	if outputFormat == "json" {
		return writeJSON(w, report)
	}

	fmt.Fprintf(w, "release %s -> %s (%s)\n", report.Release, report.Target, report.Status)
	printChanges(w, report.Changes, false)
	printSummary(w, report.Summary)

	if report.Upload != nil {
		fmt.Fprintf(w, "uploaded %d files (%s)\n", report.Upload.Files, humanize.Bytes(uint64(report.Upload.Bytes)))
	}
	if report.Prune != nil {
		fmt.Fprintf(w, "pruned %d paths\n", len(report.Prune.Deleted))
	}
	return nil
}

func printChanges(w io.Writer, changes []diff.FileChange, withSummary bool) {
	for _, c := range changes {
		fmt.Fprintf(w, "%s %s%s\n", changeMarker(c.Type), c.Path, sizeNote(c))
		if withSummary && c.DiffSummary != nil && *c.DiffSummary != "" {
			fmt.Fprintln(w, *c.DiffSummary)
		}
	}
}

func printSummary(w io.Writer, s diff.Summary) {
	if s.Total() == 0 {
		fmt.Fprintln(w, "no changes")
		return
	}
	fmt.Fprintf(w, "%d added, %d modified, %d removed\n", s.Added, s.Modified, s.Removed)
}

func changeMarker(t diff.ChangeType) string {
	switch t {
	case diff.Added:
		return "A"
	case diff.Removed:
		return "D"
	default:
		return "M"
	}
}

func sizeNote(c diff.FileChange) string {
	switch {
	case c.SizeOld != nil && c.SizeNew != nil:
		return fmt.Sprintf(" (%s -> %s)", humanize.Bytes(uint64(*c.SizeOld)), humanize.Bytes(uint64(*c.SizeNew)))
	case c.SizeNew != nil:
		return fmt.Sprintf(" (%s)", humanize.Bytes(uint64(*c.SizeNew)))
	case c.SizeOld != nil:
		return fmt.Sprintf(" (%s)", humanize.Bytes(uint64(*c.SizeOld)))
	}
	return ""
}
