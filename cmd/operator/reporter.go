package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/swcompose/operator/internal/config"
	"github.com/swcompose/operator/internal/morph"
)

const (
	colSnapshotID = 24
	colName       = 28
	colTemplate   = 8
)

// printSnapshotTable renders snapshots as an aligned table.
func printSnapshotTable(w io.Writer, snaps []morph.Snapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "no snapshots") //nolint:errcheck
		return
	}

	fmt.Fprintf(w, "%s  %s  %s  %s\n", //nolint:errcheck
		padRight("ID", colSnapshotID),
		padRight("NAME", colName),
		padRight("TEMPLATE", colTemplate),
		"CREATED")

	for _, s := range snaps {
		name := s.Metadata["name"]
		if name == "" {
			name = "-"
		}
		template := "-"
		if s.Metadata[config.TemplateMetadataKey] == "true" {
			template = "yes"
		}
		created := "-"
		if !s.CreatedAt.IsZero() {
			created = s.CreatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s  %s  %s  %s\n", //nolint:errcheck
			padRight(truncateName(s.ID, colSnapshotID), colSnapshotID),
			padRight(truncateName(name, colName), colName),
			padRight(template, colTemplate),
			created)
	}
}

// truncateName shortens a name to maxLen runes, replacing the last rune with "…" if needed.
func truncateName(name string, maxLen int) string {
	runes := []rune(name)
	if len(runes) <= maxLen {
		return name
	}
	return string(runes[:maxLen-1]) + "…"
}

// padRight pads s with spaces so its terminal display width reaches width.
func padRight(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	return s + strings.Repeat(" ", width-sw)
}
