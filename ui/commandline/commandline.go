// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: hyperparameter
// settings, a progress bar for the step loop and metrics reports.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// ReportMetrics writes a table with the metrics values, in the order of names. Metrics not in values are
// skipped; values without a name are ignored.
func ReportMetrics(w io.Writer, title string, names []string, values map[string]float64) error {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	for _, name := range names {
		value, found := values[name]
		if !found {
			continue
		}
		table.Row(name, formatMetric(value))
	}
	_, err := fmt.Fprintf(w, "%s:\n%s\n", title, table.String())
	return err
}
