// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package evaluate

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Right
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

// Table renders the summary of the report.
func (r Report) Table() string {
	t := newTable(lipgloss.Left).
		Headers("Metric", "Mean", "StdDev", "Median", "68% interval")
	addRow := func(name, format string, s Stats) {
		t.Row(name,
			fmt.Sprintf(format, s.Mean), fmt.Sprintf(format, s.StdDev), fmt.Sprintf(format, s.Median),
			fmt.Sprintf("["+format+", "+format+"]", s.Low, s.High))
	}
	addRow("Energy ratio (%)", "%.2f", r.EnergyRatio)
	addRow("MAE (MeV)", "%.3g", r.MAE)
	addRow("MSE (MeV²)", "%.3g", r.MSE)

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s events, %s points with valid labels\n",
		humanize.Comma(int64(len(r.Events))), humanize.Comma(int64(r.NumValidPoints)))
	sb.WriteString(t.Render())
	return sb.String()
}

// EventsTable renders the per-event results, up to maxRows events (all if maxRows <= 0).
func (r Report) EventsTable(maxRows int) string {
	t := newTable(lipgloss.Left).
		Headers("Event", "Valid points", "Label energy", "Predicted energy", "Ratio (%)", "MAE")
	for ii, e := range r.Events {
		if maxRows > 0 && ii >= maxRows {
			break
		}
		t.Row(e.ID, humanize.Comma(int64(e.NumValid)),
			fmt.Sprintf("%.1f", e.LabelEnergy), fmt.Sprintf("%.1f", e.PredictedEnergy),
			fmt.Sprintf("%.2f", e.EnergyRatio), fmt.Sprintf("%.3g", e.MAE))
	}
	return t.Render()
}
