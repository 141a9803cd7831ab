// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/nnc/pkg/bundle"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "63", Dark: "86"})
)

// newPlainTable returns a table with alternating row styles. Columns beyond the given alignments use the
// last one.
func newPlainTable(withHeader bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		BorderHeader(withHeader).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

// summaryTable lists the identity of the bundle and the sizes of its regions.
func summaryTable(cfg *bundle.Config) *lgtable.Table {
	t := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	t.Row("Name", cfg.Name)
	t.Row("Entry point", cfg.EntryName)
	t.Row("ID", cfg.ID.String())
	t.Row("Alignment", humanize.Comma(int64(cfg.Alignment)))
	for _, region := range []bundle.Region{bundle.ConstantWeights, bundle.MutableWeights, bundle.Activations} {
		size := cfg.RegionSize(region)
		t.Row(region.String(), fmt.Sprintf("%s (%s bytes)", humanize.IBytes(size), humanize.Comma(int64(size))))
	}
	return t
}

// symbolsTable lists every symbol of the bundle, ordered by region and offset.
func symbolsTable(cfg *bundle.Config) *lgtable.Table {
	t := newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	t.Headers("Symbol", "Region", "Shape", "Offset", "Size", "Role")
	symbols := slices.Clone(cfg.Symbols)
	slices.SortStableFunc(symbols, func(a, b bundle.Symbol) int {
		if a.Region != b.Region {
			return int(a.Region) - int(b.Region)
		}
		return int(a.Offset) - int(b.Offset)
	})
	for _, s := range symbols {
		var role string
		switch {
		case slices.Contains(cfg.Inputs, s.Name) && slices.Contains(cfg.Outputs, s.Name):
			role = "input/output"
		case slices.Contains(cfg.Inputs, s.Name):
			role = "input"
		case slices.Contains(cfg.Outputs, s.Name):
			role = "output"
		}
		t.Row(s.Name, s.Region.String(), fmt.Sprintf("(%s)%v", s.DTypeName, s.Dimensions),
			humanize.Comma(int64(s.Offset)), humanize.IBytes(s.Size), role)
	}
	return t
}
