// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package display renders reports for the terminal.
//
// Labels and colors for decision outcomes live here rather than on the
// search tree types, so the domain model stays free of presentation.
package display

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/csptrace/services/trace/analysis"
	"github.com/AleutianAI/csptrace/services/trace/metrics"
	"github.com/AleutianAI/csptrace/services/trace/searchtree"
)

// Palette.
var (
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorFail    = lipgloss.Color("#E74C3C")
	ColorPrune   = lipgloss.Color("#E67E22")
	ColorRepeat  = lipgloss.Color("#9B59B6")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorMuted   = lipgloss.Color("#2C4A54")
	ColorTitle   = lipgloss.Color("#20B9B4")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorTitle)
	mutedStyle   = lipgloss.NewStyle().Foreground(ColorMuted)
	warningStyle = lipgloss.NewStyle().Foreground(ColorWarning)
	errorStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	okStyle      = lipgloss.NewStyle().Foreground(ColorSuccess)
)

// ReasonLabel returns a human-readable label for a decision outcome.
func ReasonLabel(k metrics.ReasonKey) string {
	switch {
	case k.Reason == searchtree.ReasonSolved:
		return "solved"
	case k.Success:
		return "consistent, descended"
	case k.Reason == searchtree.ReasonAC3Fail:
		return "pruned by AC-3"
	case k.Reason == searchtree.ReasonDuplicate:
		return "duplicate word"
	default:
		return "subtree exhausted"
	}
}

// ReasonColor returns the terminal color for a decision outcome.
func ReasonColor(k metrics.ReasonKey) lipgloss.Color {
	switch {
	case k.Success:
		return ColorSuccess
	case k.Reason == searchtree.ReasonAC3Fail:
		return ColorPrune
	case k.Reason == searchtree.ReasonDuplicate:
		return ColorRepeat
	default:
		return ColorFail
	}
}

// SortedReasons orders histogram keys failures first, then by reason.
func SortedReasons(hist map[metrics.ReasonKey]int) []metrics.ReasonKey {
	keys := make([]metrics.ReasonKey, 0, len(hist))
	for k := range hist {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b metrics.ReasonKey) int {
		if a.Success != b.Success {
			if !a.Success {
				return -1
			}
			return 1
		}
		return int(a.Reason) - int(b.Reason)
	})
	return keys
}

// Printer writes reports to a terminal or a plain stream.
type Printer struct {
	w      io.Writer
	styled bool
}

// NewPrinter returns a Printer. When styled is false no escape codes are
// written.
func NewPrinter(w io.Writer, styled bool) *Printer {
	return &Printer{w: w, styled: styled}
}

func (p *Printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

// Report prints the headline metrics of one report.
func (p *Printer) Report(r *analysis.Report) {
	m := r.Metrics
	var b strings.Builder

	title := r.File
	if r.Cached {
		title += " (cached)"
	}
	fmt.Fprintln(&b, p.render(titleStyle, title))
	fmt.Fprintf(&b, "  nodes %d  failing %d  solutions %d  max depth %d\n",
		m.Nodes, m.Failing, m.Solutions, m.Depths.MaxDepth())

	for _, k := range SortedReasons(m.Reasons) {
		label := fmt.Sprintf("%-22s", ReasonLabel(k))
		fmt.Fprintf(&b, "  %s %d\n", p.render(lipgloss.NewStyle().Foreground(ReasonColor(k)), label), m.Reasons[k])
	}

	fmt.Fprintf(&b, "  backjumps %d  max jump %d\n", m.Backjumps.Count, m.Backjumps.MaxHeight)
	fmt.Fprintf(&b, "  dead ends %d  largest %d\n", len(m.DeadEnds), maxOf(m.DESS))

	if n := len(m.Branching); n > 0 {
		last := m.Branching[n-1]
		abf := "n/a"
		if last.ABF != nil {
			abf = fmt.Sprintf("%.4f", *last.ABF)
		}
		fmt.Fprintf(&b, "  EBF %.4f  ABF %s  at depth %d\n", last.EBF, abf, last.Depth)
	}

	if r.AC3 != nil {
		fmt.Fprintf(&b, "  AC-3 calls %d  success rate %.1f%%\n", r.AC3.Calls.Total, 100*r.AC3.Calls.SuccessRate)
	} else {
		fmt.Fprintln(&b, "  "+p.render(mutedStyle, "AC-3 not tracked"))
	}
	if r.CSP != nil {
		fmt.Fprintf(&b, "  runtime %.3fs (init %.3fs, search %.3fs)\n",
			r.CSP.Runtime.Total, r.CSP.Runtime.Init, r.CSP.Runtime.Search)
	}

	for _, f := range m.Flagged {
		fmt.Fprintf(&b, "  %s\n", p.render(warningStyle,
			fmt.Sprintf("! %s zero work at %s (size %d)", strings.ToUpper(f.Metric), f.Path, f.Size)))
	}

	_, _ = io.WriteString(p.w, b.String())
}

// OK prints a success line.
func (p *Printer) OK(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(okStyle, "✓")+" "+fmt.Sprintf(format, args...))
}

// Error prints a failure line.
func (p *Printer) Error(err error) {
	fmt.Fprintln(p.w, p.render(errorStyle, "✗")+" "+err.Error())
}

func maxOf(xs []int) int {
	if len(xs) == 0 {
		return 0
	}
	return slices.Max(xs)
}
