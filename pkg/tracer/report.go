// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tracer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// Report is the finalized outcome of one traced run: the region tree plus the
// diagnostics accumulated during ingestion. Reports are read-only; rendering
// never mutates the tree and can be repeated or skipped entirely.
type Report struct {
	// Root is the anonymous region spanning the whole run.
	Root *Region
	// Diagnostics holds the non-fatal trace-data problems, in the order they
	// were observed.
	Diagnostics []Diagnostic
	// Events is the number of raw events ingested.
	Events uint64
	// FinalCycles is the cumulative cycle count at the last observed event.
	FinalCycles uint64
}

const renderIndent = "  "

// Render produces the depth-indented hierarchical breakdown: one line per
// region with self cost, total cost, and share of the parent's total, visited
// depth-first in temporal open order. Detected anomalies appear inside their
// owning region at the point in its step sequence closest to where they
// occurred. Diagnostics follow the tree.
func (r *Report) Render() string {
	var b strings.Builder
	renderRegion(&b, r.Root, 0)

	if len(r.Diagnostics) > 0 {
		b.WriteString("\ndiagnostics:\n")
		for _, d := range r.Diagnostics {
			fmt.Fprintf(&b, "%s%s: %s\n", renderIndent, d.Kind, d.Detail)
		}
	}
	return b.String()
}

func renderRegion(b *strings.Builder, r *Region, depth int) {
	indent := strings.Repeat(renderIndent, depth)

	name := r.Name
	if r.Parent == nil {
		name = "(run)"
	}
	fmt.Fprintf(b, "%s%s self=%d total=%d", indent, name, r.SelfCost, r.TotalCost)
	if r.Parent != nil && r.Parent.TotalCost > 0 {
		fmt.Fprintf(b, " (%.1f%%)", 100*float64(r.TotalCost)/float64(r.Parent.TotalCost))
	}
	b.WriteString("\n")

	// Children are already in temporal order; anomalies interleave with them
	// by step index so each renders where it happened in the region's run.
	ci, ai := 0, 0
	for ci < len(r.Children) || ai < len(r.Anomalies) {
		if ai == len(r.Anomalies) ||
			(ci < len(r.Children) && r.Children[ci].OpenStep < r.Anomalies[ai].Step) {
			renderRegion(b, r.Children[ci], depth+1)
			ci++
			continue
		}
		a := r.Anomalies[ai]
		fmt.Fprintf(b, "%s%s! step %d: %d cycles, baseline %.1f, %s\n",
			indent, renderIndent, a.Step, a.Cost, a.Baseline, a.Label)
		ai++
	}
}

// nameStats is the reporting-time fold aggregating distinct region nodes that
// share a name.
type nameStats struct {
	name      string
	calls     uint64
	self      int64
	total     int64
	firstOpen uint64
}

// Summary renders a flat, name-aggregated table over the tree: call count,
// summed self and total cost, and share of the whole run per region name.
// Like Render it is pure and idempotent.
func (r *Report) Summary() string {
	byName := make(map[string]*nameStats)
	var walk func(*Region)
	walk = func(reg *Region) {
		if reg.Parent != nil { // the root is the denominator, not a row
			s, ok := byName[reg.Name]
			if !ok {
				s = &nameStats{name: reg.Name, firstOpen: reg.OpenStep}
				byName[reg.Name] = s
			}
			s.calls++
			s.self += reg.SelfCost
			s.total += reg.TotalCost
		}
		for _, c := range reg.Children {
			walk(c)
		}
	}
	walk(r.Root)

	rows := make([]*nameStats, 0, len(byName))
	for _, s := range byName {
		rows = append(rows, s)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].firstOpen < rows[j].firstOpen })

	var b strings.Builder
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"REGION", "CALLS", "SELF", "TOTAL", "% OF RUN"})
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	for _, s := range rows {
		share := "-"
		if r.Root.TotalCost > 0 {
			share = fmt.Sprintf("%.1f", 100*float64(s.total)/float64(r.Root.TotalCost))
		}
		table.Append([]string{
			s.name,
			fmt.Sprintf("%d", s.calls),
			fmt.Sprintf("%d", s.self),
			fmt.Sprintf("%d", s.total),
			share,
		})
	}
	table.Render()
	return b.String()
}
