// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tracer

// Region is a named timing span reconstructed from the marker stream. Regions
// form a tree rooted at an anonymous region spanning the whole run; children
// are stored in temporal open order. Same-name regions opened at different
// times stay distinct nodes; aggregation by name is a reporting-time fold.
type Region struct {
	Name     string
	Parent   *Region
	Children []*Region

	// OpenCycle and CloseCycle are the cumulative VM cycle counts observed
	// when the region was opened and closed. CloseCycle is meaningless until
	// the region is closed.
	OpenCycle  uint64
	CloseCycle uint64

	// OpenStep and CloseStep are the event step indexes at the boundaries.
	OpenStep  uint64
	CloseStep uint64

	// SelfCost is the region's span minus its children's totals. It can be
	// negative on an inconsistent trace; a NegativeCost diagnostic is raised
	// instead of clamping.
	SelfCost int64
	// TotalCost is SelfCost plus the TotalCost of all children.
	TotalCost int64

	// Steps counts events attributed to this region while it was innermost.
	Steps uint64

	// Anomalies holds the cost outliers detected while this region was
	// innermost, in step order.
	Anomalies []Anomaly

	closed bool

	// Per-region anomaly baseline state (BaselinePerRegion scope).
	deltaSum   uint64
	deltaCount uint64
}

func newRegion(name string, parent *Region, cycles, step uint64) *Region {
	r := &Region{
		Name:      name,
		Parent:    parent,
		OpenCycle: cycles,
		OpenStep:  step,
	}
	if parent != nil {
		parent.Children = append(parent.Children, r)
	}
	return r
}

// close fixes the region's boundaries and derives SelfCost from its span and
// its children's totals. Children are always closed first under LIFO
// discipline, so their totals are final here.
func (r *Region) close(cycles, step uint64) {
	r.CloseCycle = cycles
	r.CloseStep = step
	r.closed = true

	span := int64(r.CloseCycle) - int64(r.OpenCycle)
	var children int64
	for _, c := range r.Children {
		children += c.TotalCost
	}
	r.SelfCost = span - children
	r.TotalCost = span
}

// Closed reports whether the region's close cycle has been fixed.
func (r *Region) Closed() bool {
	return r.closed
}

// computeTotals runs the bottom-up pass establishing the recursive invariant
// TotalCost = SelfCost + sum of children TotalCost for the whole subtree.
func computeTotals(r *Region) int64 {
	total := r.SelfCost
	for _, c := range r.Children {
		total += computeTotals(c)
	}
	r.TotalCost = total
	return total
}
