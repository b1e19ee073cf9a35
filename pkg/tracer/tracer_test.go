// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tracer_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/vmtrace/pkg/tracer"
	"github.com/antimetal/vmtrace/pkg/vm"
)

// eventTrace builds synthetic event streams the way the guest instrumentation
// would emit them: name bytes, then the length, then eventually a zero signal.
type eventTrace struct {
	next   uint64
	events []vm.Event
}

func (tr *eventTrace) push(ev vm.Event) {
	ev.Step = tr.next
	tr.next++
	tr.events = append(tr.events, ev)
}

func (tr *eventTrace) open(name string, cycles uint64) {
	tr.push(vm.Event{Cycles: cycles, Addr: vm.MessageChannelBase, Kind: vm.AccessWrite, Data: []byte(name)})
	tr.push(vm.Event{Cycles: cycles, Addr: vm.MessageLengthChannelAddr, Kind: vm.AccessWrite, Data: []byte{byte(len(name))}})
}

func (tr *eventTrace) close(cycles uint64) {
	tr.push(vm.Event{Cycles: cycles, Addr: vm.SignalChannelAddr, Kind: vm.AccessWrite, Data: []byte{0}})
}

// exec records an ordinary execution step outside the channels.
func (tr *eventTrace) exec(cycles uint64) {
	tr.push(vm.Event{Cycles: cycles, Addr: 0x1000, Kind: vm.AccessRead})
}

func runTrace(t *testing.T, cfg tracer.Config, tr *eventTrace) *tracer.Report {
	t.Helper()

	tt, err := tracer.New(logr.Discard(), cfg)
	require.NoError(t, err)
	for _, ev := range tr.events {
		require.NoError(t, tt.HandleEvent(ev))
	}
	report, err := tt.FinalizeAndReport()
	require.NoError(t, err)
	return report
}

func findChild(t *testing.T, r *tracer.Region, name string) *tracer.Region {
	t.Helper()
	for _, c := range r.Children {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("region %q not found under %q", name, r.Name)
	return nil
}

func TestNestedRegions(t *testing.T) {
	// Open("Total",0), Open("Load",0), Close(100), Open("Hash",100),
	// Close(150), Close(150).
	tr := &eventTrace{}
	tr.open("Total", 0)
	tr.open("Load", 0)
	tr.close(100)
	tr.open("Hash", 100)
	tr.close(150)
	tr.close(150)

	report := runTrace(t, tracer.Config{}, tr)
	assert.Empty(t, report.Diagnostics)

	root := report.Root
	assert.Equal(t, int64(150), root.TotalCost)
	assert.Equal(t, int64(0), root.SelfCost)
	require.Len(t, root.Children, 1)

	total := findChild(t, root, "Total")
	assert.Equal(t, int64(150), total.TotalCost)
	assert.Equal(t, int64(0), total.SelfCost)
	require.Len(t, total.Children, 2)

	load := findChild(t, total, "Load")
	assert.Equal(t, int64(100), load.TotalCost)
	assert.Equal(t, int64(100), load.SelfCost)

	hash := findChild(t, total, "Hash")
	assert.Equal(t, int64(50), hash.TotalCost)
	assert.Equal(t, int64(50), hash.SelfCost)

	// Temporal open order is preserved.
	assert.Equal(t, "Load", total.Children[0].Name)
	assert.Equal(t, "Hash", total.Children[1].Name)
}

func TestBalancedPairsProduceCleanTree(t *testing.T) {
	const n = 16

	tr := &eventTrace{}
	cycles := uint64(0)
	for i := 0; i < n; i++ {
		tr.open(fmt.Sprintf("region-%d", i), cycles)
		cycles += 10
		tr.close(cycles)
	}

	report := runTrace(t, tracer.Config{}, tr)
	assert.Empty(t, report.Diagnostics)
	require.Len(t, report.Root.Children, n)
	for _, c := range report.Root.Children {
		assert.True(t, c.Closed())
		assert.Equal(t, int64(10), c.TotalCost)
		assert.Empty(t, c.Children)
	}
}

func TestCloseThenOpenSibling(t *testing.T) {
	// The combined close-then-open guest primitive arrives as two
	// back-to-back markers; the new region lands under the same parent.
	tr := &eventTrace{}
	tr.open("Outer", 0)
	tr.open("A", 0)
	tr.close(40)
	tr.open("B", 40)
	tr.close(100)
	tr.close(100)

	report := runTrace(t, tracer.Config{}, tr)
	assert.Empty(t, report.Diagnostics)

	outer := findChild(t, report.Root, "Outer")
	require.Len(t, outer.Children, 2)
	assert.Equal(t, "A", outer.Children[0].Name)
	assert.Equal(t, "B", outer.Children[1].Name)
	assert.Equal(t, int64(40), outer.Children[0].TotalCost)
	assert.Equal(t, int64(60), outer.Children[1].TotalCost)
}

func TestUnbalancedClose(t *testing.T) {
	tr := &eventTrace{}
	tr.open("only", 0)
	tr.close(50)
	tr.close(60) // nothing open but the root

	report := runTrace(t, tracer.Config{}, tr)
	require.Len(t, report.Diagnostics, 1)
	assert.Equal(t, tracer.DiagUnbalancedClose, report.Diagnostics[0].Kind)

	// Root cost accounting is unaffected: it still spans the whole run.
	assert.Equal(t, int64(60), report.Root.TotalCost)
	require.Len(t, report.Root.Children, 1)
	assert.Equal(t, int64(50), report.Root.Children[0].TotalCost)
}

func TestUnterminatedRegion(t *testing.T) {
	tr := &eventTrace{}
	tr.open("outer", 0)
	tr.open("leaky", 10)
	tr.exec(200) // final observed cycle count

	report := runTrace(t, tracer.Config{}, tr)

	var kinds []tracer.DiagnosticKind
	for _, d := range report.Diagnostics {
		kinds = append(kinds, d.Kind)
	}
	assert.Equal(t,
		[]tracer.DiagnosticKind{tracer.DiagUnterminatedRegion, tracer.DiagUnterminatedRegion},
		kinds)

	// Costed up to the final observed cycle count.
	leaky := findChild(t, findChild(t, report.Root, "outer"), "leaky")
	assert.True(t, leaky.Closed())
	assert.Equal(t, int64(190), leaky.TotalCost)
	assert.Equal(t, int64(200), findChild(t, report.Root, "outer").TotalCost)
}

func TestNegativeCost(t *testing.T) {
	// A child claiming more cycles than its parent's span marks the parent.
	tr := &eventTrace{}
	tr.open("parent", 0)
	tr.open("child", 0)
	tr.close(200)
	tr.close(100) // inconsistent: parent span 100 < child total 200

	tt, err := tracer.New(logr.Discard(), tracer.Config{})
	require.NoError(t, err)
	for _, ev := range tr.events {
		require.NoError(t, tt.HandleEvent(ev))
	}
	report, err := tt.FinalizeAndReport()
	require.NoError(t, err)

	parent := findChild(t, report.Root, "parent")
	assert.Equal(t, int64(-100), parent.SelfCost, "negative self cost is kept, not clamped")

	var found bool
	for _, d := range report.Diagnostics {
		if d.Kind == tracer.DiagNegativeCost {
			found = true
			assert.Equal(t, "parent", d.Region)
		}
	}
	assert.True(t, found, "expected a negative-cost diagnostic")
}

func TestNegativeCostAtRoot(t *testing.T) {
	// Top-level children overclaiming the run span mark the root itself.
	tr := &eventTrace{}
	tr.open("greedy", 0)
	tr.close(200)
	tr.exec(100) // final observed cycle count regresses: run span 100 < child total 200

	report := runTrace(t, tracer.Config{}, tr)
	assert.Equal(t, int64(-100), report.Root.SelfCost)

	var found bool
	for _, d := range report.Diagnostics {
		if d.Kind == tracer.DiagNegativeCost {
			found = true
		}
	}
	assert.True(t, found, "expected a negative-cost diagnostic for the run root")
}

func TestMalformedTrace(t *testing.T) {
	tt, err := tracer.New(logr.Discard(), tracer.Config{})
	require.NoError(t, err)

	// A length write with nothing buffered is rejected but not fatal.
	err = tt.HandleEvent(vm.Event{
		Step: 0, Cycles: 0,
		Addr: vm.MessageLengthChannelAddr, Kind: vm.AccessWrite, Data: []byte{5},
	})
	assert.ErrorIs(t, err, tracer.ErrMalformedTrace)

	// Ingestion continues from the next event.
	tr := &eventTrace{next: 1}
	tr.open("after", 10)
	tr.close(30)
	for _, ev := range tr.events {
		require.NoError(t, tt.HandleEvent(ev))
	}

	report, err := tt.FinalizeAndReport()
	require.NoError(t, err)
	require.Len(t, report.Diagnostics, 1)
	assert.Equal(t, tracer.DiagMalformedTrace, report.Diagnostics[0].Kind)
	require.Len(t, report.Root.Children, 1)
	assert.Equal(t, "after", report.Root.Children[0].Name)
}

func TestCallerContract(t *testing.T) {
	t.Run("finalize before any event", func(t *testing.T) {
		tt, err := tracer.New(logr.Discard(), tracer.Config{})
		require.NoError(t, err)
		_, err = tt.FinalizeAndReport()
		assert.ErrorIs(t, err, tracer.ErrNoEvents)
	})

	t.Run("double finalize", func(t *testing.T) {
		tt, err := tracer.New(logr.Discard(), tracer.Config{})
		require.NoError(t, err)
		require.NoError(t, tt.HandleEvent(vm.Event{Cycles: 1}))
		_, err = tt.FinalizeAndReport()
		require.NoError(t, err)
		_, err = tt.FinalizeAndReport()
		assert.ErrorIs(t, err, tracer.ErrAlreadyFinalized)
	})

	t.Run("event after finalize", func(t *testing.T) {
		tt, err := tracer.New(logr.Discard(), tracer.Config{})
		require.NoError(t, err)
		require.NoError(t, tt.HandleEvent(vm.Event{Cycles: 1}))
		_, err = tt.FinalizeAndReport()
		require.NoError(t, err)
		assert.ErrorIs(t, tt.HandleEvent(vm.Event{Cycles: 2}), tracer.ErrAlreadyFinalized)
	})

	t.Run("invalid baseline scope", func(t *testing.T) {
		_, err := tracer.New(logr.Discard(), tracer.Config{
			Anomaly: tracer.AnomalyConfig{BaselineScope: "bogus"},
		})
		assert.Error(t, err)
	})
}

// TestTotalCostInvariant checks the recursive invariant over randomly
// generated balanced marker sequences: every region's total equals its self
// cost plus the totals of its children.
func TestTotalCostInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for run := 0; run < 20; run++ {
		tr := &eventTrace{}
		cycles := uint64(0)

		var emit func(depth int)
		emit = func(depth int) {
			children := rng.Intn(4)
			if depth >= 4 {
				children = 0
			}
			for i := 0; i < children; i++ {
				tr.open(fmt.Sprintf("d%d-%d", depth, i), cycles)
				cycles += uint64(rng.Intn(50))
				emit(depth + 1)
				cycles += uint64(rng.Intn(50))
				tr.close(cycles)
			}
		}
		tr.exec(0)
		emit(0)
		tr.exec(cycles + uint64(rng.Intn(50)))

		report := runTrace(t, tracer.Config{}, tr)
		assert.Empty(t, report.Diagnostics)

		var check func(r *tracer.Region)
		check = func(r *tracer.Region) {
			sum := r.SelfCost
			for _, c := range r.Children {
				sum += c.TotalCost
				check(c)
			}
			assert.Equal(t, r.TotalCost, sum, "region %q", r.Name)
			assert.GreaterOrEqual(t, r.CloseCycle, r.OpenCycle)
			assert.GreaterOrEqual(t, r.SelfCost, int64(0))
		}
		check(report.Root)
	}
}
