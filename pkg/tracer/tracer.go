// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tracer attributes the cycle cost of a metered VM run to named,
// possibly nested regions marked by the guest program, and flags individual
// steps whose cost is disproportionate.
//
// The guest signals region boundaries through three fixed memory channels
// (see pkg/vm). The tracer consumes the raw event stream one event at a time,
// rebuilds the region call tree, attributes every step's cycle delta to the
// innermost open region, and renders a hierarchical breakdown once the stream
// ends. The whole pipeline is single-threaded and cooperative: HandleEvent
// processes each event to completion, and FinalizeAndReport is called exactly
// once afterwards.
package tracer

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/vmtrace/pkg/vm"
)

// Config carries the tracer's recognized options.
type Config struct {
	Anomaly AnomalyConfig
}

// Tracer is the host-side cycle-accounting engine for one VM run. A Tracer is
// an explicitly owned instance: construct one per run, feed it the run's
// events, finalize once, discard. It holds no locks; the caller drives it
// from a single goroutine.
type Tracer struct {
	logger   logr.Logger
	watcher  channelWatcher
	detector anomalyDetector

	root  *Region
	stack []*Region // open regions, innermost last; root always at the bottom
	diags []Diagnostic

	lastCycles uint64
	lastStep   uint64
	events     uint64
	finalized  bool
}

// New creates a tracer for a single run. Unset config fields fall back to
// documented defaults; an invalid baseline scope is an error.
func New(logger logr.Logger, cfg Config) (*Tracer, error) {
	anomaly := cfg.Anomaly.withDefaults()
	if err := anomaly.validate(); err != nil {
		return nil, fmt.Errorf("invalid anomaly config: %w", err)
	}

	log := logger.WithName("tracer")
	return &Tracer{
		logger:   log,
		detector: newAnomalyDetector(log, anomaly),
	}, nil
}

// HandleEvent ingests the next event of the run. Events must arrive in
// increasing step order. The only error returned is a wrapped
// ErrMalformedTrace (or ErrAlreadyFinalized on misuse); ingestion stays
// usable after either, and the problem is also recorded as a diagnostic.
func (t *Tracer) HandleEvent(ev vm.Event) error {
	if t.finalized {
		return ErrAlreadyFinalized
	}

	if t.events == 0 {
		// The anonymous root spans the whole run and is only ever closed
		// implicitly at end of stream.
		t.root = newRegion("", nil, ev.Cycles, ev.Step)
		t.stack = []*Region{t.root}
	} else if ev.Cycles >= t.lastCycles {
		// The interval since the previous event elapsed inside whatever
		// region was innermost before this event's marker takes effect.
		top := t.stack[len(t.stack)-1]
		top.Steps++
		if a := t.detector.observe(top, ev, ev.Cycles-t.lastCycles); a != nil {
			top.Anomalies = append(top.Anomalies, *a)
		}
	}
	t.events++
	t.lastCycles = ev.Cycles
	t.lastStep = ev.Step

	m, ok, err := t.watcher.observe(ev)
	if err != nil {
		t.diags = append(t.diags, Diagnostic{
			Kind:   DiagMalformedTrace,
			Step:   ev.Step,
			Detail: err.Error(),
		})
		return err
	}
	if !ok {
		return nil
	}

	switch m.kind {
	case markerOpen:
		t.openRegion(m, ev.Step)
	case markerClose:
		t.closeRegion(m, ev.Step)
	}
	return nil
}

func (t *Tracer) openRegion(m marker, step uint64) {
	parent := t.stack[len(t.stack)-1]
	r := newRegion(m.name, parent, m.cycles, step)
	t.stack = append(t.stack, r)
	t.logger.V(2).Info("region opened", "name", m.name, "cycle", m.cycles, "depth", len(t.stack)-1)
}

func (t *Tracer) closeRegion(m marker, step uint64) {
	if len(t.stack) == 1 {
		t.diags = append(t.diags, Diagnostic{
			Kind:   DiagUnbalancedClose,
			Step:   step,
			Detail: fmt.Sprintf("close signal at cycle %d with no region open", m.cycles),
		})
		return
	}

	r := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	r.close(m.cycles, step)
	if r.SelfCost < 0 {
		t.diags = append(t.diags, Diagnostic{
			Kind:   DiagNegativeCost,
			Region: r.Name,
			Step:   step,
			Detail: fmt.Sprintf("region %q self cost %d is negative; trace is inconsistent", r.Name, r.SelfCost),
		})
	}
	t.logger.V(2).Info("region closed", "name", r.Name, "self", r.SelfCost, "total", r.TotalCost)
}

// FinalizeAndReport ends the run: any region still open other than the root
// is closed at the final observed cycle count with an UnterminatedRegion
// diagnostic, totals are established bottom-up, and the assembled Report is
// returned. Calling it before any event, or twice, is a caller error.
func (t *Tracer) FinalizeAndReport() (*Report, error) {
	if t.finalized {
		return nil, ErrAlreadyFinalized
	}
	if t.events == 0 {
		return nil, ErrNoEvents
	}
	t.finalized = true

	for len(t.stack) > 1 {
		r := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		r.close(t.lastCycles, t.lastStep)
		t.diags = append(t.diags, Diagnostic{
			Kind:   DiagUnterminatedRegion,
			Region: r.Name,
			Step:   t.lastStep,
			Detail: fmt.Sprintf("region %q still open at end of trace; closed at cycle %d", r.Name, t.lastCycles),
		})
		if r.SelfCost < 0 {
			t.diags = append(t.diags, Diagnostic{
				Kind:   DiagNegativeCost,
				Region: r.Name,
				Step:   t.lastStep,
				Detail: fmt.Sprintf("region %q self cost %d is negative; trace is inconsistent", r.Name, r.SelfCost),
			})
		}
	}
	t.root.close(t.lastCycles, t.lastStep)
	if t.root.SelfCost < 0 {
		t.diags = append(t.diags, Diagnostic{
			Kind:   DiagNegativeCost,
			Step:   t.lastStep,
			Detail: fmt.Sprintf("run root self cost %d is negative; trace is inconsistent", t.root.SelfCost),
		})
	}
	computeTotals(t.root)

	t.logger.V(1).Info("trace finalized",
		"events", t.events, "cycles", t.lastCycles-t.root.OpenCycle, "diagnostics", len(t.diags))

	return &Report{
		Root:        t.root,
		Diagnostics: t.diags,
		Events:      t.events,
		FinalCycles: t.lastCycles,
	}, nil
}
