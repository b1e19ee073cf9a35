// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tracer

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/vmtrace/pkg/vm"
)

// BaselineScope selects the population a step delta is compared against.
type BaselineScope string

const (
	// BaselineGlobal compares every step against the running average of all
	// deltas observed so far in the run.
	BaselineGlobal BaselineScope = "global"
	// BaselinePerRegion compares a step only against deltas observed while
	// the same region was innermost.
	BaselinePerRegion BaselineScope = "per-region"
)

// AnomalyConfig controls single-step cost outlier detection. The zero value
// is usable; unset fields fall back to the documented defaults.
type AnomalyConfig struct {
	// Multiplier is the factor over the baseline average beyond which a step
	// is flagged. The default is a deliberately moderate design choice, not a
	// derived constant: large enough that legitimately expensive single steps
	// (hashing, bulk copies) inside an otherwise uniform region do not fire.
	Multiplier float64
	// BaselineScope selects global or per-region baselines.
	BaselineScope BaselineScope
	// MinAbsoluteThreshold is a floor in cycles below which no anomaly is
	// ever raised, suppressing noise in cheap regions where the baseline
	// average is tiny.
	MinAbsoluteThreshold uint64
}

// Defaults for AnomalyConfig fields left unset.
const (
	DefaultAnomalyMultiplier    = 10.0
	DefaultMinAbsoluteThreshold = 64
)

func (c AnomalyConfig) withDefaults() AnomalyConfig {
	if c.Multiplier <= 0 {
		c.Multiplier = DefaultAnomalyMultiplier
	}
	if c.BaselineScope == "" {
		c.BaselineScope = BaselineGlobal
	}
	if c.MinAbsoluteThreshold == 0 {
		c.MinAbsoluteThreshold = DefaultMinAbsoluteThreshold
	}
	return c
}

func (c AnomalyConfig) validate() error {
	switch c.BaselineScope {
	case BaselineGlobal, BaselinePerRegion:
		return nil
	default:
		return fmt.Errorf("unknown baseline scope %q", c.BaselineScope)
	}
}

// Anomaly records a single execution step whose cycle cost was a statistical
// outlier relative to the configured baseline. Anomalies are annotations only;
// they never alter cost accounting.
type Anomaly struct {
	// Step is the event step index at which the outlier was observed.
	Step uint64
	// Cost is the observed step delta in cycles.
	Cost uint64
	// Baseline is the average step cost the delta was compared against,
	// computed over the preceding steps in the configured scope.
	Baseline float64
	// Label explains the outlier using whatever step metadata was available.
	Label string
}

// anomalyDetector maintains baseline state and flags outlier step deltas as
// they are attributed. Detection is purely an annotation layer over the cost
// stream: totals stay exact regardless of sensitivity.
type anomalyDetector struct {
	cfg    AnomalyConfig
	logger logr.Logger

	// Global baseline state (BaselineGlobal scope).
	deltaSum   uint64
	deltaCount uint64
}

func newAnomalyDetector(logger logr.Logger, cfg AnomalyConfig) anomalyDetector {
	return anomalyDetector{
		cfg:    cfg,
		logger: logger.WithName("anomaly"),
	}
}

// observe feeds one attributed step delta through detection and updates the
// baseline. It returns a non-nil anomaly when the delta is an outlier. The
// baseline covers only steps preceding the current one, so the first step in
// a scope can never fire.
func (d *anomalyDetector) observe(r *Region, ev vm.Event, delta uint64) *Anomaly {
	sum, count := d.deltaSum, d.deltaCount
	if d.cfg.BaselineScope == BaselinePerRegion {
		sum, count = r.deltaSum, r.deltaCount
	}

	var a *Anomaly
	if count > 0 {
		baseline := float64(sum) / float64(count)
		if baseline > 0 &&
			float64(delta) > baseline*d.cfg.Multiplier &&
			delta >= d.cfg.MinAbsoluteThreshold {
			a = &Anomaly{
				Step:     ev.Step,
				Cost:     delta,
				Baseline: baseline,
				Label:    explainStep(ev),
			}
			d.logger.V(1).Info("step cost outlier",
				"region", r.Name, "step", ev.Step, "cost", delta, "baseline", baseline)
		}
	}

	d.deltaSum += delta
	d.deltaCount++
	r.deltaSum += delta
	r.deltaCount++
	return a
}

// explainStep picks an explanation label from the step metadata the execution
// engine reported for the event ending the interval.
func explainStep(ev vm.Event) string {
	switch ev.Kind {
	case vm.AccessWrite:
		if len(ev.Data) > 8 {
			return fmt.Sprintf("costly step ending in a %d-byte write", len(ev.Data))
		}
		return "costly step ending in a memory write"
	case vm.AccessRead:
		return "costly step ending in a memory read"
	default:
		return "single-step cost outlier"
	}
}
