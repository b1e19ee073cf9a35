// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tracer

import "errors"

// Sentinel errors. ErrMalformedTrace is the only error HandleEvent returns;
// the remaining two are caller contract violations reported by
// FinalizeAndReport. Trace-data problems other than MalformedTrace never
// surface as errors: they accumulate as diagnostics on the Report, since a
// best-effort partial breakdown is more useful than an early abort.
var (
	ErrMalformedTrace   = errors.New("malformed trace")
	ErrNoEvents         = errors.New("no events ingested")
	ErrAlreadyFinalized = errors.New("tracer already finalized")
)

// DiagnosticKind classifies trace-data problems observed during ingestion.
type DiagnosticKind string

const (
	// DiagMalformedTrace: a length-channel write arrived without matching
	// buffered name bytes; the pending open was discarded.
	DiagMalformedTrace DiagnosticKind = "malformed-trace"
	// DiagUnbalancedClose: a close marker arrived with only the root open;
	// the root is left open and unaffected.
	DiagUnbalancedClose DiagnosticKind = "unbalanced-close"
	// DiagNegativeCost: a region's computed self-cost was negative,
	// indicating an inconsistent or out-of-order trace. The value is kept,
	// never clamped, so the subtree's sums remain inspectable.
	DiagNegativeCost DiagnosticKind = "negative-cost"
	// DiagUnterminatedRegion: a region was still open at end of stream and
	// was closed implicitly at the final observed cycle count. Usually a
	// missing close call in the instrumented program.
	DiagUnterminatedRegion DiagnosticKind = "unterminated-region"
)

// Diagnostic is one non-fatal trace-data problem attached to the Report.
type Diagnostic struct {
	Kind   DiagnosticKind
	Region string // name of the affected region, if any
	Step   uint64 // event step index at which the problem was observed
	Detail string
}
