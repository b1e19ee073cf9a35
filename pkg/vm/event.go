// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vm defines the event model and guest channel ABI shared between a
// cycle-metered virtual machine and the host-side tracer. The VM delivers one
// Event per observable memory access; the tracer consumes them in step order.
package vm

// AccessKind distinguishes guest memory reads from writes.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
)

// String returns a human-readable access kind name
func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Event is one observed access to VM memory during execution. Events are
// produced by the execution engine in increasing Step order and are never
// mutated after delivery.
type Event struct {
	// Step is the monotonically increasing index of this event within the run.
	Step uint64
	// Cycles is the cumulative cycle count of the VM at this step.
	Cycles uint64
	// Addr is the guest address touched by the access.
	Addr uint32
	// Kind reports whether the access was a read or a write.
	Kind AccessKind
	// Data holds the bytes written for write accesses; nil for reads.
	Data []byte
}
