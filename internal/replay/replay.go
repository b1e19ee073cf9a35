// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package replay feeds recorded VM traces to a tracer. A recorded trace is a
// JSON-lines file with one event per line:
//
//	{"step":12,"cycles":3400,"addr":4096,"kind":"write","data":"00ff"}
//
// Data is hex-encoded and omitted for reads. Blank lines are allowed.
package replay

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"

	"github.com/antimetal/vmtrace/pkg/tracer"
	"github.com/antimetal/vmtrace/pkg/vm"
)

type record struct {
	Step   uint64 `json:"step"`
	Cycles uint64 `json:"cycles"`
	Addr   uint32 `json:"addr"`
	Kind   string `json:"kind"`
	Data   string `json:"data,omitempty"`
}

func (r record) event() (vm.Event, error) {
	ev := vm.Event{
		Step:   r.Step,
		Cycles: r.Cycles,
		Addr:   r.Addr,
	}
	switch r.Kind {
	case "read":
		ev.Kind = vm.AccessRead
	case "write":
		ev.Kind = vm.AccessWrite
	default:
		return vm.Event{}, fmt.Errorf("unknown access kind %q", r.Kind)
	}
	if r.Data != "" {
		data, err := hex.DecodeString(r.Data)
		if err != nil {
			return vm.Event{}, fmt.Errorf("bad data field: %w", err)
		}
		ev.Data = data
	}
	return ev, nil
}

// File streams the recorded trace at path into t and returns the number of
// events delivered. Lines that fail to parse abort the replay; malformed
// trace content inside a valid event stream does not, matching live
// ingestion, and is logged instead.
func File(path string, t *tracer.Tracer, logger logr.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()

	log := logger.WithName("replay")
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	delivered := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return delivered, fmt.Errorf("line %d: failed to parse trace record: %w", line, err)
		}
		ev, err := rec.event()
		if err != nil {
			return delivered, fmt.Errorf("line %d: %w", line, err)
		}

		if err := t.HandleEvent(ev); err != nil {
			if !errors.Is(err, tracer.ErrMalformedTrace) {
				return delivered, fmt.Errorf("line %d: %w", line, err)
			}
			log.Info("malformed trace content, continuing", "line", line, "error", err.Error())
		}
		delivered++
	}
	if err := scanner.Err(); err != nil {
		return delivered, fmt.Errorf("failed to read trace: %w", err)
	}
	return delivered, nil
}

// Run replays the trace at path through a fresh tracer and returns the
// finalized report.
func Run(path string, logger logr.Logger, cfg tracer.Config) (*tracer.Report, error) {
	t, err := tracer.New(logger, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := File(path, t, logger); err != nil {
		return nil, err
	}
	return t.FinalizeAndReport()
}
