// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tracer

import (
	"fmt"

	"github.com/antimetal/vmtrace/pkg/vm"
)

type markerKind uint8

const (
	markerOpen markerKind = iota
	markerClose
)

// marker is a reconstructed open/close operation derived from channel writes.
type marker struct {
	kind   markerKind
	name   string
	cycles uint64
}

// channelWatcher filters the raw event stream down to writes touching the
// three guest channels and reassembles them into markers. It holds only the
// pending-name buffer needed to stitch a name together across message and
// length writes.
type channelWatcher struct {
	buf     [vm.MessageChannelSize]byte
	written [vm.MessageChannelSize]bool
}

// observe classifies one event. It returns the reconstructed marker and true
// when the event completes an open or close operation. A length write that
// arrives without enough buffered name bytes returns an error wrapping
// ErrMalformedTrace; the pending name is discarded either way.
func (w *channelWatcher) observe(ev vm.Event) (marker, bool, error) {
	if ev.Kind != vm.AccessWrite {
		return marker{}, false, nil
	}

	switch {
	case vm.InMessageChannel(ev.Addr):
		off := int(ev.Addr - vm.MessageChannelBase)
		for i, b := range ev.Data {
			if off+i >= len(w.buf) {
				break
			}
			w.buf[off+i] = b
			w.written[off+i] = true
		}
		return marker{}, false, nil

	case ev.Addr == vm.MessageLengthChannelAddr:
		name, err := w.takeName(vm.DecodeWord(ev.Data))
		if err != nil {
			return marker{}, false, err
		}
		return marker{kind: markerOpen, name: name, cycles: ev.Cycles}, true, nil

	case ev.Addr == vm.SignalChannelAddr:
		if vm.DecodeWord(ev.Data) == vm.SignalCloseRegion {
			return marker{kind: markerClose, cycles: ev.Cycles}, true, nil
		}
		// Reserved signal values; ignore.
		return marker{}, false, nil
	}

	return marker{}, false, nil
}

// takeName consumes the pending name buffer. The first n buffered bytes must
// all have been written since the last open; the watcher never guesses a
// truncated name.
func (w *channelWatcher) takeName(n uint64) (string, error) {
	defer w.reset()

	if n > uint64(len(w.buf)) {
		return "", fmt.Errorf("%w: name length %d exceeds message channel size %d",
			ErrMalformedTrace, n, len(w.buf))
	}
	for i := 0; i < int(n); i++ {
		if !w.written[i] {
			return "", fmt.Errorf("%w: name length %d but only %d bytes buffered",
				ErrMalformedTrace, n, i)
		}
	}
	return string(w.buf[:n]), nil
}

func (w *channelWatcher) reset() {
	w.written = [vm.MessageChannelSize]bool{}
}
