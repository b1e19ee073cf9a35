// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vm

// The guest instrumentation convention reserves three fixed channels at the
// top of the guest address space. Writing a region name's bytes to the message
// channel followed by the name's length to the length channel opens a region;
// writing SignalCloseRegion to the signal channel closes the current one.
// The layout is part of the guest ABI and is not configurable at runtime.
const (
	// MessageChannelBase is the first address of the region-name byte buffer.
	MessageChannelBase uint32 = 0xfffffe00
	// MessageChannelSize is the size of the name buffer, and therefore the
	// maximum length of a region name.
	MessageChannelSize uint32 = 256
	// MessageLengthChannelAddr receives the byte length of the pending name.
	MessageLengthChannelAddr uint32 = 0xffffff00
	// SignalChannelAddr receives control values; values other than
	// SignalCloseRegion are reserved.
	SignalChannelAddr uint32 = 0xffffff08

	// SignalCloseRegion closes the innermost open region.
	SignalCloseRegion uint64 = 0
)

// InMessageChannel reports whether addr falls inside the message channel.
func InMessageChannel(addr uint32) bool {
	return addr >= MessageChannelBase && addr < MessageChannelBase+MessageChannelSize
}

// DecodeWord decodes up to eight little-endian bytes as written by the guest.
// Shorter writes are zero-extended; bytes beyond the eighth are ignored.
func DecodeWord(data []byte) uint64 {
	var v uint64
	for i, b := range data {
		if i == 8 {
			break
		}
		v |= uint64(b) << (8 * i)
	}
	return v
}
