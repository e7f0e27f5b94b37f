// Package asg implements the memory-allocation and transport-control core of
// an address-space graphics device. A guest execution context and a host-side
// consumer (typically a render thread) share a fixed-size command ring and
// write buffer carved out of large pooled memory blocks; a small ping
// interface negotiates the wire protocol; and the whole device state,
// including raw block contents, survives snapshot save and load.
//
// The block pool (Globals) owns three collections of blocks: ring-only,
// buffer-only, and combined dedicated blocks backed by externally supplied
// memory. Each Context draws one ring allocation and one buffer allocation
// from those pools, wires the shared ring configuration into the ring
// allocation's memory, and talks to its consumer through a bounded command
// channel with guaranteed Exit delivery and best-effort Wakeup delivery.
package asg
