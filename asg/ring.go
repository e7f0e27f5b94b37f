package asg

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/virtgfx/addrspace/stream"
)

// The ring control structure lives at the start of the ring allocation and is
// shared between the guest and the consumer thread. Both sides interpret it
// as eight little-endian 32-bit words at these byte offsets. Changing the
// layout breaks the guest ABI.
const (
	ringCfgBufferSizeOffset      = 0
	ringCfgFlushIntervalOffset   = 4
	ringCfgHostConsumedPosOffset = 8
	ringCfgGuestWritePosOffset   = 12
	ringCfgTransferModeOffset    = 16
	ringCfgTransferSizeOffset    = 20
	ringCfgInErrorOffset         = 24
	ringHostStateOffset          = 28
)

// HostState is the shared word through which the consumer publishes whether
// it needs a notification, is able to consume, or has exited.
type HostState uint32

const (
	HostStateCanConsume HostState = iota
	HostStateNeedNotify
	HostStateRendering
	HostStateExit
)

// RingConfig is a host-side copy of the seven shared ring configuration
// words. The live words stay in guest-visible memory; this value type exists
// for the construction-time snapshot restored by the GET_CONFIG ping and for
// serialization.
type RingConfig struct {
	BufferSize      uint32
	FlushInterval   uint32
	HostConsumedPos uint32
	GuestWritePos   uint32
	TransferMode    uint32
	TransferSize    uint32
	InError         uint32
}

// Save writes the seven configuration words in layout order.
func (c *RingConfig) Save(w *stream.Writer) {
	w.PutUint32(c.BufferSize)
	w.PutUint32(c.FlushInterval)
	w.PutUint32(c.HostConsumedPos)
	w.PutUint32(c.GuestWritePos)
	w.PutUint32(c.TransferMode)
	w.PutUint32(c.TransferSize)
	w.PutUint32(c.InError)
}

// Load reads the seven configuration words in layout order.
func (c *RingConfig) Load(r *stream.Reader) {
	c.BufferSize = r.GetUint32()
	c.FlushInterval = r.GetUint32()
	c.HostConsumedPos = r.GetUint32()
	c.GuestWritePos = r.GetUint32()
	c.TransferMode = r.GetUint32()
	c.TransferSize = r.GetUint32()
	c.InError = r.GetUint32()
}

// HostContext is the consumer's window onto one context's shared memory: the
// ring control structure and the write buffer. It is a value type aliasing
// pool-owned memory and holds no resources of its own.
type HostContext struct {
	ring   []byte
	buffer []byte
}

func newHostContext(ring, buffer []byte) HostContext {
	if len(ring) < RingStorageSize {
		panic("ring allocation is smaller than the ring control structure")
	}
	return HostContext{ring: ring, buffer: buffer}
}

// Buffer returns the context's shared write buffer.
func (h HostContext) Buffer() []byte {
	return h.buffer
}

// RingStorage returns the raw ring control structure bytes.
func (h HostContext) RingStorage() []byte {
	return h.ring[:RingStorageSize]
}

// Config reads the live shared ring configuration.
func (h HostContext) Config() RingConfig {
	return RingConfig{
		BufferSize:      binary.LittleEndian.Uint32(h.ring[ringCfgBufferSizeOffset:]),
		FlushInterval:   binary.LittleEndian.Uint32(h.ring[ringCfgFlushIntervalOffset:]),
		HostConsumedPos: binary.LittleEndian.Uint32(h.ring[ringCfgHostConsumedPosOffset:]),
		GuestWritePos:   binary.LittleEndian.Uint32(h.ring[ringCfgGuestWritePosOffset:]),
		TransferMode:    binary.LittleEndian.Uint32(h.ring[ringCfgTransferModeOffset:]),
		TransferSize:    binary.LittleEndian.Uint32(h.ring[ringCfgTransferSizeOffset:]),
		InError:         binary.LittleEndian.Uint32(h.ring[ringCfgInErrorOffset:]),
	}
}

// WriteConfig overwrites all seven live shared configuration words.
func (h HostContext) WriteConfig(c RingConfig) {
	binary.LittleEndian.PutUint32(h.ring[ringCfgBufferSizeOffset:], c.BufferSize)
	binary.LittleEndian.PutUint32(h.ring[ringCfgFlushIntervalOffset:], c.FlushInterval)
	binary.LittleEndian.PutUint32(h.ring[ringCfgHostConsumedPosOffset:], c.HostConsumedPos)
	binary.LittleEndian.PutUint32(h.ring[ringCfgGuestWritePosOffset:], c.GuestWritePos)
	binary.LittleEndian.PutUint32(h.ring[ringCfgTransferModeOffset:], c.TransferMode)
	binary.LittleEndian.PutUint32(h.ring[ringCfgTransferSizeOffset:], c.TransferSize)
	binary.LittleEndian.PutUint32(h.ring[ringCfgInErrorOffset:], c.InError)
}

// SetBufferSize updates the shared buffer-size word without touching the live
// ring positions. Used on the load path, where position state survives in
// shared memory.
func (h HostContext) SetBufferSize(v uint32) {
	binary.LittleEndian.PutUint32(h.ring[ringCfgBufferSizeOffset:], v)
}

// SetFlushInterval updates the shared flush-interval word without touching
// the live ring positions.
func (h HostContext) SetFlushInterval(v uint32) {
	binary.LittleEndian.PutUint32(h.ring[ringCfgFlushIntervalOffset:], v)
}

// HostState reads the shared host state word. The word is accessed
// atomically: the consumer thread writes it while the guest polls it.
func (h HostContext) HostState() HostState {
	return HostState(atomic.LoadUint32(h.hostStateWord()))
}

// SetHostState writes the shared host state word.
func (h HostContext) SetHostState(s HostState) {
	atomic.StoreUint32(h.hostStateWord(), uint32(s))
}

func (h HostContext) hostStateWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&h.ring[ringHostStateOffset]))
}
