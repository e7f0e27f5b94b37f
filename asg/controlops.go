package asg

// ControlOps is the host control-operations table the pool consumes. It maps
// host buffers into the guest-visible aperture, manages the aperture's region
// allocator, tracks host-memory ids for externally backed blocks, and
// resolves guest physical addresses back to host memory.
type ControlOps interface {
	// AllocSharedRegion reserves size bytes somewhere in the aperture and
	// returns the region's offset from the aperture base.
	AllocSharedRegion(size int) (uint64, error)
	// AllocSharedRegionFixed reserves size bytes at the exact given offset.
	// Used on snapshot load, where block offsets must be reproduced.
	AllocSharedRegionFixed(size int, offset uint64) error
	// FreeSharedRegion releases a region previously reserved at offset.
	FreeSharedRegion(offset uint64) error
	// PhysStart returns the guest physical address of the aperture base.
	PhysStart() uint64

	// MapMemory makes buf visible to the guest at physAddr.
	MapMemory(physAddr uint64, buf []byte)
	// UnmapMemory removes a mapping installed by MapMemory.
	UnmapMemory(physAddr uint64, buf []byte)

	// RegisterHostmem assigns a fresh host-memory id to buf.
	RegisterHostmem(buf []byte) uint64
	// RegisterHostmemFixed re-registers buf under a previously assigned id.
	// Used on snapshot load.
	RegisterHostmemFixed(id uint64, buf []byte)
	// UnregisterHostmem releases a host-memory id.
	UnregisterHostmem(id uint64)

	// GetHostPtr resolves a guest physical address to the host memory mapped
	// there, or nil if nothing is mapped.
	GetHostPtr(physAddr uint64) []byte
}
