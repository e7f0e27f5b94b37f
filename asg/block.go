package asg

import (
	"github.com/virtgfx/addrspace/memutils"
	"github.com/virtgfx/addrspace/memutils/suballoc"
	"github.com/virtgfx/addrspace/stream"
)

// allocationCreateInfo carries everything block materialization needs. For
// shared-pool blocks most fields stay zero; dedicated blocks arrive with a
// handle and externally supplied memory.
type allocationCreateInfo struct {
	externalHostmem      bool
	hostmemRegisterFixed bool
	fromLoad             bool
	size                 int
	hostmemID            uint64
	externalAddr         []byte
	dedicatedHandle      uint32
	hasDedicatedHandle   bool
}

// block is one fixed-size physically backed region carved up by a
// sub-allocator. Destroyed blocks leave an empty placeholder slot in their
// pool so that surviving allocations keep stable block indices.
type block struct {
	buffer             []byte
	subAlloc           *suballoc.Allocator
	apertureOffset     uint64
	isEmpty            bool
	dedicatedHandle    uint32
	hasDedicatedHandle bool

	// External blocks wrap guest-supplied memory: they are never mapped
	// through the aperture and are destroyed as a unit, not on sub-allocator
	// emptiness.
	usesExternalHostmem bool
	hostmemID           uint64
	external            bool
	registeredHostmem   bool
}

func newEmptyBlock() block {
	return block{isEmpty: true}
}

// fill materializes the block from create. Shared-pool blocks acquire an
// aperture region and a host buffer; dedicated blocks adopt the supplied
// external memory and register it for a hostmem id.
func (b *block) fill(ops ControlOps, create *allocationCreateInfo) error {
	if create.hasDedicatedHandle {
		if !create.externalHostmem {
			return memutils.Fatalf("dedicated allocation for context handle %d without external host memory backing", create.dedicatedHandle)
		}
		if create.externalAddr == nil {
			return memutils.Fatalf("dedicated allocation for context handle %d without an external address", create.dedicatedHandle)
		}

		subAlloc, err := suballoc.New(create.size, PageSize)
		if err != nil {
			return err
		}

		b.external = true
		b.buffer = create.externalAddr[:create.size]
		b.subAlloc = subAlloc
		b.apertureOffset = 0
		b.isEmpty = false
		b.usesExternalHostmem = true
		b.dedicatedHandle = create.dedicatedHandle
		b.hasDedicatedHandle = true

		b.hostmemID = create.hostmemID
		if create.fromLoad {
			if create.hostmemRegisterFixed && b.hostmemID != 0 {
				ops.RegisterHostmemFixed(b.hostmemID, b.buffer)
				b.registeredHostmem = true
			}
		} else if b.hostmemID == 0 {
			b.hostmemID = ops.RegisterHostmem(b.buffer)
			b.registeredHostmem = true
		}

		return nil
	}

	if create.externalHostmem {
		return memutils.Fatalf("only dedicated allocations may use external host memory")
	}

	var apertureOffset uint64
	if create.fromLoad {
		apertureOffset = b.apertureOffset
		// A reservation failure here means the region already exists from
		// before the load cleared the pools; the offset is authoritative
		// either way.
		_ = ops.AllocSharedRegionFixed(BlockSize, apertureOffset)
	} else {
		offset, err := ops.AllocSharedRegion(BlockSize)
		if err != nil {
			return memutils.Fatalf("failed to allocate aperture backing region: %v", err)
		}
		apertureOffset = offset
	}

	subAlloc, err := suballoc.New(BlockSize, PageSize)
	if err != nil {
		return err
	}

	buf := make([]byte, BlockSize)
	ops.MapMemory(ops.PhysStart()+apertureOffset, buf)

	b.buffer = buf
	b.subAlloc = subAlloc
	b.apertureOffset = apertureOffset
	b.isEmpty = false
	return nil
}

// destroy releases the block's backing resources and marks the pool slot
// empty. The slot itself stays behind so block indices remain stable.
func (b *block) destroy(ops ControlOps) {
	if b.usesExternalHostmem {
		if b.registeredHostmem {
			ops.UnregisterHostmem(b.hostmemID)
		}
	} else if !b.external {
		ops.UnmapMemory(ops.PhysStart()+b.apertureOffset, b.buffer)
		_ = ops.FreeSharedRegion(b.apertureOffset)
	}

	b.buffer = nil
	b.subAlloc = nil
	b.registeredHostmem = false
	b.isEmpty = true
}

func (b *block) save(w *stream.Writer) {
	if b.isEmpty {
		w.PutUint32(0)
		return
	}
	w.PutUint32(1)

	w.PutUint64(uint64(len(b.buffer)))
	w.PutUint64(b.apertureOffset)
	if b.hasDedicatedHandle {
		w.PutUint32(1)
		w.PutUint32(b.dedicatedHandle)
	} else {
		w.PutUint32(0)
	}
	if b.usesExternalHostmem {
		w.PutUint32(1)
	} else {
		w.PutUint32(0)
	}
	w.PutUint64(b.hostmemID)

	b.subAlloc.Save(w)

	// External block contents belong to the external memory's own snapshot.
	if !b.external {
		w.Write(b.buffer)
	}
}
