package asg

import (
	"sync"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"

	"github.com/virtgfx/addrspace/memutils/suballoc"
)

type hostMapping struct {
	physAddr uint64
	buf      []byte
}

// HostAddressSpace is an in-process ControlOps implementation: a
// page-granular region allocator over a simulated aperture plus a
// host-memory id registry. It backs the package tests and any host that runs
// the device without a hypervisor-provided control table.
type HostAddressSpace struct {
	mu            sync.Mutex
	physStart     uint64
	regions       *suballoc.Allocator
	mappings      []hostMapping
	hostmem       *swiss.Map[uint64, []byte]
	nextHostmemID uint64
}

var _ ControlOps = (*HostAddressSpace)(nil)

// NewHostAddressSpace creates an aperture of apertureSize bytes whose base
// sits at guest physical address physStart.
func NewHostAddressSpace(physStart uint64, apertureSize int) (*HostAddressSpace, error) {
	regions, err := suballoc.New(apertureSize, PageSize)
	if err != nil {
		return nil, err
	}

	return &HostAddressSpace{
		physStart:     physStart,
		regions:       regions,
		hostmem:       swiss.NewMap[uint64, []byte](8),
		nextHostmemID: 1,
	}, nil
}

func (h *HostAddressSpace) AllocSharedRegion(size int) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	offset, ok := h.regions.Alloc(size)
	if !ok {
		return 0, errors.Errorf("aperture exhausted: no region of size %d available", size)
	}
	return uint64(offset), nil
}

func (h *HostAddressSpace) AllocSharedRegionFixed(size int, offset uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.regions.AllocAt(int(offset), size)
}

func (h *HostAddressSpace) FreeSharedRegion(offset uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.regions.Free(int(offset)) {
		return errors.Errorf("no shared region reserved at offset 0x%x", offset)
	}
	return nil
}

func (h *HostAddressSpace) PhysStart() uint64 {
	return h.physStart
}

func (h *HostAddressSpace) MapMemory(physAddr uint64, buf []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.mappings = append(h.mappings, hostMapping{physAddr: physAddr, buf: buf})
}

func (h *HostAddressSpace) UnmapMemory(physAddr uint64, buf []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, m := range h.mappings {
		if m.physAddr == physAddr && &m.buf[0] == &buf[0] {
			h.mappings = append(h.mappings[:i], h.mappings[i+1:]...)
			return
		}
	}
}

func (h *HostAddressSpace) RegisterHostmem(buf []byte) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextHostmemID
	h.nextHostmemID++
	h.hostmem.Put(id, buf)
	return id
}

func (h *HostAddressSpace) RegisterHostmemFixed(id uint64, buf []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.hostmem.Put(id, buf)
	if id >= h.nextHostmemID {
		h.nextHostmemID = id + 1
	}
}

func (h *HostAddressSpace) UnregisterHostmem(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.hostmem.Delete(id)
}

// Hostmem returns the memory registered under id, if any.
func (h *HostAddressSpace) Hostmem(id uint64) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.hostmem.Get(id)
}

func (h *HostAddressSpace) GetHostPtr(physAddr uint64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range h.mappings {
		if physAddr >= m.physAddr && physAddr < m.physAddr+uint64(len(m.buf)) {
			return m.buf[physAddr-m.physAddr:]
		}
	}
	return nil
}
