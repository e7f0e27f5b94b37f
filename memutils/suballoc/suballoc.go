// Package suballoc implements a page-granular free-list allocator over a
// single flat buffer. It hands out byte offsets rather than pointers, so the
// same allocator state is valid against any backing buffer of the right size.
// Its full state can be serialized and restored byte-exactly, which is what
// lets a device snapshot rebuild live allocations against freshly mapped
// memory.
package suballoc

import (
	"sort"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"

	"github.com/virtgfx/addrspace/memutils"
	"github.com/virtgfx/addrspace/stream"
)

// span is a contiguous free region. The free list holds spans sorted by
// offset with no two spans adjacent (adjacent spans are coalesced on free).
type span struct {
	offset int
	size   int
}

// Allocator carves page-aligned sub-ranges out of one fixed-size buffer.
// It is not goroutine-safe; the owning pool serializes access.
type Allocator struct {
	size     int
	pageSize int
	freeList []span
	used     *swiss.Map[int, int]
}

// New creates an allocator managing size bytes at pageSize granularity.
// pageSize must be a power of two. A size that is not a page multiple is
// rounded down; the tail bytes are never handed out.
func New(size int, pageSize int) (*Allocator, error) {
	if err := memutils.CheckPow2(pageSize, "page size"); err != nil {
		return nil, err
	}
	size = memutils.AlignDown(size, pageSize)
	if size <= 0 {
		return nil, errors.Errorf("buffer size %d leaves no full page at page size %d", size, pageSize)
	}

	return &Allocator{
		size:     size,
		pageSize: pageSize,
		freeList: []span{{offset: 0, size: size}},
		used:     swiss.NewMap[int, int](8),
	}, nil
}

// Size returns the total number of bytes under management.
func (a *Allocator) Size() int {
	return a.size
}

// PageSize returns the allocation granularity.
func (a *Allocator) PageSize() int {
	return a.pageSize
}

// Empty reports whether no allocations are live.
func (a *Allocator) Empty() bool {
	return a.used.Count() == 0
}

// AllocationCount returns the number of live allocations.
func (a *Allocator) AllocationCount() int {
	return a.used.Count()
}

// FreeBytes returns the total free capacity. Fragmentation may prevent a
// single allocation of this size.
func (a *Allocator) FreeBytes() int {
	total := 0
	for _, s := range a.freeList {
		total += s.size
	}
	return total
}

// Alloc reserves size bytes rounded up to the page granularity, first-fit.
// It returns the offset of the reservation, or ok=false when no free span
// can hold the request.
func (a *Allocator) Alloc(size int) (offset int, ok bool) {
	if size <= 0 {
		return 0, false
	}

	size = memutils.AlignUp(size, a.pageSize)

	for i := 0; i < len(a.freeList); i++ {
		s := a.freeList[i]
		if s.size < size {
			continue
		}

		if s.size == size {
			a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
		} else {
			a.freeList[i] = span{offset: s.offset + size, size: s.size - size}
		}

		a.used.Put(s.offset, size)
		return s.offset, true
	}

	return 0, false
}

// Free releases the allocation at offset. It returns false if offset does
// not name a live allocation.
func (a *Allocator) Free(offset int) bool {
	size, ok := a.used.Get(offset)
	if !ok {
		return false
	}

	a.used.Delete(offset)
	a.insertFree(span{offset: offset, size: size})
	return true
}

// AllocAt reserves size bytes (rounded up to the page granularity) at the
// exact page-aligned offset. It fails if any part of the range is not free.
func (a *Allocator) AllocAt(offset, size int) error {
	if offset%a.pageSize != 0 {
		return errors.Errorf("offset %d is not aligned to page size %d", offset, a.pageSize)
	}
	if size <= 0 {
		return errors.Errorf("cannot reserve non-positive size %d", size)
	}
	return a.reserve(offset, memutils.AlignUp(size, a.pageSize))
}

// AllocationSize returns the reserved (page-rounded) size of the allocation
// at offset.
func (a *Allocator) AllocationSize(offset int) (int, bool) {
	return a.used.Get(offset)
}

// VisitAllocations calls visit for each live allocation in offset order.
// Returning false from visit stops the walk.
func (a *Allocator) VisitAllocations(visit func(offset, size int) bool) {
	offsets := make([]int, 0, a.used.Count())
	a.used.Iter(func(offset, size int) bool {
		offsets = append(offsets, offset)
		return false
	})
	sort.Ints(offsets)

	for _, offset := range offsets {
		size, _ := a.used.Get(offset)
		if !visit(offset, size) {
			return
		}
	}
}

// VisitFreeSpans calls visit for each free region in offset order.
// Returning false from visit stops the walk.
func (a *Allocator) VisitFreeSpans(visit func(offset, size int) bool) {
	for _, s := range a.freeList {
		if !visit(s.offset, s.size) {
			return
		}
	}
}

// Clear drops every live allocation, returning the whole buffer to one free span.
func (a *Allocator) Clear() {
	a.used = swiss.NewMap[int, int](8)
	a.freeList = []span{{offset: 0, size: a.size}}
}

func (a *Allocator) insertFree(s span) {
	i := sort.Search(len(a.freeList), func(i int) bool {
		return a.freeList[i].offset > s.offset
	})

	a.freeList = append(a.freeList, span{})
	copy(a.freeList[i+1:], a.freeList[i:])
	a.freeList[i] = s

	// Merge with the following span, then the preceding one.
	if i+1 < len(a.freeList) && a.freeList[i].offset+a.freeList[i].size == a.freeList[i+1].offset {
		a.freeList[i].size += a.freeList[i+1].size
		a.freeList = append(a.freeList[:i+1], a.freeList[i+2:]...)
	}
	if i > 0 && a.freeList[i-1].offset+a.freeList[i-1].size == a.freeList[i].offset {
		a.freeList[i-1].size += a.freeList[i].size
		a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
	}
}

// reserve carves an exact range out of the free list. Used by Load to replay
// a saved live set.
func (a *Allocator) reserve(offset, size int) error {
	for i := 0; i < len(a.freeList); i++ {
		s := a.freeList[i]
		if offset < s.offset || offset+size > s.offset+s.size {
			continue
		}

		before := span{offset: s.offset, size: offset - s.offset}
		after := span{offset: offset + size, size: s.offset + s.size - (offset + size)}

		a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
		if after.size > 0 {
			a.freeList = append(a.freeList, span{})
			copy(a.freeList[i+1:], a.freeList[i:])
			a.freeList[i] = after
		}
		if before.size > 0 {
			a.freeList = append(a.freeList, span{})
			copy(a.freeList[i+1:], a.freeList[i:])
			a.freeList[i] = before
		}

		a.used.Put(offset, size)
		return nil
	}

	return errors.Errorf("range [%d, %d) is not free", offset, offset+size)
}

// Validate checks free-list ordering and that no free span overlaps a live
// allocation. It only exists to support memutils.DebugValidate.
func (a *Allocator) Validate() error {
	covered := 0
	for i, s := range a.freeList {
		if s.size <= 0 {
			return errors.Errorf("free span %d has non-positive size %d", i, s.size)
		}
		if i > 0 {
			prev := a.freeList[i-1]
			if prev.offset+prev.size > s.offset {
				return errors.Errorf("free spans %d and %d overlap or are out of order", i-1, i)
			}
		}
		covered += s.size
	}

	usedBytes := 0
	a.used.Iter(func(offset, size int) bool {
		usedBytes += size
		return false
	})

	if covered+usedBytes != a.size {
		return errors.Errorf("free bytes %d + used bytes %d does not cover buffer size %d", covered, usedBytes, a.size)
	}
	return nil
}

// Save serializes the allocator state: granularity, managed size, then the
// live allocation set ordered by offset.
func (a *Allocator) Save(w *stream.Writer) {
	w.PutUint32(uint32(a.pageSize))
	w.PutUint64(uint64(a.size))
	w.PutUint64(uint64(a.used.Count()))

	offsets := make([]int, 0, a.used.Count())
	a.used.Iter(func(offset, size int) bool {
		offsets = append(offsets, offset)
		return false
	})
	sort.Ints(offsets)

	for _, offset := range offsets {
		size, _ := a.used.Get(offset)
		w.PutUint64(uint64(offset))
		w.PutUint64(uint64(size))
	}
}

// Load replaces the allocator state with one previously written by Save.
// The stored managed size and granularity must match this allocator's.
func (a *Allocator) Load(r *stream.Reader) error {
	pageSize := int(r.GetUint32())
	size := int(r.GetUint64())
	count := int(r.GetUint64())
	if err := r.Err(); err != nil {
		return err
	}

	if pageSize != a.pageSize || size != a.size {
		return errors.Errorf(
			"saved allocator shape (size %d, page %d) does not match this allocator (size %d, page %d)",
			size, pageSize, a.size, a.pageSize)
	}

	a.Clear()

	for i := 0; i < count; i++ {
		offset := int(r.GetUint64())
		allocSize := int(r.GetUint64())
		if err := r.Err(); err != nil {
			return err
		}
		if err := a.reserve(offset, allocSize); err != nil {
			return err
		}
	}

	memutils.DebugValidate(a)
	return nil
}
