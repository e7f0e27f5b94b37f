package asg

import "github.com/virtgfx/addrspace/stream"

// Allocation is a claim ticket for a sub-range of one pooled block. Buffer
// aliases the block's memory and is never owned by the allocation; the pool
// releases the backing bytes when the allocation is deleted. An allocation
// with IsView set aliases part of a combined allocation and owns nothing:
// freeing it through the pool is a no-op.
type Allocation struct {
	Buffer             []byte
	BlockIndex         int
	ApertureOffset     uint64
	Size               int
	DedicatedHandle    uint32
	HasDedicatedHandle bool
	HostmemID          uint64
	IsView             bool
}

// Save writes the pool-resolvable identity of the allocation. The buffer
// contents and the dedicated/hostmem fields are not written here: they are
// re-resolved from the loaded block on the other side.
func (a *Allocation) Save(w *stream.Writer) {
	w.PutUint64(uint64(a.BlockIndex))
	w.PutUint64(a.ApertureOffset)
	w.PutUint64(uint64(a.Size))
	if a.IsView {
		w.PutUint32(1)
	} else {
		w.PutUint32(0)
	}
}

// Load reads the identity written by Save. Buffer stays nil until the
// allocation is resolved against the loaded pool.
func (a *Allocation) Load(r *stream.Reader) {
	a.BlockIndex = int(r.GetUint64())
	a.ApertureOffset = r.GetUint64()
	a.Size = int(r.GetUint64())
	a.IsView = r.GetUint32() == 1
	a.Buffer = nil
}
