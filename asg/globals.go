package asg

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dolthub/swiss"

	"github.com/virtgfx/addrspace/memutils"
	"github.com/virtgfx/addrspace/stream"
)

// PoolKind names one of the three block collections owned by the pool.
type PoolKind int32

const (
	PoolRing PoolKind = iota
	PoolBuffer
	PoolCombined
)

// ExternalMemory is guest-owned memory supplied to re-back a dedicated block
// during snapshot load.
type ExternalMemory struct {
	Address []byte
}

// LoadResources carries the external memory replacements required to load
// externally backed blocks, keyed by dedicated context handle.
type LoadResources struct {
	contextExternalMemory *swiss.Map[uint32, ExternalMemory]
}

func NewLoadResources() *LoadResources {
	return &LoadResources{contextExternalMemory: swiss.NewMap[uint32, ExternalMemory](8)}
}

// AddContextExternalMemory registers the external memory for one dedicated
// context handle.
func (r *LoadResources) AddContextExternalMemory(handle uint32, mem ExternalMemory) {
	r.contextExternalMemory.Put(handle, mem)
}

// Globals is the block pool: the process-wide service owning the ring,
// buffer, and combined block collections and the control-operations table.
// It is constructed explicitly and passed to contexts by reference.
type Globals struct {
	logger *slog.Logger
	hw     HardwareConfig

	mu          sync.Mutex
	initialized bool
	ops         ControlOps
	consumer    ConsumerInterface

	ringBlocks     []block
	bufferBlocks   []block
	combinedBlocks []block
}

// NewGlobals creates an uninitialized pool. A nil logger falls back to
// slog.Default.
func NewGlobals(logger *slog.Logger, hw HardwareConfig) *Globals {
	if logger == nil {
		logger = slog.Default()
	}
	return &Globals{
		logger: logger,
		hw:     hw.withDefaults(),
	}
}

// Initialize installs the control-operations table. The first call wins;
// repeat calls are no-ops.
func (g *Globals) Initialize(ops ControlOps) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.initialized {
		return
	}
	g.ops = ops
	g.initialized = true
}

// Clear destroys every non-empty block in all three pools and drops the pool
// slots. Live contexts must have been destroyed first.
func (g *Globals) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.clearLocked()
}

func (g *Globals) clearLocked() {
	for _, blocks := range [][]block{g.ringBlocks, g.bufferBlocks, g.combinedBlocks} {
		for i := range blocks {
			if blocks[i].isEmpty {
				continue
			}
			blocks[i].destroy(g.ops)
		}
	}

	g.ringBlocks = nil
	g.bufferBlocks = nil
	g.combinedBlocks = nil
}

// PerContextBufferSize returns the configured write-buffer size.
func (g *Globals) PerContextBufferSize() int {
	return g.hw.PerContextBufferSize
}

// FlushInterval returns the configured ring flush interval.
func (g *Globals) FlushInterval() uint32 {
	return g.hw.FlushInterval
}

// ControlOps returns the installed control-operations table.
func (g *Globals) ControlOps() ControlOps {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.ops
}

// SetConsumer installs the consumer factory/hook set used by every context.
func (g *Globals) SetConsumer(iface ConsumerInterface) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consumer = iface
}

func (g *Globals) consumerInterface() (ConsumerInterface, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.consumer.validate(); err != nil {
		return ConsumerInterface{}, err
	}
	return g.consumer, nil
}

func (g *Globals) poolLocked(kind PoolKind) *[]block {
	switch kind {
	case PoolRing:
		return &g.ringBlocks
	case PoolBuffer:
		return &g.bufferBlocks
	case PoolCombined:
		return &g.combinedBlocks
	default:
		return nil
	}
}

func (g *Globals) newAllocation(create *allocationCreateInfo, kind PoolKind) (Allocation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if create.size > BlockSize {
		return Allocation{}, memutils.Fatalf(
			"wanted size 0x%x which is greater than block size 0x%x", create.size, BlockSize)
	}

	blocks := g.poolLocked(kind)

	for index := range *blocks {
		b := &(*blocks)[index]

		if b.isEmpty {
			// Lazily re-materialize a slot left behind by a destroyed block.
			if err := b.fill(g.ops, create); err != nil {
				return Allocation{}, err
			}
		}

		if b.hasDedicatedHandle != create.hasDedicatedHandle ||
			(b.hasDedicatedHandle && b.dedicatedHandle != create.dedicatedHandle) {
			continue
		}

		offset, ok := b.subAlloc.Alloc(create.size)
		if !ok {
			// block full
			continue
		}

		return g.allocationForLocked(b, index, offset, create), nil
	}

	newBlock := newEmptyBlock()
	if err := newBlock.fill(g.ops, create); err != nil {
		return Allocation{}, err
	}

	offset, ok := newBlock.subAlloc.Alloc(create.size)
	if !ok {
		newBlock.destroy(g.ops)
		return Allocation{}, memutils.Fatalf(
			"failed to allocate size 0x%x (no free slots or out of host memory)", create.size)
	}

	index := len(*blocks)
	*blocks = append(*blocks, newBlock)

	g.logger.LogAttrs(context.Background(), slog.LevelDebug, "created pool block",
		slog.Int("pool", int(kind)),
		slog.Int("block.index", index),
		slog.Uint64("apertureOffset", newBlock.apertureOffset))

	return g.allocationForLocked(&(*blocks)[index], index, offset, create), nil
}

func (g *Globals) allocationForLocked(b *block, index int, offset int, create *allocationCreateInfo) Allocation {
	return Allocation{
		Buffer:             b.buffer[offset : offset+create.size],
		BlockIndex:         index,
		ApertureOffset:     b.apertureOffset + uint64(offset),
		Size:               create.size,
		DedicatedHandle:    create.dedicatedHandle,
		HasDedicatedHandle: create.hasDedicatedHandle,
		HostmemID:          b.hostmemID,
	}
}

func (g *Globals) deleteAllocation(alloc Allocation, kind PoolKind) error {
	if alloc.Buffer == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	blocks := g.poolLocked(kind)
	if alloc.BlockIndex < 0 || alloc.BlockIndex >= len(*blocks) {
		return memutils.Fatalf(
			"should be a block at index %d but it is not found", alloc.BlockIndex)
	}

	b := &(*blocks)[alloc.BlockIndex]

	if b.external {
		b.destroy(g.ops)
		return nil
	}

	offset := int(alloc.ApertureOffset - b.apertureOffset)
	if !b.subAlloc.Free(offset) {
		return memutils.Fatalf(
			"failed to free allocation at block %d offset 0x%x", alloc.BlockIndex, offset)
	}

	if b.subAlloc.Empty() {
		g.logger.LogAttrs(context.Background(), slog.LevelDebug, "destroyed empty pool block",
			slog.Int("pool", int(kind)),
			slog.Int("block.index", alloc.BlockIndex))
		b.destroy(g.ops)
	}

	return nil
}

// AllocRingStorage draws a ring control structure from the ring pool.
func (g *Globals) AllocRingStorage() (Allocation, error) {
	create := allocationCreateInfo{size: RingStorageSize}
	return g.newAllocation(&create, PoolRing)
}

// FreeRingStorage releases a ring allocation. Views are no-ops: the combined
// allocation they alias owns the memory.
func (g *Globals) FreeRingStorage(alloc Allocation) error {
	if alloc.IsView {
		return nil
	}
	return g.deleteAllocation(alloc, PoolRing)
}

// AllocBuffer draws a per-context write buffer from the buffer pool.
func (g *Globals) AllocBuffer() (Allocation, error) {
	create := allocationCreateInfo{size: g.hw.PerContextBufferSize}
	return g.newAllocation(&create, PoolBuffer)
}

// FreeBuffer releases a buffer allocation. Views are no-ops.
func (g *Globals) FreeBuffer(alloc Allocation) error {
	if alloc.IsView {
		return nil
	}
	return g.deleteAllocation(alloc, PoolBuffer)
}

// AllocRingAndBufferStorageDedicated draws one combined ring+buffer
// allocation from the dedicated pool, backed by the externally supplied
// memory in create.
func (g *Globals) AllocRingAndBufferStorageDedicated(create CreateInfo) (Allocation, error) {
	if create.Handle == 0 {
		return Allocation{}, memutils.Fatalf("dedicated allocation requested without dedicated handle")
	}

	info := allocationCreateInfo{
		size:               RingStorageSize + g.hw.PerContextBufferSize,
		dedicatedHandle:    create.Handle,
		hasDedicatedHandle: true,
		externalHostmem:    true,
	}
	if create.ExternalMemory != nil {
		if len(create.ExternalMemory) < info.size {
			return Allocation{}, memutils.Fatalf(
				"external address size 0x%x too small, need 0x%x", len(create.ExternalMemory), info.size)
		}
		info.externalAddr = create.ExternalMemory
		info.size = len(create.ExternalMemory)
	}

	return g.newAllocation(&info, PoolCombined)
}

// AllocRingViewIntoCombined carves the ring view out of a combined
// allocation. No pool state changes.
func (g *Globals) AllocRingViewIntoCombined(alloc Allocation) Allocation {
	res := alloc
	res.Buffer = alloc.Buffer[:RingStorageSize]
	res.Size = RingStorageSize
	res.IsView = true
	return res
}

// AllocBufferViewIntoCombined carves the buffer view out of a combined
// allocation. No pool state changes.
func (g *Globals) AllocBufferViewIntoCombined(alloc Allocation) Allocation {
	res := alloc
	res.Buffer = alloc.Buffer[RingStorageSize : RingStorageSize+g.hw.PerContextBufferSize]
	res.Size = g.hw.PerContextBufferSize
	res.IsView = true
	return res
}

// FreeRingAndBuffer releases a combined dedicated allocation.
func (g *Globals) FreeRingAndBuffer(alloc Allocation) error {
	return g.deleteAllocation(alloc, PoolCombined)
}

// PreSave runs the consumer's global pre-save hook before the pool is
// serialized.
func (g *Globals) PreSave() {
	if g.consumer.GlobalPreSave != nil {
		g.consumer.GlobalPreSave()
	}
}

// Save serializes all three pools: per block a presence flag, the block
// metadata, the sub-allocator state, and (for non-external blocks) the raw
// buffer contents.
func (g *Globals) Save(w *stream.Writer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w.PutUint64(uint64(len(g.ringBlocks)))
	w.PutUint64(uint64(len(g.bufferBlocks)))
	w.PutUint64(uint64(len(g.combinedBlocks)))

	for _, blocks := range [][]block{g.ringBlocks, g.bufferBlocks, g.combinedBlocks} {
		for i := range blocks {
			blocks[i].save(w)
		}
	}
}

// PostSave runs the consumer's global post-save hook.
func (g *Globals) PostSave() {
	if g.consumer.GlobalPostSave != nil {
		g.consumer.GlobalPostSave()
	}
}

// Load clears the pools and rebuilds them from the stream. Externally backed
// blocks require a matching entry in resources; everything else reads its
// raw contents back into freshly mapped memory. Must run before any
// per-context load.
func (g *Globals) Load(r *stream.Reader, resources *LoadResources) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.clearLocked()

	if g.consumer.GlobalPreLoad != nil {
		g.consumer.GlobalPreLoad()
	}

	ringCount := int(r.GetUint64())
	bufferCount := int(r.GetUint64())
	combinedCount := int(r.GetUint64())
	if err := r.Err(); err != nil {
		return err
	}

	g.ringBlocks = make([]block, ringCount)
	g.bufferBlocks = make([]block, bufferCount)
	g.combinedBlocks = make([]block, combinedCount)

	// Slots start empty so a failed load leaves nothing half-materialized
	// behind for Clear to trip over.
	for _, blocks := range [][]block{g.ringBlocks, g.bufferBlocks, g.combinedBlocks} {
		for i := range blocks {
			blocks[i] = newEmptyBlock()
		}
	}

	for _, blocks := range [][]block{g.ringBlocks, g.bufferBlocks, g.combinedBlocks} {
		for i := range blocks {
			if err := g.loadBlockLocked(r, resources, &blocks[i]); err != nil {
				return err
			}
		}
	}

	return nil
}

func (g *Globals) loadBlockLocked(r *stream.Reader, resources *LoadResources, b *block) error {
	filled := r.GetUint32()
	if err := r.Err(); err != nil {
		return err
	}
	if filled == 0 {
		return nil
	}

	create := allocationCreateInfo{
		fromLoad:             true,
		hostmemRegisterFixed: true,
	}

	create.size = int(r.GetUint64())
	b.apertureOffset = r.GetUint64()
	if r.GetUint32() == 1 {
		create.hasDedicatedHandle = true
		create.dedicatedHandle = r.GetUint32()
	}
	create.externalHostmem = r.GetUint32() == 1

	if create.externalHostmem {
		if !create.hasDedicatedHandle {
			return memutils.Fatalf(
				"externally backed blocks are expected to have a dedicated context handle")
		}
		if resources == nil {
			return memutils.Fatalf(
				"externally backed blocks need external memory resources for loading")
		}
		mem, ok := resources.contextExternalMemory.Get(create.dedicatedHandle)
		if !ok {
			return memutils.Fatalf(
				"no external memory replacement for dedicated context handle %d", create.dedicatedHandle)
		}
		if len(mem.Address) < create.size {
			return memutils.Fatalf(
				"external memory for context handle %d is 0x%x bytes, saved block needs 0x%x",
				create.dedicatedHandle, len(mem.Address), create.size)
		}
		create.externalAddr = mem.Address
	}

	create.hostmemID = r.GetUint64()
	if err := r.Err(); err != nil {
		return err
	}

	if err := b.fill(g.ops, &create); err != nil {
		return err
	}

	if err := b.subAlloc.Load(r); err != nil {
		return err
	}

	if !b.external {
		r.Read(b.buffer)
	}

	return r.Err()
}

// FillAllocFromLoad resolves a loaded allocation's buffer and block-derived
// fields against the freshly rebuilt pool. The allocation must carry the
// block index, aperture offset, and size read from the stream.
func (g *Globals) FillAllocFromLoad(alloc *Allocation, kind PoolKind) {
	g.mu.Lock()
	defer g.mu.Unlock()

	blocks := g.poolLocked(kind)
	if blocks == nil || alloc.BlockIndex < 0 || alloc.BlockIndex >= len(*blocks) {
		return
	}

	b := &(*blocks)[alloc.BlockIndex]
	// Stream fields are untrusted; a corrupt index or offset must leave the
	// buffer unresolved rather than index out of range.
	if alloc.ApertureOffset < b.apertureOffset {
		return
	}
	offset := alloc.ApertureOffset - b.apertureOffset
	if alloc.Size < 0 || offset > uint64(len(b.buffer)) ||
		uint64(alloc.Size) > uint64(len(b.buffer))-offset {
		return
	}
	alloc.Buffer = b.buffer[offset : offset+uint64(alloc.Size)]
	alloc.DedicatedHandle = b.dedicatedHandle
	alloc.HasDedicatedHandle = b.hasDedicatedHandle
	alloc.HostmemID = b.hostmemID
}
