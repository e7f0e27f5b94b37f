package asg

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/virtgfx/addrspace/memutils"
	"github.com/virtgfx/addrspace/stream"
)

// CreateInfo describes a context to be created.
type CreateInfo struct {
	// FromSnapshot defers all allocation and consumer work to a later Load.
	FromSnapshot bool

	// VirtioGpu selects the dedicated path: one combined ring+buffer
	// allocation backed by ExternalMemory, identified by Handle.
	VirtioGpu bool
	Handle    uint32
	ContextID uint32
	CapsetID  uint32
	Name      string

	// ExternalMemory backs the combined allocation on the virtio-gpu path.
	// Must be at least RingStorageSize plus the per-context buffer size.
	ExternalMemory []byte

	// CreateConsumer makes the consumer eagerly at construction instead of
	// waiting for the version handshake.
	CreateConsumer bool
}

// Context is one guest context: its ring storage, its write buffer, its
// consumer, and the transport-control state machine between them.
type Context struct {
	globals *Globals
	logger  *slog.Logger

	virtioGpu *VirtioGpuInfo

	ringAlloc     Allocation
	bufferAlloc   Allocation
	combinedAlloc Allocation

	hostContext HostContext
	savedConfig RingConfig

	version              uint32
	exiting              atomic.Uint32
	unavailableReadCount uint32

	consumer  Consumer
	iface     ConsumerInterface
	callbacks ConsumerCallbacks
	messages  *commandChannel

	fatalMu  sync.Mutex
	fatalErr error
}

// NewContext allocates the context's ring and buffer storage and, unless the
// context is being restored from a snapshot, initializes the ring config the
// guest will read.
func NewContext(globals *Globals, create CreateInfo) (*Context, error) {
	iface, err := globals.consumerInterface()
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		globals:  globals,
		logger:   globals.logger,
		version:  1,
		iface:    iface,
		messages: newCommandChannel(),
	}
	ctx.callbacks = ConsumerCallbacks{
		OnUnavailableRead: ctx.OnUnavailableRead,
		GetPtr:            globals.ControlOps().GetHostPtr,
	}

	if create.VirtioGpu {
		ctx.virtioGpu = &VirtioGpuInfo{
			ContextID: create.ContextID,
			CapsetID:  create.CapsetID,
			Name:      create.Name,
		}
	}

	if create.FromSnapshot {
		// Everything else arrives via Load.
		return ctx, nil
	}

	if create.VirtioGpu {
		combined, err := globals.AllocRingAndBufferStorageDedicated(create)
		if err != nil {
			return nil, err
		}
		ctx.combinedAlloc = combined
		ctx.ringAlloc = globals.AllocRingViewIntoCombined(combined)
		ctx.bufferAlloc = globals.AllocBufferViewIntoCombined(combined)
	} else {
		ring, err := globals.AllocRingStorage()
		if err != nil {
			return nil, err
		}
		buffer, err := globals.AllocBuffer()
		if err != nil {
			_ = globals.FreeRingStorage(ring)
			return nil, err
		}
		ctx.ringAlloc = ring
		ctx.bufferAlloc = buffer
	}

	if ctx.ringAlloc.Buffer == nil || ctx.bufferAlloc.Buffer == nil {
		return nil, memutils.Fatalf("ring or buffer storage came back unbacked")
	}

	ctx.hostContext = newHostContext(ctx.ringAlloc.Buffer, ctx.bufferAlloc.Buffer)

	cfg := RingConfig{
		BufferSize:    uint32(globals.PerContextBufferSize()),
		FlushInterval: globals.FlushInterval(),
		TransferMode:  1,
	}
	ctx.hostContext.WriteConfig(cfg)
	ctx.savedConfig = cfg

	if create.CreateConsumer {
		ctx.createConsumer(nil)
	}

	ctx.logger.LogAttrs(context.Background(), slog.LevelDebug, "created context",
		slog.Bool("virtioGpu", create.VirtioGpu),
		slog.Uint64("ring.apertureOffset", ctx.ringAlloc.ApertureOffset),
		slog.Uint64("buffer.apertureOffset", ctx.bufferAlloc.ApertureOffset))

	return ctx, nil
}

func (ctx *Context) createConsumer(loadStream *stream.Reader) {
	var contextID, capsetID uint32
	var name string
	if ctx.virtioGpu != nil {
		contextID = ctx.virtioGpu.ContextID
		capsetID = ctx.virtioGpu.CapsetID
		name = ctx.virtioGpu.Name
	}
	ctx.consumer = ctx.iface.Create(ctx.hostContext, loadStream, ctx.callbacks, contextID, capsetID, name)
}

// HostContext exposes the ring and buffer views for tests and consumers that
// hold the context directly.
func (ctx *Context) HostContext() HostContext {
	return ctx.hostContext
}

// Version returns the negotiated protocol version.
func (ctx *Context) Version() uint32 {
	return ctx.version
}

// VirtioGpu returns the dedicated-path identity, or nil for a shared-pool
// context.
func (ctx *Context) VirtioGpu() *VirtioGpuInfo {
	return ctx.virtioGpu
}

// Destroy stops the consumer and releases the context's allocations. The
// consumer is told to exit and joined (via the Destroy hook) before any
// memory is released.
func (ctx *Context) Destroy() error {
	if ctx.consumer != nil {
		ctx.exiting.Store(1)
		ctx.hostContext.SetHostState(HostStateExit)
		ctx.messages.Send(ConsumerCommandExit)
		ctx.iface.Destroy(ctx.consumer)
		ctx.consumer = nil
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(ctx.globals.FreeBuffer(ctx.bufferAlloc))
	record(ctx.globals.FreeRingStorage(ctx.ringAlloc))
	record(ctx.globals.FreeRingAndBuffer(ctx.combinedAlloc))

	ctx.bufferAlloc = Allocation{}
	ctx.ringAlloc = Allocation{}
	ctx.combinedAlloc = Allocation{}

	return firstErr
}

func (ctx *Context) recordFatal(err error) {
	ctx.fatalMu.Lock()
	defer ctx.fatalMu.Unlock()

	if ctx.fatalErr == nil {
		ctx.fatalErr = err
	}
}

// FatalErr returns the first fatal condition recorded on a path that could
// not return it directly, such as the flow-control hook.
func (ctx *Context) FatalErr() error {
	ctx.fatalMu.Lock()
	defer ctx.fatalMu.Unlock()

	return ctx.fatalErr
}
