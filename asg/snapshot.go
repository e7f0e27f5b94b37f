package asg

import (
	"github.com/virtgfx/addrspace/memutils"
	"github.com/virtgfx/addrspace/stream"
)

// PreSave quiesces the context for serialization: the consumer's pre-save
// hook runs, then the consumer is parked on the snapshot pause command.
func (ctx *Context) PreSave() {
	if ctx.consumer == nil {
		return
	}
	ctx.iface.PreSave(ctx.consumer)
	ctx.messages.Send(ConsumerCommandPausePreSnapshot)
}

// Save serializes the context. The pool (Globals.Save) must have been saved
// first; allocations are written by identity and re-resolved against the
// loaded pool.
func (ctx *Context) Save(w *stream.Writer) {
	if ctx.virtioGpu != nil {
		w.PutUint32(1)
		w.PutUint32(ctx.virtioGpu.ContextID)
		w.PutUint32(ctx.virtioGpu.CapsetID)
		if ctx.virtioGpu.Name != "" {
			w.PutUint32(1)
			w.PutString(ctx.virtioGpu.Name)
		} else {
			w.PutUint32(0)
		}
	} else {
		w.PutUint32(0)
	}

	w.PutUint32(ctx.version)
	w.PutUint32(ctx.exiting.Load())
	w.PutUint32(ctx.unavailableReadCount)

	ctx.ringAlloc.Save(w)
	ctx.bufferAlloc.Save(w)
	ctx.combinedAlloc.Save(w)

	ctx.savedConfig.Save(w)

	if ctx.consumer != nil {
		w.PutUint32(1)
		ctx.iface.Save(ctx.consumer, w)
	} else {
		w.PutUint32(0)
	}
}

// PostSave resumes the consumer parked by PreSave.
func (ctx *Context) PostSave() {
	if ctx.consumer == nil {
		return
	}
	ctx.messages.Send(ConsumerCommandResumePostSnapshot)
	ctx.iface.PostSave(ctx.consumer)
}

// Load restores a context created with FromSnapshot. The pool must already
// have been loaded so allocation identities resolve against live blocks.
func (ctx *Context) Load(r *stream.Reader) error {
	if r.GetUint32() == 1 {
		info := &VirtioGpuInfo{
			ContextID: r.GetUint32(),
			CapsetID:  r.GetUint32(),
		}
		if r.GetUint32() == 1 {
			info.Name = r.GetString()
		}
		ctx.virtioGpu = info
	} else {
		ctx.virtioGpu = nil
	}

	ctx.version = r.GetUint32()
	ctx.exiting.Store(r.GetUint32())
	ctx.unavailableReadCount = r.GetUint32()

	ctx.ringAlloc.Load(r)
	ctx.bufferAlloc.Load(r)
	ctx.combinedAlloc.Load(r)
	if err := r.Err(); err != nil {
		return err
	}

	if ctx.virtioGpu != nil {
		ctx.globals.FillAllocFromLoad(&ctx.combinedAlloc, PoolCombined)
		if ctx.combinedAlloc.Buffer == nil {
			return memutils.Fatalf("combined allocation did not resolve against the loaded pool")
		}
		ctx.ringAlloc = ctx.globals.AllocRingViewIntoCombined(ctx.combinedAlloc)
		ctx.bufferAlloc = ctx.globals.AllocBufferViewIntoCombined(ctx.combinedAlloc)
	} else {
		ctx.globals.FillAllocFromLoad(&ctx.ringAlloc, PoolRing)
		ctx.globals.FillAllocFromLoad(&ctx.bufferAlloc, PoolBuffer)
	}

	if ctx.ringAlloc.Buffer == nil || ctx.bufferAlloc.Buffer == nil {
		return memutils.Fatalf("ring or buffer allocation did not resolve against the loaded pool")
	}

	ctx.hostContext = newHostContext(ctx.ringAlloc.Buffer, ctx.bufferAlloc.Buffer)

	ctx.savedConfig.Load(r)
	if err := r.Err(); err != nil {
		return err
	}
	// Republish this host's knobs without clobbering the live ring positions
	// the raw block contents carried over. The restoring host's hardware
	// config wins over whatever the saving host advertised.
	ctx.hostContext.SetBufferSize(uint32(ctx.globals.PerContextBufferSize()))
	ctx.hostContext.SetFlushInterval(ctx.globals.FlushInterval())

	if r.GetUint32() == 1 {
		ctx.createConsumer(r)
		if ctx.iface.PostLoad != nil {
			ctx.iface.PostLoad(ctx.consumer)
		}
	}

	return r.Err()
}
