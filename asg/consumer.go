package asg

import (
	"github.com/virtgfx/addrspace/memutils"
	"github.com/virtgfx/addrspace/stream"
)

// Consumer is an opaque handle to the host-side execution unit created by the
// consumer factory. The core never looks inside it; it only passes it back to
// the ConsumerInterface hooks.
type Consumer any

// ConsumerCallbacks is handed to the consumer factory so the consumer can
// call back into its context without depending on the Context type.
type ConsumerCallbacks struct {
	// OnUnavailableRead is the flow-control hook the consumer calls when it
	// finds no new data in the ring. See Context.OnUnavailableRead for the
	// return code contract.
	OnUnavailableRead func() int32
	// GetPtr resolves a guest physical address to host memory through the
	// control-operations table.
	GetPtr func(physAddr uint64) []byte
}

// ConsumerInterface is the factory/hook set for creating, destroying, and
// snapshotting consumers. Create receives a non-nil loadStream only on the
// snapshot load path.
type ConsumerInterface struct {
	Create func(hctx HostContext, loadStream *stream.Reader, callbacks ConsumerCallbacks,
		contextID uint32, capsetID uint32, name string) Consumer
	Destroy func(consumer Consumer)

	PreSave        func(consumer Consumer)
	GlobalPreSave  func()
	Save           func(consumer Consumer, w *stream.Writer)
	GlobalPostSave func()
	PostSave       func(consumer Consumer)

	PostLoad      func(consumer Consumer)
	GlobalPreLoad func()
}

func (i ConsumerInterface) validate() error {
	if i.Create == nil ||
		i.Destroy == nil ||
		i.PreSave == nil ||
		i.GlobalPreSave == nil ||
		i.Save == nil ||
		i.GlobalPostSave == nil ||
		i.PostSave == nil {
		return memutils.Fatalf("consumer interface has not been fully set")
	}
	return nil
}

// VirtioGpuInfo identifies a dedicated (virtio-gpu backed) context.
type VirtioGpuInfo struct {
	ContextID uint32
	CapsetID  uint32
	// Name is optional; the empty string means the guest supplied none.
	Name string
}
