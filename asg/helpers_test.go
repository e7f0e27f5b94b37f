package asg

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtgfx/addrspace/stream"
)

const (
	testPhysStart    = uint64(0x1_0000_0000)
	testApertureSize = 4 * BlockSize
)

const consumerSavePayload = "consumer-state"

// recordingConsumer observes the factory/hook calls a context makes so tests
// can assert on consumer lifecycle without a real render thread.
type recordingConsumer struct {
	created       int
	destroyed     int
	preSaves      int
	postSaves     int
	postLoads     int
	loadedPayload string

	contextID uint32
	capsetID  uint32
	name      string

	hctx      HostContext
	callbacks ConsumerCallbacks
}

func (rec *recordingConsumer) consumerInterface() ConsumerInterface {
	return ConsumerInterface{
		Create: func(hctx HostContext, loadStream *stream.Reader, callbacks ConsumerCallbacks,
			contextID uint32, capsetID uint32, name string) Consumer {
			rec.created++
			rec.hctx = hctx
			rec.callbacks = callbacks
			rec.contextID = contextID
			rec.capsetID = capsetID
			rec.name = name
			if loadStream != nil {
				rec.loadedPayload = loadStream.GetString()
			}
			return rec
		},
		Destroy: func(consumer Consumer) {
			rec.destroyed++
		},
		PreSave: func(consumer Consumer) {
			rec.preSaves++
		},
		GlobalPreSave: func() {},
		Save: func(consumer Consumer, w *stream.Writer) {
			w.PutString(consumerSavePayload)
		},
		GlobalPostSave: func() {},
		PostSave: func(consumer Consumer) {
			rec.postSaves++
		},
		PostLoad: func(consumer Consumer) {
			rec.postLoads++
		},
	}
}

func newTestGlobals(t *testing.T, hw HardwareConfig) (*Globals, *HostAddressSpace, *recordingConsumer) {
	t.Helper()

	ops, err := NewHostAddressSpace(testPhysStart, testApertureSize)
	require.NoError(t, err)

	globals := NewGlobals(slog.Default(), hw)
	globals.Initialize(ops)

	rec := &recordingConsumer{}
	globals.SetConsumer(rec.consumerInterface())

	t.Cleanup(globals.Clear)
	return globals, ops, rec
}

func newTestContext(t *testing.T, globals *Globals, create CreateInfo) *Context {
	t.Helper()

	ctx, err := NewContext(globals, create)
	require.NoError(t, err)
	return ctx
}
