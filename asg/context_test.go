package asg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtgfx/addrspace/memutils"
)

func TestGetRingAndGetBufferReportApertureLocations(t *testing.T) {
	globals, _, _ := newTestGlobals(t, HardwareConfig{})
	ctx := newTestContext(t, globals, CreateInfo{})
	defer func() { require.NoError(t, ctx.Destroy()) }()

	info := PingInfo{Metadata: uint64(CommandGetRing)}
	require.NoError(t, ctx.Perform(&info))
	require.Equal(t, ctx.ringAlloc.ApertureOffset, info.Metadata)
	require.EqualValues(t, RingStorageSize, info.Size)

	info = PingInfo{Metadata: uint64(CommandGetBuffer)}
	require.NoError(t, ctx.Perform(&info))
	require.Equal(t, ctx.bufferAlloc.ApertureOffset, info.Metadata)
	require.EqualValues(t, globals.PerContextBufferSize(), info.Size)
}

func TestSetVersionNegotiatesDownAndCreatesConsumer(t *testing.T) {
	globals, _, rec := newTestGlobals(t, HardwareConfig{})
	ctx := newTestContext(t, globals, CreateInfo{})
	defer func() { require.NoError(t, ctx.Destroy()) }()

	require.Nil(t, ctx.consumer, "consumer creation waits for the version handshake")

	info := PingInfo{Metadata: uint64(CommandSetVersion), Size: 2}
	require.NoError(t, ctx.Perform(&info))
	require.EqualValues(t, 1, info.Size, "host supports version 1, guest asked for 2")
	require.EqualValues(t, 1, ctx.Version())
	require.Zero(t, info.Metadata, "no hostmem id on the shared path")

	require.Equal(t, 1, rec.created)
	require.NotNil(t, rec.callbacks.OnUnavailableRead)
	require.NotNil(t, rec.callbacks.GetPtr)

	// A repeated handshake must not create a second consumer.
	info = PingInfo{Metadata: uint64(CommandSetVersion), Size: 1}
	require.NoError(t, ctx.Perform(&info))
	require.Equal(t, 1, rec.created)
}

func TestEagerConsumerCreation(t *testing.T) {
	globals, _, rec := newTestGlobals(t, HardwareConfig{})
	ctx := newTestContext(t, globals, CreateInfo{CreateConsumer: true})
	defer func() { require.NoError(t, ctx.Destroy()) }()

	require.Equal(t, 1, rec.created)
	require.NotNil(t, ctx.consumer)
}

func TestSetVersionOnVirtioContextReturnsHostmemID(t *testing.T) {
	globals, _, rec := newTestGlobals(t, HardwareConfig{})

	external := make([]byte, RingStorageSize+globals.PerContextBufferSize())
	ctx := newTestContext(t, globals, CreateInfo{
		VirtioGpu:      true,
		Handle:         11,
		ContextID:      42,
		CapsetID:       3,
		Name:           "gles-stream",
		ExternalMemory: external,
	})
	defer func() { require.NoError(t, ctx.Destroy()) }()

	info := PingInfo{Metadata: uint64(CommandSetVersion), Size: 1}
	require.NoError(t, ctx.Perform(&info))
	require.Equal(t, ctx.combinedAlloc.HostmemID, info.Metadata)
	require.NotZero(t, info.Metadata)

	require.EqualValues(t, 42, rec.contextID)
	require.EqualValues(t, 3, rec.capsetID)
	require.Equal(t, "gles-stream", rec.name)
}

func TestGetConfigRestoresConstructionConfig(t *testing.T) {
	globals, _, _ := newTestGlobals(t, HardwareConfig{
		PerContextBufferSize: 2 * 1048576,
		FlushInterval:        8192,
	})
	ctx := newTestContext(t, globals, CreateInfo{})
	defer func() { require.NoError(t, ctx.Destroy()) }()

	want := ctx.hostContext.Config()
	require.EqualValues(t, 2*1048576, want.BufferSize)
	require.EqualValues(t, 8192, want.FlushInterval)
	require.EqualValues(t, 1, want.TransferMode)

	// Scramble the live words the way a confused guest would.
	ctx.hostContext.WriteConfig(RingConfig{BufferSize: 1, FlushInterval: 2, InError: 1})

	info := PingInfo{Metadata: uint64(CommandGetConfig)}
	require.NoError(t, ctx.Perform(&info))
	require.Zero(t, info.Metadata)
	require.Equal(t, want, ctx.hostContext.Config())
}

func TestUnknownPingCommandIsFatal(t *testing.T) {
	globals, _, _ := newTestGlobals(t, HardwareConfig{})
	ctx := newTestContext(t, globals, CreateInfo{})
	defer func() { require.NoError(t, ctx.Destroy()) }()

	info := PingInfo{Metadata: 0xF00D}
	err := ctx.Perform(&info)
	require.True(t, memutils.IsFatal(err))
}

func TestDestroyStopsConsumerAndReleasesStorage(t *testing.T) {
	globals, _, rec := newTestGlobals(t, HardwareConfig{})
	ctx := newTestContext(t, globals, CreateInfo{CreateConsumer: true})

	hctx := ctx.hostContext
	require.NoError(t, ctx.Destroy())

	require.Equal(t, 1, rec.destroyed)
	require.Equal(t, HostStateExit, hctx.HostState())
	require.Equal(t, ConsumerCommandExit, ctx.messages.Receive())

	// Both pool blocks went empty with the context.
	require.True(t, globals.ringBlocks[0].isEmpty)
	require.True(t, globals.bufferBlocks[0].isEmpty)
}

func TestBufferAllocationFailureReleasesRingStorage(t *testing.T) {
	globals, _, _ := newTestGlobals(t, HardwareConfig{
		PerContextBufferSize: BlockSize + PageSize,
	})

	_, err := NewContext(globals, CreateInfo{})
	require.True(t, memutils.IsFatal(err))

	// The ring allocation made before the buffer failure must not leak.
	require.True(t, globals.ringBlocks[0].isEmpty)
}
