package asg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtgfx/addrspace/memutils"
)

func newFlowControlContext(t *testing.T) *Context {
	globals, _, _ := newTestGlobals(t, HardwareConfig{})
	ctx := newTestContext(t, globals, CreateInfo{CreateConsumer: true})
	t.Cleanup(func() { require.NoError(t, ctx.Destroy()) })
	return ctx
}

func drainBelowThreshold(t *testing.T, ctx *Context) {
	t.Helper()
	for i := 0; i < maxUnavailableReads-1; i++ {
		require.EqualValues(t, 0, ctx.OnUnavailableRead(), "read %d is below the threshold", i+1)
	}
}

func TestUnavailableReadsBelowThresholdDoNotBlock(t *testing.T) {
	ctx := newFlowControlContext(t)

	drainBelowThreshold(t, ctx)

	// Reaching the threshold parks the consumer; a pending wakeup releases it.
	ctx.messages.Send(ConsumerCommandWakeup)
	require.EqualValues(t, 1, ctx.OnUnavailableRead())
	require.Equal(t, HostStateCanConsume, ctx.hostContext.HostState())

	// The wakeup reset the counter: another full run below threshold.
	drainBelowThreshold(t, ctx)
}

func TestNotifyAvailablePingWakesParkedConsumer(t *testing.T) {
	ctx := newFlowControlContext(t)

	drainBelowThreshold(t, ctx)

	done := make(chan int32, 1)
	go func() {
		done <- ctx.OnUnavailableRead()
	}()

	info := PingInfo{Metadata: uint64(CommandNotifyAvailable)}
	require.NoError(t, ctx.Perform(&info))
	require.Zero(t, info.Metadata)

	require.EqualValues(t, 1, <-done)
}

func TestExitCommandStopsConsumer(t *testing.T) {
	ctx := newFlowControlContext(t)

	ctx.exiting.Store(1)
	ctx.messages.Send(ConsumerCommandExit)

	// An exiting context reaches the threshold immediately.
	require.EqualValues(t, -1, ctx.OnUnavailableRead())
	require.Equal(t, HostStateExit, ctx.hostContext.HostState())
}

func TestSleepKeepsConsumerParked(t *testing.T) {
	ctx := newFlowControlContext(t)

	ctx.messages.Send(ConsumerCommandSleep)
	ctx.messages.Send(ConsumerCommandWakeup)

	drainBelowThreshold(t, ctx)

	// The threshold read consumes the sleep, stays parked, and only returns
	// on the wakeup behind it.
	require.EqualValues(t, 1, ctx.OnUnavailableRead())
}

func TestSnapshotPauseAndResumeCodes(t *testing.T) {
	ctx := newFlowControlContext(t)

	ctx.PreSave()
	drainBelowThreshold(t, ctx)
	require.EqualValues(t, -2, ctx.OnUnavailableRead())

	ctx.PostSave()
	drainBelowThreshold(t, ctx)
	require.EqualValues(t, -3, ctx.OnUnavailableRead())
}

func TestUnknownConsumerCommandIsFatal(t *testing.T) {
	ctx := newFlowControlContext(t)

	ctx.messages.Send(ConsumerCommand(99))
	drainBelowThreshold(t, ctx)

	require.EqualValues(t, -1, ctx.OnUnavailableRead())
	require.Equal(t, HostStateExit, ctx.hostContext.HostState())
	require.True(t, memutils.IsFatal(ctx.FatalErr()))
}

func TestWakeupIsDroppedWhenChannelSaturated(t *testing.T) {
	globals, _, _ := newTestGlobals(t, HardwareConfig{})
	// No consumer: destroying a context with a full channel would otherwise
	// block handing it the exit command.
	ctx := newTestContext(t, globals, CreateInfo{})
	t.Cleanup(func() { require.NoError(t, ctx.Destroy()) })

	for i := 0; i < consumerChannelCapacity; i++ {
		require.True(t, ctx.messages.TrySend(ConsumerCommandWakeup))
	}
	require.False(t, ctx.messages.TrySend(ConsumerCommandWakeup),
		"a saturated channel already has a wakeup pending")

	// The ping path swallows the drop: delivery of at least one wakeup is
	// what the guest is owed, not one per ping.
	info := PingInfo{Metadata: uint64(CommandNotifyAvailable)}
	require.NoError(t, ctx.Perform(&info))
}
