package asg

import (
	"runtime"

	"github.com/virtgfx/addrspace/memutils"
)

// ConsumerCommand is a message on a context's inbound consumer channel.
type ConsumerCommand uint32

const (
	ConsumerCommandWakeup ConsumerCommand = iota
	ConsumerCommandSleep
	ConsumerCommandExit
	ConsumerCommandPausePreSnapshot
	ConsumerCommandResumePostSnapshot
)

// consumerChannelCapacity bounds the command channel. Any capacity >= 1
// satisfies the delivery contract: Exit is sent blocking and always arrives,
// Wakeup is dropped when the channel is saturated.
const consumerChannelCapacity = 16

type commandChannel struct {
	ch chan ConsumerCommand
}

func newCommandChannel() *commandChannel {
	return &commandChannel{ch: make(chan ConsumerCommand, consumerChannelCapacity)}
}

// Send delivers cmd, blocking until the consumer makes room. Used for
// commands that must not be lost: Exit and the snapshot pause/resume pair.
func (c *commandChannel) Send(cmd ConsumerCommand) {
	c.ch <- cmd
}

// TrySend delivers cmd if the channel has room and reports whether it did.
func (c *commandChannel) TrySend(cmd ConsumerCommand) bool {
	select {
	case c.ch <- cmd:
		return true
	default:
		return false
	}
}

// Receive blocks until a command arrives.
func (c *commandChannel) Receive() ConsumerCommand {
	return <-c.ch
}

// maxUnavailableReads is how many consecutive empty ring reads the consumer
// tolerates before it parks on the command channel.
const maxUnavailableReads = 8

// OnUnavailableRead is called by the consumer when it finds no new data in
// the ring. Return codes: 0 retry without blocking, 1 retry after a Wakeup,
// -1 exit the consumer loop, -2 pause for a snapshot, -3 resume after one.
//
// Only the consumer's own thread may call this; it blocks on the command
// channel once the unavailable-read threshold is reached and holds no locks
// while doing so.
func (ctx *Context) OnUnavailableRead() int32 {
	ctx.unavailableReadCount++
	runtime.Gosched()

	if ctx.exiting.Load() != 0 {
		ctx.unavailableReadCount = maxUnavailableReads
	}

	if ctx.unavailableReadCount < maxUnavailableReads {
		return 0
	}
	ctx.unavailableReadCount = 0

	for {
		ctx.hostContext.SetHostState(HostStateNeedNotify)

		switch cmd := ctx.messages.Receive(); cmd {
		case ConsumerCommandWakeup:
			ctx.hostContext.SetHostState(HostStateCanConsume)
			return 1
		case ConsumerCommandExit:
			ctx.hostContext.SetHostState(HostStateExit)
			return -1
		case ConsumerCommandSleep:
			// Stay parked without resuming the consumer.
			continue
		case ConsumerCommandPausePreSnapshot:
			return -2
		case ConsumerCommandResumePostSnapshot:
			return -3
		default:
			ctx.recordFatal(memutils.Fatalf("unknown consumer command 0x%x", uint32(cmd)))
			ctx.hostContext.SetHostState(HostStateExit)
			return -1
		}
	}
}
