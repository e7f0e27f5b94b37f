package asg

import (
	"github.com/virtgfx/addrspace/memutils"
)

// Command is a guest ping operation code.
type Command uint32

const (
	CommandGetRing Command = iota
	CommandGetBuffer
	CommandSetVersion
	CommandNotifyAvailable
	CommandGetConfig
)

// PingInfo is the guest-visible ping payload. Metadata doubles as the command
// selector on the way in and the reply value on the way out.
type PingInfo struct {
	Metadata uint64
	Size     uint64
}

// Perform executes one guest ping against the context and writes the reply
// into info. Unknown commands are fatal.
func (ctx *Context) Perform(info *PingInfo) error {
	switch Command(info.Metadata) {
	case CommandGetRing:
		info.Metadata = ctx.ringAlloc.ApertureOffset
		info.Size = uint64(ctx.ringAlloc.Size)

	case CommandGetBuffer:
		info.Metadata = ctx.bufferAlloc.ApertureOffset
		info.Size = uint64(ctx.bufferAlloc.Size)

	case CommandSetVersion:
		wanted := uint32(info.Size)
		if wanted < ctx.version {
			ctx.version = wanted
		}
		info.Size = uint64(ctx.version)

		if ctx.consumer == nil {
			ctx.createConsumer(nil)
		}

		if ctx.virtioGpu != nil {
			info.Metadata = ctx.combinedAlloc.HostmemID
		} else {
			info.Metadata = 0
		}

	case CommandNotifyAvailable:
		// Saturated channel means a wakeup is already pending.
		ctx.messages.TrySend(ConsumerCommandWakeup)
		info.Metadata = 0

	case CommandGetConfig:
		ctx.hostContext.WriteConfig(ctx.savedConfig)
		info.Metadata = 0

	default:
		return memutils.Fatalf("unknown ping command 0x%x", info.Metadata)
	}

	return nil
}
