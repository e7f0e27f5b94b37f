package asg

const (
	// BlockSize is the fixed size of every pooled memory block. Allocation
	// requests larger than this are protocol violations.
	BlockSize = 16 * 1048576

	// PageSize is the sub-allocation granularity within a block.
	PageSize = 4096

	// RingStorageSize is the size of the ring control structure placed at the
	// start of every ring allocation: the seven ring configuration words and
	// the host state word, padded to one page.
	RingStorageSize = PageSize

	defaultPerContextBufferSize = 1048576
	defaultFlushInterval        = 4096
)

// HardwareConfig carries the device-level inputs consumed by the pool: how
// large each context's write buffer is and how often the guest flushes the
// ring. Zero fields fall back to defaults.
type HardwareConfig struct {
	// PerContextBufferSize is the size in bytes of the write buffer allocated
	// for every context.
	PerContextBufferSize int
	// FlushInterval is the guest's ring flush interval, published to the
	// guest through the shared ring configuration.
	FlushInterval uint32
}

func (c HardwareConfig) withDefaults() HardwareConfig {
	if c.PerContextBufferSize == 0 {
		c.PerContextBufferSize = defaultPerContextBufferSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return c
}
