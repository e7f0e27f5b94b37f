package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// FatalError is the error kind wrapped around conditions that indicate guest/host
// protocol desynchronization or host resource exhaustion. Continuing after one of
// these risks corrupting memory shared with the guest, so callers are expected to
// stop using the device once a FatalError surfaces. Whether that means aborting
// the process is the host's decision, not this module's.
var FatalError error = errors.New("fatal address space error")

// Fatalf builds an error of the FatalError kind with a formatted description.
func Fatalf(format string, args ...interface{}) error {
	return cerrors.Wrapf(FatalError, format, args...)
}

// IsFatal reports whether err is of the FatalError kind.
func IsFatal(err error) bool {
	return cerrors.Is(err, FatalError)
}
