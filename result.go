package rhi

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
)

// ResultCode is the coarse outcome of a device operation.
type ResultCode uint8

const (
	Success ResultCode = iota
	Fail
	OutOfMemory
	Unsupported
	InvalidArgument
)

func (c ResultCode) String() string {
	switch c {
	case Success:
		return "Success"
	case Fail:
		return "Fail"
	case OutOfMemory:
		return "OutOfMemory"
	case Unsupported:
		return "Unsupported"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "ResultCode(?)"
	}
}

// Error categories, re-exported from driver so callers need a single import.
var (
	ErrFailed          = driver.ErrFailed
	ErrOutOfMemory     = driver.ErrOutOfMemory
	ErrUnsupported     = driver.ErrUnsupported
	ErrInvalidArgument = driver.ErrInvalidArgument
	ErrDeviceLost      = driver.ErrDeviceLost
)

// Result maps err to its ResultCode. Assertion failures, which report
// misuse of the API, map to InvalidArgument. Errors without a category map
// to Fail.
func Result(err error) ResultCode {
	switch {
	case err == nil:
		return Success
	case errors.IsAssertionFailure(err):
		return InvalidArgument
	case errors.Is(err, driver.ErrOutOfMemory):
		return OutOfMemory
	case errors.Is(err, driver.ErrUnsupported):
		return Unsupported
	case errors.Is(err, driver.ErrInvalidArgument):
		return InvalidArgument
	default:
		return Fail
	}
}
