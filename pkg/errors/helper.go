package errors

import (
	"github.com/pingcap/errors"
)

// Re-exported helpers so that callers only import this package.
var (
	Trace    = errors.Trace
	Annotate = errors.Annotate
	Cause    = errors.Cause
	New      = errors.New
	Errorf   = errors.Errorf
)

// Wrap wraps a cause with a normalized error, it returns nil if cause is nil.
func Wrap(rfcError *errors.Error, err error) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByCause()
}

// Is reports whether err carries the same RFC code as target. Errors built by
// Wrap match their normalized error as well.
func Is(err error, target *errors.Error) bool {
	if err == nil {
		return false
	}
	return RFCCode(err) == string(target.RFCCode())
}

// RFCCode returns the outermost RFC error code found in the cause chain of
// err, or an empty string if err carries no normalized error.
func RFCCode(err error) string {
	for err != nil {
		if e, ok := err.(*errors.Error); ok {
			return string(e.RFCCode())
		}
		causer, ok := err.(interface{ Cause() error })
		if !ok {
			return ""
		}
		err = causer.Cause()
	}
	return ""
}

var knownErrors = []*errors.Error{
	ErrJobNotFound,
	ErrInvalidTransition,
	ErrJobConflict,
	ErrJobRecordCorrupted,
	ErrNoWorkerAvailable,
	ErrInvalidPayload,
	ErrInvalidArgument,
}

// FromRFCCode rebuilds a typed error from an RFC code and message received
// over the wire. Unknown codes yield a plain error carrying the message.
func FromRFCCode(code, message string) error {
	for _, e := range knownErrors {
		if string(e.RFCCode()) == code {
			return e.FastGen("%s", message)
		}
	}
	return errors.New(message)
}
