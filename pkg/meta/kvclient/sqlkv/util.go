package sqlkv

import (
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or "" if there is none.
func prefixEnd(prefix string) string {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return string(end[:i+1])
		}
	}
	return ""
}

// sqlError keeps the driver error as cause behind the displayed meta error.
type sqlError struct {
	displayed error
	cause     error
}

func (e *sqlError) Error() string {
	return e.displayed.Error()
}

func (e *sqlError) Cause() error {
	return e.cause
}

func sqlErrorFromOpFail(err error) *sqlError {
	return &sqlError{
		cause:     err,
		displayed: cerrors.Wrap(cerrors.ErrMetaOpFail, err),
	}
}

func wrapOpFail(err error) error {
	if err == nil {
		return nil
	}
	return sqlErrorFromOpFail(err)
}
