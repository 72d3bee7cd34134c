package etcdkv

import (
	"github.com/pingcap/errors"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"

	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

// etcdError wraps IsRetryable to etcd error.
type etcdError struct {
	displayed error
	cause     error
}

// IsRetryable reports whether the request may succeed when sent again.
func (e *etcdError) IsRetryable() bool {
	if e.cause == nil {
		return false
	}
	switch errors.Cause(e.cause) {
	case rpctypes.ErrNoLeader, rpctypes.ErrLeaderChanged, rpctypes.ErrTimeout,
		rpctypes.ErrTimeoutDueToLeaderFail, rpctypes.ErrTimeoutDueToConnectionLost:
		return true
	}
	return false
}

func (e *etcdError) Error() string {
	return e.displayed.Error()
}

func (e *etcdError) Cause() error {
	return e.cause
}

func etcdErrorFromOpFail(err error) *etcdError {
	return &etcdError{
		cause:     err,
		displayed: cerrors.Wrap(cerrors.ErrMetaOpFail, err),
	}
}
