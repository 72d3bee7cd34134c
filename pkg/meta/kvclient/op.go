package kvclient

import (
	"strings"

	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

// Op describes one request against a KV.
type Op struct {
	key string

	prefix bool

	// compare is set by WithRevision
	compare  bool
	revision int64
}

// OpOption configures an Op.
type OpOption func(*Op)

// WithPrefix makes Get operate on all keys with the given prefix.
func WithPrefix() OpOption {
	return func(op *Op) {
		op.prefix = true
	}
}

// WithRevision makes Put or Delete conditional on the key's current mod
// revision. Revision 0 means the key must be absent.
func WithRevision(rev int64) OpOption {
	return func(op *Op) {
		op.compare = true
		op.revision = rev
	}
}

// NewOp builds an Op for key with the given options.
func NewOp(key string, opts ...OpOption) *Op {
	op := &Op{key: key}
	for _, opt := range opts {
		opt(op)
	}
	return op
}

func (op *Op) Key() string { return op.key }

func (op *Op) IsOptsWithPrefix() bool { return op.prefix }

// Compare returns the expected revision and whether a comparison is requested.
func (op *Op) Compare() (int64, bool) { return op.revision, op.compare }

// MatchKey reports whether k is addressed by the op.
func (op *Op) MatchKey(k string) bool {
	if op.prefix {
		return strings.HasPrefix(k, op.key)
	}
	return k == op.key
}

// CheckValidOp validates the op for the given operation kind.
func (op *Op) CheckValidOp(kind string) error {
	if op.key == "" && !op.prefix {
		return cerrors.ErrMetaKeyInvalid.GenWithStackByArgs(op.key)
	}
	switch kind {
	case "put":
		if op.prefix {
			return cerrors.ErrMetaOptionInvalid.GenWithStack("put does not accept WithPrefix")
		}
	case "delete":
		if op.prefix && op.compare {
			return cerrors.ErrMetaOptionInvalid.GenWithStack("delete does not accept WithPrefix together with WithRevision")
		}
	case "get":
		if op.compare {
			return cerrors.ErrMetaOptionInvalid.GenWithStack("get does not accept WithRevision")
		}
	}
	if op.compare && op.revision < 0 {
		return cerrors.ErrMetaOptionInvalid.GenWithStack("revision must not be negative")
	}
	return nil
}

// RevisionMismatch builds the error returned when a compare fails.
func RevisionMismatch(key string, expected int64) error {
	return cerrors.ErrMetaRevisionMismatch.GenWithStackByArgs(key, expected)
}

// IsRevisionMismatch reports whether err was produced by a failed compare.
func IsRevisionMismatch(err error) bool {
	return cerrors.Is(err, cerrors.ErrMetaRevisionMismatch)
}
