package kvclient

import "context"

// ResponseHeader is common response header
type ResponseHeader struct {
	// ClusterID is the ID of the cluster which sent the response.
	ClusterID string
	// Revision is the store revision when the request was applied.
	Revision int64
}

// KeyValue is a stored key with its revisions.
type KeyValue struct {
	Key   []byte
	Value []byte
	// CreateRevision is the revision of last creation on this key.
	CreateRevision int64
	// ModRevision is the revision of last modification on this key.
	ModRevision int64
}

// PutResponse is the response of Put. Header.Revision is the new mod
// revision of the written key.
type PutResponse struct {
	Header *ResponseHeader
}

// GetResponse is the response of Get. Kvs are sorted by key.
type GetResponse struct {
	Header *ResponseHeader
	Kvs    []*KeyValue
}

// DeleteResponse is the response of Delete.
type DeleteResponse struct {
	Header  *ResponseHeader
	Deleted int64
}

// KV is the key-value abstraction the job store persists records through.
// Every implementation applies a single Put or Delete atomically: a reader
// observes either the previous or the new value, never a partial one.
type KV interface {
	// Put puts a key-value pair into the store.
	// When passed WithRevision(rev), the put is applied only if the current
	// mod revision of key equals rev; rev 0 means the key must not exist.
	Put(ctx context.Context, key, val string, opts ...OpOption) (*PutResponse, error)

	// Get retrieves keys.
	// By default, Get will return the value for "key", if any.
	// When passed WithPrefix(), Get returns all keys with the prefix "key".
	Get(ctx context.Context, key string, opts ...OpOption) (*GetResponse, error)

	// Delete deletes a key. WithRevision(rev) makes the deletion conditional
	// in the same way as for Put.
	Delete(ctx context.Context, key string, opts ...OpOption) (*DeleteResponse, error)
}

// Client is the method set of a backend connection.
type Client interface {
	// Close is the method to close the client and release inner resources
	Close() error
}

// KVClient is user interface for kvclient
type KVClient interface {
	Client
	KV
}
