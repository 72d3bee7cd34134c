package autoid

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// JobIDAllocator hands out job ids.
type JobIDAllocator interface {
	AllocJobID() string
}

// UUIDAllocator allocates random uuid v4 job ids.
type UUIDAllocator struct{}

func NewUUIDAllocator() *UUIDAllocator {
	return new(UUIDAllocator)
}

func (a *UUIDAllocator) AllocJobID() string {
	return uuid.New().String()
}

// SequenceAllocator allocates "<prefix>-<n>" ids starting from 1.
type SequenceAllocator struct {
	sync.Mutex
	prefix string
	next   int64
}

func NewSequenceAllocator(prefix string) *SequenceAllocator {
	return &SequenceAllocator{prefix: prefix}
}

func (a *SequenceAllocator) AllocJobID() string {
	a.Lock()
	defer a.Unlock()
	a.next++
	return fmt.Sprintf("%s-%d", a.prefix, a.next)
}

// Reset makes the allocator start from 1 again.
func (a *SequenceAllocator) Reset() {
	a.Lock()
	defer a.Unlock()
	a.next = 0
}
