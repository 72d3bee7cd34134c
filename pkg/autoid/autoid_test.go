package autoid

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestUUIDAllocatorUnique(t *testing.T) {
	t.Parallel()

	alloc := NewUUIDAllocator()
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := alloc.AllocJobID()
				_, err := uuid.Parse(id)
				require.NoError(t, err)
				mu.Lock()
				_, dup := seen[id]
				seen[id] = struct{}{}
				mu.Unlock()
				require.False(t, dup, "duplicated id %s", id)
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 800)
}

func TestSequenceAllocator(t *testing.T) {
	t.Parallel()

	alloc := NewSequenceAllocator("job")
	require.Equal(t, "job-1", alloc.AllocJobID())
	require.Equal(t, "job-2", alloc.AllocJobID())
	alloc.Reset()
	require.Equal(t, "job-1", alloc.AllocJobID())
}
