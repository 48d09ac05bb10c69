package listeners

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetAddRemove(t *testing.T) {
	t.Parallel()

	var s Set[string]
	removeA := s.Add("a")
	s.Add("b")
	removeA2 := s.Add("a")
	require.Equal(t, []string{"a", "b", "a"}, s.Snapshot())

	removeA()
	require.Equal(t, []string{"b", "a"}, s.Snapshot())

	// Removing twice is harmless.
	removeA()
	removeA2()
	require.Equal(t, []string{"b"}, s.Snapshot())
	require.Equal(t, 1, s.Len())
}

func TestSetSnapshotIsStableDuringMutation(t *testing.T) {
	t.Parallel()

	var s Set[int]
	for i := 0; i < 5; i++ {
		s.Add(i)
	}
	snap := s.Snapshot()
	s.Add(99)
	require.Len(t, snap, 5)
	require.Len(t, s.Snapshot(), 6)
}

func TestSetConcurrentRegistration(t *testing.T) {
	t.Parallel()

	var s Set[int]
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			remove := s.Add(v)
			_ = s.Snapshot()
			if v%2 == 0 {
				remove()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 25, s.Len())
}
