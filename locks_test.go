package sequoia

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatchesAcquireRelease(t *testing.T) {
	l := newLatches()

	require.Nil(t, l.acquire([]string{"a", "b"}))

	// A second holder is turned away with the current holder's wait group.
	wg := l.acquire([]string{"b"})
	require.NotNil(t, wg)

	l.release([]string{"a", "b"})
	require.Nil(t, l.acquire([]string{"b"}))
}

func TestLatchesWaitForBlocks(t *testing.T) {
	l := newLatches()
	require.Nil(t, l.acquire([]string{"k"}))

	acquired := make(chan struct{})
	go func() {
		l.waitFor([]string{"k"})
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("waitFor returned while the latch was held")
	case <-time.After(25 * time.Millisecond):
	}

	l.release([]string{"k"})

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waitFor never returned after release")
	}
}

func TestLatchesReleaseAcrossAcquires(t *testing.T) {
	l := newLatches()

	// Latches taken one at a time, as a transaction does, then released in one call.
	require.Nil(t, l.acquire([]string{"a"}))
	require.Nil(t, l.acquire([]string{"b"}))

	l.release([]string{"a", "b"})

	require.Nil(t, l.acquire([]string{"a", "b"}))
}

func TestLatchesContention(t *testing.T) {
	l := newLatches()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.waitFor([]string{"shared"})
			counter++
			l.release([]string{"shared"})
		}()
	}
	wg.Wait()

	require.Equal(t, 16, counter)
}
