package sequoia

import (
	"sync"
)

type (
	// latches is the key lock manager backing pessimistic transactions. Before a transaction
	// mutates a key it must hold that key's latch; a transaction finding a key latched waits on
	// the holder's wait group. Latches are addressed by the column family prefixed key so the
	// same key in two families never contends.
	latches struct {
		// Guards latchMap. A goroutine must hold this mutex while it makes any change to
		// latchMap.
		guard sync.Mutex

		latchMap map[string]*sync.WaitGroup
	}
)

func newLatches() *latches {
	return &latches{
		latchMap: make(map[string]*sync.WaitGroup),
	}
}

// acquire attempts to latch every key at once. It returns nil on success; otherwise it returns
// the wait group of a current holder for the caller to wait on, and takes nothing.
func (l *latches) acquire(keys []string) *sync.WaitGroup {
	l.guard.Lock()
	defer l.guard.Unlock()

	for _, key := range keys {
		if holder, ok := l.latchMap[key]; ok {
			return holder
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, key := range keys {
		l.latchMap[key] = wg
	}

	return nil
}

// waitFor blocks until every key could be latched.
func (l *latches) waitFor(keys []string) {
	for {
		wg := l.acquire(keys)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}

// release unlatches the keys and wakes everyone waiting on them. The keys may have been latched
// across several acquire calls; each underlying wait group is completed exactly once.
func (l *latches) release(keys []string) {
	if len(keys) == 0 {
		return
	}

	l.guard.Lock()
	defer l.guard.Unlock()

	done := make(map[*sync.WaitGroup]struct{})
	for _, key := range keys {
		if wg, ok := l.latchMap[key]; ok {
			if _, already := done[wg]; !already {
				wg.Done()
				done[wg] = struct{}{}
			}
		}
		delete(l.latchMap, key)
	}
}
