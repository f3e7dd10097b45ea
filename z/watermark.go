package z

import (
	"container/heap"
	"context"
	"sync/atomic"

	"golang.org/x/net/trace"
)

type (
	// WaterMark is used to keep track of the minimum un-finished index. Typically, an index k
	// becomes finished or "done" according to a WaterMark once Done(k) has been called
	//   1. as many times as Begin(k) has, AND
	//   2. a positive number of times.
	//
	// An index may also become "done" by calling SetDoneUntil at a time such that it is not
	// inter-mingled with Begin/Done calls.
	WaterMark struct {
		doneUntil   uint64
		lastIndex   uint64
		Name        string
		markChannel chan mark
		eventLog    trace.EventLog
	}

	// mark contains one or more indices, along with a done boolean to indicate the status of the
	// index: begin or done. It also contains waiters, who could be waiting for the watermark to
	// reach >= a certain index.
	mark struct {
		// Either this is an (index, waiter) pair or (index, done) or (indices, done).
		index   uint64
		waiter  chan struct{}
		indices []uint64

		// Done will be true once the last index is finished.
		done bool
	}

	uint64Heap []uint64
)

func (u uint64Heap) Len() int            { return len(u) }
func (u uint64Heap) Less(i, j int) bool  { return u[i] < u[j] }
func (u uint64Heap) Swap(i, j int)       { u[i], u[j] = u[j], u[i] }
func (u *uint64Heap) Push(x interface{}) { *u = append(*u, x.(uint64)) }
func (u *uint64Heap) Pop() interface{} {
	old := *u
	n := len(old)
	x := old[n-1]
	*u = old[:n-1]
	return x
}

// Init initializes a WaterMark struct. MUST be called before using it.
func (w *WaterMark) Init(closer *Closer, eventLogging bool) {
	w.markChannel = make(chan mark, 100)
	if eventLogging {
		w.eventLog = trace.NewEventLog("WaterMark", w.Name)
	} else {
		w.eventLog = NoEventLog
	}
	go w.process(closer)
}

// Begin sets the last index to the given value.
func (w *WaterMark) Begin(index uint64) {
	atomic.StoreUint64(&w.lastIndex, index)
	w.markChannel <- mark{index: index, done: false}
}

// BeginMany works like Begin but accepts multiple indices.
func (w *WaterMark) BeginMany(indices []uint64) {
	atomic.StoreUint64(&w.lastIndex, indices[len(indices)-1])
	w.markChannel <- mark{index: 0, indices: indices, done: false}
}

// Done sets a single index as done.
func (w *WaterMark) Done(index uint64) {
	w.markChannel <- mark{index: index, done: true}
}

// DoneMany works like Done but accepts multiple indices.
func (w *WaterMark) DoneMany(indices []uint64) {
	w.markChannel <- mark{index: 0, indices: indices, done: true}
}

// DoneUntil returns the maximum index that has the property that all indices less than or equal
// to it are done.
func (w *WaterMark) DoneUntil() uint64 {
	return atomic.LoadUint64(&w.doneUntil)
}

// SetDoneUntil sets the maximum index with the done property, without going through the mark
// channel. Only safe to use when no Begin/Done calls are in flight.
func (w *WaterMark) SetDoneUntil(val uint64) {
	atomic.StoreUint64(&w.doneUntil, val)
}

// LastIndex returns the last index for which Begin has been called.
func (w *WaterMark) LastIndex() uint64 {
	return atomic.LoadUint64(&w.lastIndex)
}

// WaitForMark waits until the given index is marked as done.
func (w *WaterMark) WaitForMark(ctx context.Context, index uint64) error {
	if w.DoneUntil() >= index {
		return nil
	}
	waitChannel := make(chan struct{})
	w.markChannel <- mark{index: index, waiter: waitChannel}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitChannel:
		return nil
	}
}

// process synchronizes the Begin/Done marks arriving on the mark channel, maintaining the
// invariant that doneUntil only advances once every index at or below it has been completed. It
// also services waiters blocked on an index becoming done.
func (w *WaterMark) process(closer *Closer) {
	defer closer.Done()

	var indices uint64Heap

	// pending maps raised indices to the number of Done calls still expected for them. waiters
	// maps an index to the channels of callers blocked on it.
	pending := make(map[uint64]int)
	waiters := make(map[uint64][]chan struct{})

	heap.Init(&indices)

	processOne := func(index uint64, done bool) {
		// If not already done, then set. Otherwise, don't undo a done entry.
		prev, present := pending[index]
		if !present {
			heap.Push(&indices, index)
		}

		delta := 1
		if done {
			delta = -1
		}
		pending[index] = prev + delta

		// Update mark by going through all indices in order; and checking if they have been done.
		// Stop at the first index, which isn't done.
		doneUntil := w.DoneUntil()
		AssertTruef(doneUntil <= index, "name: %s doneUntil: %d. index: %d", w.Name, doneUntil, index)

		until := doneUntil
		loops := 0

		for len(indices) > 0 {
			min := indices[0]
			if done := pending[min]; done > 0 {
				break // len(indices) will be > 0.
			}

			// Even if done is called multiple times causing it to become negative, we should still
			// pop the index.
			heap.Pop(&indices)
			delete(pending, min)
			until = min
			loops++
		}

		if until != doneUntil {
			AssertTrue(atomic.CompareAndSwapUint64(&w.doneUntil, doneUntil, until))
			w.eventLog.Printf("%s: Done until %d. Loops: %d\n", w.Name, until, loops)
		}

		// Notify the waiters whose mark has been reached.
		notifyAndRemove := func(idx uint64, toNotify []chan struct{}) {
			for _, notifier := range toNotify {
				close(notifier)
			}
			delete(waiters, idx)
		}

		if until-doneUntil <= uint64(len(waiters)) {
			// Issue notifications by iterating over the indices that were just completed.
			for idx := doneUntil + 1; idx <= until; idx++ {
				if toNotify, ok := waiters[idx]; ok {
					notifyAndRemove(idx, toNotify)
				}
			}
		} else {
			// Issue notifications by iterating over the waiters, there are fewer of them.
			for idx, toNotify := range waiters {
				if idx <= until {
					notifyAndRemove(idx, toNotify)
				}
			}
		}
	}

	for {
		select {
		case <-closer.HasBeenClosed():
			return
		case m := <-w.markChannel:
			if m.waiter != nil {
				doneUntil := atomic.LoadUint64(&w.doneUntil)
				if doneUntil >= m.index {
					close(m.waiter)
				} else {
					waiting, ok := waiters[m.index]
					if !ok {
						waiters[m.index] = []chan struct{}{m.waiter}
					} else {
						waiters[m.index] = append(waiting, m.waiter)
					}
				}
			} else {
				if m.index > 0 {
					processOne(m.index, m.done)
				}
				for _, index := range m.indices {
					processOne(index, m.done)
				}
			}
		}
	}
}
