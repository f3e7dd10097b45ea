package sequoia

import (
	"context"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/elliotcourant/sequoia/z"
	"github.com/elliotcourant/timber"
)

type (
	// oracle owns sequence number allocation and the shared visibility state: which sequence
	// numbers belong to prepared-but-unresolved transactions, and for resolved ones, the
	// sequence number at which their effects became visible (or that they were withdrawn). It is
	// shared by every transaction and synchronizes internally; it is handed to transactions
	// explicitly, never reached through a singleton.
	oracle struct {
		// Guards nextSequence.
		sync.Mutex

		// nextSequence is the next sequence number that will be handed out by allocate.
		nextSequence uint64

		// publishMark tracks which allocated sequence numbers have been published. Its done-until
		// value is the highest sequence number every reader is allowed to observe; a sequence
		// number is only marked done after its batch is durable, applied, and its visibility
		// entry installed.
		publishMark *z.WaterMark

		// readMark tracks active snapshots so commit entries below the oldest snapshot can be
		// dropped.
		readMark *z.WaterMark

		// closer is used to stop the watermarks.
		closer *z.Closer

		// trackerLock guards the maps below. The commit cache synchronizes separately.
		trackerLock sync.Mutex

		// prepared holds every sub-batch sequence number of transactions that have prepared but
		// not yet resolved. A sequence number in here is invisible to every snapshot.
		prepared map[uint64]struct{}

		// committed maps a prepared sequence number to the sequence number at which its
		// transaction's effects became visible.
		committed map[uint64]uint64

		// rolledBack maps a withdrawn prepared sequence number to the sequence number of the
		// write that resolved it. The data at those sequence numbers stays invisible forever.
		rolledBack map[uint64]uint64

		// recentCommits stores a key fingerprint and the latest commit sequence for it. It backs
		// the cache-only flavor of conflict checking. Fingerprints are hashed with the column
		// family id as a prefix so one key in two families cannot collide.
		recentCommits map[uint64]uint64

		// commitCache is a read-through cache over committed. Entries are immutable once
		// installed, so serving a stale miss is safe: readers fall through to the authoritative
		// map.
		commitCache *ristretto.Cache
	}
)

const (
	// cleanupThreshold is how many resolved entries the oracle accumulates before a snapshot
	// release triggers a sweep of entries below the oldest active snapshot.
	cleanupThreshold = 4096
)

func newOracle(opts Options) *oracle {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	z.Check(err)

	orc := &oracle{
		nextSequence: 1,
		prepared:     make(map[uint64]struct{}),
		committed:    make(map[uint64]uint64),
		rolledBack:   make(map[uint64]uint64),

		recentCommits: make(map[uint64]uint64),
		commitCache:   cache,

		publishMark: &z.WaterMark{Name: "sequoia.PublishedSequence"},
		readMark:    &z.WaterMark{Name: "sequoia.PendingReads"},
		closer:      z.NewCloser(2),
	}

	orc.publishMark.Init(orc.closer, opts.EventLogging)
	orc.readMark.Init(orc.closer, opts.EventLogging)

	return orc
}

func (o *oracle) stop() {
	o.closer.SignalAndWait()
}

// allocate reserves count consecutive sequence numbers and returns the first. The numbers are
// raised on the publish watermark; they must all be published eventually or every later reader
// would stall.
func (o *oracle) allocate(count int) uint64 {
	z.AssertTrue(count > 0)

	o.Lock()
	defer o.Unlock()

	first := o.nextSequence
	o.nextSequence += uint64(count)

	indices := make([]uint64, count)
	for i := range indices {
		indices[i] = first + uint64(i)
	}
	o.publishMark.BeginMany(indices)

	return first
}

// publish marks the reserved sequence numbers as done and waits for the publish watermark to
// advance past them. When publish returns the write is observable by a fresh read.
func (o *oracle) publish(first uint64, count int) {
	indices := make([]uint64, count)
	for i := range indices {
		indices[i] = first + uint64(i)
	}
	o.publishMark.DoneMany(indices)
	z.Check(o.publishMark.WaitForMark(context.Background(), first+uint64(count)-1))
}

// readSequence returns the sequence number a "latest" read should be pinned at.
func (o *oracle) readSequence() uint64 {
	return o.publishMark.DoneUntil()
}

// addPrepared registers a sequence number as belonging to a prepared, unresolved transaction.
func (o *oracle) addPrepared(seq uint64) {
	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()

	o.prepared[seq] = struct{}{}
}

func (o *oracle) isPrepared(seq uint64) bool {
	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()

	_, ok := o.prepared[seq]
	return ok
}

func (o *oracle) isRolledBack(seq uint64) bool {
	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()

	_, ok := o.rolledBack[seq]
	return ok
}

// addCommitted resolves a prepared sequence number as committed at commitSeq. Installing the
// entry also retires the prepared registration.
func (o *oracle) addCommitted(prepareSeq, commitSeq uint64) {
	o.trackerLock.Lock()
	delete(o.prepared, prepareSeq)
	o.committed[prepareSeq] = commitSeq
	o.trackerLock.Unlock()

	o.commitCache.Set(prepareSeq, commitSeq, 1)
}

// rollbackPrepared resolves a prepared transaction's sequence numbers as withdrawn, using
// resolutionSeq as the point of resolution.
func (o *oracle) rollbackPrepared(prepareSeq uint64, count int, resolutionSeq uint64) {
	timber.Debugf("rolling back prepared sequence %d at %d", prepareSeq, resolutionSeq)

	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()

	for i := 0; i < count; i++ {
		delete(o.prepared, prepareSeq+uint64(i))
		o.rolledBack[prepareSeq+uint64(i)] = resolutionSeq
	}
}

// commitSequence returns the sequence number at which seq's transaction became visible, if seq
// was resolved as committed.
func (o *oracle) commitSequence(seq uint64) (uint64, bool) {
	if cached, ok := o.commitCache.Get(seq); ok {
		return cached.(uint64), true
	}

	o.trackerLock.Lock()
	commitSeq, ok := o.committed[seq]
	o.trackerLock.Unlock()

	if ok {
		o.commitCache.Set(seq, commitSeq, 1)
	}

	return commitSeq, ok
}

// isVisible answers whether the write at seq should be observed by a reader pinned at
// snapshotSeq, given the current prepared and committed state.
func (o *oracle) isVisible(seq, snapshotSeq uint64) bool {
	if seq > snapshotSeq {
		return false
	}

	if cached, ok := o.commitCache.Get(seq); ok {
		return cached.(uint64) <= snapshotSeq
	}

	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()

	if commitSeq, ok := o.committed[seq]; ok {
		return commitSeq <= snapshotSeq
	}
	if _, ok := o.prepared[seq]; ok {
		return false
	}
	if _, ok := o.rolledBack[seq]; ok {
		return false
	}

	// The write was sequenced outside of a prepared transaction, so it became visible the moment
	// its own sequence number was published.
	return true
}

// recordCommittedKeys stores the commit sequence for each written key's fingerprint, feeding the
// cache-only conflict check.
func (o *oracle) recordCommittedKeys(fingerprints []uint64, commitSeq uint64) {
	if len(fingerprints) == 0 {
		return
	}

	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()

	for _, fingerprint := range fingerprints {
		if existing, ok := o.recentCommits[fingerprint]; !ok || existing < commitSeq {
			o.recentCommits[fingerprint] = commitSeq
		}
	}
}

// lastCommitForFingerprint returns the latest known commit sequence that touched the key with
// this fingerprint.
func (o *oracle) lastCommitForFingerprint(fingerprint uint64) (uint64, bool) {
	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()

	commitSeq, ok := o.recentCommits[fingerprint]
	return commitSeq, ok
}

// cleanupResolved drops resolved entries whose resolution sequence is at or below floor. Every
// live and future snapshot is pinned at or above floor, so for those entries the entry-less
// default answer is identical to the recorded one.
func (o *oracle) cleanupResolved(floor uint64) {
	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()

	for prepareSeq, commitSeq := range o.committed {
		if commitSeq <= floor {
			delete(o.committed, prepareSeq)
		}
	}
	for prepareSeq, resolutionSeq := range o.rolledBack {
		if resolutionSeq > floor {
			continue
		}

		// Rolled back data stays invisible through shadowing: the inverse batch restored every
		// touched key at the resolution sequence, so readers at or above floor never walk down
		// to the withdrawn versions.
		delete(o.rolledBack, prepareSeq)
	}
}

func (o *oracle) resolvedEntryCount() int {
	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()

	return len(o.committed) + len(o.rolledBack)
}
