package sequoia

import (
	"sync"
)

type (
	// Snapshot is an immutable view of the database pinned at a published sequence number. Reads
	// through it observe a write only if the write's visibility entry resolves at or below the
	// snapshot's sequence.
	Snapshot struct {
		db  *DB
		seq uint64

		once sync.Once
	}
)

// NewSnapshot pins a snapshot at the highest currently published sequence number. The caller must
// Discard it when finished so resolved visibility entries below it can be dropped.
func (db *DB) NewSnapshot() *Snapshot {
	seq := db.orc.readSequence()
	db.orc.readMark.Begin(seq)

	return &Snapshot{
		db:  db,
		seq: seq,
	}
}

// Sequence returns the sequence number the snapshot is pinned at.
func (s *Snapshot) Sequence() uint64 {
	return s.seq
}

// Discard releases the snapshot. It is safe to call more than once.
func (s *Snapshot) Discard() {
	s.once.Do(func() {
		orc := s.db.orc
		orc.readMark.Done(s.seq)

		if orc.resolvedEntryCount() >= cleanupThreshold {
			orc.cleanupResolved(orc.readMark.DoneUntil())
		}
	})
}
