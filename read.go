package sequoia

import (
	"github.com/dgryski/go-farm"
	"github.com/pkg/errors"
)

type (
	// readCallback decides whether a physically present version belongs in a read pinned at
	// snapshotSeq. It is the read side of the visibility map: prepared-but-unresolved writes and
	// writes committed after the snapshot are filtered out even though they already sit in the
	// memtable.
	readCallback struct {
		orc         *oracle
		snapshotSeq uint64
	}
)

func newReadCallback(orc *oracle, snapshotSeq uint64) readCallback {
	return readCallback{
		orc:         orc,
		snapshotSeq: snapshotSeq,
	}
}

func (c readCallback) visible(seq uint64) bool {
	return c.orc.isVisible(seq, c.snapshotSeq)
}

// checkKeyForConflicts determines whether any transaction committed a write to key after
// snapshotSeq. With cacheOnly set, only the recent commits fingerprint map is consulted, which
// can miss writes that predate the tracker but never reports a false conflict as long as
// sequence numbers only grow.
func checkKeyForConflicts(
	db *DB,
	cf ColumnFamilyId,
	key []byte,
	snapshotSeq uint64,
	cacheOnly bool,
	checker readCallback,
) error {
	if cacheOnly {
		fingerprint := farm.Fingerprint64(fingerprintKey(cf, key))
		if commitSeq, ok := db.orc.lastCommitForFingerprint(fingerprint); ok && commitSeq > snapshotSeq {
			return errors.Wrapf(ErrConflict, "key committed at %d after snapshot %d", commitSeq, snapshotSeq)
		}
		return nil
	}

	table, ok := db.getMemTable(cf)
	if !ok {
		return errors.Wrapf(ErrUnknownColumnFamily, "column family %d", cf)
	}

	// Walk the key's versions from newest to oldest. The first version the snapshot can see
	// bounds the walk: everything below it was already visible when the snapshot was taken.
	conflict := false
	table.walkVersions(key, func(seq uint64) bool {
		if checker.visible(seq) {
			return false
		}

		// Invisible to the snapshot. A version that resolved to a commit after the snapshot is a
		// conflict; prepared or withdrawn versions are not, the lock manager keeps those from
		// racing us.
		if commitSeq, committed := db.orc.commitSequence(seq); committed && commitSeq > snapshotSeq {
			conflict = true
			return false
		}
		if !db.orc.isPrepared(seq) && !db.orc.isRolledBack(seq) && seq > snapshotSeq {
			// A plain write above the snapshot, visible to readers at its own sequence.
			conflict = true
			return false
		}

		return true
	})

	if conflict {
		return errors.Wrapf(ErrConflict, "key modified after snapshot %d", snapshotSeq)
	}

	return nil
}
