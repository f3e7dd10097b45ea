package sequoia

import (
	"github.com/elliotcourant/sequoia/options"
	"github.com/elliotcourant/sequoia/pb"
	"github.com/elliotcourant/sequoia/z"
)

type (
	// preReleaseCallback is invoked after a batch's sequence numbers have been reserved and the
	// batch made durable, but strictly before those sequence numbers are published to readers.
	// Whatever the callback installs is therefore guaranteed to be observable by the time any
	// reader can see the new sequence numbers.
	preReleaseCallback interface {
		run(db *DB, firstSeq uint64) error
	}

	// addPreparedCallback registers a transaction's sub-batch sequence numbers as prepared
	// before they are released, so no reader can ever treat the freshly written but uncommitted
	// data as visible.
	addPreparedCallback struct {
		orc   *oracle
		count int
	}

	// commitEntryCallback installs the visibility entries that resolve a transaction: it maps
	// each prepared sub-batch sequence number to the final commit sequence, self-commits the
	// commit batch's own data when it carries any, and records the written keys' fingerprints
	// for cache-only conflict checks.
	commitEntryCallback struct {
		orc *oracle

		// prepareSeq is the transaction's identity, or z.MaxSequenceNumber when the write being
		// sequenced commits only itself.
		prepareSeq        uint64
		prepareBatchCount int
		commitBatchCount  int

		keyFingerprints []uint64
	}
)

func (c addPreparedCallback) run(db *DB, firstSeq uint64) error {
	for i := 0; i < c.count; i++ {
		c.orc.addPrepared(firstSeq + uint64(i))
	}
	return nil
}

func (c commitEntryCallback) run(db *DB, firstSeq uint64) error {
	commitSeq := firstSeq

	lastCommitSeq := commitSeq
	if c.commitBatchCount > 1 {
		lastCommitSeq = commitSeq + uint64(c.commitBatchCount) - 1
	}

	if c.prepareSeq != z.MaxSequenceNumber {
		for i := 0; i < c.prepareBatchCount; i++ {
			c.orc.addCommitted(c.prepareSeq+uint64(i), lastCommitSeq)
		}
	}

	// When the commit batch carries data of its own, each of its sub-batches needs an entry as
	// well; their sequence numbers are above the prepare identity, so readers must be able to
	// resolve them to the final commit sequence.
	for i := 0; i < c.commitBatchCount; i++ {
		c.orc.addCommitted(commitSeq+uint64(i), lastCommitSeq)
	}

	c.orc.recordCommittedKeys(c.keyFingerprints, lastCommitSeq)

	return nil
}

// writeImpl submits a batch for sequencing and durability, returning the first sequence number
// used. Submissions serialize through the primary ordering queue, or through the secondary queue
// when secondQueue is set; the secondary queue exists so rollback data writes cannot deadlock
// against the commit path. Writes through the secondary queue are registered as prepared before
// release and stay invisible until a synchronizing write through the primary queue resolves them.
func (db *DB) writeImpl(
	batch *WriteBatch,
	disableMemtable bool,
	batchCount int,
	callback preReleaseCallback,
	secondQueue bool,
) (uint64, error) {
	z.AssertTruef(batchCount > 0, "writeImpl needs at least one sub-batch, got %d", batchCount)

	if db.isClosed() {
		return 0, ErrDBClosed
	}

	if secondQueue {
		z.AssertTrue(db.opts.WriteQueues == options.TwoQueues)
		db.secondQueueLock.Lock()
		defer db.secondQueueLock.Unlock()
	} else {
		db.writeQueueLock.Lock()
		defer db.writeQueueLock.Unlock()
	}

	first := db.orc.allocate(batchCount)

	payload := &pb.BatchPayload{
		FirstSequence: first,
		Flags:         batch.flags,
		Records:       batch.records,
	}
	if err := db.wal.append(payload, db.opts.SyncWrites); err != nil {
		// The reserved sequence numbers are consumed either way; publishing them with nothing
		// applied keeps later readers from stalling on the watermark.
		db.orc.publish(first, batchCount)
		return 0, err
	}

	if !disableMemtable {
		db.applyToMemtables(batch.records, first, batchCount)
	}

	if secondQueue {
		for i := 0; i < batchCount; i++ {
			db.orc.addPrepared(first + uint64(i))
		}
	}

	if callback != nil {
		if err := callback.run(db, first); err != nil {
			db.orc.publish(first, batchCount)
			return 0, err
		}
	}

	db.orc.publish(first, batchCount)

	return first, nil
}

// applyToMemtables walks the batch's records in order and inserts each mutation into its column
// family's memtable. Sub-batch boundaries advance the sequence number, replicating the
// decomposition the batch count was computed from.
func (db *DB) applyToMemtables(records []pb.Record, firstSeq uint64, batchCount int) {
	seen := newColumnFamilyKeySets(db.getComparatorMap())
	seq := firstSeq

	for i := range records {
		record := records[i]
		if !record.IsMutation() {
			continue
		}

		cf := ColumnFamilyId(record.ColumnFamily)

		inserted, err := seen.insert(cf, record.Key)
		z.Check(err)
		if !inserted {
			seq++
			seen.reset()
			_, err := seen.insert(cf, record.Key)
			z.Check(err)
		}
		z.AssertTruef(
			seq < firstSeq+uint64(batchCount),
			"sub-batch sequence %d escaped its reservation [%d, %d)",
			seq, firstSeq, firstSeq+uint64(batchCount),
		)

		table, ok := db.getMemTable(cf)
		z.AssertTruef(ok, "no memtable for column family %d", cf)

		switch record.Kind {
		case pb.RecordPut:
			table.put(record.Key, seq, 0, record.Value)
		case pb.RecordDelete:
			table.put(record.Key, seq, bitDelete, nil)
		case pb.RecordSingleDelete:
			table.put(record.Key, seq, bitDelete|bitSingleDelete, nil)
		case pb.RecordMerge:
			// Merges resolve eagerly against the newest physical version so the read path never
			// has to stitch operands together.
			var existing []byte
			if current, found := table.get(record.Key, z.MaxSequenceNumber, nil); found && current.meta&bitDelete == 0 {
				existing = current.value
			}
			table.put(record.Key, seq, bitMerge, db.opts.MergeOperator(existing, record.Value))
		}
	}
}
