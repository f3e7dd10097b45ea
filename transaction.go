package sequoia

import (
	"github.com/dgryski/go-farm"
	"github.com/elliotcourant/sequoia/options"
	"github.com/elliotcourant/sequoia/pb"
	"github.com/elliotcourant/sequoia/z"
	"github.com/elliotcourant/timber"
	"github.com/pkg/errors"
)

type (
	transactionState uint8

	// Transaction is a pessimistic, prepare-then-commit transaction. Its writes accumulate in a
	// private pending batch; Prepare physically applies that batch into the shared memtables
	// under reserved sequence numbers while keeping it invisible, and Commit publishes it by
	// installing the visibility entry mapping the prepare identity to the commit sequence.
	Transaction struct {
		db *DB

		// name is embedded in the batch markers so log replay can delimit this transaction's
		// boundaries.
		name string

		update bool

		// id is the transaction's identity: the first sequence number its prepared batch was
		// written at. It is assigned exactly once, at prepare time, or synthesized when the
		// transaction commits without a prepare phase.
		id uint64

		commitSeq uint64

		state transactionState

		snapshot *Snapshot

		// pendingBatch holds the transaction's mutations until Prepare (or an unprepared
		// Commit) consumes it.
		pendingBatch *WriteBatch

		// commitTimeBatch holds mutations appended only at commit time, for auxiliary
		// bookkeeping writes that must ride along with the commit marker.
		commitTimeBatch *WriteBatch

		// prepareBatchCount is how many sub-batches the pending batch decomposed into at
		// prepare time. Each one consumed a sequence number.
		prepareBatchCount int

		// trackedKeys maps a column family and key to the snapshot sequence the key was last
		// validated at, to avoid re-validating against older, already checked snapshots.
		trackedKeys map[ColumnFamilyId]map[string]uint64

		// writeFingerprints carries the fingerprints of written keys into the recent commits
		// tracker when the transaction commits.
		writeFingerprints []uint64

		heldLatches map[string]struct{}

		discarded bool
	}
)

const (
	txnStarted transactionState = iota
	txnPrepared
	txnCommitted
	txnRolledBack
)

// NewTransaction begins a transaction. Update transactions may write and take key latches;
// read-only transactions serve reads from their snapshot alone.
func (db *DB) NewTransaction(update bool) *Transaction {
	comparators := db.getComparatorMap()

	return &Transaction{
		db:              db,
		update:          update,
		id:              z.MaxSequenceNumber,
		state:           txnStarted,
		snapshot:        db.NewSnapshot(),
		pendingBatch:    newWriteBatch(comparators),
		commitTimeBatch: newWriteBatch(comparators),
		trackedKeys:     make(map[ColumnFamilyId]map[string]uint64),
		heldLatches:     make(map[string]struct{}),
	}
}

// SetName names the transaction. A name is required before Prepare; it becomes the marker that
// delimits the transaction in the write-ahead log.
func (t *Transaction) SetName(name string) {
	t.name = name
}

func (t *Transaction) Name() string {
	return t.name
}

// Id returns the transaction's identity, which doubles as its prepare sequence number. It is
// z.MaxSequenceNumber until Prepare or Commit has assigned it.
func (t *Transaction) Id() uint64 {
	return t.id
}

// CommitSequence returns the sequence number at which the transaction's effects became visible.
// Only valid after a successful Commit.
func (t *Transaction) CommitSequence() uint64 {
	return t.commitSeq
}

// Snapshot returns the snapshot the transaction reads through.
func (t *Transaction) Snapshot() *Snapshot {
	return t.snapshot
}

// CommitTimeBatch returns the batch of mutations that will be written together with the commit
// marker. Writes added here bypass key latching and conflict tracking; they are meant for
// auxiliary bookkeeping only.
func (t *Transaction) CommitTimeBatch() *WriteBatch {
	return t.commitTimeBatch
}

func (t *Transaction) checkWritable() error {
	switch {
	case t.discarded:
		return ErrTransactionResolved
	case !t.update:
		return ErrReadOnlyTransaction
	case t.state == txnCommitted || t.state == txnRolledBack:
		return ErrTransactionResolved
	case t.state != txnStarted:
		return errors.Wrap(ErrTransactionStateInvalid, "cannot write after prepare")
	default:
		return nil
	}
}

// latchKey blocks until the transaction holds the latch for the key. Latches already held are
// not re-acquired, so a transaction never deadlocks on itself.
func (t *Transaction) latchKey(cf ColumnFamilyId, key []byte) {
	latch := string(fingerprintKey(cf, key))
	if _, held := t.heldLatches[latch]; held {
		return
	}

	t.db.latches.waitFor([]string{latch})
	t.heldLatches[latch] = struct{}{}
}

func (t *Transaction) mutate(kind pb.RecordKind, cf ColumnFamilyId, key, value []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}

	t.latchKey(cf, key)

	if err := t.pendingBatch.addMutation(kind, cf, key, value); err != nil {
		return err
	}

	t.writeFingerprints = append(t.writeFingerprints, farm.Fingerprint64(fingerprintKey(cf, key)))
	return nil
}

// Put records setting key to value.
func (t *Transaction) Put(cf ColumnFamilyId, key, value []byte) error {
	return t.mutate(pb.RecordPut, cf, key, value)
}

// Delete records removing key.
func (t *Transaction) Delete(cf ColumnFamilyId, key []byte) error {
	return t.mutate(pb.RecordDelete, cf, key, nil)
}

// SingleDelete records removing key, promising it was written at most once since the previous
// delete.
func (t *Transaction) SingleDelete(cf ColumnFamilyId, key []byte) error {
	return t.mutate(pb.RecordSingleDelete, cf, key, nil)
}

// Merge records combining operand with key's existing value through the merge operator.
func (t *Transaction) Merge(cf ColumnFamilyId, key, operand []byte) error {
	return t.mutate(pb.RecordMerge, cf, key, operand)
}

// Prepare physically writes the pending batch into the shared storage structures under reserved
// sequence numbers. The first of those numbers becomes the transaction's identity, and every one
// of them is registered as prepared before it is published, so the freshly applied data stays
// invisible to every other reader until Commit.
func (t *Transaction) Prepare() error {
	switch {
	case t.discarded:
		return ErrTransactionResolved
	case t.state != txnStarted:
		return errors.Wrap(ErrTransactionStateInvalid, "transaction has already been prepared or resolved")
	case t.name == "":
		return ErrTransactionNameRequired
	}

	t.pendingBatch.markEndPrepare(t.name)

	// For each duplicate key we account for a new sub-batch.
	prepareBatchCount := 1
	if t.pendingBatch.hasDuplicateKeys() {
		timber.Warningf("duplicate key overhead in transaction %s", t.name)

		var err error
		if prepareBatchCount, err = t.pendingBatch.subBatchCount(); err != nil {
			return err
		}
	}

	seq, err := t.db.writeImpl(
		t.pendingBatch,
		false,
		prepareBatchCount,
		addPreparedCallback{orc: t.db.orc, count: prepareBatchCount},
		false,
	)
	if err != nil {
		// The transaction stays Started; the caller may retry or abort.
		return err
	}
	z.AssertTruef(seq != 0 && seq != z.MaxSequenceNumber, "prepare write yielded no sequence number")

	t.id = seq
	t.prepareBatchCount = prepareBatchCount
	t.state = txnPrepared

	return nil
}

// Commit publishes the transaction. After a successful Prepare it writes the commit-time batch
// with a Commit marker and installs the visibility entry for the prepare identity; without a
// prior Prepare the pending batch itself is written and self-committed in a single step. The
// moment the entry is installed and the sequence number published is the moment the
// transaction's effects become visible to new readers.
func (t *Transaction) Commit() error {
	switch {
	case t.discarded:
		return ErrTransactionResolved
	case t.state == txnCommitted || t.state == txnRolledBack:
		return ErrTransactionResolved
	}

	if t.state == txnStarted {
		return t.commitWithoutPrepare()
	}

	return t.commitInternal()
}

func (t *Transaction) commitWithoutPrepare() error {
	// For each duplicate key we account for a new sub-batch.
	batchCount := 1
	if t.pendingBatch.hasDuplicateKeys() {
		timber.Warningf("duplicate key overhead in transaction commit")

		var err error
		if batchCount, err = t.pendingBatch.subBatchCount(); err != nil {
			return err
		}
	}

	return t.commitBatchInternal(t.pendingBatch, batchCount)
}

// commitBatchInternal writes a batch that commits itself: every one of its sub-batch sequence
// numbers resolves to the last of them before any of them is published.
func (t *Transaction) commitBatchInternal(batch *WriteBatch, batchCount int) error {
	callback := commitEntryCallback{
		orc:              t.db.orc,
		prepareSeq:       z.MaxSequenceNumber,
		commitBatchCount: batchCount,
		keyFingerprints:  t.writeFingerprints,
	}

	seq, err := t.db.writeImpl(batch, false, batchCount, callback, false)
	if err != nil {
		return err
	}
	z.AssertTruef(seq != 0 && seq != z.MaxSequenceNumber, "commit write yielded no sequence number")

	t.id = seq
	t.commitSeq = seq + uint64(batchCount) - 1
	t.state = txnCommitted
	t.resolve()

	return nil
}

func (t *Transaction) commitInternal() error {
	timber.Debugf("commit of prepare sequence %d", t.id)

	// We take the commit-time batch and append the commit marker. The memtable ignores the
	// marker outside of recovery.
	working := t.commitTimeBatch
	empty := working.Empty()
	working.markCommit(t.name)

	forRecovery := t.db.opts.UseOnlyLastCommitForRecovery
	if !empty && forRecovery {
		// The batch skips the memtable but is cached as the latest recoverable state, to be
		// replayed after a restart.
		working.setLatestPersistentState()
		t.db.setRecoverableState(working)
	}

	z.AssertTrue(t.prepareBatchCount > 0)

	includesData := !empty && !forRecovery
	commitBatchCount := 0
	if includesData {
		timber.Warningf("commit-time batch carries data for transaction %s", t.name)

		var err error
		if commitBatchCount, err = working.subBatchCount(); err != nil {
			return err
		}
	}

	callback := commitEntryCallback{
		orc:               t.db.orc,
		prepareSeq:        t.id,
		prepareBatchCount: t.prepareBatchCount,
		commitBatchCount:  commitBatchCount,
		keyFingerprints:   t.writeFingerprints,
	}

	disableMemtable := !includesData
	batchCount := 1
	if commitBatchCount > 0 {
		batchCount = commitBatchCount
	}

	seq, err := t.db.writeImpl(working, disableMemtable, batchCount, callback, false)
	if err != nil {
		// Commit did not happen; the transaction stays Prepared and retrying the commit is the
		// expected recovery path.
		return err
	}
	z.AssertTruef(seq != 0 && seq != z.MaxSequenceNumber, "commit write yielded no sequence number")

	t.commitSeq = seq
	if commitBatchCount > 1 {
		t.commitSeq = seq + uint64(commitBatchCount) - 1
	}
	t.state = txnCommitted
	t.resolve()

	return nil
}

// Rollback withdraws a prepared transaction. It reconstructs the pre-transaction value of every
// touched key as of the sequence number just below the prepare identity, writes that inverse
// batch, and resolves the prepared sequence numbers as rolled back. A transaction that never
// prepared simply discards its pending writes.
func (t *Transaction) Rollback() error {
	switch {
	case t.discarded:
		return ErrTransactionResolved
	case t.state == txnCommitted || t.state == txnRolledBack:
		return ErrTransactionResolved
	}

	if t.state == txnStarted {
		t.state = txnRolledBack
		t.resolve()
		return nil
	}

	timber.Warningf("rollback of prepare sequence %d", t.id)
	z.AssertTrue(t.id != z.MaxSequenceNumber)
	z.AssertTrue(t.id > 0)

	// The highest sequence number guaranteed visible before this transaction's own prepared
	// writes. The read callback below additionally hides every other not-yet-resolved prepared
	// write at or below it.
	lastVisible := t.id - 1
	callback := newReadCallback(t.db.orc, lastVisible)

	comparators := t.db.getComparatorMap()
	inverse := newWriteBatch(comparators)
	seen := newColumnFamilyKeySets(comparators)

	for i := range t.pendingBatch.records {
		record := t.pendingBatch.records[i]

		if record.Kind == pb.RecordRollback {
			// A prepared batch must never already contain a rollback marker.
			return ErrInvalidRollbackBatch
		}
		if !record.IsMutation() {
			continue
		}

		cf := ColumnFamilyId(record.ColumnFamily)

		inserted, err := seen.insert(cf, record.Key)
		if err != nil {
			return err
		}
		if !inserted {
			// The first occurrence already reflects the pre-transaction value.
			continue
		}

		value, err := t.db.getImpl(cf, record.Key, callback)
		switch errors.Cause(err) {
		case nil:
			if err := inverse.Put(cf, record.Key, value); err != nil {
				return err
			}
		case ErrKeyNotFound:
			// There was no readable value before the transaction. By adding a delete we make
			// sure that there will be none afterwards either.
			if err := inverse.Delete(cf, record.Key); err != nil {
				return err
			}
		default:
			return err
		}
	}

	// The rollback marker will be used as a batch separator during replay.
	inverse.markRollback(t.name)

	if t.db.opts.WriteQueues != options.TwoQueues {
		return t.rollbackOneWrite(inverse)
	}
	return t.rollbackTwoWrites(inverse)
}

// rollbackOneWrite submits the inverse batch through the primary queue. Its pre-release callback
// self-commits the inverse data, so restoring writes and recording the resolution publish
// atomically.
func (t *Transaction) rollbackOneWrite(inverse *WriteBatch) error {
	callback := commitEntryCallback{
		orc:              t.db.orc,
		prepareSeq:       z.MaxSequenceNumber,
		commitBatchCount: 1,
	}

	seq, err := t.db.writeImpl(inverse, false, 1, callback, false)
	if err != nil {
		// The transaction stays Prepared and the rollback may be retried.
		return err
	}
	z.AssertTruef(seq != 0 && seq != z.MaxSequenceNumber, "rollback write yielded no sequence number")

	t.db.orc.rollbackPrepared(t.id, t.prepareBatchCount, seq)
	t.state = txnRolledBack
	t.resolve()

	return nil
}

// rollbackTwoWrites is the dual queue variant. Sequence publication order between two queues
// cannot be pinned by a single submission, so the inverse batch bypasses the primary queue and
// stays invisible (its sequence numbers are registered as prepared by the bypass path), and a
// second, empty write through the primary queue becomes the synchronizing point that resolves
// both the inverse data and the transaction.
func (t *Transaction) rollbackTwoWrites(inverse *WriteBatch) error {
	dataSeq, err := t.db.writeImpl(inverse, false, 1, nil, true)
	if err != nil {
		return err
	}
	z.AssertTruef(dataSeq != 0 && dataSeq != z.MaxSequenceNumber, "rollback write yielded no sequence number")

	if t.db.onRollbackDataWrite != nil {
		t.db.onRollbackDataWrite()
	}

	timber.Debugf("rollback second write for prepare sequence %d", t.id)

	// The inverse batch's sequence number was registered by the bypass path rather than by a
	// real prepare, so resolving it here must not touch the transaction's own prepared entries;
	// those are retired by rollbackPrepared below.
	synchronizing := newWriteBatch(t.db.getComparatorMap())
	synchronizing.insertNoop()

	callback := commitEntryCallback{
		orc:               t.db.orc,
		prepareSeq:        dataSeq,
		prepareBatchCount: 1,
	}

	resolutionSeq, err := t.db.writeImpl(synchronizing, true, 1, callback, false)
	if err != nil {
		// The inverse data is durable but the transaction is not yet resolved; it stays
		// Prepared and the rollback must be re-attempted.
		return err
	}
	z.AssertTruef(resolutionSeq != 0 && resolutionSeq != z.MaxSequenceNumber, "rollback write yielded no sequence number")

	t.db.orc.rollbackPrepared(t.id, t.prepareBatchCount, resolutionSeq)
	t.state = txnRolledBack
	t.resolve()

	return nil
}

// Get serves a point lookup with read-your-own-uncommitted-writes semantics: the transaction's
// pending batch is consulted first, then the engine through the snapshot's visibility check.
func (t *Transaction) Get(cf ColumnFamilyId, key []byte) ([]byte, error) {
	if t.discarded {
		return nil, ErrTransactionResolved
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	if lookup, ok := t.pendingBatch.resolveKey(cf, key); ok {
		var under []byte
		underFound := false

		// The committed value only matters when the oldest pending mutation for the key is a
		// merge; a pending put or delete severs the chain from whatever sits beneath it.
		if !lookup.overridden {
			existing, err := t.db.getImpl(cf, key, newReadCallback(t.db.orc, t.snapshot.Sequence()))
			switch errors.Cause(err) {
			case nil:
				under, underFound = existing, true
			case ErrKeyNotFound:
			default:
				return nil, err
			}
		}

		value, found := lookup.resolve(t.db.opts.MergeOperator, under, underFound)
		if !found {
			return nil, ErrKeyNotFound
		}
		return value, nil
	}

	return t.db.getImpl(cf, key, newReadCallback(t.db.orc, t.snapshot.Sequence()))
}

// GetForUpdate reads key, latches it, and tracks it for snapshot validation so a conflicting
// commit between this transaction's snapshot and its own commit is detected.
func (t *Transaction) GetForUpdate(cf ColumnFamilyId, key []byte) ([]byte, error) {
	if err := t.checkWritable(); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	t.latchKey(cf, key)
	t.trackKey(cf, key)

	if err := t.ValidateSnapshot(cf, key); err != nil {
		return nil, err
	}

	return t.Get(cf, key)
}

func (t *Transaction) trackKey(cf ColumnFamilyId, key []byte) {
	family, ok := t.trackedKeys[cf]
	if !ok {
		family = make(map[string]uint64)
		t.trackedKeys[cf] = family
	}
	if _, tracked := family[string(key)]; !tracked {
		family[string(key)] = z.MaxSequenceNumber
	}
}

// ValidateSnapshot checks whether key has been visibly modified since it was last validated. If
// the key's tracked sequence is already at or below the transaction's snapshot it cannot have
// changed and the check short-circuits; otherwise the tracked sequence moves to the snapshot and
// the conflict checker decides.
func (t *Transaction) ValidateSnapshot(cf ColumnFamilyId, key []byte) error {
	if t.discarded {
		return ErrTransactionResolved
	}

	snapshotSeq := t.snapshot.Sequence()

	family, ok := t.trackedKeys[cf]
	if !ok {
		t.trackKey(cf, key)
		family = t.trackedKeys[cf]
	}
	trackedAt, ok := family[string(key)]
	if !ok {
		t.trackKey(cf, key)
		trackedAt = family[string(key)]
	}

	// The tracked sequence is either the max sentinel or the last snapshot this key was
	// validated with; it is never a prepare sequence, so a plain comparison is enough.
	if trackedAt <= snapshotSeq {
		return nil
	}

	family[string(key)] = snapshotSeq

	checker := newReadCallback(t.db.orc, snapshotSeq)
	return checkKeyForConflicts(t.db, cf, key, snapshotSeq, false, checker)
}

// resolve releases the transaction's latches and snapshot once its outcome is decided.
func (t *Transaction) resolve() {
	if len(t.heldLatches) > 0 {
		keys := make([]string, 0, len(t.heldLatches))
		for key := range t.heldLatches {
			keys = append(keys, key)
		}
		t.db.latches.release(keys)
		t.heldLatches = make(map[string]struct{})
	}

	t.snapshot.Discard()

	if t.state == txnCommitted || t.state == txnRolledBack {
		t.db.removeRecovered(t.name)
	}
}

// Discard abandons the transaction. It must be called once the transaction is no longer needed;
// calling it after a commit or rollback is a no-op. A prepared transaction stays prepared, its
// writes invisible, until a later rollback or commit decision (possibly after a restart).
func (t *Transaction) Discard() {
	if t.discarded {
		return
	}
	t.discarded = true
	t.resolve()
}
