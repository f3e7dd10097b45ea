package sequoia

import (
	"github.com/elliotcourant/sequoia/pb"
)

type (
	// WriteBatch is an ordered, mutable log of column family mutations plus the control markers
	// that delimit transaction boundaries during log replay. A batch is exclusively owned by one
	// transaction (or one caller) until it is consumed by the write path; it is never shared
	// across goroutines.
	WriteBatch struct {
		records []pb.Record

		comparators map[ColumnFamilyId]Comparator

		// seen holds every key the batch has touched so far, per column family. It exists to
		// cheaply detect duplicate keys; the actual sub-batch decomposition is only computed when
		// a duplicate was recorded.
		seen          *columnFamilyKeySets
		hasDuplicates bool

		flags pb.BatchFlags
	}
)

func newWriteBatch(comparators map[ColumnFamilyId]Comparator) *WriteBatch {
	return &WriteBatch{
		comparators: comparators,
		seen:        newColumnFamilyKeySets(comparators),
	}
}

func (b *WriteBatch) addMutation(kind pb.RecordKind, cf ColumnFamilyId, key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	if !b.hasDuplicates {
		inserted, err := b.seen.insert(cf, key)
		if err != nil {
			return err
		}
		if !inserted {
			b.hasDuplicates = true
		}
	} else if _, ok := b.comparators[cf]; !ok {
		return ErrUnknownColumnFamily
	}

	b.records = append(b.records, pb.Record{
		Kind:         kind,
		ColumnFamily: uint32(cf),
		Key:          key,
		Value:        value,
	})

	return nil
}

// Put records setting key to value in the given column family.
func (b *WriteBatch) Put(cf ColumnFamilyId, key, value []byte) error {
	return b.addMutation(pb.RecordPut, cf, key, value)
}

// Delete records removing key from the given column family.
func (b *WriteBatch) Delete(cf ColumnFamilyId, key []byte) error {
	return b.addMutation(pb.RecordDelete, cf, key, nil)
}

// SingleDelete records removing key, promising that the key was written at most once since the
// last deletion.
func (b *WriteBatch) SingleDelete(cf ColumnFamilyId, key []byte) error {
	return b.addMutation(pb.RecordSingleDelete, cf, key, nil)
}

// Merge records combining operand with the key's existing value through the database's merge
// operator.
func (b *WriteBatch) Merge(cf ColumnFamilyId, key, operand []byte) error {
	return b.addMutation(pb.RecordMerge, cf, key, operand)
}

// Count returns the number of mutations in the batch. Control markers are not counted.
func (b *WriteBatch) Count() int {
	count := 0
	for i := range b.records {
		if b.records[i].IsMutation() {
			count++
		}
	}
	return count
}

// Empty reports whether the batch holds no mutations. A batch carrying only markers is empty.
func (b *WriteBatch) Empty() bool {
	return b.Count() == 0
}

// hasDuplicateKeys reports whether any key appears more than once in the batch within one column
// family, under that family's comparator.
func (b *WriteBatch) hasDuplicateKeys() bool {
	return b.hasDuplicates
}

// subBatchCount returns how many independent sub-batches this batch decomposes into. The write
// path must reserve exactly one sequence number per sub-batch. The fast path assumes a single
// sub-batch; the full decomposition is computed only when duplicate keys were recorded.
func (b *WriteBatch) subBatchCount() (int, error) {
	if !b.hasDuplicates {
		return 1, nil
	}
	return countSubBatches(b.records, b.comparators)
}

// markEndPrepare brackets the batch's mutations with BeginPrepare and EndPrepare markers. The
// transaction name rides on the EndPrepare marker so replay can tie the batch back to its
// transaction.
func (b *WriteBatch) markEndPrepare(name string) {
	if len(b.records) > 0 && b.records[len(b.records)-1].Kind == pb.RecordEndPrepare {
		// Already marked; a prepare attempt that failed at the write stage may retry.
		return
	}
	if len(b.records) == 0 || b.records[0].Kind != pb.RecordBeginPrepare {
		b.records = append([]pb.Record{{Kind: pb.RecordBeginPrepare}}, b.records...)
	}
	b.records = append(b.records, pb.Record{
		Kind: pb.RecordEndPrepare,
		Key:  []byte(name),
	})
}

// markCommit appends a Commit marker carrying the transaction name. The memtable ignores the
// marker outside of recovery.
func (b *WriteBatch) markCommit(name string) {
	b.records = append(b.records, pb.Record{
		Kind: pb.RecordCommit,
		Key:  []byte(name),
	})
}

// markRollback appends a Rollback marker carrying the transaction name, used as a replay
// boundary for the inverse batch.
func (b *WriteBatch) markRollback(name string) {
	b.records = append(b.records, pb.Record{
		Kind: pb.RecordRollback,
		Key:  []byte(name),
	})
}

// insertNoop appends a Noop marker. In the absence of prepare markers it serves as a batch
// separator.
func (b *WriteBatch) insertNoop() {
	b.records = append(b.records, pb.Record{Kind: pb.RecordNoop})
}

// setLatestPersistentState flags the batch as the newest recoverable state. Flagged batches skip
// memtable application and only the most recent one is replayed after a restart.
func (b *WriteBatch) setLatestPersistentState() {
	b.flags |= pb.BatchLatestPersistentState
}

// pendingLookup is the net effect a batch has on a single key: the newest overriding write, if
// any, plus the merge operands recorded after it, oldest first. Folding the operands over the
// right base reproduces what the batch will produce once applied.
type pendingLookup struct {
	// overridden is set once the batch holds a put or delete for the key, making whatever sits
	// beneath the batch irrelevant.
	overridden bool
	deleted    bool
	value      []byte

	operands [][]byte
}

func (l *pendingLookup) absorb(record pb.Record) {
	switch record.Kind {
	case pb.RecordPut:
		*l = pendingLookup{overridden: true, value: record.Value}
	case pb.RecordDelete, pb.RecordSingleDelete:
		*l = pendingLookup{overridden: true, deleted: true}
	case pb.RecordMerge:
		l.operands = append(l.operands, record.Value)
	}
}

// resolve folds the lookup over the value beneath the batch. underFound tells whether under is a
// live value; a deleted or absent base makes a merge start from nil, matching how operands are
// resolved when the batch is applied.
func (l pendingLookup) resolve(merge func(existing, operand []byte) []byte, under []byte, underFound bool) ([]byte, bool) {
	base, found := under, underFound
	if l.overridden {
		base, found = l.value, !l.deleted
	}

	if len(l.operands) == 0 {
		if !found {
			return nil, false
		}
		value := make([]byte, len(base))
		copy(value, base)
		return value, true
	}

	value := base
	if !found {
		value = nil
	}
	for _, operand := range l.operands {
		value = merge(value, operand)
	}
	return value, true
}

// resolveKey collapses every mutation the batch holds for the key, in write order, into a single
// pendingLookup. The boolean reports whether the batch touches the key at all.
func (b *WriteBatch) resolveKey(cf ColumnFamilyId, key []byte) (pendingLookup, bool) {
	compare, ok := b.comparators[cf]
	if !ok {
		return pendingLookup{}, false
	}

	var lookup pendingLookup
	touched := false
	for i := range b.records {
		record := b.records[i]
		if !record.IsMutation() || ColumnFamilyId(record.ColumnFamily) != cf {
			continue
		}
		if compare(record.Key, key) != 0 {
			continue
		}
		lookup.absorb(record)
		touched = true
	}

	return lookup, touched
}
