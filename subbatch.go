package sequoia

import (
	"github.com/elliotcourant/sequoia/pb"
	"github.com/google/btree"
	"github.com/pkg/errors"
)

type (
	// keySetItem wraps a key so it can live in a btree ordered by an injected comparator rather
	// than plain byte order.
	keySetItem struct {
		key     []byte
		compare Comparator
	}

	// keySet is an ordered set of keys for a single column family, using that family's
	// comparator to decide equality.
	keySet struct {
		tree    *btree.BTree
		compare Comparator
	}

	// columnFamilyKeySets tracks, per column family, the set of keys seen so far while walking a
	// batch. Sets are constructed lazily the first time a family shows up.
	columnFamilyKeySets struct {
		comparators map[ColumnFamilyId]Comparator
		sets        map[ColumnFamilyId]*keySet
	}
)

const (
	keySetDegree = 8
)

func (k keySetItem) Less(than btree.Item) bool {
	return k.compare(k.key, than.(keySetItem).key) < 0
}

func newKeySet(compare Comparator) *keySet {
	return &keySet{
		tree:    btree.New(keySetDegree),
		compare: compare,
	}
}

// insert adds the key to the set and reports whether it was newly added. A false return means the
// key was already present under the set's comparator.
func (s *keySet) insert(key []byte) bool {
	item := keySetItem{key: key, compare: s.compare}
	if s.tree.Has(item) {
		return false
	}
	s.tree.ReplaceOrInsert(item)
	return true
}

func newColumnFamilyKeySets(comparators map[ColumnFamilyId]Comparator) *columnFamilyKeySets {
	return &columnFamilyKeySets{
		comparators: comparators,
		sets:        make(map[ColumnFamilyId]*keySet),
	}
}

func (c *columnFamilyKeySets) insert(cf ColumnFamilyId, key []byte) (bool, error) {
	set, ok := c.sets[cf]
	if !ok {
		compare, ok := c.comparators[cf]
		if !ok {
			return false, errors.Wrapf(ErrUnknownColumnFamily, "column family %d", cf)
		}
		set = newKeySet(compare)
		c.sets[cf] = set
	}

	return set.insert(key), nil
}

func (c *columnFamilyKeySets) reset() {
	c.sets = make(map[ColumnFamilyId]*keySet)
}

// countSubBatches determines how many independent sub-batches an ordered run of records
// decomposes into. A new sub-batch begins whenever a mutation reintroduces a key that was already
// seen earlier in the batch within the same column family, because applying both mutations at one
// sequence number would make the earlier one unobservable to a reader positioned strictly between
// them. Control markers never affect the count.
func countSubBatches(records []pb.Record, comparators map[ColumnFamilyId]Comparator) (int, error) {
	count := 1
	seen := newColumnFamilyKeySets(comparators)

	for i := range records {
		if !records[i].IsMutation() {
			continue
		}

		inserted, err := seen.insert(ColumnFamilyId(records[i].ColumnFamily), records[i].Key)
		if err != nil {
			return 0, err
		}

		if !inserted {
			// The key already appeared in the current sub-batch, so this mutation starts the
			// next one and key tracking starts over.
			count++
			seen.reset()
			if _, err := seen.insert(ColumnFamilyId(records[i].ColumnFamily), records[i].Key); err != nil {
				return 0, err
			}
		}
	}

	return count, nil
}
