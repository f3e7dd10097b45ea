package sequoia

import (
	"sync"

	"github.com/elliotcourant/sequoia/z"
	"github.com/google/btree"
)

const (
	// bitDelete marks a version that removes the key.
	bitDelete byte = 1 << 0
	// bitSingleDelete marks a removal that promises the key was written at most once since the
	// previous delete.
	bitSingleDelete byte = 1 << 1
	// bitMerge marks a version that was produced by the merge operator.
	bitMerge byte = 1 << 2
)

type (
	// memtableEntry is one version of one key. The key carries the inverted sequence number
	// suffix, so for the same user key newer versions sort first.
	memtableEntry struct {
		key   []byte
		meta  byte
		value []byte
	}

	// memTable is the in-memory multi-version table for a single column family. Versions are
	// never overwritten; every write adds a new (key, sequence) entry.
	memTable struct {
		sync.RWMutex
		tree *btree.BTree
	}
)

const (
	memtableDegree = 32
)

func (e memtableEntry) Less(than btree.Item) bool {
	return z.CompareKeys(e.key, than.(memtableEntry).key) < 0
}

func newMemTable() *memTable {
	return &memTable{
		tree: btree.New(memtableDegree),
	}
}

// put inserts a new version of key at the given sequence number.
func (m *memTable) put(key []byte, seq uint64, meta byte, value []byte) {
	m.Lock()
	defer m.Unlock()

	m.tree.ReplaceOrInsert(memtableEntry{
		key:   z.KeyWithSeq(key, seq),
		meta:  meta,
		value: value,
	})
}

// get returns the newest version of key with sequence <= readSeq that the visibility check
// accepts. A nil check accepts every sequence number at or below readSeq.
func (m *memTable) get(key []byte, readSeq uint64, visible func(seq uint64) bool) (memtableEntry, bool) {
	m.RLock()
	defer m.RUnlock()

	var (
		result memtableEntry
		found  bool
	)

	// Versions of the same key are adjacent with the newest first, so start the walk at the
	// newest version that could be within the read's sequence and stop at the first key change.
	pivot := memtableEntry{key: z.KeyWithSeq(key, readSeq)}
	m.tree.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		entry := item.(memtableEntry)
		if !z.SameKey(entry.key, pivot.key) {
			return false
		}

		seq := z.ParseSeq(entry.key)
		if visible != nil && !visible(seq) {
			return true
		}

		result = entry
		found = true
		return false
	})

	return result, found
}

// walkVersions visits the sequence number of every version of key, newest first, until the
// callback returns false.
func (m *memTable) walkVersions(key []byte, fn func(seq uint64) bool) {
	m.RLock()
	defer m.RUnlock()

	pivot := memtableEntry{key: z.KeyWithSeq(key, z.MaxSequenceNumber)}
	m.tree.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		entry := item.(memtableEntry)
		if !z.SameKey(entry.key, pivot.key) {
			return false
		}

		return fn(z.ParseSeq(entry.key))
	})
}

// clone returns a copy-on-write snapshot of the tree that can be walked without holding the
// table's lock.
func (m *memTable) clone() *btree.BTree {
	m.RLock()
	defer m.RUnlock()

	return m.tree.Clone()
}

// latestSequence returns the sequence number of the newest physical version of key, ignoring
// visibility entirely.
func (m *memTable) latestSequence(key []byte) (uint64, bool) {
	entry, found := m.get(key, z.MaxSequenceNumber, nil)
	if !found {
		return 0, false
	}
	return z.ParseSeq(entry.key), true
}
