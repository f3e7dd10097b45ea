package sequoia

import (
	"bytes"
	"sort"

	"github.com/elliotcourant/sequoia/z"
	"github.com/google/btree"
)

type (
	IteratorOptions struct {
		ColumnFamily ColumnFamilyId

		// Prefix restricts the iterator to keys with this prefix.
		Prefix []byte

		Reverse bool
	}

	// Item is a key value pair surfaced by an iterator. Its slices are owned by the iterator
	// and stay valid until it is closed; use the copy variants to retain them longer.
	Item struct {
		key   []byte
		value []byte
		seq   uint64
	}

	// Iterator walks the newest visible version of every key in a column family, in key order,
	// pinned to a single snapshot for its whole lifetime. Deleted keys are skipped. Always call
	// Close when done; a transaction iterator additionally observes the transaction's own
	// pending writes.
	Iterator struct {
		items []*Item
		pos   int

		reverse bool

		// snapshot is owned by the iterator when it was opened directly on the DB; transaction
		// iterators ride on the transaction's snapshot instead.
		snapshot *Snapshot

		closed bool
	}
)

func (item *Item) Key() []byte {
	return item.key
}

func (item *Item) KeyCopy(dst []byte) []byte {
	return append(dst[:0], item.key...)
}

func (item *Item) Value() []byte {
	return item.value
}

func (item *Item) ValueCopy(dst []byte) []byte {
	return append(dst[:0], item.value...)
}

// Sequence returns the sequence number of the version the item was resolved from.
func (item *Item) Sequence() uint64 {
	return item.seq
}

// NewIterator opens an iterator over the latest published state. It pins its own snapshot,
// released by Close.
func (db *DB) NewIterator(opts IteratorOptions) (*Iterator, error) {
	if db.isClosed() {
		return nil, ErrDBClosed
	}

	snapshot := db.NewSnapshot()
	items, err := db.collectVisible(opts, newReadCallback(db.orc, snapshot.Sequence()), nil)
	if err != nil {
		snapshot.Discard()
		return nil, err
	}

	it := &Iterator{
		items:    items,
		reverse:  opts.Reverse,
		snapshot: snapshot,
	}
	it.Rewind()
	return it, nil
}

// NewIterator opens an iterator that reads through the transaction's snapshot and overlays the
// transaction's own pending writes on top, so a transaction iterates over what it would read.
func (t *Transaction) NewIterator(opts IteratorOptions) (*Iterator, error) {
	if t.discarded {
		return nil, ErrTransactionResolved
	}

	overlay := t.pendingOverlay(opts.ColumnFamily)
	items, err := t.db.collectVisible(opts, newReadCallback(t.db.orc, t.snapshot.Sequence()), overlay)
	if err != nil {
		return nil, err
	}

	it := &Iterator{
		items:   items,
		reverse: opts.Reverse,
	}
	it.Rewind()
	return it, nil
}

// pendingOverlay collapses the pending batch into the net effect per key in the column family,
// keeping merge operand chains intact so they fold over the right base during the merge.
func (t *Transaction) pendingOverlay(cf ColumnFamilyId) map[string]pendingLookup {
	overlay := make(map[string]pendingLookup)
	for i := range t.pendingBatch.records {
		record := t.pendingBatch.records[i]
		if !record.IsMutation() || ColumnFamilyId(record.ColumnFamily) != cf {
			continue
		}
		lookup := overlay[string(record.Key)]
		lookup.absorb(record)
		overlay[string(record.Key)] = lookup
	}
	return overlay
}

// collectVisible resolves the newest version the callback accepts for every key in the column
// family, merges the overlay on top, and returns the live items in iteration order. The memtable
// tree is cloned under its lock, so collection runs against a stable view without blocking
// writers.
func (db *DB) collectVisible(
	opts IteratorOptions,
	callback readCallback,
	overlay map[string]pendingLookup,
) ([]*Item, error) {
	table, ok := db.getMemTable(opts.ColumnFamily)
	if !ok {
		return nil, ErrUnknownColumnFamily
	}

	var base []*Item
	var resolvedKey []byte
	haveResolved := false

	table.clone().Ascend(func(raw btree.Item) bool {
		entry := raw.(memtableEntry)
		userKey := z.ParseKey(entry.key)

		if haveResolved && bytes.Equal(userKey, resolvedKey) {
			// An older version of a key we already decided on.
			return true
		}

		seq := z.ParseSeq(entry.key)
		if !callback.visible(seq) {
			return true
		}

		// First visible version wins; newer versions of this key sort first.
		resolvedKey = append(resolvedKey[:0], userKey...)
		haveResolved = true

		if entry.meta&(bitDelete|bitSingleDelete) != 0 {
			return true
		}
		if len(opts.Prefix) > 0 && !bytes.HasPrefix(userKey, opts.Prefix) {
			return true
		}

		item := &Item{
			key:   make([]byte, len(userKey)),
			value: make([]byte, len(entry.value)),
			seq:   seq,
		}
		copy(item.key, userKey)
		copy(item.value, entry.value)
		base = append(base, item)
		return true
	})

	items := db.mergeOverlay(base, overlay, opts, callback.snapshotSeq)

	if opts.Reverse {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}

	return items, nil
}

func (db *DB) mergeOverlay(
	base []*Item,
	overlay map[string]pendingLookup,
	opts IteratorOptions,
	seq uint64,
) []*Item {
	if len(overlay) == 0 {
		return base
	}

	keys := make([]string, 0, len(overlay))
	for key := range overlay {
		if len(opts.Prefix) > 0 && !bytes.HasPrefix([]byte(key), opts.Prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	merged := make([]*Item, 0, len(base)+len(keys))
	i, j := 0, 0
	for i < len(base) || j < len(keys) {
		var cmp int
		switch {
		case i >= len(base):
			cmp = 1
		case j >= len(keys):
			cmp = -1
		default:
			cmp = bytes.Compare(base[i].key, []byte(keys[j]))
		}

		switch {
		case cmp < 0:
			merged = append(merged, base[i])
			i++
		case cmp > 0:
			if item := db.overlayItem(keys[j], overlay[keys[j]], nil, seq); item != nil {
				merged = append(merged, item)
			}
			j++
		default:
			if item := db.overlayItem(keys[j], overlay[keys[j]], base[i], seq); item != nil {
				merged = append(merged, item)
			}
			i++
			j++
		}
	}

	return merged
}

// overlayItem turns a key's pending mutations into the item the transaction should observe, or
// nil when they hide the key. under is the newest visible version beneath the transaction.
func (db *DB) overlayItem(key string, lookup pendingLookup, under *Item, seq uint64) *Item {
	var underValue []byte
	underFound := false
	if under != nil {
		underValue, underFound = under.value, true
	}

	value, found := lookup.resolve(db.opts.MergeOperator, underValue, underFound)
	if !found {
		return nil
	}

	return &Item{
		key:   []byte(key),
		value: value,
		seq:   seq,
	}
}

// Rewind positions the iterator at its first item.
func (it *Iterator) Rewind() {
	it.pos = 0
}

// Seek positions the iterator at the first item at or past key in iteration order.
func (it *Iterator) Seek(key []byte) {
	if it.reverse {
		it.pos = sort.Search(len(it.items), func(i int) bool {
			return bytes.Compare(it.items[i].key, key) <= 0
		})
		return
	}
	it.pos = sort.Search(len(it.items), func(i int) bool {
		return bytes.Compare(it.items[i].key, key) >= 0
	})
}

func (it *Iterator) Valid() bool {
	return !it.closed && it.pos < len(it.items)
}

// ValidForPrefix reports whether the iterator is valid and positioned on a key with the prefix.
func (it *Iterator) ValidForPrefix(prefix []byte) bool {
	return it.Valid() && bytes.HasPrefix(it.items[it.pos].key, prefix)
}

func (it *Iterator) Next() {
	it.pos++
}

func (it *Iterator) Item() *Item {
	return it.items[it.pos]
}

// Close releases the iterator's snapshot if it owns one. It is idempotent.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true

	if it.snapshot != nil {
		it.snapshot.Discard()
	}
}
