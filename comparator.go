package sequoia

import (
	"bytes"
	"encoding/binary"
)

type (
	// ColumnFamilyId identifies a registered column family. The default column family always has
	// id zero.
	ColumnFamilyId uint32

	// Comparator defines the ordering of keys within a single column family. It must return a
	// negative number when a < b, zero when the keys are equal and a positive number when a > b.
	Comparator func(a, b []byte) int

	columnFamily struct {
		id         ColumnFamilyId
		name       string
		comparator Comparator
	}

	// ColumnFamilyDescriptor declares a column family to register when the database opens.
	ColumnFamilyDescriptor struct {
		Name string

		// Comparator orders the family's keys. Nil means byte-wise ordering.
		Comparator Comparator
	}
)

const (
	// DefaultColumnFamilyId is the column family every database starts with.
	DefaultColumnFamilyId ColumnFamilyId = 0
)

// DefaultComparator orders keys byte-wise.
func DefaultComparator(a, b []byte) int {
	return bytes.Compare(a, b)
}

// RegisterColumnFamily creates a new column family with its own comparator and returns its id.
// Column families are not persisted; after a restart they must be registered again in the same
// order before the write-ahead log is replayed against them.
func (db *DB) RegisterColumnFamily(name string, comparator Comparator) (ColumnFamilyId, error) {
	if comparator == nil {
		comparator = DefaultComparator
	}

	db.columnFamiliesLock.Lock()
	defer db.columnFamiliesLock.Unlock()

	if _, ok := db.columnFamilyNames[name]; ok {
		return 0, ErrColumnFamilyExists
	}

	id := ColumnFamilyId(len(db.columnFamilies))
	db.columnFamilies[id] = &columnFamily{
		id:         id,
		name:       name,
		comparator: comparator,
	}
	db.columnFamilyNames[name] = id

	db.memtablesLock.Lock()
	db.memtables[id] = newMemTable()
	db.memtablesLock.Unlock()

	return id, nil
}

// getComparatorMap returns the comparator for every registered column family. The map is rebuilt
// on each call so the caller can hold it without locking.
func (db *DB) getComparatorMap() map[ColumnFamilyId]Comparator {
	db.columnFamiliesLock.RLock()
	defer db.columnFamiliesLock.RUnlock()

	comparators := make(map[ColumnFamilyId]Comparator, len(db.columnFamilies))
	for id, family := range db.columnFamilies {
		comparators[id] = family.comparator
	}

	return comparators
}

// ColumnFamilyByName resolves a registered column family's id.
func (db *DB) ColumnFamilyByName(name string) (ColumnFamilyId, bool) {
	db.columnFamiliesLock.RLock()
	defer db.columnFamiliesLock.RUnlock()

	id, ok := db.columnFamilyNames[name]
	return id, ok
}

func (db *DB) getMemTable(cf ColumnFamilyId) (*memTable, bool) {
	db.memtablesLock.RLock()
	defer db.memtablesLock.RUnlock()

	table, ok := db.memtables[cf]
	return table, ok
}

// fingerprintKey builds the byte string that a key's conflict fingerprint is derived from. The
// column family id is used as a prefix so that the same key in two families cannot collide.
func fingerprintKey(cf ColumnFamilyId, key []byte) []byte {
	out := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(out[0:4], uint32(cf))
	copy(out[4:], key)
	return out
}
