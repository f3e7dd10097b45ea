package sequoia

import (
	"sync"
	"sync/atomic"

	"github.com/elliotcourant/sequoia/z"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"
)

type (
	// DB is a multi-version, log-structured key value store whose transactions follow the
	// write-prepared commit protocol: a transaction's batch is physically applied at prepare
	// time and stays logically invisible until commit publishes its visibility entry.
	DB struct {
		opts Options

		directoryLockGuard *directoryLockGuard

		orc *oracle

		wal *logFile

		columnFamiliesLock sync.RWMutex
		columnFamilies     map[ColumnFamilyId]*columnFamily
		columnFamilyNames  map[string]ColumnFamilyId

		memtablesLock sync.RWMutex
		memtables     map[ColumnFamilyId]*memTable

		// writeQueueLock is the primary ordering queue. Every write submission waits for its
		// turn on it; the order of the queue is the order sequence numbers are assigned in.
		writeQueueLock sync.Mutex

		// secondQueueLock is the secondary queue used only in two queue mode, so that rollback
		// data writes can bypass the primary queue.
		secondQueueLock sync.Mutex

		latches *latches

		// recoverableState caches the newest commit-time batch when the database keeps only the
		// last one for crash recovery. It is bypassed during normal operation.
		recoverableStateLock sync.Mutex
		recoverableState     *WriteBatch

		// recovered holds transactions that were prepared but unresolved when the write-ahead
		// log was replayed. They are waiting for a commit or rollback decision.
		recoveredLock sync.Mutex
		recovered     map[string]*Transaction

		closed    uint32
		closeOnce sync.Once

		// onRollbackDataWrite, when set, runs between the two writes of a dual queue rollback.
		// It exists for tests that need to observe the intermediate state.
		onRollbackDataWrite func()

		eventLog trace.EventLog
	}
)

// Open opens or creates a database with the given options, replaying the write-ahead log to
// rebuild the memtables and the prepared transaction state.
func Open(opts Options) (*DB, error) {
	if opts.InMemory && opts.Directory != "" {
		return nil, errors.New("cannot use an in-memory database with a directory set")
	}
	if !opts.InMemory && opts.Directory == "" {
		return nil, errors.New("a directory is required unless the database is in-memory")
	}
	if opts.MergeOperator == nil {
		opts.MergeOperator = DefaultOptions("").MergeOperator
	}

	var dirLockGuard *directoryLockGuard
	if !opts.InMemory {
		if err := createDirs(opts); err != nil {
			return nil, err
		}

		var err error
		if dirLockGuard, err = acquireDirectoryLock(opts.Directory); err != nil {
			return nil, err
		}
	}

	db := &DB{
		opts:               opts,
		directoryLockGuard: dirLockGuard,
		orc:                newOracle(opts),
		columnFamilies:     make(map[ColumnFamilyId]*columnFamily),
		columnFamilyNames:  make(map[string]ColumnFamilyId),
		memtables:          make(map[ColumnFamilyId]*memTable),
		latches:            newLatches(),
		recovered:          make(map[string]*Transaction),
		eventLog:           z.NoEventLog,
	}
	if opts.EventLogging {
		db.eventLog = trace.NewEventLog("sequoia", opts.Directory)
	}

	// The default column family always exists, followed by the caller's families in the order
	// they were declared. Registration has to happen before replay so the log's records can be
	// resolved to their comparators.
	if _, err := db.RegisterColumnFamily("default", DefaultComparator); err != nil {
		db.cleanup()
		return nil, err
	}
	for _, descriptor := range opts.ColumnFamilies {
		if _, err := db.RegisterColumnFamily(descriptor.Name, descriptor.Comparator); err != nil {
			db.cleanup()
			return nil, err
		}
	}

	wal, err := openLogFile(opts)
	if err != nil {
		db.cleanup()
		return nil, err
	}
	db.wal = wal

	if err := db.replayWal(); err != nil {
		db.cleanup()
		return nil, err
	}

	return db, nil
}

func (db *DB) cleanup() {
	db.orc.stop()
	if db.wal != nil {
		_ = db.wal.close()
	}
	if db.directoryLockGuard != nil {
		_ = db.directoryLockGuard.release()
	}
}

// Close shuts the database down. Any transaction still in flight is abandoned; prepared
// transactions stay prepared and will be offered again after the next Open.
func (db *DB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		atomic.StoreUint32(&db.closed, 1)

		db.orc.stop()
		db.eventLog.Finish()

		if walErr := db.wal.close(); walErr != nil {
			err = walErr
		}
		if db.directoryLockGuard != nil {
			if guardErr := db.directoryLockGuard.release(); guardErr != nil && err == nil {
				err = guardErr
			}
		}
	})

	return err
}

func (db *DB) isClosed() bool {
	return atomic.LoadUint32(&db.closed) == 1
}

// Get performs a non-transactional point lookup of key at the latest published state.
func (db *DB) Get(cf ColumnFamilyId, key []byte) ([]byte, error) {
	if db.isClosed() {
		return nil, ErrDBClosed
	}

	callback := newReadCallback(db.orc, db.orc.readSequence())
	return db.getImpl(cf, key, callback)
}

// GetAt performs a point lookup of key as the given snapshot observes it.
func (db *DB) GetAt(cf ColumnFamilyId, key []byte, snapshot *Snapshot) ([]byte, error) {
	if db.isClosed() {
		return nil, ErrDBClosed
	}

	callback := newReadCallback(db.orc, snapshot.Sequence())
	return db.getImpl(cf, key, callback)
}

// getImpl resolves the newest version of key that the callback's visibility rules accept. A
// delete-marked version resolves to not found.
func (db *DB) getImpl(cf ColumnFamilyId, key []byte, callback readCallback) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	table, ok := db.getMemTable(cf)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownColumnFamily, "column family %d", cf)
	}

	entry, found := table.get(key, callback.snapshotSeq, callback.visible)
	if !found || entry.meta&(bitDelete|bitSingleDelete) != 0 {
		return nil, ErrKeyNotFound
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// setRecoverableState stashes the newest commit-time batch as the latest persistent state.
func (db *DB) setRecoverableState(batch *WriteBatch) {
	db.recoverableStateLock.Lock()
	defer db.recoverableStateLock.Unlock()

	db.recoverableState = batch
}

// MaxPublishedSequence returns the highest sequence number visible to a fresh snapshot. It
// exists for introspection and tests.
func (db *DB) MaxPublishedSequence() uint64 {
	return db.orc.readSequence()
}
