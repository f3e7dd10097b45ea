package sequoia

import (
	"io/ioutil"
	"testing"

	"github.com/elliotcourant/sequoia/options"
	"github.com/elliotcourant/sequoia/pb"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestTransactionCommitWithoutPrepare(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	txn := db.NewTransaction(true)
	defer txn.Discard()
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v")))

	// Uncommitted writes are readable by the transaction itself, invisible to everyone else.
	value, err := txn.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)

	_, err = db.Get(DefaultColumnFamilyId, []byte("k"))
	require.Equal(t, ErrKeyNotFound, errors.Cause(err))

	require.NoError(t, txn.Commit())

	// A single sub-batch commits at its own sequence number.
	require.Equal(t, txn.Id(), txn.CommitSequence())

	value, err = db.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)
}

func TestTransactionPrepareRequiresName(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	txn := db.NewTransaction(true)
	defer txn.Discard()
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v")))
	require.Equal(t, ErrTransactionNameRequired, errors.Cause(txn.Prepare()))
}

func TestTransactionPreparedInvisibleUntilCommit(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	txn := db.NewTransaction(true)
	defer txn.Discard()
	txn.SetName("t1")
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v")))
	require.NoError(t, txn.Prepare())
	require.NotEqual(t, uint64(0), txn.Id())

	// Prepared data is physically present but stays logically invisible.
	_, err = db.Get(DefaultColumnFamilyId, []byte("k"))
	require.Equal(t, ErrKeyNotFound, errors.Cause(err))

	// A snapshot taken between prepare and commit stays blind to the transaction forever.
	between := db.NewSnapshot()
	defer between.Discard()

	require.NoError(t, txn.Commit())
	require.True(t, txn.CommitSequence() > txn.Id())

	value, err := db.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)

	_, err = db.GetAt(DefaultColumnFamilyId, []byte("k"), between)
	require.Equal(t, ErrKeyNotFound, errors.Cause(err))
}

func TestTransactionWriteAfterPrepare(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	txn := db.NewTransaction(true)
	defer txn.Discard()
	txn.SetName("t1")
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v")))
	require.NoError(t, txn.Prepare())

	err = txn.Put(DefaultColumnFamilyId, []byte("k2"), []byte("v2"))
	require.Equal(t, ErrTransactionStateInvalid, errors.Cause(err))

	require.Equal(t, ErrTransactionStateInvalid, errors.Cause(txn.Prepare()))

	require.NoError(t, txn.Commit())
}

func TestTransactionResolvedTwice(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	txn := db.NewTransaction(true)
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v")))
	require.NoError(t, txn.Commit())

	require.Equal(t, ErrTransactionResolved, errors.Cause(txn.Commit()))
	require.Equal(t, ErrTransactionResolved, errors.Cause(txn.Rollback()))
}

func TestTransactionReadOnly(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	commitPut(t, db, DefaultColumnFamilyId, []byte("k"), []byte("v"))

	txn := db.NewTransaction(false)
	defer txn.Discard()

	value, err := txn.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)

	require.Equal(t, ErrReadOnlyTransaction, errors.Cause(txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("x"))))
	_, err = txn.GetForUpdate(DefaultColumnFamilyId, []byte("k"))
	require.Equal(t, ErrReadOnlyTransaction, errors.Cause(err))
}

func TestTransactionReadOwnDelete(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	commitPut(t, db, DefaultColumnFamilyId, []byte("k"), []byte("v"))

	txn := db.NewTransaction(true)
	defer txn.Discard()
	require.NoError(t, txn.Delete(DefaultColumnFamilyId, []byte("k")))

	_, err = txn.Get(DefaultColumnFamilyId, []byte("k"))
	require.Equal(t, ErrKeyNotFound, errors.Cause(err))

	require.NoError(t, txn.Commit())

	_, err = db.Get(DefaultColumnFamilyId, []byte("k"))
	require.Equal(t, ErrKeyNotFound, errors.Cause(err))
}

func TestTransactionMerge(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	commitPut(t, db, DefaultColumnFamilyId, []byte("k"), []byte("a"))

	txn := db.NewTransaction(true)
	defer txn.Discard()
	require.NoError(t, txn.Merge(DefaultColumnFamilyId, []byte("k"), []byte("b")))

	// The pending operand merges with the committed base on reads.
	value, err := txn.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), value)

	require.NoError(t, txn.Commit())

	value, err = db.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), value)
}

func TestTransactionMergeOverOwnWrites(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	commitPut(t, db, DefaultColumnFamilyId, []byte("k"), []byte("committed"))

	// A merge after the transaction's own put folds over the put, not the committed value.
	txn := db.NewTransaction(true)
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("own")))
	require.NoError(t, txn.Merge(DefaultColumnFamilyId, []byte("k"), []byte("+op")))

	value, err := txn.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("own+op"), value)

	// Committing yields the same value the transaction read.
	require.NoError(t, txn.Commit())
	value, err = db.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("own+op"), value)

	// A merge after the transaction's own delete starts from nothing.
	txn = db.NewTransaction(true)
	require.NoError(t, txn.Delete(DefaultColumnFamilyId, []byte("k")))
	require.NoError(t, txn.Merge(DefaultColumnFamilyId, []byte("k"), []byte("x")))

	value, err = txn.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("x"), value)

	require.NoError(t, txn.Commit())
	value, err = db.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("x"), value)

	// Stacked merges fold in write order over the committed base.
	txn = db.NewTransaction(true)
	defer txn.Discard()
	require.NoError(t, txn.Merge(DefaultColumnFamilyId, []byte("k"), []byte("y")))
	require.NoError(t, txn.Merge(DefaultColumnFamilyId, []byte("k"), []byte("z")))

	value, err = txn.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("xyz"), value)
}

func TestTransactionRollbackRestoresValue(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	commitPut(t, db, DefaultColumnFamilyId, []byte("existing"), []byte("v1"))

	txn := db.NewTransaction(true)
	defer txn.Discard()
	txn.SetName("t1")
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("existing"), []byte("v2")))
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("fresh"), []byte("v3")))
	require.NoError(t, txn.Prepare())
	require.NoError(t, txn.Rollback())

	// The pre-existing key reads its old value, the fresh key reads as absent.
	value, err := db.Get(DefaultColumnFamilyId, []byte("existing"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	_, err = db.Get(DefaultColumnFamilyId, []byte("fresh"))
	require.Equal(t, ErrKeyNotFound, errors.Cause(err))
}

func TestTransactionRollbackUnprepared(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	txn := db.NewTransaction(true)
	defer txn.Discard()
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v")))
	require.NoError(t, txn.Rollback())

	_, err = db.Get(DefaultColumnFamilyId, []byte("k"))
	require.Equal(t, ErrKeyNotFound, errors.Cause(err))
}

func TestTransactionRollbackMarkerInSource(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	txn := db.NewTransaction(true)
	defer txn.Discard()
	txn.SetName("t1")
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v")))
	require.NoError(t, txn.Prepare())

	// A prepared batch must never carry a rollback marker of its own.
	txn.pendingBatch.records = append(txn.pendingBatch.records, pb.Record{
		Kind: pb.RecordRollback,
		Key:  []byte("t1"),
	})

	require.Equal(t, ErrInvalidRollbackBatch, errors.Cause(txn.Rollback()))
}

func TestTransactionRollbackTwoQueues(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir, func(opts *Options) {
		opts.WriteQueues = options.TwoQueues
	})
	defer db.Close()

	commitPut(t, db, DefaultColumnFamilyId, []byte("k"), []byte("v1"))

	txn := db.NewTransaction(true)
	defer txn.Discard()
	txn.SetName("t1")
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v2")))
	require.NoError(t, txn.Prepare())

	// Between the rollback's data write and its synchronizing write the inverse batch must not
	// have surfaced yet.
	observed := false
	db.onRollbackDataWrite = func() {
		observed = true

		value, err := db.Get(DefaultColumnFamilyId, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v1"), value)
	}

	require.NoError(t, txn.Rollback())
	require.True(t, observed)

	value, err := db.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)
}

func TestTransactionIdentitiesMonotonic(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	first := db.NewTransaction(true)
	defer first.Discard()
	first.SetName("t1")
	require.NoError(t, first.Put(DefaultColumnFamilyId, []byte("a"), []byte("1")))
	require.NoError(t, first.Prepare())
	require.NoError(t, first.Commit())

	second := db.NewTransaction(true)
	defer second.Discard()
	second.SetName("t2")
	require.NoError(t, second.Put(DefaultColumnFamilyId, []byte("b"), []byte("2")))
	require.NoError(t, second.Prepare())
	require.NoError(t, second.Commit())

	require.True(t, second.Id() > first.Id())
	require.True(t, second.CommitSequence() > first.CommitSequence())
}

func TestTransactionDuplicateKeysConsumeSequences(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	txn := db.NewTransaction(true)
	defer txn.Discard()
	txn.SetName("t1")
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v1")))
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v2")))
	require.NoError(t, txn.Prepare())

	// Two occurrences of the same key split the batch into two sub-batches, each with its own
	// sequence number; the prepare sequence is the first of them.
	require.Equal(t, 2, txn.prepareBatchCount)
	require.NoError(t, txn.Commit())

	// The commit write consumed one more.
	require.Equal(t, txn.Id()+2, txn.CommitSequence())

	// The last occurrence wins.
	value, err := db.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)
}

func TestTransactionConflict(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	commitPut(t, db, DefaultColumnFamilyId, []byte("k"), []byte("v1"))

	reader := db.NewTransaction(true)
	defer reader.Discard()

	// Another transaction commits the key after reader's snapshot was taken.
	commitPut(t, db, DefaultColumnFamilyId, []byte("k"), []byte("v2"))

	require.Equal(t, ErrConflict, errors.Cause(reader.ValidateSnapshot(DefaultColumnFamilyId, []byte("k"))))
}

func TestTransactionValidateSnapshotShortCircuit(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	commitPut(t, db, DefaultColumnFamilyId, []byte("k"), []byte("v1"))

	txn := db.NewTransaction(true)
	defer txn.Discard()

	require.NoError(t, txn.ValidateSnapshot(DefaultColumnFamilyId, []byte("k")))
	// The second validation sees the tracked sequence at the snapshot already and returns
	// without walking versions.
	require.NoError(t, txn.ValidateSnapshot(DefaultColumnFamilyId, []byte("k")))
}

func TestTransactionGetForUpdate(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	commitPut(t, db, DefaultColumnFamilyId, []byte("k"), []byte("v1"))

	txn := db.NewTransaction(true)
	defer txn.Discard()

	value, err := txn.GetForUpdate(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v2")))
	require.NoError(t, txn.Commit())

	value, err = db.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)
}

func TestTransactionLatchHandoff(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	first := db.NewTransaction(true)
	require.NoError(t, first.Put(DefaultColumnFamilyId, []byte("k"), []byte("v1")))
	first.Discard()

	// Discarding must have released the key latch or this would block forever.
	second := db.NewTransaction(true)
	defer second.Discard()
	require.NoError(t, second.Put(DefaultColumnFamilyId, []byte("k"), []byte("v2")))
	require.NoError(t, second.Commit())

	value, err := db.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)
}

func TestTransactionCommitTimeBatchLatestState(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir, func(opts *Options) {
		opts.UseOnlyLastCommitForRecovery = true
	})

	txn := db.NewTransaction(true)
	txn.SetName("t1")
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v")))
	require.NoError(t, txn.Prepare())
	require.NoError(t, txn.CommitTimeBatch().Put(DefaultColumnFamilyId, []byte("meta"), []byte("m1")))
	require.NoError(t, txn.Commit())
	txn.Discard()

	// The commit-time batch skips the memtable; it only exists as recoverable state.
	_, err = db.Get(DefaultColumnFamilyId, []byte("meta"))
	require.Equal(t, ErrKeyNotFound, errors.Cause(err))
	require.NoError(t, db.Close())

	db = openTestDB(t, dir, func(opts *Options) {
		opts.UseOnlyLastCommitForRecovery = true
	})
	defer db.Close()

	// After a restart the newest commit-time batch is replayed.
	value, err := db.Get(DefaultColumnFamilyId, []byte("meta"))
	require.NoError(t, err)
	require.Equal(t, []byte("m1"), value)

	value, err = db.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)
}

func TestTransactionCommitTimeBatchWithData(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	txn := db.NewTransaction(true)
	defer txn.Discard()
	txn.SetName("t1")
	require.NoError(t, txn.Put(DefaultColumnFamilyId, []byte("k"), []byte("v")))
	require.NoError(t, txn.Prepare())
	require.NoError(t, txn.CommitTimeBatch().Put(DefaultColumnFamilyId, []byte("meta"), []byte("m1")))
	require.NoError(t, txn.Commit())

	// Without the recovery shortcut the commit-time batch is ordinary data.
	value, err := db.Get(DefaultColumnFamilyId, []byte("meta"))
	require.NoError(t, err)
	require.Equal(t, []byte("m1"), value)

	value, err = db.Get(DefaultColumnFamilyId, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)
}

func TestTransactionEmptyKey(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	db := openTestDB(t, dir)
	defer db.Close()

	txn := db.NewTransaction(true)
	defer txn.Discard()

	require.Equal(t, ErrEmptyKey, errors.Cause(txn.Put(DefaultColumnFamilyId, nil, []byte("v"))))
	_, err = txn.Get(DefaultColumnFamilyId, nil)
	require.Equal(t, ErrEmptyKey, errors.Cause(err))
}
