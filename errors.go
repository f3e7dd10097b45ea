package sequoia

import (
	"github.com/pkg/errors"
)

var (
	// ErrKeyNotFound is returned when a key is looked up that has no visible value at the read's
	// snapshot. It is also produced when the newest visible version of the key is a delete.
	ErrKeyNotFound = errors.New("key not found")

	// ErrEmptyKey is returned when a mutation is attempted with a zero length key.
	ErrEmptyKey = errors.New("key cannot be empty")

	// ErrConflict is returned by snapshot validation when another transaction has committed a
	// write to a tracked key after the snapshot this transaction is validating against. The
	// caller must abort.
	ErrConflict = errors.New("transaction conflict, please retry")

	// ErrInvalidRollbackBatch is returned when a batch being rolled back already contains a
	// rollback marker. A prepared batch can never carry one, so rolling back a rollback is
	// rejected.
	ErrInvalidRollbackBatch = errors.New("batch being rolled back contains a rollback marker")

	// ErrTransactionResolved is returned when an operation is attempted on a transaction that has
	// already been committed or rolled back.
	ErrTransactionResolved = errors.New("transaction has already been resolved")

	// ErrTransactionStateInvalid is returned when an operation's lifecycle precondition does not
	// hold, for example preparing a transaction twice or rolling back one that was never
	// prepared.
	ErrTransactionStateInvalid = errors.New("operation not valid for the transaction's state")

	// ErrTransactionNameRequired is returned by Prepare when the transaction was never given a
	// name. The name is embedded in the batch to delimit transaction boundaries during log
	// replay, so a prepare without one could never be recovered.
	ErrTransactionNameRequired = errors.New("transaction must be named before it can be prepared")

	// ErrReadOnlyTransaction is returned when a mutation is attempted on a read-only
	// transaction.
	ErrReadOnlyTransaction = errors.New("no writes are allowed in a read-only transaction")

	// ErrUnknownColumnFamily is returned when a mutation or read references a column family that
	// was never registered with the database.
	ErrUnknownColumnFamily = errors.New("unknown column family")

	// ErrDBClosed is returned when an operation is attempted after the database handle has been
	// closed.
	ErrDBClosed = errors.New("database has been closed")

	// ErrColumnFamilyExists is returned when registering a column family under a name that is
	// already taken.
	ErrColumnFamilyExists = errors.New("column family already exists")
)
