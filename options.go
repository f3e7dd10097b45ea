package sequoia

import (
	"github.com/elliotcourant/sequoia/options"
)

type (
	// Options are the parameters the database is opened with. Use DefaultOptions as the starting
	// point and override individual fields as needed.
	Options struct {
		// Directory is where the write-ahead log and lock file live. Ignored when InMemory is
		// set.
		Directory string

		// InMemory skips the directory lock and keeps the write-ahead log in memory only.
		// Nothing survives a restart.
		InMemory bool

		// ColumnFamilies are registered, in order, right after the default column family when
		// the database opens. Opening a database whose log references a column family always
		// requires declaring that family here so replay can resolve its comparator.
		ColumnFamilies []ColumnFamilyDescriptor

		// SyncWrites controls whether every write-ahead log append is followed by an fsync
		// before the write's sequence numbers are published.
		SyncWrites bool

		// WriteQueues selects whether writes are serialized through one ordering queue or two.
		// With two queues, rollback data writes bypass the primary queue and are pinned down by
		// a second, synchronizing write.
		WriteQueues options.WriteQueueMode

		// UseOnlyLastCommitForRecovery keeps only the newest commit-time batch as recoverable
		// state. Commit-time batches are then excluded from memtable application and only the
		// latest one is replayed after a restart.
		UseOnlyLastCommitForRecovery bool

		// ChecksumVerification controls whether write-ahead log record checksums are verified
		// during replay.
		ChecksumVerification options.ChecksumVerificationMode

		// MergeOperator combines an existing value with a merge operand. It must be pure. The
		// default appends the operand to the existing value.
		MergeOperator func(existing, operand []byte) []byte

		// EventLogging enables x/net/trace event logs for the watermarks and the engine.
		EventLogging bool
	}
)

// DefaultOptions returns the options a database would typically be opened with for the given
// directory.
func DefaultOptions(directory string) Options {
	return Options{
		Directory:            directory,
		SyncWrites:           true,
		WriteQueues:          options.SingleQueue,
		ChecksumVerification: options.OnReplay,
		MergeOperator: func(existing, operand []byte) []byte {
			out := make([]byte, 0, len(existing)+len(operand))
			out = append(out, existing...)
			return append(out, operand...)
		},
	}
}
