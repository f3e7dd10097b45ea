package options

// ChecksumVerificationMode tells when the database should verify checksums for write-ahead log
// records.
type ChecksumVerificationMode int

const (
	// NoVerification indicates the database should not verify checksums when replaying the
	// write-ahead log.
	NoVerification ChecksumVerificationMode = iota
	// OnReplay indicates checksums should be verified for every record read back from the
	// write-ahead log during recovery.
	OnReplay
)

// WriteQueueMode specifies how many ordering queues the engine serializes write submissions
// through.
type WriteQueueMode int

const (
	// SingleQueue indicates that every write, transactional or not, is sequenced through one
	// ordering queue.
	SingleQueue WriteQueueMode = iota
	// TwoQueues indicates that an additional queue exists which bypasses the primary ordering
	// queue. Writes submitted through it obtain sequence numbers but are not published until a
	// synchronizing write goes through the primary queue.
	TwoQueues
)
