package z

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"sync"

	"github.com/pkg/errors"
)

const (
	// This is O_DSYNC (datasync) on platforms that support it -- see file_unix.go
	dataSyncFileFlag = 0x0
)

const (
	// Sync indicates that O_DSYNC should be set on the underlying file,
	// ensuring that data writes do not return until the data is flushed
	// to disk.
	Sync = 1 << iota
	// ReadOnly opens the underlying file on a read-only basis.
	ReadOnly
)

const (
	// MaxSequenceNumber is a sentinel sequence number. It is never assigned to a write; it is
	// used to mean "latest" when resolving snapshots and as the not-yet-assigned value for a
	// transaction's identity.
	MaxSequenceNumber = math.MaxUint64
)

var (
	// CastagnoliCrcTable is a CRC32 polynomial table. This is used for creating checksums for files.
	CastagnoliCrcTable = crc32.MakeTable(crc32.Castagnoli)
)

type (
	// Closer holds the two things we need to close a goroutine and wait for it to finish: a chan to tell the goroutine
	// to shut down, and a WaitGroup with which to wait for it to finish shutting down.
	Closer struct {
		closed  chan struct{}
		waiting sync.WaitGroup
	}
)

// NewCloser creates a closer with an initial number of running goroutines.
func NewCloser(initial int) *Closer {
	ret := &Closer{closed: make(chan struct{})}
	ret.waiting.Add(initial)
	return ret
}

// AddRunning adds delta to the number of goroutines the closer will wait on.
func (c *Closer) AddRunning(delta int) {
	c.waiting.Add(delta)
}

// Signal tells all of the goroutines watching this closer to shut down.
func (c *Closer) Signal() {
	close(c.closed)
}

// HasBeenClosed returns a channel that is closed once Signal has been called.
func (c *Closer) HasBeenClosed() <-chan struct{} {
	return c.closed
}

// Done should be called by every goroutine that was registered with the closer once it has
// finished shutting down.
func (c *Closer) Done() {
	c.waiting.Done()
}

// Wait blocks until every registered goroutine has called Done.
func (c *Closer) Wait() {
	c.waiting.Wait()
}

// SignalAndWait signals a shutdown and then waits for every goroutine to finish.
func (c *Closer) SignalAndWait() {
	c.Signal()
	c.Wait()
}

// OpenExistingFile opens an existing file, errors if it doesn't exist.
func OpenExistingFile(fileName string, flags uint32) (*os.File, error) {
	openFlags := os.O_RDWR
	if flags&ReadOnly != 0 {
		openFlags = os.O_RDONLY
	}

	if flags&Sync != 0 {
		openFlags |= dataSyncFileFlag
	}
	return os.OpenFile(fileName, openFlags, 0)
}

// OpenTruncFile opens the file with O_RDWR | O_CREATE | O_TRUNC
func OpenTruncFile(fileName string, sync bool) (*os.File, error) {
	flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	if sync {
		flags |= dataSyncFileFlag
	}
	return os.OpenFile(fileName, flags, 0600)
}

// FileSync flushes a file's contents to stable storage.
func FileSync(f *os.File) error {
	return f.Sync()
}

// CompareKeys compares the key portions first, and compares the sequence suffix only when the key
// portions are the same. a<seq> would be sorted higher than aa<seq> if we used bytes.Compare on
// the whole slice. All keys passed here must carry a sequence suffix.
func CompareKeys(key1, key2 []byte) int {
	if cmp := bytes.Compare(key1[:len(key1)-8], key2[:len(key2)-8]); cmp != 0 {
		return cmp
	}
	return bytes.Compare(key1[len(key1)-8:], key2[len(key2)-8:])
}

// KeyWithSeq generates a new key by appending the sequence number to key. The sequence number is
// stored inverted so that for the same key, higher sequence numbers sort first.
func KeyWithSeq(key []byte, seq uint64) []byte {
	out := make([]byte, len(key)+8)
	copy(out, key)
	binary.BigEndian.PutUint64(out[len(key):], math.MaxUint64-seq)
	return out
}

// ParseKey parses the actual key from the key bytes.
func ParseKey(key []byte) []byte {
	if key == nil {
		return nil
	}

	return key[:len(key)-8]
}

// ParseSeq parses the sequence number from the key bytes.
func ParseSeq(key []byte) uint64 {
	if len(key) <= 8 {
		return 0
	}
	return math.MaxUint64 - binary.BigEndian.Uint64(key[len(key)-8:])
}

// SameKey checks for key equality ignoring the sequence number suffix.
func SameKey(src, dst []byte) bool {
	if len(src) != len(dst) {
		return false
	}

	return bytes.Equal(ParseKey(src), ParseKey(dst))
}

// AssertTrue panics if the condition is false. Reserved for internal invariants whose violation
// indicates a protocol bug, never a runtime condition.
func AssertTrue(b bool) {
	if !b {
		panic(fmt.Sprintf("%+v", errors.Errorf("assert failed")))
	}
}

// AssertTruef is AssertTrue with a formatted message.
func AssertTruef(b bool, format string, args ...interface{}) {
	if !b {
		panic(fmt.Sprintf("%+v", errors.Errorf(format, args...)))
	}
}

// Check panics if the error is not nil.
func Check(err error) {
	if err != nil {
		panic(fmt.Sprintf("%+v", errors.Wrap(err, "assert failed")))
	}
}

// Wrapf wraps an error with a formatted message, keeping the original error for errors.Cause.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
