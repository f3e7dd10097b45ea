package sequoia

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/elliotcourant/sequoia/options"
	"github.com/elliotcourant/sequoia/pb"
	"github.com/elliotcourant/sequoia/z"
	"github.com/pkg/errors"
)

const (
	// WalFilename is the filename of the write-ahead log inside the database directory.
	WalFilename = "000000.wal"

	// walVersion is included in the write-ahead log header to indicate the version of the record
	// encoding the database wrote it with.
	walVersion = 0x06082015
)

var (
	// walMagicText prefixes the write-ahead log. It is used to verify that the file was created
	// by the database and not by something else.
	walMagicText = [4]byte{'!', 'S', 'q', 'a'}

	// ErrBadWalMagic is returned when the write-ahead log is missing its 4 byte signature
	// prefix.
	ErrBadWalMagic = errors.New("write-ahead log has bad magic")

	// ErrBadWalVersion is returned when the write-ahead log was written with an encoding version
	// this build cannot handle.
	ErrBadWalVersion = errors.New("write-ahead log has bad version")

	// ErrBadWalChecksum is returned when a replayed record's checksum does not match the data
	// read from the file. This is usually an indication that the log is corrupted.
	ErrBadWalChecksum = errors.New("write-ahead log has bad checksum")
)

type (
	// logFile is the append-only write-ahead log. Every batch submitted to the write path is
	// framed into it before the batch's sequence numbers can be published.
	logFile struct {
		path string

		// Guards appends. The write queues already serialize submissions, but the log is also
		// appended to from both queues in two queue mode.
		appendLock sync.Mutex

		file *os.File

		// buffer holds the encoded records when the database runs in memory and has no file.
		buffer *bytes.Buffer

		inMemory bool
	}

	// countingReader tracks how many bytes have been consumed during replay so a partially
	// written tail can be truncated away.
	countingReader struct {
		wrapped *bufio.Reader
		count   int64
	}
)

// Read will read from the buffer into the provided byte slice. It will increment the count for
// the number of bytes read.
func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.wrapped.Read(p)
	r.count += int64(n)

	return
}

// openLogFile opens the write-ahead log inside the directory, creating it with a fresh header if
// it does not exist yet.
func openLogFile(opts Options) (*logFile, error) {
	if opts.InMemory {
		buffer := &bytes.Buffer{}
		buffer.Write(walHeader())
		return &logFile{inMemory: true, buffer: buffer}, nil
	}

	path := filepath.Join(opts.Directory, WalFilename)

	file, err := z.OpenExistingFile(path, 0)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to open existing write-ahead log")
		}

		file, err = z.OpenTruncFile(path, false)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create write-ahead log")
		}

		if _, err := file.Write(walHeader()); err != nil {
			_ = file.Close()
			return nil, errors.Wrap(err, "failed to write write-ahead log header")
		}

		if err := z.FileSync(file); err != nil {
			_ = file.Close()
			return nil, errors.Wrap(err, "failed to sync write-ahead log header")
		}
	}

	return &logFile{path: path, file: file}, nil
}

func walHeader() []byte {
	buf := make([]byte, 8)
	copy(buf[0:4], walMagicText[:])
	binary.BigEndian.PutUint32(buf[4:8], walVersion)
	return buf
}

// append frames the payload with its length and checksum and appends it to the log. When sync is
// set the file is flushed before returning; the record is not considered durable until then.
func (l *logFile) append(payload *pb.BatchPayload, sync bool) error {
	body := payload.Marshal()

	var lenCrcBuf [8]byte
	binary.BigEndian.PutUint32(lenCrcBuf[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(lenCrcBuf[4:8], xxhash.Checksum32(body))

	l.appendLock.Lock()
	defer l.appendLock.Unlock()

	if l.inMemory {
		l.buffer.Write(lenCrcBuf[:])
		l.buffer.Write(body)
		return nil
	}

	if _, err := l.file.Write(lenCrcBuf[:]); err != nil {
		return errors.Wrap(err, "failed to append to write-ahead log")
	}
	if _, err := l.file.Write(body); err != nil {
		return errors.Wrap(err, "failed to append to write-ahead log")
	}

	if sync {
		return z.Wrapf(z.FileSync(l.file), "failed to sync write-ahead log")
	}

	return nil
}

// replay reads every complete record from the log in order and hands it to the callback. A
// half-written record at the tail ends the replay and is truncated away so the next append starts
// from a clean boundary.
func (l *logFile) replay(verification options.ChecksumVerificationMode, fn func(payload *pb.BatchPayload) error) error {
	if l.inMemory {
		return nil
	}

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "failed to rewind write-ahead log")
	}

	r := countingReader{
		wrapped: bufio.NewReader(l.file),
	}

	var magicBuf [8]byte
	if _, err := io.ReadFull(&r, magicBuf[:]); err != nil {
		return errors.Wrapf(ErrBadWalMagic, "could not read: %v", err)
	} else if !bytes.Equal(magicBuf[0:4], walMagicText[:]) {
		return errors.Wrap(ErrBadWalMagic, "missing magic prefix")
	}

	if version := binary.BigEndian.Uint32(magicBuf[4:8]); version != walVersion {
		return ErrBadWalVersion
	}

	stat, err := l.file.Stat()
	if err != nil {
		return errors.Wrap(err, "error while trying to read file stats")
	}
	fileSize := stat.Size()

	var offset int64
	for {
		offset = r.count

		var lenCrcBuf [8]byte
		if _, err := io.ReadFull(&r, lenCrcBuf[:]); err != nil {
			// Hitting either of these means we've reached the end of the file. There is either
			// no more data to be read or the last record was cut off and cannot be read anyway.
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}

			return errors.Wrap(err, "failed to replay write-ahead log")
		}

		length := binary.BigEndian.Uint32(lenCrcBuf[0:4])

		// Sanity check to make sure we don't over-allocate memory.
		if int64(length) > fileSize {
			return errors.Wrapf(
				errors.New("record length greater than file size, write-ahead log might be corrupted"),
				"record length: %d file size: %d",
				length,
				fileSize,
			)
		}

		buf := make([]byte, length)
		if _, err := io.ReadFull(&r, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}

			return errors.Wrap(err, "failed to replay write-ahead log")
		}

		if verification == options.OnReplay {
			if xxhash.Checksum32(buf) != binary.BigEndian.Uint32(lenCrcBuf[4:8]) {
				return ErrBadWalChecksum
			}
		}

		payload := &pb.BatchPayload{}
		if err := payload.Unmarshal(buf); err != nil {
			return errors.Wrap(err, "failed to unmarshal record from write-ahead log")
		}

		if err := fn(payload); err != nil {
			return err
		}

		offset = r.count
	}

	// Truncate the file so we don't have a half-written record at the end.
	if err := l.file.Truncate(offset); err != nil {
		return errors.Wrap(err, "failed to truncate write-ahead log")
	}

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrap(err, "failed to seek to end of write-ahead log")
	}

	return nil
}

func (l *logFile) close() error {
	if l.inMemory {
		return nil
	}

	return l.file.Close()
}
