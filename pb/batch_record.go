package pb

import (
	"encoding/binary"
	"fmt"
)

const (
	// recordHeaderSize is how many bytes each Record consumes on disk before its key and value
	// payloads.
	recordHeaderSize = 0 + // Simply here to align the other items.
		1 + // Kind (uint8 - 1 byte)
		4 + // ColumnFamily (uint32 - 4 bytes)
		4 + // Key length (uint32 - 4 bytes)
		4 // Value length (uint32 - 4 bytes)

	// batchHeaderSize is how many bytes a BatchPayload consumes before its records.
	batchHeaderSize = 0 +
		8 + // FirstSequence (uint64 - 8 bytes)
		1 + // Flags (uint8 - 1 byte)
		4 // Record count (uint32 - 4 bytes)
)

type (
	// RecordKind indicates what type of entry a batch record represents, either a mutation
	// against a column family or a control marker delimiting transaction boundaries during log
	// replay.
	RecordKind uint8

	// BatchFlags carries batch-level properties that must survive a trip through the write-ahead
	// log.
	BatchFlags uint8

	// Record is a single entry of a write batch: one mutation or one control marker. For marker
	// records the Key field carries the transaction name and ColumnFamily is zero.
	Record struct {
		Kind RecordKind

		ColumnFamily uint32

		Key []byte

		Value []byte
	}

	// BatchPayload represents one write batch as it is framed into the write-ahead log. A payload
	// is applied atomically during replay.
	BatchPayload struct {
		// FirstSequence is the first sequence number reserved for this batch. Sub-batches after
		// the first consume consecutive numbers above it.
		FirstSequence uint64

		Flags BatchFlags

		Records []Record
	}
)

const (
	RecordPut RecordKind = iota
	RecordDelete
	RecordSingleDelete
	RecordMerge
	RecordBeginPrepare
	RecordEndPrepare
	RecordCommit
	RecordRollback
	RecordNoop
)

const (
	// BatchLatestPersistentState marks a commit-time batch that is kept only as the latest
	// recoverable state. It is skipped during normal replay unless it is the newest such batch.
	BatchLatestPersistentState BatchFlags = 1 << iota
)

// IsMutation reports whether the record mutates a column family, as opposed to being a control
// marker.
func (r *Record) IsMutation() bool {
	switch r.Kind {
	case RecordPut, RecordDelete, RecordSingleDelete, RecordMerge:
		return true
	default:
		return false
	}
}

// EncodedSize is the size (in bytes) of the Record once it has been marshalled.
func (r *Record) EncodedSize() int {
	return recordHeaderSize + len(r.Key) + len(r.Value)
}

func (r *Record) MarshalEx(dst []byte) error {
	// If the provided buffer isn't long enough to hold the record then we can fail early.
	if len(dst) < r.EncodedSize() {
		return fmt.Errorf(
			"cannot marshal Record, buffer is too small. Need: %d Got: %d",
			r.EncodedSize(),
			len(dst),
		)
	}

	i := 0

	dst[i] = uint8(r.Kind)
	i++

	binary.BigEndian.PutUint32(dst[i:i+4], r.ColumnFamily)
	i += 4

	binary.BigEndian.PutUint32(dst[i:i+4], uint32(len(r.Key)))
	i += 4

	binary.BigEndian.PutUint32(dst[i:i+4], uint32(len(r.Value)))
	i += 4

	copy(dst[i:], r.Key)
	i += len(r.Key)

	copy(dst[i:], r.Value)

	return nil
}

func (r *Record) Marshal() []byte {
	buf := make([]byte, r.EncodedSize())
	_ = r.MarshalEx(buf)
	return buf
}

// Unmarshal decodes a single record from the front of src, returning the number of bytes it
// consumed.
func (r *Record) Unmarshal(src []byte) (int, error) {
	// If the provided bytes aren't long enough to decode the record header then we can fail
	// early.
	if len(src) < recordHeaderSize {
		return 0, fmt.Errorf(
			"cannot unmarshal Record, buffer is too small. Need at least: %d Got: %d",
			recordHeaderSize,
			len(src),
		)
	}
	*r = Record{}

	i := 0

	r.Kind = RecordKind(src[i])
	i++

	r.ColumnFamily = binary.BigEndian.Uint32(src[i : i+4])
	i += 4

	keyLength := int(binary.BigEndian.Uint32(src[i : i+4]))
	i += 4

	valueLength := int(binary.BigEndian.Uint32(src[i : i+4]))
	i += 4

	if len(src) < i+keyLength+valueLength {
		return 0, fmt.Errorf(
			"cannot unmarshal Record, buffer is too small. Need: %d Got: %d",
			i+keyLength+valueLength,
			len(src),
		)
	}

	if keyLength > 0 {
		r.Key = make([]byte, keyLength)
		copy(r.Key, src[i:i+keyLength])
		i += keyLength
	}

	if valueLength > 0 {
		r.Value = make([]byte, valueLength)
		copy(r.Value, src[i:i+valueLength])
		i += valueLength
	}

	return i, nil
}

// EncodedSize is the size (in bytes) of the BatchPayload once it has been marshalled.
func (p *BatchPayload) EncodedSize() int {
	size := batchHeaderSize
	for i := range p.Records {
		size += p.Records[i].EncodedSize()
	}
	return size
}

func (p *BatchPayload) Marshal() []byte {
	buf := make([]byte, p.EncodedSize())

	i := 0

	binary.BigEndian.PutUint64(buf[i:i+8], p.FirstSequence)
	i += 8

	buf[i] = uint8(p.Flags)
	i++

	binary.BigEndian.PutUint32(buf[i:i+4], uint32(len(p.Records)))
	i += 4

	for r := range p.Records {
		_ = p.Records[r].MarshalEx(buf[i:])
		i += p.Records[r].EncodedSize()
	}

	return buf
}

func (p *BatchPayload) Unmarshal(src []byte) error {
	// If the provided bytes aren't long enough to decode the payload header then we can fail
	// early.
	if len(src) < batchHeaderSize {
		return fmt.Errorf(
			"cannot unmarshal BatchPayload, buffer is too small. Need at least: %d Got: %d",
			batchHeaderSize,
			len(src),
		)
	}
	*p = BatchPayload{}

	i := 0

	p.FirstSequence = binary.BigEndian.Uint64(src[i : i+8])
	i += 8

	p.Flags = BatchFlags(src[i])
	i++

	count := int(binary.BigEndian.Uint32(src[i : i+4]))
	i += 4

	p.Records = make([]Record, count)
	for r := 0; r < count; r++ {
		consumed, err := p.Records[r].Unmarshal(src[i:])
		if err != nil {
			return err
		}
		i += consumed
	}

	return nil
}
