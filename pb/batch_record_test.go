package pb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecord_Marshal_Unmarshal(t *testing.T) {
	record := Record{
		Kind:         RecordPut,
		ColumnFamily: 3,
		Key:          []byte("account/1245"),
		Value:        []byte("balance=32"),
	}
	encoded := record.Marshal()

	result := Record{}
	consumed, err := result.Unmarshal(encoded)
	assert.NoError(t, err)
	assert.Equal(t, len(encoded), consumed)
	assert.Equal(t, record, result)
}

func TestRecord_Unmarshal_ShortBuffer(t *testing.T) {
	record := Record{
		Kind:         RecordDelete,
		ColumnFamily: 1,
		Key:          []byte("account/1245"),
	}
	encoded := record.Marshal()

	result := Record{}
	_, err := result.Unmarshal(encoded[:len(encoded)-4])
	assert.Error(t, err)
}

func TestBatchPayload_Marshal_Unmarshal(t *testing.T) {
	payload := BatchPayload{
		FirstSequence: 582,
		Flags:         BatchLatestPersistentState,
		Records: []Record{
			{
				Kind:         RecordBeginPrepare,
				ColumnFamily: 0,
			},
			{
				Kind:         RecordPut,
				ColumnFamily: 0,
				Key:          []byte("user/52"),
				Value:        []byte("elliot"),
			},
			{
				Kind:         RecordMerge,
				ColumnFamily: 7,
				Key:          []byte("user/52/visits"),
				Value:        []byte{0x01},
			},
			{
				Kind: RecordEndPrepare,
				Key:  []byte("txn-52"),
			},
		},
	}
	encoded := payload.Marshal()

	result := BatchPayload{}
	err := result.Unmarshal(encoded)
	assert.NoError(t, err)
	assert.Equal(t, payload, result)
}

func BenchmarkRecord_Marshal(b *testing.B) {
	record := Record{
		Kind:         RecordPut,
		ColumnFamily: 3,
		Key:          []byte("account/1245"),
		Value:        []byte("balance=32"),
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		record.Marshal()
	}
}
