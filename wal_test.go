package sequoia

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/elliotcourant/sequoia/options"
	"github.com/elliotcourant/sequoia/pb"
	"github.com/stretchr/testify/require"
)

func TestLogFileRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	opts := DefaultOptions(dir)
	lf, err := openLogFile(opts)
	require.NoError(t, err)

	first := &pb.BatchPayload{
		FirstSequence: 1,
		Records: []pb.Record{
			{Kind: pb.RecordPut, Key: []byte("a"), Value: []byte("1")},
		},
	}
	second := &pb.BatchPayload{
		FirstSequence: 2,
		Flags:         pb.BatchLatestPersistentState,
		Records: []pb.Record{
			{Kind: pb.RecordDelete, ColumnFamily: 3, Key: []byte("b")},
			{Kind: pb.RecordCommit, Key: []byte("t1")},
		},
	}
	require.NoError(t, lf.append(first, true))
	require.NoError(t, lf.append(second, true))
	require.NoError(t, lf.close())

	lf, err = openLogFile(opts)
	require.NoError(t, err)
	defer lf.close()

	replayed := make([]*pb.BatchPayload, 0, 2)
	require.NoError(t, lf.replay(options.OnReplay, func(payload *pb.BatchPayload) error {
		replayed = append(replayed, payload)
		return nil
	}))

	require.Len(t, replayed, 2)
	require.Equal(t, uint64(1), replayed[0].FirstSequence)
	require.Equal(t, []byte("a"), replayed[0].Records[0].Key)
	require.Equal(t, uint64(2), replayed[1].FirstSequence)
	require.Equal(t, pb.BatchLatestPersistentState, replayed[1].Flags)
	require.Equal(t, uint32(3), replayed[1].Records[0].ColumnFamily)
	require.Equal(t, []byte("t1"), replayed[1].Records[1].Key)
}

func TestLogFileTruncatesTail(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	opts := DefaultOptions(dir)
	lf, err := openLogFile(opts)
	require.NoError(t, err)

	payload := &pb.BatchPayload{
		FirstSequence: 1,
		Records:       []pb.Record{{Kind: pb.RecordPut, Key: []byte("a"), Value: []byte("1")}},
	}
	require.NoError(t, lf.append(payload, true))
	require.NoError(t, lf.close())

	path := filepath.Join(dir, WalFilename)
	stat, err := os.Stat(path)
	require.NoError(t, err)
	complete := stat.Size()

	// A torn frame at the tail must be dropped by replay.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = file.Write([]byte{0x00, 0x00, 0x00, 0xff, 0x01})
	require.NoError(t, err)
	require.NoError(t, file.Close())

	lf, err = openLogFile(opts)
	require.NoError(t, err)
	defer lf.close()

	count := 0
	require.NoError(t, lf.replay(options.OnReplay, func(payload *pb.BatchPayload) error {
		count++
		return nil
	}))
	require.Equal(t, 1, count)

	stat, err = os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, complete, stat.Size())
}

func TestLogFileRejectsOversizedRecordLength(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	opts := DefaultOptions(dir)
	lf, err := openLogFile(opts)
	require.NoError(t, err)

	payload := &pb.BatchPayload{
		FirstSequence: 1,
		Records:       []pb.Record{{Kind: pb.RecordPut, Key: []byte("a"), Value: []byte("1")}},
	}
	require.NoError(t, lf.append(payload, true))
	require.NoError(t, lf.close())

	// A complete frame header whose length field exceeds the file size must be rejected before
	// any allocation, not treated as a torn tail.
	path := filepath.Join(dir, WalFilename)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = file.Write([]byte{0x7f, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, file.Close())

	lf, err = openLogFile(opts)
	require.NoError(t, err)
	defer lf.close()

	err = lf.replay(options.OnReplay, func(payload *pb.BatchPayload) error {
		return nil
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "record length greater than file size")
}

func TestLogFileChecksumSkippedWithoutVerification(t *testing.T) {
	dir, err := ioutil.TempDir("", "sequoia-test")
	require.NoError(t, err)
	defer removeDir(dir)

	opts := DefaultOptions(dir)
	lf, err := openLogFile(opts)
	require.NoError(t, err)

	payload := &pb.BatchPayload{
		FirstSequence: 1,
		Records:       []pb.Record{{Kind: pb.RecordPut, Key: []byte("a"), Value: []byte("1")}},
	}
	require.NoError(t, lf.append(payload, true))
	require.NoError(t, lf.close())

	path := filepath.Join(dir, WalFilename)
	raw, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	// Corrupt the stored checksum, not the body, so the frame still decodes.
	raw[12] ^= 0xff
	require.NoError(t, ioutil.WriteFile(path, raw, 0644))

	lf, err = openLogFile(opts)
	require.NoError(t, err)
	defer lf.close()

	require.Equal(t, ErrBadWalChecksum, lf.replay(options.OnReplay, func(payload *pb.BatchPayload) error {
		return nil
	}))

	count := 0
	require.NoError(t, lf.replay(options.NoVerification, func(payload *pb.BatchPayload) error {
		count++
		return nil
	}))
	require.Equal(t, 1, count)
}
