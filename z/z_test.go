package z

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyWithSeqRoundTrip(t *testing.T) {
	key := []byte("hello")
	internal := KeyWithSeq(key, 42)

	require.Equal(t, key, ParseKey(internal))
	require.Equal(t, uint64(42), ParseSeq(internal))
}

func TestCompareKeysOrdersNewestFirst(t *testing.T) {
	// Within one user key, a higher sequence number must sort before a lower one.
	newer := KeyWithSeq([]byte("k"), 10)
	older := KeyWithSeq([]byte("k"), 5)
	require.True(t, CompareKeys(newer, older) < 0)

	// Across user keys the key bytes dominate regardless of sequence numbers.
	a := KeyWithSeq([]byte("a"), 1)
	b := KeyWithSeq([]byte("b"), 100)
	require.True(t, CompareKeys(a, b) < 0)
}

func TestSameKey(t *testing.T) {
	require.True(t, SameKey(KeyWithSeq([]byte("k"), 1), KeyWithSeq([]byte("k"), 99)))
	require.False(t, SameKey(KeyWithSeq([]byte("k"), 1), KeyWithSeq([]byte("k2"), 1)))
	require.False(t, SameKey(KeyWithSeq([]byte("k"), 1), []byte("short")))
}
