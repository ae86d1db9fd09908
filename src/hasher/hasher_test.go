package hasher_test

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/pewalh/backup-ninja/src/hasher"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestHashFileMatchesSHA256(t *testing.T) {
	data := make([]byte, 3*hasher.ChunkSize+17)
	for i := range data {
		data[i] = byte(i % 251)
	}
	p := writeTempFile(t, data)

	got, err := hasher.HashFile(p)
	require.NoError(t, err)

	want := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestHashFileEmpty(t *testing.T) {
	p := writeTempFile(t, nil)
	got, err := hasher.HashFile(p)
	require.NoError(t, err)

	want := sha256.Sum256(nil)
	require.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestHashFilePartialSmallMatchesFull(t *testing.T) {
	data := make([]byte, hasher.PartialChunkSize)
	p := writeTempFile(t, data)

	full, err := hasher.HashFile(p)
	require.NoError(t, err)
	partial, err := hasher.HashFilePartial(p)
	require.NoError(t, err)

	require.Equal(t, full, partial)
}

func TestHashFilePartialStableAcrossMiddleDifference(t *testing.T) {
	size := 4 * hasher.PartialChunkSize
	a := make([]byte, size)
	b := make([]byte, size)
	copy(a, bytes(size, 1))
	copy(b, bytes(size, 1))
	// gap between the first window [0,chunk) and the middle window
	// [(size-chunk)/2, (size-chunk)/2+chunk) — untouched by HashFilePartial.
	gap := hasher.PartialChunkSize + 1000
	if a[gap] == b[gap] {
		a[gap] ^= 0xFF
	}

	pa := writeTempFile(t, a)
	pb := writeTempFile(t, b)

	ha, err := hasher.HashFilePartial(pa)
	require.NoError(t, err)
	hb, err := hasher.HashFilePartial(pb)
	require.NoError(t, err)

	require.Equal(t, ha, hb)
}

func bytes(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%200)
	}
	return out
}
