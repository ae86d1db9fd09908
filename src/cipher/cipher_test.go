package cipher_test

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/pewalh/backup-ninja/src/cipher"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	out := make([]byte, base64.URLEncoding.EncodedLen(len(raw)))
	base64.URLEncoding.Encode(out, raw)
	return out
}

func TestEncryptDecryptStreamRoundTrip(t *testing.T) {
	c, err := cipher.New(randomKey(t))
	require.NoError(t, err)

	plaintext := make([]byte, 5*1024*1024+123)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	var encrypted bytes.Buffer
	require.NoError(t, c.EncryptStream(bytes.NewReader(plaintext), &encrypted, 1024*1024))

	var decrypted bytes.Buffer
	require.NoError(t, c.DecryptStream(&encrypted, &decrypted))

	require.True(t, bytes.Equal(plaintext, decrypted.Bytes()))
}

func TestEncryptStreamRejectsOversizedChunk(t *testing.T) {
	c, err := cipher.New(randomKey(t))
	require.NoError(t, err)

	err = c.EncryptStream(bytes.NewReader(nil), &bytes.Buffer{}, cipher.MaxChunkSize+1)
	require.ErrorIs(t, err, cipher.ErrChunkTooLarge)
}

func TestDecryptStreamRejectsTamperedToken(t *testing.T) {
	c, err := cipher.New(randomKey(t))
	require.NoError(t, err)

	var encrypted bytes.Buffer
	require.NoError(t, c.EncryptStream(bytes.NewReader([]byte("hello world")), &encrypted, 4096))

	tampered := encrypted.Bytes()
	tampered[len(tampered)-1] ^= 0xFF

	err = c.DecryptStream(bytes.NewReader(tampered), &bytes.Buffer{})
	require.Error(t, err)
}

func TestDecryptStreamRejectsForeignKey(t *testing.T) {
	c1, err := cipher.New(randomKey(t))
	require.NoError(t, err)
	c2, err := cipher.New(randomKey(t))
	require.NoError(t, err)

	var encrypted bytes.Buffer
	require.NoError(t, c1.EncryptStream(bytes.NewReader([]byte("secret")), &encrypted, 4096))

	err = c2.DecryptStream(&encrypted, &bytes.Buffer{})
	require.ErrorIs(t, err, cipher.ErrInvalidToken)
}

func TestStoreFileRestoreFileRoundTrip(t *testing.T) {
	c, err := cipher.New(randomKey(t))
	require.NoError(t, err)

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "plain.bin")
	blobPath := filepath.Join(dir, "blob.enc")
	dstPath := filepath.Join(dir, "restored.bin")

	data := make([]byte, 2*1024*1024+7)
	_, err = rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(srcPath, data, 0o644))

	require.NoError(t, c.StoreFile(srcPath, blobPath, 512*1024))
	require.NoError(t, c.RestoreFile(blobPath, dstPath))

	restored, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, restored))
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("fixed-salt-value")
	k1 := cipher.DeriveKey([]byte("correct horse"), salt)
	k2 := cipher.DeriveKey([]byte("correct horse"), salt)
	require.Equal(t, k1, k2)

	_, err := cipher.New(k1)
	require.NoError(t, err)
}

func TestInvalidKeyRejected(t *testing.T) {
	_, err := cipher.New([]byte("not-a-valid-key"))
	require.ErrorIs(t, err, cipher.ErrInvalidKey)
}
