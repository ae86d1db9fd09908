// Package cipher implements the archive's at-rest encryption: a
// Fernet-equivalent AEAD (AES-128-CBC + PKCS#7 + HMAC-SHA-256) applied to a
// stream of length-prefixed chunks, itself wrapped in a gzip container when
// stored to disk. The wire format matches the original Python backup tool's
// `backup_funcs/crypto.py` byte for byte so existing archives stay readable.
package cipher

import (
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultChunkSize is the plaintext chunk size used by StoreFile/RestoreFile.
const DefaultChunkSize = 16 * 1024 * 1024

// MaxChunkSize is the largest chunk size EncryptStream accepts. The 4-byte
// little-endian length prefix can address more, but the original tool caps
// it at 1 GiB and we keep the same ceiling for wire compatibility.
const MaxChunkSize = 1 << 30

// ErrChunkTooLarge is returned when EncryptStream is asked to use a chunk
// size above MaxChunkSize.
var ErrChunkTooLarge = errors.New("cipher: chunk size exceeds 1GiB limit")

// PBKDF2Iterations matches the original tool's key-derivation work factor.
const PBKDF2Iterations = 480000

// DeriveKey derives a 32-byte key from a password and salt using
// PBKDF2-HMAC-SHA256, returning it urlsafe-base64 encoded as a Fernet key
// file's contents would be.
func DeriveKey(password, salt []byte) []byte {
	raw := pbkdf2.Key(password, salt, PBKDF2Iterations, keySize, sha256.New)
	out := make([]byte, base64.URLEncoding.EncodedLen(len(raw)))
	base64.URLEncoding.Encode(out, raw)
	secureWipe(raw)
	return out
}

// Cipher encrypts and decrypts archive content streams using a single
// fixed key, read once from a key file at construction.
type Cipher struct {
	key *keyPair

	plainPool  sync.Pool
	cipherPool sync.Pool
}

// New builds a Cipher from the urlsafe-base64 key bytes found in a key file.
func New(keyB64 []byte) (*Cipher, error) {
	kp, err := parseKey(keyB64)
	if err != nil {
		return nil, err
	}
	c := &Cipher{key: kp}
	c.plainPool.New = func() any { return make([]byte, DefaultChunkSize) }
	c.cipherPool.New = func() any { return make([]byte, DefaultChunkSize+64) }
	return c, nil
}

// Close zeroes the cipher's key material. The Cipher must not be used
// afterwards.
func (c *Cipher) Close() {
	secureWipe(c.key.signingKey)
	secureWipe(c.key.encryptionKey)
}

// EncryptStream reads plaintext from in in chunkSize blocks, Fernet-encrypts
// each one, and writes it to out as a 4-byte little-endian length prefix
// followed by the urlsafe-base64 token bytes. The final (possibly short)
// chunk terminates the stream; there is no explicit end marker beyond a
// chunk shorter than chunkSize or EOF.
func (c *Cipher) EncryptStream(in io.Reader, out io.Writer, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > MaxChunkSize {
		return ErrChunkTooLarge
	}

	buf := c.getPlainBuf(chunkSize)
	defer c.putPlainBuf(buf)

	for {
		n, readErr := io.ReadFull(in, buf[:chunkSize])
		if n > 0 {
			token, err := c.key.encryptToken(buf[:n])
			if err != nil {
				return fmt.Errorf("cipher: encrypt chunk: %w", err)
			}
			if err := writeLengthPrefixed(out, token); err != nil {
				return err
			}
			if n < chunkSize {
				return nil
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("cipher: read plaintext: %w", readErr)
		}
	}
}

// DecryptStream reverses EncryptStream: it reads length-prefixed Fernet
// tokens from in until EOF, verifies and decrypts each, and writes the
// recovered plaintext to out.
func (c *Cipher) DecryptStream(in io.Reader, out io.Writer) error {
	var lenBuf [4]byte
	for {
		_, err := io.ReadFull(in, lenBuf[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cipher: read chunk length: %w", err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])

		token := c.getCipherBuf(int(n))
		if _, err := io.ReadFull(in, token[:n]); err != nil {
			c.putCipherBuf(token)
			return fmt.Errorf("cipher: read chunk: %w", err)
		}

		plaintext, err := c.key.decryptToken(token[:n])
		c.putCipherBuf(token)
		if err != nil {
			return err
		}
		if _, err := out.Write(plaintext); err != nil {
			return fmt.Errorf("cipher: write plaintext: %w", err)
		}
	}
}

// StoreFile encrypts the file at srcPath and writes the result, gzip
// compressed, to dstPath. chunkSize of 0 uses DefaultChunkSize.
func (c *Cipher) StoreFile(srcPath, dstPath string, chunkSize int) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("cipher: open source %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("cipher: create %s: %w", dstPath, err)
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	bw := bufio.NewWriter(gw)

	if err := c.EncryptStream(src, bw, chunkSize); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("cipher: flush %s: %w", dstPath, err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("cipher: close gzip writer for %s: %w", dstPath, err)
	}
	return nil
}

// RestoreFile decrypts the gzip-wrapped archive blob at srcPath and writes
// the recovered plaintext to dstPath.
func (c *Cipher) RestoreFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("cipher: open %s: %w", srcPath, err)
	}
	defer src.Close()

	gr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("cipher: open gzip stream for %s: %w", srcPath, err)
	}
	defer gr.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("cipher: create %s: %w", dstPath, err)
	}
	defer dst.Close()

	bw := bufio.NewWriter(dst)
	if err := c.DecryptStream(gr, bw); err != nil {
		return err
	}
	return bw.Flush()
}

func writeLengthPrefixed(out io.Writer, token []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(token)))
	if _, err := out.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("cipher: write chunk length: %w", err)
	}
	if _, err := out.Write(token); err != nil {
		return fmt.Errorf("cipher: write chunk: %w", err)
	}
	return nil
}

func (c *Cipher) getPlainBuf(size int) []byte {
	buf := c.plainPool.Get().([]byte)
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	return buf[:size]
}

func (c *Cipher) putPlainBuf(buf []byte) {
	secureWipe(buf)
	c.plainPool.Put(buf) //nolint:staticcheck // reuse underlying array
}

func (c *Cipher) getCipherBuf(size int) []byte {
	buf := c.cipherPool.Get().([]byte)
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	return buf[:size]
}

func (c *Cipher) putCipherBuf(buf []byte) {
	secureWipe(buf)
	c.cipherPool.Put(buf) //nolint:staticcheck
}

// secureWipe overwrites buf with zeroes and keeps it alive past the final
// write so the compiler cannot optimize the wipe away.
func secureWipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	runtime.KeepAlive(buf)
}
