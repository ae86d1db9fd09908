package cipher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// keySize is the total raw key length: 16 bytes for HMAC signing, 16 for AES-128.
const keySize = 32

const (
	fernetVersion   byte = 0x80
	ivSize               = aes.BlockSize // 16
	timestampSize        = 8
	hmacSize             = sha256.Size // 32
	minTokenBinSize      = 1 + timestampSize + ivSize + hmacSize
)

// ErrInvalidKey is returned when a key does not decode to exactly 32 raw bytes.
var ErrInvalidKey = errors.New("cipher: key must decode to 32 bytes")

// ErrInvalidToken is returned when a token is malformed or fails HMAC verification.
var ErrInvalidToken = errors.New("cipher: invalid or tampered token")

// keyPair holds the split signing/encryption halves of a raw Fernet key.
type keyPair struct {
	signingKey    []byte // first 16 bytes
	encryptionKey []byte // last 16 bytes
}

// parseKey decodes a urlsafe-base64 key (as found in a key file) into its
// signing/encryption halves.
func parseKey(keyB64 []byte) (*keyPair, error) {
	raw := make([]byte, base64.URLEncoding.DecodedLen(len(keyB64)))
	n, err := base64.URLEncoding.Decode(raw, bytes.TrimSpace(keyB64))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	raw = raw[:n]
	if len(raw) != keySize {
		return nil, ErrInvalidKey
	}
	return &keyPair{
		signingKey:    raw[:16],
		encryptionKey: raw[16:],
	}, nil
}

// encryptToken produces a Fernet token (urlsafe-base64 text, as bytes) for plaintext.
func (k *keyPair) encryptToken(plaintext []byte) ([]byte, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("cipher: read iv: %w", err)
	}
	return k.encryptTokenWithIV(plaintext, iv, time.Now().Unix())
}

func (k *keyPair) encryptTokenWithIV(plaintext, iv []byte, unixTime int64) ([]byte, error) {
	block, err := aes.NewCipher(k.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("cipher: new AES cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	payload := make([]byte, 0, minTokenBinSize-hmacSize+len(ciphertext))
	payload = append(payload, fernetVersion)
	var ts [timestampSize]byte
	binary.BigEndian.PutUint64(ts[:], uint64(unixTime))
	payload = append(payload, ts[:]...)
	payload = append(payload, iv...)
	payload = append(payload, ciphertext...)

	mac := hmac.New(sha256.New, k.signingKey)
	mac.Write(payload)
	tag := mac.Sum(nil)

	binTok := append(payload, tag...)

	out := make([]byte, base64.URLEncoding.EncodedLen(len(binTok)))
	base64.URLEncoding.Encode(out, binTok)
	return out, nil
}

// decryptToken verifies and decrypts a Fernet token (urlsafe-base64 text).
func (k *keyPair) decryptToken(token []byte) ([]byte, error) {
	binTok := make([]byte, base64.URLEncoding.DecodedLen(len(token)))
	n, err := base64.URLEncoding.Decode(binTok, bytes.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	binTok = binTok[:n]

	if len(binTok) < minTokenBinSize {
		return nil, ErrInvalidToken
	}
	if binTok[0] != fernetVersion {
		return nil, ErrInvalidToken
	}

	payload := binTok[:len(binTok)-hmacSize]
	gotTag := binTok[len(binTok)-hmacSize:]

	mac := hmac.New(sha256.New, k.signingKey)
	mac.Write(payload)
	wantTag := mac.Sum(nil)
	if subtle.ConstantTimeCompare(gotTag, wantTag) != 1 {
		return nil, ErrInvalidToken
	}

	iv := payload[1+timestampSize : 1+timestampSize+ivSize]
	ciphertext := payload[1+timestampSize+ivSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidToken
	}

	block, err := aes.NewCipher(k.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("cipher: new AES cipher: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return plaintext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("cipher: invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("cipher: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("cipher: invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
