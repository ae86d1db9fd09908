package config

import (
	"fmt"
	"os"
)

const minKeySize = 32 // raw bytes once base64-decoded

// ReadKeyFile reads the urlsafe-base64 Fernet key from the given path. It
// returns the content untrimmed; cipher.New strips surrounding whitespace
// before decoding it.
func ReadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file '%s': %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("key file '%s' is empty", path)
	}
	return data, nil
}

// ValidateKeySize enforces that a decoded key is long enough to supply both
// the HMAC signing half and the AES-128 encryption half.
func ValidateKeySize(decoded []byte) error {
	if len(decoded) < minKeySize {
		return fmt.Errorf("CRITICAL: archive key must decode to at least %d bytes (got %d)", minKeySize, len(decoded))
	}
	return nil
}
