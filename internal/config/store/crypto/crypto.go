// Package crypto seals secret environment values stored in the config
// database with AES-256-GCM. The key lives next to the database file.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	KeySize     = 32
	KeyFileName = ".hostd.key"
	// SealedPrefix marks sealed values in the database.
	SealedPrefix = "sealed:v1:"
)

// ErrKeyLost is returned when sealed values exist but their key file does not.
var ErrKeyLost = errors.New("crypto: key file missing while sealed values exist")

// KeyPath returns the key location for the database at dbPath.
func KeyPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), KeyFileName)
}

// LoadKey reads the key at keyPath. A missing file yields nil, nil.
func LoadKey(keyPath string) ([]byte, error) {
	f, err := os.Open(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("crypto: read key: %w", err)
	}
	defer f.Close()

	if runtime.GOOS != "windows" {
		if info, statErr := f.Stat(); statErr == nil && info.Mode().Perm()&0o077 != 0 {
			log.Printf("[Config] WARNING: key %s has permissive mode 0%o (expected 0600)", keyPath, info.Mode().Perm())
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("crypto: read key: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("crypto: key %s has size %d (expected %d)", keyPath, len(data), KeySize)
	}
	return data, nil
}

// CreateKey writes a fresh key to keyPath. The key is written to a temp file
// and hard-linked into place, so concurrent creators all end up with the
// winner's key.
func CreateKey(keyPath string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(keyPath), KeyFileName+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("crypto: create key temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(key); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("crypto: write key temp: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("crypto: chmod key temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("crypto: close key temp: %w", err)
	}

	if err := os.Link(tmpPath, keyPath); err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("crypto: link key: %w", err)
		}
		winner, loadErr := LoadKey(keyPath)
		if loadErr != nil {
			return nil, loadErr
		}
		if winner == nil {
			return nil, fmt.Errorf("crypto: key %s vanished after concurrent create", keyPath)
		}
		return winner, nil
	}
	return key, nil
}

// EnsureKey loads the key at keyPath or creates one. Creation is refused
// when hasSealed reports existing sealed values.
func EnsureKey(keyPath string, hasSealed func() (bool, error)) ([]byte, error) {
	key, err := LoadKey(keyPath)
	if err != nil || key != nil {
		return key, err
	}
	if hasSealed != nil {
		sealed, err := hasSealed()
		if err != nil {
			return nil, err
		}
		if sealed {
			return nil, fmt.Errorf("%w: restore %s", ErrKeyLost, keyPath)
		}
	}
	return CreateKey(keyPath)
}

// IsSealed reports whether stored carries the sealed prefix.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, SealedPrefix)
}

// Seal encrypts plaintext and returns a prefixed base64 string.
func Seal(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func Open(key []byte, stored string) (string, error) {
	if !IsSealed(stored) {
		return "", fmt.Errorf("crypto: value is not sealed")
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("crypto: decode sealed value: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	n := gcm.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("crypto: sealed value too short")
	}
	plain, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open sealed value: %w", err)
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
