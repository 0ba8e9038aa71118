// Package storage caches enrolled samples on disk so enrollment only runs when
// the photo directory changes. The cache is encrypted at rest using NaCl secretbox.
package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32

	cacheVersion = 1
)

// ErrCacheNotFound is returned when no cache has been written yet.
var ErrCacheNotFound = errors.New("gallery cache not found")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

// ErrCacheVersion is returned for caches written by an incompatible version.
var ErrCacheVersion = errors.New("unsupported gallery cache version")

type cacheFile struct {
	Version   int              `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	Samples   []gallery.Sample `json:"samples"`
}

// GalleryCache stores samples in a single file.
type GalleryCache struct {
	path              string
	encryptionEnabled bool
	encryptionKey     [KeySize]byte
}

// NewGalleryCache creates a cache at path. With encryption enabled the key is
// derived from machine identity, so the file is only readable on this host.
func NewGalleryCache(path string, encryptionEnabled bool) (*GalleryCache, error) {
	c := &GalleryCache{
		path:              path,
		encryptionEnabled: encryptionEnabled,
	}

	if encryptionEnabled {
		key, err := deriveKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
		c.encryptionKey = key
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return c, nil
}

// deriveKey derives an encryption key from machine-specific information.
func deriveKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	var identity strings.Builder

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}
	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}
	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("rollcall-gallery-v1")

	hash := sha256.Sum256([]byte(identity.String()))
	copy(key[:], hash[:])
	return key, nil
}

// Path returns the cache file location.
func (c *GalleryCache) Path() string {
	return c.path
}

// Exists reports whether a cache file is present.
func (c *GalleryCache) Exists() bool {
	_, err := os.Stat(c.path)
	return err == nil
}

// Save replaces the cache with samples. The file is written to a temporary
// name and renamed so readers never see a partial cache.
func (c *GalleryCache) Save(samples []gallery.Sample) error {
	data, err := json.Marshal(cacheFile{
		Version:   cacheVersion,
		CreatedAt: time.Now().UTC(),
		Samples:   samples,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal gallery cache: %w", err)
	}

	if c.encryptionEnabled {
		data, err = c.encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt gallery cache: %w", err)
		}
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write gallery cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace gallery cache: %w", err)
	}

	logging.Component("storage").WithField("samples", len(samples)).Debugf("Saved gallery cache: %s", c.path)
	return nil
}

// Load reads the cached samples.
func (c *GalleryCache) Load() ([]gallery.Sample, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheNotFound
		}
		return nil, fmt.Errorf("failed to read gallery cache: %w", err)
	}

	if c.encryptionEnabled {
		data, err = c.decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt gallery cache: %w", err)
		}
	}

	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gallery cache: %w", err)
	}
	if f.Version != cacheVersion {
		return nil, fmt.Errorf("%w: %d", ErrCacheVersion, f.Version)
	}

	logging.Component("storage").WithField("samples", len(f.Samples)).Debugf("Loaded gallery cache: %s", c.path)
	return f.Samples, nil
}

// Remove deletes the cache file. A missing file is not an error.
func (c *GalleryCache) Remove() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete gallery cache: %w", err)
	}
	return nil
}

// encrypt encrypts data using NaCl secretbox.
func (c *GalleryCache) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &c.encryptionKey), nil
}

// decrypt decrypts data using NaCl secretbox.
func (c *GalleryCache) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &c.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}
	return plaintext, nil
}
