package infra

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

const (
	keyFileName = "store.key"
	keySize     = 32 // SQLCipher raw key, 256 bits

	// KeyEnvVar holds a hex key that overrides the key file.
	KeyEnvVar = "COBROWSE_STORE_KEY"
)

// FileKeyProvider implements domain.KeyProvider using a base64 key file
// with 0600 permissions inside the data directory.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{keyPath: filepath.Join(dataDir, keyFileName)}
}

func (p *FileKeyProvider) GetKey() ([]byte, error) {
	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	return checkKey(key)
}

func (p *FileKeyProvider) StoreKey(key []byte) error {
	if _, err := checkKey(key); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(p.keyPath, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// EnvKeyProvider reads a hex key from an environment variable. It is
// read-only: StoreKey always fails.
type EnvKeyProvider struct {
	name string
}

// NewEnvKeyProvider creates a provider for the given variable name.
func NewEnvKeyProvider(name string) *EnvKeyProvider {
	return &EnvKeyProvider{name: name}
}

func (p *EnvKeyProvider) GetKey() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(p.name))
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", p.name)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", p.name, err)
	}
	return checkKey(key)
}

func (p *EnvKeyProvider) StoreKey([]byte) error {
	return errors.New("environment key provider is read-only")
}

func (p *EnvKeyProvider) KeyExists() bool {
	return strings.TrimSpace(os.Getenv(p.name)) != ""
}

// KeyProviderFor prefers the environment variable when it is set and falls
// back to the key file in dataDir.
func KeyProviderFor(dataDir string) domain.KeyProvider {
	env := NewEnvKeyProvider(KeyEnvVar)
	if env.KeyExists() {
		return env
	}
	return NewFileKeyProvider(dataDir)
}

// GenerateKey creates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the existing key or generates and stores a new one.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

func checkKey(key []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return key, nil
}

var (
	_ domain.KeyProvider = (*FileKeyProvider)(nil)
	_ domain.KeyProvider = (*EnvKeyProvider)(nil)
)
