package encryption

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	metadataExt = ".key"
	keyDataExt  = ".keydata"
)

// FileKeyStore persists secrets as a metadata JSON file plus a key data file
// per secret.
type FileKeyStore struct {
	basePath string
	logger   *logrus.Logger
	mu       sync.Mutex
}

// NewFileKeyStore creates the store directory if needed.
func NewFileKeyStore(basePath string, logger *logrus.Logger) (*FileKeyStore, error) {
	if basePath == "" {
		basePath = "./keys"
	}

	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}

	return &FileKeyStore{
		basePath: basePath,
		logger:   logger,
	}, nil
}

// StoreSecret writes the secret's metadata and key data.
func (fs *FileKeyStore) StoreSecret(secret Secret) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	meta, err := json.MarshalIndent(secret, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal secret metadata: %w", err)
	}

	metaFile := filepath.Join(fs.basePath, secret.ID+metadataExt)
	if err := os.WriteFile(metaFile, meta, 0600); err != nil {
		return fmt.Errorf("failed to write secret metadata: %w", err)
	}

	dataFile := filepath.Join(fs.basePath, secret.ID+keyDataExt)
	if err := os.WriteFile(dataFile, obfuscate(secret.Key), 0600); err != nil {
		return fmt.Errorf("failed to write secret key data: %w", err)
	}

	fs.logger.WithFields(logrus.Fields{
		"secret_id": secret.ID,
		"file":      metaFile,
	}).Debug("Stored flow token secret")

	return nil
}

// LoadSecrets reads every stored secret, newest first. Unreadable entries
// are logged and skipped.
func (fs *FileKeyStore) LoadSecrets() ([]Secret, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read key store directory: %w", err)
	}

	var secrets []Secret
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != metadataExt {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), metadataExt)
		secret, err := fs.loadSecret(id)
		if err != nil {
			fs.logger.WithError(err).WithField("secret_id", id).Warn("Failed to load flow token secret")
			continue
		}
		secrets = append(secrets, secret)
	}

	sortNewestFirst(secrets)
	fs.logger.WithField("secret_count", len(secrets)).Debug("Loaded flow token secrets")
	return secrets, nil
}

// DeleteSecret removes both files of a secret.
func (fs *FileKeyStore) DeleteSecret(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, ext := range []string{metadataExt, keyDataExt} {
		if err := os.Remove(filepath.Join(fs.basePath, id+ext)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove secret file: %w", err)
		}
	}

	fs.logger.WithField("secret_id", id).Debug("Deleted flow token secret")
	return nil
}

func (fs *FileKeyStore) loadSecret(id string) (Secret, error) {
	meta, err := os.ReadFile(filepath.Join(fs.basePath, id+metadataExt))
	if err != nil {
		return Secret{}, fmt.Errorf("failed to read secret metadata: %w", err)
	}

	var secret Secret
	if err := json.Unmarshal(meta, &secret); err != nil {
		return Secret{}, fmt.Errorf("failed to unmarshal secret metadata: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(fs.basePath, id+keyDataExt))
	if err != nil {
		return Secret{}, fmt.Errorf("failed to read secret key data: %w", err)
	}
	if len(data) == 0 {
		return Secret{}, fmt.Errorf("empty key data for secret %s", id)
	}

	secret.Key = obfuscate(data)
	return secret, nil
}

// obfuscate is its own inverse.
func obfuscate(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ 0xAA
	}
	return out
}

func sortNewestFirst(secrets []Secret) {
	sort.SliceStable(secrets, func(i, j int) bool {
		return secrets[i].CreatedAt.After(secrets[j].CreatedAt)
	})
}

// MemoryKeyStore keeps secrets in memory. Suitable for tests.
type MemoryKeyStore struct {
	secrets map[string]Secret
	mu      sync.RWMutex
}

// NewMemoryKeyStore creates an empty in-memory store
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		secrets: make(map[string]Secret),
	}
}

func (ms *MemoryKeyStore) StoreSecret(secret Secret) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.secrets[secret.ID] = secret
	return nil
}

func (ms *MemoryKeyStore) LoadSecrets() ([]Secret, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	secrets := make([]Secret, 0, len(ms.secrets))
	for _, s := range ms.secrets {
		secrets = append(secrets, s)
	}
	sortNewestFirst(secrets)
	return secrets, nil
}

func (ms *MemoryKeyStore) DeleteSecret(id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.secrets, id)
	return nil
}

// OpenKeyRing builds the process key ring for cfg. When a store is given and
// the node is standalone, persisted secrets are reused; a fresh secret is
// generated and stored only if none exist.
func OpenKeyRing(cfg KeyRingConfig, store KeyStore, logger *logrus.Logger) (*KeyRing, error) {
	if cfg.Clustered || store == nil {
		return NewKeyRing(cfg, logger)
	}

	secrets, err := store.LoadSecrets()
	if err != nil {
		return nil, err
	}

	if len(secrets) > 0 {
		logger.WithFields(logrus.Fields{
			"secrets":   len(secrets),
			"newest_id": secrets[0].ID,
		}).Info("Loaded persisted flow token secrets")
		return NewKeyRingWithSecrets(logger, secrets...), nil
	}

	ring, err := NewKeyRing(cfg, logger)
	if err != nil {
		return nil, err
	}
	if latest, ok := ring.Latest(); ok {
		if err := store.StoreSecret(latest); err != nil {
			return nil, fmt.Errorf("failed to persist flow token secret: %w", err)
		}
	}
	return ring, nil
}
