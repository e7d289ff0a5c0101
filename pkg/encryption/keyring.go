package encryption

import (
	"crypto/hmac"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// KeyRing holds the flow token secrets, newest first. Readers work on an
// immutable snapshot; writers replace the snapshot under a mutex.
type KeyRing struct {
	snapshot atomic.Pointer[[]Secret]
	writeMu  sync.Mutex
	logger   *logrus.Logger
}

// NewKeyRing creates the process key ring. A standalone node gets one fresh
// secret; a clustered node starts empty and mints tokens without a MAC.
func NewKeyRing(cfg KeyRingConfig, logger *logrus.Logger) (*KeyRing, error) {
	ring := &KeyRing{logger: logger}
	ring.snapshot.Store(&[]Secret{})

	if cfg.Clustered {
		logger.Warn("Clustered mode: flow token signing disabled")
		return ring, nil
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	ring.Add(secret)

	return ring, nil
}

// NewKeyRingWithSecrets builds a ring from known secrets, listed newest first.
func NewKeyRingWithSecrets(logger *logrus.Logger, secrets ...Secret) *KeyRing {
	ring := &KeyRing{logger: logger}
	list := append([]Secret(nil), secrets...)
	ring.snapshot.Store(&list)
	return ring
}

// GenerateSecret creates a random 160-bit HMAC key.
func GenerateSecret() (Secret, error) {
	key := make([]byte, SecretSize)
	if _, err := rand.Read(key); err != nil {
		return Secret{}, fmt.Errorf("failed to generate flow token secret: %w", err)
	}

	return Secret{
		ID:        uuid.NewString(),
		Algorithm: DefaultAlgorithm,
		Key:       key,
		CreatedAt: time.Now(),
	}, nil
}

// Latest returns the newest secret, or false when signing is disabled.
func (r *KeyRing) Latest() (Secret, bool) {
	secrets := *r.snapshot.Load()
	if len(secrets) == 0 {
		return Secret{}, false
	}
	return secrets[0], true
}

// All returns every secret, newest first. The slice must not be modified.
func (r *KeyRing) All() []Secret {
	return *r.snapshot.Load()
}

// Len returns the number of secrets on the ring.
func (r *KeyRing) Len() int {
	return len(*r.snapshot.Load())
}

// Sign computes the MAC of data with secret and fits it to neededLen bytes:
// shorter MACs are zero padded on the right, longer ones truncated. A
// neededLen of zero keeps the natural length. The result never exceeds
// MaxMACLength.
func (r *KeyRing) Sign(secret Secret, data []byte, neededLen int) []byte {
	mac := secret.MAC(data)
	if neededLen <= 0 {
		neededLen = len(mac)
	}
	if neededLen > MaxMACLength {
		neededLen = MaxMACLength
	}

	out := make([]byte, neededLen)
	copy(out, mac)
	return out
}

// Authenticate recomputes the MAC of data with each secret, newest first,
// and reports whether any of them produces claimed.
func (r *KeyRing) Authenticate(data, claimed []byte) bool {
	if len(claimed) < MinMACLength || len(claimed) > MaxMACLength {
		return false
	}

	for _, secret := range r.All() {
		if hmac.Equal(r.Sign(secret, data, len(claimed)), claimed) {
			return true
		}
	}
	return false
}

// Add pushes secret at the head of the ring.
func (r *KeyRing) Add(secret Secret) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := *r.snapshot.Load()
	next := make([]Secret, 0, len(current)+1)
	next = append(next, secret)
	next = append(next, current...)
	r.snapshot.Store(&next)

	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"secret_id": secret.ID,
			"secrets":   len(next),
		}).Debug("Added flow token secret")
	}
}

// Retain keeps the newest n secrets and returns the ones dropped.
func (r *KeyRing) Retain(n int) []Secret {
	if n < 1 {
		n = 1
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := *r.snapshot.Load()
	if len(current) <= n {
		return nil
	}

	kept := append([]Secret(nil), current[:n]...)
	dropped := append([]Secret(nil), current[n:]...)
	r.snapshot.Store(&kept)
	return dropped
}
