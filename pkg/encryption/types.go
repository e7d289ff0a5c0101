package encryption

import (
	"crypto/hmac"
	"crypto/sha1"
	"time"
)

// KeyRingConfig controls how flow token secrets are created, kept and rotated.
type KeyRingConfig struct {
	// Clustered disables local secrets; tokens are minted without a MAC.
	Clustered bool `json:"clustered"`

	// KeyStorePath persists secrets across restarts when set.
	KeyStorePath string `json:"key_store_path"`

	// RotationInterval of zero disables automatic rotation.
	RotationInterval time.Duration `json:"rotation_interval"`

	// Retain is the number of secrets kept on the ring after a rotation.
	Retain int `json:"retain"`
}

// Secret is one symmetric key of the ring.
type Secret struct {
	ID        string    `json:"id"`
	Algorithm string    `json:"algorithm"`
	Key       []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// MAC computes the natural-length keyed hash of data. A new hash state is
// built per call so secrets can be shared between goroutines.
func (s Secret) MAC(data []byte) []byte {
	mac := hmac.New(sha1.New, s.Key)
	mac.Write(data)
	return mac.Sum(nil)
}

// KeyStore persists secrets.
type KeyStore interface {
	StoreSecret(secret Secret) error
	LoadSecrets() ([]Secret, error)
	DeleteSecret(id string) error
}

const (
	// DefaultAlgorithm is the keyed hash used for flow tokens
	DefaultAlgorithm = "HMAC-SHA1"

	// SecretSize is the generated key length, 160 bits to match SHA-1
	SecretSize = 20

	// MaxMACLength is the largest MAC a token can carry (one length byte)
	MaxMACLength = 255

	// MinMACLength is the shortest presented MAC accepted. Peers may
	// truncate down to a single byte.
	MinMACLength = 1

	DefaultRetain = 3
)

// DefaultKeyRingConfig returns a standalone configuration without rotation.
func DefaultKeyRingConfig() KeyRingConfig {
	return KeyRingConfig{
		Retain: DefaultRetain,
	}
}
