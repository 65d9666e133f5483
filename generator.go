package krot

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// KeySize is the RSA modulus length in bits.
type KeySize int

const (
	KeySize2048 KeySize = 2048
	KeySize3072 KeySize = 3072
	KeySize4096 KeySize = 4096

	// DefaultKeySize is used when the settings leave the size unset.
	DefaultKeySize = KeySize4096
)

// Validate validates the key size.
func (s KeySize) Validate() error {
	switch s {
	case KeySize2048, KeySize3072, KeySize4096:
		return nil
	default:
		return fmt.Errorf(
			"%w: key size must be one of %d, %d or %d bits (got %d)",
			ErrInvalidKeySize,
			KeySize2048,
			KeySize3072,
			KeySize4096,
			s,
		)
	}
}

// KeyGenerator produces RSA key pairs for the Rotator.
type KeyGenerator interface {
	Generate() (*rsa.PrivateKey, error)
}

type keyGenerator struct {
	keySize int
}

// NewKeyGenerator returns a KeyGenerator backed by crypto/rand.
func NewKeyGenerator(size KeySize) KeyGenerator {
	return &keyGenerator{
		keySize: int(size),
	}
}

func (g *keyGenerator) Generate() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, g.keySize)
}
