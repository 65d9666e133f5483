package krot

import (
	"crypto/rsa"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/zhaori96/krot/v2/jwks"
)

// Key is one generated RSA key pair together with its published form. Once
// created a Key is never modified; the Rotator only moves it between the
// primary, standby and verification roles.
type Key struct {
	// ID is the key identifier ("kid") carried in token headers.
	ID string `json:"id"`

	// PrivateKey signs tokens while the key is primary. It never leaves the
	// process.
	PrivateKey *rsa.PrivateKey `json:"-"`

	// JWK is the public half as published in the key set.
	JWK jwk.Key `json:"jwk"`

	// Created is when the key pair was generated.
	Created time.Time `json:"created"`

	// Expires is when the key stops being eligible for verification.
	Expires time.Time `json:"expires"`
}

func newKey(id string, private *rsa.PrivateKey, created, expires time.Time) (*Key, error) {
	public, err := jwks.NewKey(&private.PublicKey, id)
	if err != nil {
		return nil, err
	}

	return &Key{
		ID:         id,
		PrivateKey: private,
		JWK:        public,
		Created:    created,
		Expires:    expires,
	}, nil
}

// PublicKey returns the public half of the key pair.
func (k *Key) PublicKey() *rsa.PublicKey {
	return &k.PrivateKey.PublicKey
}

// Expired reports whether the key is past its retention window at now.
//
//	if key.Expired(clock.Now()) {
//	    fmt.Println("The key can be evicted.")
//	}
func (k *Key) Expired(now time.Time) bool {
	return now.After(k.Expires)
}
