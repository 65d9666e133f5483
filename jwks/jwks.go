// Package jwks builds and reads JSON Web Key Sets holding RSA signature keys.
package jwks

import (
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// AlgorithmRS256 is the only signature algorithm published and accepted.
const AlgorithmRS256 = string(jwa.RS256)

var (
	ErrMalformedKeySet = errors.New("jwks: malformed key set")
	ErrMalformedKey    = errors.New("jwks: malformed key")
	ErrFetchFailed     = errors.New("jwks: fetch failed")
)

// NewKey returns pub as an RS256 key named kid.
func NewKey(pub *rsa.PublicKey, kid string) (jwk.Key, error) {
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	return key, nil
}

// NewSet collects keys in the given order. Two keys sharing an identifier
// are rejected.
func NewSet(keys ...jwk.Key) (jwk.Set, error) {
	set := jwk.NewSet()
	seen := make(map[string]struct{}, len(keys))

	for _, key := range keys {
		if _, ok := seen[key.KeyID()]; ok {
			return nil, fmt.Errorf("%w: duplicate kid %q", ErrMalformedKeySet, key.KeyID())
		}
		seen[key.KeyID()] = struct{}{}

		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKeySet, err)
		}
	}

	return set, nil
}

// PublicKey exports key as an RSA public key. Padded base64url is accepted
// for documents produced by other publishers.
func PublicKey(key jwk.Key) (*rsa.PublicKey, error) {
	if key.KeyType() != jwa.RSA {
		return nil, fmt.Errorf("%w: kid %q has key type %q", ErrMalformedKey, key.KeyID(), key.KeyType())
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("%w: kid %q: %v", ErrMalformedKey, key.KeyID(), err)
	}

	var pub *rsa.PublicKey
	switch v := raw.(type) {
	case *rsa.PublicKey:
		pub = v
	case *rsa.PrivateKey:
		pub = &v.PublicKey
	default:
		return nil, fmt.Errorf("%w: kid %q is not an RSA key", ErrMalformedKey, key.KeyID())
	}

	if pub.N == nil || pub.N.Sign() <= 0 || pub.E <= 0 {
		return nil, fmt.Errorf("%w: kid %q has an empty modulus or exponent", ErrMalformedKey, key.KeyID())
	}

	return pub, nil
}

// Parse decodes a key-set document. A document without a "keys" member is
// rejected rather than read as a single key.
func Parse(data []byte) (jwk.Set, error) {
	var document struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKeySet, err)
	}

	if document.Keys == nil {
		return nil, fmt.Errorf("%w: missing \"keys\" member", ErrMalformedKeySet)
	}

	if len(document.Keys) == 0 {
		return jwk.NewSet(), nil
	}

	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKeySet, err)
	}

	return set, nil
}

// Keys returns the keys of set in document order. A nil set has none.
func Keys(set jwk.Set) []jwk.Key {
	if set == nil {
		return nil
	}

	keys := make([]jwk.Key, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		if key, ok := set.Key(i); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// KeyIDs returns the identifiers in document order.
func KeyIDs(set jwk.Set) []string {
	keys := Keys(set)

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key.KeyID())
	}
	return ids
}

// SameKeys reports whether a and b publish exactly the same keys, ignoring
// order. Keys are compared by identifier and RFC 7638 thumbprint.
func SameKeys(a, b jwk.Set) bool {
	left, right := Keys(a), Keys(b)
	if len(left) != len(right) {
		return false
	}

	counts := make(map[string]int, len(left))
	for _, key := range left {
		counts[fingerprint(key)]++
	}

	for _, key := range right {
		id := fingerprint(key)
		if counts[id] == 0 {
			return false
		}
		counts[id]--
	}

	return true
}

func fingerprint(key jwk.Key) string {
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return key.KeyID() + "/invalid"
	}
	return key.KeyID() + "/" + base64.RawURLEncoding.EncodeToString(thumbprint)
}
