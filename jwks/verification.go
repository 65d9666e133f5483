package jwks

import (
	"crypto/rsa"
	"fmt"
	"sort"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// VerificationKeys is an immutable index from key identifier to RSA public key.
// It is built once per verification, or short batch of them, and never mutated.
type VerificationKeys struct {
	keys map[string]*rsa.PublicKey
}

// NewVerificationKeys indexes the RSA keys of set. Keys of other types are
// skipped; a malformed RSA key or a repeated identifier is an error.
func NewVerificationKeys(set jwk.Set) (*VerificationKeys, error) {
	all := Keys(set)

	keys := make(map[string]*rsa.PublicKey, len(all))
	for _, key := range all {
		if key.KeyType() != jwa.RSA {
			continue
		}

		if _, ok := keys[key.KeyID()]; ok {
			return nil, fmt.Errorf("%w: duplicate kid %q", ErrMalformedKeySet, key.KeyID())
		}

		pub, err := PublicKey(key)
		if err != nil {
			return nil, err
		}

		keys[key.KeyID()] = pub
	}

	return &VerificationKeys{keys: keys}, nil
}

// ParseVerificationKeys parses a key-set document and indexes it.
func ParseVerificationKeys(data []byte) (*VerificationKeys, error) {
	set, err := Parse(data)
	if err != nil {
		return nil, err
	}

	return NewVerificationKeys(set)
}

// Lookup returns the public key named kid. A nil index holds no keys.
func (v *VerificationKeys) Lookup(kid string) (*rsa.PublicKey, bool) {
	if v == nil {
		return nil, false
	}

	pub, ok := v.keys[kid]
	return pub, ok
}

func (v *VerificationKeys) Len() int {
	if v == nil {
		return 0
	}
	return len(v.keys)
}

// KeyIDs returns the indexed identifiers, sorted.
func (v *VerificationKeys) KeyIDs() []string {
	if v == nil {
		return nil
	}

	ids := make([]string, 0, len(v.keys))
	for id := range v.keys {
		ids = append(ids, id)
	}

	sort.Strings(ids)
	return ids
}
