package jwks_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaori96/krot/v2/internal/testkeys"
	"github.com/zhaori96/krot/v2/jwks"
)

func newKey(t *testing.T, pool int, kid string) jwk.Key {
	t.Helper()

	key, err := jwks.NewKey(&testkeys.Key(pool).PublicKey, kid)
	require.NoError(t, err)
	return key
}

// setOf builds a set without the identifier checks of jwks.NewSet.
func setOf(t *testing.T, keys ...jwk.Key) jwk.Set {
	t.Helper()

	set := jwk.NewSet()
	for _, key := range keys {
		require.NoError(t, set.AddKey(key))
	}
	return set
}

func TestKey(t *testing.T) {
	t.Run("Should round trip an RSA public key", func(t *testing.T) {
		pub := &testkeys.Key(0).PublicKey
		key := newKey(t, 0, "k0")

		assert.Equal(t, "k0", key.KeyID())
		assert.Equal(t, jwks.AlgorithmRS256, key.Algorithm().String())

		decoded, err := jwks.PublicKey(key)
		require.NoError(t, err)
		assert.True(t, pub.Equal(decoded))
	})

	t.Run("Should publish unpadded members", func(t *testing.T) {
		data, err := json.Marshal(newKey(t, 0, "k0"))
		require.NoError(t, err)

		var members map[string]string
		require.NoError(t, json.Unmarshal(data, &members))

		assert.Equal(t, "RSA", members["kty"])
		assert.Equal(t, "RS256", members["alg"])
		assert.Equal(t, "k0", members["kid"])
		assert.Equal(t, "AQAB", members["e"])
		assert.NotEmpty(t, members["n"])
		assert.NotContains(t, members["n"], "=")
	})

	t.Run("Should accept padded base64url", func(t *testing.T) {
		pub := &testkeys.Key(1).PublicKey
		document := fmt.Sprintf(
			`{"keys":[{"kty":"RSA","n":%q,"e":"AQAB","alg":"RS256","kid":"padded"}]}`,
			base64.URLEncoding.EncodeToString(pub.N.Bytes()),
		)

		set, err := jwks.Parse([]byte(document))
		require.NoError(t, err)

		key, ok := set.Key(0)
		require.True(t, ok)

		decoded, err := jwks.PublicKey(key)
		require.NoError(t, err)
		assert.True(t, pub.Equal(decoded))
	})

	t.Run("Should reject malformed keys", func(t *testing.T) {
		curve, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		ec, err := jwk.FromRaw(&curve.PublicKey)
		require.NoError(t, err)

		emptyModulus := newKey(t, 0, "k0")
		require.NoError(t, emptyModulus.Set(jwk.RSANKey, []byte{}))

		emptyExponent := newKey(t, 0, "k0")
		require.NoError(t, emptyExponent.Set(jwk.RSAEKey, []byte{}))

		cases := map[string]jwk.Key{
			"wrong key type": ec,
			"empty modulus":  emptyModulus,
			"empty exponent": emptyExponent,
		}

		for name, key := range cases {
			_, err := jwks.PublicKey(key)
			assert.ErrorIs(t, err, jwks.ErrMalformedKey, name)
		}
	})
}

func TestNewSet(t *testing.T) {
	t.Run("Should keep the given order", func(t *testing.T) {
		set, err := jwks.NewSet(newKey(t, 1, "b"), newKey(t, 0, "a"))
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, jwks.KeyIDs(set))
	})

	t.Run("Should reject duplicate identifiers", func(t *testing.T) {
		_, err := jwks.NewSet(newKey(t, 0, "a"), newKey(t, 1, "a"))
		assert.ErrorIs(t, err, jwks.ErrMalformedKeySet)
	})

	t.Run("Should treat a nil set as empty", func(t *testing.T) {
		assert.Empty(t, jwks.Keys(nil))
		assert.Empty(t, jwks.KeyIDs(nil))
	})
}

func TestParse(t *testing.T) {
	t.Run("Should parse a key set", func(t *testing.T) {
		set, err := jwks.Parse([]byte(`{"keys":[{"kty":"RSA","n":"AQ","e":"AQAB","alg":"RS256","kid":"a"}]}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, jwks.KeyIDs(set))
	})

	t.Run("Should accept an empty key list", func(t *testing.T) {
		set, err := jwks.Parse([]byte(`{"keys":[]}`))
		require.NoError(t, err)
		assert.Zero(t, set.Len())
	})

	t.Run("Should reject documents without keys", func(t *testing.T) {
		documents := []string{
			`{}`,
			`{"keys":null}`,
			`[]`,
			`not json`,
			`{"kty":"RSA","n":"AQ","e":"AQAB","kid":"a"}`,
		}

		for _, document := range documents {
			_, err := jwks.Parse([]byte(document))
			assert.ErrorIs(t, err, jwks.ErrMalformedKeySet, document)
		}
	})
}

func TestSameKeys(t *testing.T) {
	a := newKey(t, 0, "a")
	again := newKey(t, 0, "a")
	b := newKey(t, 1, "b")
	c := newKey(t, 2, "c")

	assert.True(t, jwks.SameKeys(setOf(t, a, b), setOf(t, b, a)))
	assert.False(t, jwks.SameKeys(setOf(t, a, b), setOf(t, a, c)))
	assert.False(t, jwks.SameKeys(setOf(t, a), setOf(t, a, again)))
	assert.False(t, jwks.SameKeys(setOf(t, a, again), setOf(t, a, b)))
	assert.True(t, jwks.SameKeys(nil, jwk.NewSet()))

	renamed := newKey(t, 0, "renamed")
	assert.False(t, jwks.SameKeys(setOf(t, a), setOf(t, renamed)))
}

func TestVerificationKeys(t *testing.T) {
	t.Run("Should index RSA keys and skip other key types", func(t *testing.T) {
		curve, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		ec, err := jwk.FromRaw(&curve.PublicKey)
		require.NoError(t, err)
		require.NoError(t, ec.Set(jwk.KeyIDKey, "curve"))

		keys, err := jwks.NewVerificationKeys(setOf(t, newKey(t, 1, "b"), ec, newKey(t, 0, "a")))
		require.NoError(t, err)

		assert.Equal(t, 2, keys.Len())
		assert.Equal(t, []string{"a", "b"}, keys.KeyIDs())

		pub, ok := keys.Lookup("b")
		require.True(t, ok)
		assert.True(t, testkeys.Key(1).PublicKey.Equal(pub))

		_, ok = keys.Lookup("curve")
		assert.False(t, ok)
	})

	t.Run("Should reject duplicate identifiers", func(t *testing.T) {
		_, err := jwks.NewVerificationKeys(setOf(t, newKey(t, 0, "a"), newKey(t, 1, "a")))
		assert.ErrorIs(t, err, jwks.ErrMalformedKeySet)
	})

	t.Run("Should parse a document", func(t *testing.T) {
		set, err := jwks.NewSet(newKey(t, 2, "c"))
		require.NoError(t, err)
		data, err := json.Marshal(set)
		require.NoError(t, err)

		keys, err := jwks.ParseVerificationKeys(data)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, keys.KeyIDs())
	})

	t.Run("Should hold no keys when nil", func(t *testing.T) {
		var keys *jwks.VerificationKeys

		assert.NotPanics(t, func() {
			_, ok := keys.Lookup("a")
			assert.False(t, ok)
		})
		assert.Zero(t, keys.Len())
		assert.Empty(t, keys.KeyIDs())
	})
}
