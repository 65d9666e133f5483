package token_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaori96/krot/v2/token"
)

func TestAudience(t *testing.T) {
	t.Run("Should keep the wire shape", func(t *testing.T) {
		cases := map[string]struct {
			audience token.Audience
			json     string
		}{
			"absent": {token.Audience{}, `null`},
			"single": {token.SingleAudience("a"), `"a"`},
			"list":   {token.AudienceList("a", "b"), `["a","b"]`},
			"empty":  {token.AudienceList([]string{}...), `[]`},
		}

		for name, tc := range cases {
			data, err := json.Marshal(tc.audience)
			require.NoError(t, err, name)
			assert.Equal(t, tc.json, string(data), name)

			var decoded token.Audience
			require.NoError(t, json.Unmarshal(data, &decoded), name)
			assert.Equal(t, tc.audience.IsSingle(), decoded.IsSingle(), name)
			assert.Equal(t, tc.audience.IsZero(), decoded.IsZero(), name)
			assert.Equal(t, tc.audience.Values(), decoded.Values(), name)
		}
	})

	t.Run("Should reject other shapes", func(t *testing.T) {
		for _, raw := range []string{`42`, `{"aud":"a"}`, `[1,2]`, `true`} {
			var decoded token.Audience
			assert.ErrorIs(t, json.Unmarshal([]byte(raw), &decoded), token.ErrAudienceShape, raw)
		}
	})

	t.Run("Should omit an absent audience from claims", func(t *testing.T) {
		data, err := json.Marshal(token.Claims{Subject: "user-1"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"sub":"user-1"}`, string(data))
	})
}

func TestClaimsDecoding(t *testing.T) {
	raw := `{
		"address": {"country": "US", "postalCode": "90210"},
		"aud": ["get.entitlement.disneyplus.com", "set.entitlement.disneyplus.com"],
		"exp": 1700003600,
		"iat": 1700000000,
		"iss": "krot",
		"products": ["disney-plus"],
		"provider": "roku",
		"sub": "user-1",
		"custom": true
	}`

	var claims token.Claims
	require.NoError(t, json.Unmarshal([]byte(raw), &claims))

	want := token.Claims{
		Address:   map[string]string{"country": "US", "postalCode": "90210"},
		Audience:  token.AudienceList("get.entitlement.disneyplus.com", "set.entitlement.disneyplus.com"),
		ExpiresAt: jwtv5.NewNumericDate(time.Unix(1700003600, 0)),
		IssuedAt:  jwtv5.NewNumericDate(time.Unix(1700000000, 0)),
		Issuer:    "krot",
		Products:  []string{"disney-plus"},
		Provider:  "roku",
		Subject:   "user-1",
	}

	if diff := cmp.Diff(want, claims, cmp.AllowUnexported(token.Audience{})); diff != "" {
		t.Errorf("decoded claims mismatch (-want +got):\n%s", diff)
	}
}

func TestClaimsValidate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	activation := []string{"activation.disneyplus.com"}

	valid := func() token.Claims {
		claims := token.Claims{
			Audience: token.AudienceList(activation...),
			Issuer:   "krot",
			Products: []string{},
			Provider: "roku",
			Subject:  "user-1",
		}
		claims.SetLifetime(now.Add(-time.Minute), time.Hour)
		return claims
	}

	rules := token.Rules{Audience: activation, Activation: true, Now: now}

	t.Run("Should accept complete claims", func(t *testing.T) {
		assert.NoError(t, valid().Validate(rules))
	})

	t.Run("Should report every missing claim", func(t *testing.T) {
		err := token.Claims{}.Validate(rules)
		require.Error(t, err)

		assert.ErrorIs(t, err, jwtv5.ErrTokenRequiredClaimMissing)
		for _, claim := range []string{"aud", "products", "provider", "iss", "iat", "exp", "sub"} {
			assert.Contains(t, err.Error(), claim)
		}

		var joined interface{ Unwrap() []error }
		require.True(t, errors.As(err, &joined))
		assert.Len(t, joined.Unwrap(), 7)
	})

	t.Run("Should only require activation claims for activation tokens", func(t *testing.T) {
		claims := valid()
		claims.Products = nil
		claims.Subject = ""

		assert.NoError(t, claims.Validate(token.Rules{Audience: activation, Now: now}))
		assert.ErrorIs(t, claims.Validate(rules), jwtv5.ErrTokenRequiredClaimMissing)
	})

	t.Run("Should treat an empty audience array as missing", func(t *testing.T) {
		claims := valid()
		claims.Audience = token.AudienceList([]string{}...)

		err := claims.Validate(rules)
		assert.ErrorIs(t, err, jwtv5.ErrTokenRequiredClaimMissing)
		assert.NotErrorIs(t, err, jwtv5.ErrTokenInvalidAudience)
	})

	t.Run("Should check the audience", func(t *testing.T) {
		both := []string{"get.entitlement.disneyplus.com", "set.entitlement.disneyplus.com"}

		cases := map[string]struct {
			audience token.Audience
			expected []string
			valid    bool
		}{
			"single match":            {token.SingleAudience("a"), []string{"a"}, true},
			"single mismatch":         {token.SingleAudience("b"), []string{"a"}, false},
			"single for two expected": {token.SingleAudience(both[0]), both, false},
			"list superset":           {token.AudienceList(append(both, "x")...), both, true},
			"list reordered":          {token.AudienceList(both[1], both[0]), both, true},
			"list too short":          {token.AudienceList(both[0]), both, false},
			"list missing one":        {token.AudienceList(both[0], "x"), both, false},
		}

		for name, tc := range cases {
			claims := valid()
			claims.Audience = tc.audience

			err := claims.Validate(token.Rules{Audience: tc.expected, Now: now})
			if tc.valid {
				assert.NoError(t, err, name)
			} else {
				assert.ErrorIs(t, err, jwtv5.ErrTokenInvalidAudience, name)
			}
		}
	})

	t.Run("Should reject tokens issued in the future", func(t *testing.T) {
		claims := valid()
		claims.SetLifetime(now.Add(time.Minute), time.Hour)

		assert.ErrorIs(t, claims.Validate(rules), jwtv5.ErrTokenUsedBeforeIssued)
	})

	t.Run("Should reject an expiry before issuance", func(t *testing.T) {
		claims := valid()
		claims.ExpiresAt = jwtv5.NewNumericDate(now.Add(-time.Hour))

		assert.ErrorIs(t, claims.Validate(rules), jwtv5.ErrTokenInvalidClaims)
	})

	t.Run("Should only reject expired tokens when asked to", func(t *testing.T) {
		claims := valid()
		claims.SetLifetime(now.Add(-2*time.Hour), time.Hour)

		assert.NoError(t, claims.Validate(rules))

		strict := rules
		strict.RequireUnexpired = true
		assert.ErrorIs(t, claims.Validate(strict), jwtv5.ErrTokenExpired)
	})
}
