package samples

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaori96/krot/v2/token"
)

func TestClaims(t *testing.T) {
	issued := time.Unix(1700000000, 0)

	t.Run("Should produce an activation token that validates", func(t *testing.T) {
		claims, err := Claims(Activation, issued, time.Hour)
		require.NoError(t, err)

		assert.Equal(t, issued.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
		assert.NoError(t, claims.Validate(token.Rules{
			Audience:   []string{"activation.disneyplus.com"},
			Activation: true,
			Now:        issued,
		}))
	})

	t.Run("Should scope entitlement samples to their calls", func(t *testing.T) {
		get := []string{"get.entitlement.disneyplus.com"}
		set := []string{"set.entitlement.disneyplus.com"}

		cases := map[Kind]struct{ get, set bool }{
			EntitlementGet:  {get: true},
			EntitlementSet:  {set: true},
			EntitlementBoth: {get: true, set: true},
		}

		for kind, want := range cases {
			claims, err := Claims(kind, issued, time.Hour)
			require.NoError(t, err, kind)

			rules := token.Rules{Now: issued}

			rules.Audience = get
			assert.Equal(t, want.get, claims.Validate(rules) == nil, "%s for GET", kind)

			rules.Audience = set
			assert.Equal(t, want.set, claims.Validate(rules) == nil, "%s for SET", kind)
		}
	})

	t.Run("Should reject unknown samples", func(t *testing.T) {
		_, err := Claims(Kind("missing"), issued, time.Hour)
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})
}

func TestKinds(t *testing.T) {
	for _, kind := range Kinds() {
		data, err := Raw(kind)
		require.NoError(t, err, kind)
		assert.NotEmpty(t, data, kind)
	}
}
