package console_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaori96/krot/v2"
	"github.com/zhaori96/krot/v2/internal/console"
	"github.com/zhaori96/krot/v2/internal/samples"
	"github.com/zhaori96/krot/v2/internal/testkeys"
	"github.com/zhaori96/krot/v2/token"
)

var tokenSettings = console.TokenSettings{
	ActivationAudience: []string{"activation.disneyplus.com"},
	GetAudience:        []string{"get.entitlement.disneyplus.com"},
	SetAudience:        []string{"set.entitlement.disneyplus.com"},
	ActivationShortTTL: time.Hour,
	ActivationLongTTL:  30 * 24 * time.Hour,
	EntitlementTTL:     time.Hour,
}

type fixture struct {
	rotator *krot.Rotator
	codec   *token.Codec
	clock   *clock.Mock
	tokens  console.TokenSettings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mockClock := clock.NewMock()
	mockClock.Set(time.Unix(1700000000, 0))

	var (
		mutex sync.Mutex
		next  int
	)
	rotator, err := krot.New(&krot.RotatorSettings{
		Policy:    krot.TestPolicy,
		Clock:     mockClock,
		Generator: testkeys.NewGenerator(),
		IDProvider: func() string {
			mutex.Lock()
			defer mutex.Unlock()

			id := fmt.Sprintf("k%d", next)
			next++
			return id
		},
	})
	require.NoError(t, err)

	return &fixture{
		rotator: rotator,
		codec:   token.NewCodec(rotator, nil),
		clock:   mockClock,
		tokens:  tokenSettings,
	}
}

// run feeds the lines to a new console and returns everything it printed.
func (f *fixture) run(t *testing.T, lines ...string) string {
	t.Helper()

	input := strings.Join(lines, "\n")
	if len(lines) > 0 {
		input += "\n"
	}

	var out bytes.Buffer
	c := console.New(console.Options{
		In:      strings.NewReader(input),
		Out:     &out,
		Rotator: f.rotator,
		Codec:   f.codec,
		Tokens:  f.tokens,
		Clock:   f.clock,
	})

	require.NoError(t, c.Run(context.Background()))
	return out.String()
}

func (f *fixture) sign(t *testing.T, kind samples.Kind) string {
	t.Helper()

	claims, err := samples.Claims(kind, f.clock.Now(), time.Hour)
	require.NoError(t, err)

	signed, err := f.codec.Sign(claims)
	require.NoError(t, err)
	return signed
}

// serveKeySet publishes the rotator's key set, calling before ahead of every
// request with the 1-based request number.
func (f *fixture) serveKeySet(t *testing.T, before func(request int32)) *httptest.Server {
	t.Helper()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if before != nil {
			before(requests.Add(1))
		}

		data, err := f.rotator.KeySetJSON()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	return server
}

const exit = "11"

func TestConsoleMenu(t *testing.T) {
	f := newFixture(t)

	t.Run("Should list every task and exit", func(t *testing.T) {
		out := f.run(t, exit)

		assert.Contains(t, out, "\t 1 Create a sample activation token expiring in 1 hour,")
		assert.Contains(t, out, "\t 2 Create a sample activation token expiring in 30 days")
		assert.Contains(t, out, "\t10 Test key rotation")
		assert.Contains(t, out, "\t11 Exit")
		assert.True(t, strings.HasSuffix(out, "\n==> "))
	})

	t.Run("Should report invalid choices", func(t *testing.T) {
		out := f.run(t, "seven", "0", "12", exit)

		assert.Contains(t, out, "Error: not a number.")
		assert.Equal(t, 2, strings.Count(out, "Error: not a valid option."))
	})

	t.Run("Should stop at the end of the input", func(t *testing.T) {
		out := f.run(t)
		assert.Equal(t, 1, strings.Count(out, "==> "))
	})

	t.Run("Should stop when the context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var out bytes.Buffer
		c := console.New(console.Options{In: strings.NewReader("7\n"), Out: &out, Rotator: f.rotator, Codec: f.codec})

		require.NoError(t, c.Run(ctx))
		assert.Empty(t, out.String())
		assert.Len(t, c.Tasks(), 10)
	})
}

func TestConsoleTasks(t *testing.T) {
	t.Run("Should print a signed activation token", func(t *testing.T) {
		f := newFixture(t)
		out := f.run(t, "1", exit)

		assert.Contains(t, out, `"sub": "sandbox-subscriber-0001"`)
		assert.Contains(t, out, `"exp": 1700003600`)
		assert.Contains(t, out, "claims/activation.json")
	})

	t.Run("Should stamp the configured issuer", func(t *testing.T) {
		f := newFixture(t)
		f.tokens.Issuer = "custom-issuer"

		out := f.run(t, "2", exit)
		assert.Contains(t, out, `"iss": "custom-issuer"`)
		assert.Contains(t, out, `"exp": 1702592000`)
	})

	t.Run("Should print every entitlement sample", func(t *testing.T) {
		f := newFixture(t)
		out := f.run(t, "3", exit)

		assert.Contains(t, out, "a GET entitlement token")
		assert.Contains(t, out, "a SET (PUT) entitlement token")
		assert.Contains(t, out, "either a GET or a SET (PUT)")
		assert.Equal(t, 3, strings.Count(out, "The signed, base64url-encoded token is"))
	})

	t.Run("Should show the key set", func(t *testing.T) {
		f := newFixture(t)
		out := f.run(t, "7", exit)

		assert.Contains(t, out, `"kid": "k0"`)
		assert.Contains(t, out, "also available from the HTTP endpoint")
	})

	t.Run("Should force a rotation", func(t *testing.T) {
		f := newFixture(t)
		out := f.run(t, "8", exit)

		assert.Contains(t, out, "Signing key rotated from k0 to ")
		assert.NotEqual(t, "k0", f.rotator.SigningKey().ID)
	})

	t.Run("Should validate an activation link against the local key set", func(t *testing.T) {
		f := newFixture(t)
		link := "https://disneyplus.com/activate?token=" + f.sign(t, samples.Activation) + "&providerId=roku"

		out := f.run(t, "4", "", link, exit)

		assert.Contains(t, out, "Activation link targets production.")
		assert.Contains(t, out, "Token signature validated with key k0.")
		assert.Contains(t, out, "Activation link successfully validated.")
		assert.NotContains(t, out, "Errors found")
	})

	t.Run("Should report activation link problems", func(t *testing.T) {
		f := newFixture(t)
		link := "https://qa-web.disneyplus.com/activate?token=" + f.sign(t, samples.EntitlementGet) + "&providerId=roku"

		out := f.run(t, "4", "", link, "4", "", "http://disneyplus.com/activate", exit)

		assert.Contains(t, out, "Activation link targets qa.")
		assert.Contains(t, out, "Claim error: ")
		assert.Contains(t, out, "aud does not include activation.disneyplus.com")
		assert.Contains(t, out, "Errors found, the token will not work.")
		assert.Contains(t, out, "Errors found in activation link")
		assert.NotContains(t, out, "successfully validated")
	})

	t.Run("Should validate an entitlement token against a remote key set", func(t *testing.T) {
		f := newFixture(t)
		server := f.serveKeySet(t, nil)

		out := f.run(t,
			"5", server.URL, f.sign(t, samples.EntitlementGet),
			"6", server.URL, f.sign(t, samples.EntitlementGet),
			exit,
		)

		assert.Equal(t, 1, strings.Count(out, "Entitlement token successfully validated."))
		assert.Contains(t, out, "aud does not include set.entitlement.disneyplus.com")
	})

	t.Run("Should report tokens that cannot be decoded", func(t *testing.T) {
		f := newFixture(t)
		out := f.run(t, "5", "", "not-a-token", exit)

		assert.Contains(t, out, "The token could not be decoded")
		assert.Contains(t, out, "Errors found, the token will not work.")
	})

	t.Run("Should report an unreachable key set", func(t *testing.T) {
		f := newFixture(t)
		server := f.serveKeySet(t, nil)
		server.Close()

		out := f.run(t, "5", server.URL, exit)
		assert.Contains(t, out, "Error: ")
	})

	t.Run("Should demo a rotation", func(t *testing.T) {
		f := newFixture(t)
		out := f.run(t, "9", exit)

		assert.Contains(t, out, "The key set before rotation")
		assert.Contains(t, out, "The key set after rotation")
		assert.Equal(t, 2, strings.Count(out, "Token signature validated"))
	})
}

func TestConsoleRotationTest(t *testing.T) {
	t.Run("Should detect a rotation of the remote key set", func(t *testing.T) {
		f := newFixture(t)
		server := f.serveKeySet(t, func(request int32) {
			if request == 2 {
				assert.NoError(t, f.rotator.Rotate())
			}
		})
		signed := f.sign(t, samples.EntitlementBoth)

		out := f.run(t, "10", "y", server.URL, signed, "", exit)

		assert.Contains(t, out, "The current key identifiers:\n\tk0\n")
		assert.Contains(t, out, "The key sets are different, key rotation succeeded.")
		assert.Equal(t, 2, strings.Count(out, "Token signature validated with key k0."))
	})

	t.Run("Should report an unchanged key set", func(t *testing.T) {
		f := newFixture(t)
		server := f.serveKeySet(t, nil)

		out := f.run(t, "10", "y", server.URL, f.sign(t, samples.Activation), "", exit)
		assert.Contains(t, out, "The key sets are NOT different, key rotation FAILED.")
	})

	t.Run("Should return to the menu when declined", func(t *testing.T) {
		f := newFixture(t)
		out := f.run(t, "10", "n", exit)

		assert.NotContains(t, out, "key identifiers")
		assert.Equal(t, 2, strings.Count(out, "==> "))
	})
}
