package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/zhaori96/krot/v2/internal/samples"
	"github.com/zhaori96/krot/v2/jwks"
	"github.com/zhaori96/krot/v2/token"
)

// sampleTokenLifetime is used by the rotation demo.
const sampleTokenLifetime = 10 * time.Minute

func defaultTasks(tokens TokenSettings) []Task {
	return []Task{
		{
			Prompt: fmt.Sprintf("Create a sample activation token expiring in %s, signed with the current key.", humanize(tokens.ActivationShortTTL)),
			Run:    activationTokenTask(tokens.ActivationShortTTL),
		},
		{
			Prompt: fmt.Sprintf("Create a sample activation token expiring in %s, signed with the current key.", humanize(tokens.ActivationLongTTL)),
			Run:    activationTokenTask(tokens.ActivationLongTTL),
		},
		{
			Prompt: "Create sample entitlement tokens (GET, SET and both), signed with the current key.",
			Run:    entitlementTokensTask,
		},
		{
			Prompt: "Validate an activation link.",
			Run:    validateActivationLinkTask,
		},
		{
			Prompt: "Validate a token intended for a GET entitlement call.",
			Run:    validateEntitlementTask("GET", func(t TokenSettings) []string { return t.GetAudience }),
		},
		{
			Prompt: "Validate a token intended for a SET (PUT) entitlement call.",
			Run:    validateEntitlementTask("SET", func(t TokenSettings) []string { return t.SetAudience }),
		},
		{
			Prompt: "Show the key set.",
			Run:    showKeySetTask,
		},
		{
			Prompt: "Force a key rotation, so that a different key is used for signing.",
			Run:    forcedRotationTask,
		},
		{
			Prompt: "Demo a key rotation with keys and tokens from this process.",
			Run:    rotationDemoTask,
		},
		{
			Prompt: "Test key rotation against a key-set endpoint and a pasted token.",
			Run:    rotationTestTask,
		},
	}
}

func activationTokenTask(ttl time.Duration) func(context.Context, *Console) error {
	return func(_ context.Context, c *Console) error {
		return c.printSample("JSON source for the token:", samples.Activation, ttl)
	}
}

func entitlementTokensTask(_ context.Context, c *Console) error {
	sections := []struct {
		title string
		kind  samples.Kind
	}{
		{"JSON source for a GET entitlement token:", samples.EntitlementGet},
		{"JSON source for a SET (PUT) entitlement token:", samples.EntitlementSet},
		{"JSON source for a token usable in either a GET or a SET (PUT) entitlement call:", samples.EntitlementBoth},
	}

	for _, section := range sections {
		if err := c.printSample(section.title, section.kind, c.tokens.EntitlementTTL); err != nil {
			return err
		}
	}
	return nil
}

func validateActivationLinkTask(ctx context.Context, c *Console) error {
	keys, err := c.chooseKeySet(ctx)
	if err != nil {
		return err
	}

	raw, err := c.ask("Paste an activation link to validate: ")
	if err != nil {
		return err
	}

	link, err := c.parser.Parse(raw)
	if err != nil {
		c.printf("Errors found in activation link: %v\n\n", err)
		return nil
	}
	c.printf("Activation link targets %s.\n", link.Environment)

	if c.validateToken(link.Token, keys, token.Rules{
		Audience:   c.tokens.ActivationAudience,
		Activation: true,
		Now:        c.clock.Now(),
	}) {
		c.println("\nActivation link successfully validated.\n")
	}
	return nil
}

func validateEntitlementTask(call string, audience func(TokenSettings) []string) func(context.Context, *Console) error {
	return func(ctx context.Context, c *Console) error {
		keys, err := c.chooseKeySet(ctx)
		if err != nil {
			return err
		}

		raw, err := c.ask(fmt.Sprintf("\nPaste a %s entitlement token to validate: ", call))
		if err != nil {
			return err
		}

		if c.validateToken(raw, keys, token.Rules{
			Audience: audience(c.tokens),
			Now:      c.clock.Now(),
		}) {
			c.println("\nEntitlement token successfully validated.\n")
		}
		return nil
	}
}

func showKeySetTask(_ context.Context, c *Console) error {
	data, err := c.rotator.KeySetJSON()
	if err != nil {
		return err
	}

	c.println(string(data))
	c.println("\nThis set is also available from the HTTP endpoint.\n")
	return nil
}

func forcedRotationTask(_ context.Context, c *Console) error {
	previous := c.rotator.SigningKey().ID
	if err := c.rotator.Rotate(); err != nil {
		return err
	}

	c.printf("Signing key rotated from %s to %s.\n\n", previous, c.rotator.SigningKey().ID)
	return nil
}

func rotationDemoTask(_ context.Context, c *Console) error {
	c.println("\nThis task signs a token, rotates the keys and signs another one, verifying")
	c.println("each token against the key set current at the time.")

	for round, title := range []string{"before rotation", "after rotation"} {
		if round == 1 {
			if err := c.rotator.Rotate(); err != nil {
				return err
			}
		}

		data, err := c.rotator.KeySetJSON()
		if err != nil {
			return err
		}
		c.printf("\nThe key set %s:\n%s\n", title, data)

		signed, err := c.signSample(samples.Activation, sampleTokenLifetime)
		if err != nil {
			return err
		}
		c.printf("\nA sample token signed %s:\n%s\n", title, signed)

		keys, err := c.rotator.VerificationKeys()
		if err != nil {
			return err
		}
		if _, err := c.decode(signed, keys); err != nil {
			return err
		}
	}

	c.println("")
	return nil
}

func rotationTestTask(ctx context.Context, c *Console) error {
	c.println("\nThis task tests key rotation against a key-set endpoint. You need to be able to:")
	c.println("\t- reach the endpoint from this machine,")
	c.println("\t- sign tokens with the endpoint's current signing key,")
	c.println("\t- rotate the endpoint's keys on demand.")

	answer, err := c.ask("Proceed (y/n)? ")
	if err != nil {
		return err
	}
	if !strings.EqualFold(answer, "y") {
		return nil
	}

	url, err := c.ask(c.keySetPrompt("\nInput the URL of the key-set endpoint"))
	if err != nil {
		return err
	}
	url = c.resolveKeySetURL(url)

	before, err := c.loadKeySet(ctx, url)
	if err != nil {
		return err
	}
	if before.Len() == 0 {
		return fmt.Errorf("%w: empty key set returned from %s", jwks.ErrMalformedKeySet, describe(url))
	}
	c.printKeyIDs("\nThe current key identifiers:", before)

	raw, err := c.ask("\nPaste a token (activation or entitlement) signed with the current signing key: ")
	if err != nil {
		return err
	}
	if raw == "" {
		return errors.New("no token given")
	}

	if err := c.decodeWithSet(raw, before); err != nil {
		return err
	}

	if _, err := c.ask("\nNow rotate the keys. Press <RETURN> when done..."); err != nil {
		return err
	}

	after, err := c.loadKeySet(ctx, url)
	if err != nil {
		return err
	}
	c.printKeyIDs("\nThe key identifiers after rotation:", after)

	if jwks.SameKeys(before, after) {
		c.println("\nThe key sets are NOT different, key rotation FAILED.")
	} else {
		c.println("\nThe key sets are different, key rotation succeeded.")
	}

	c.println("\nAfter rotation, re-validating the token...")
	if err := c.decodeWithSet(raw, after); err != nil {
		return err
	}

	c.println("")
	return nil
}

func (c *Console) printSample(title string, kind samples.Kind, ttl time.Duration) error {
	claims, err := c.sample(kind, ttl)
	if err != nil {
		return err
	}

	pretty, err := json.MarshalIndent(claims, "", "  ")
	if err != nil {
		return err
	}

	signed, err := c.codec.Sign(claims)
	if err != nil {
		return err
	}

	c.println(title)
	c.println(string(pretty))
	c.println("\nThe signed, base64url-encoded token is")
	c.println(signed)
	c.printf("\nThe claims come from the sample document %s.\n\n", kind.Path())
	return nil
}

func (c *Console) signSample(kind samples.Kind, ttl time.Duration) (string, error) {
	claims, err := c.sample(kind, ttl)
	if err != nil {
		return "", err
	}
	return c.codec.Sign(claims)
}

func (c *Console) sample(kind samples.Kind, ttl time.Duration) (token.Claims, error) {
	claims, err := samples.Claims(kind, c.clock.Now(), ttl)
	if err != nil {
		return token.Claims{}, err
	}

	if c.tokens.Issuer != "" {
		claims.Issuer = c.tokens.Issuer
	}
	return claims, nil
}

func (c *Console) keySetPrompt(prefix string) string {
	if c.keySetURL != "" {
		return fmt.Sprintf("%s, or press <RETURN> to use %s: ", prefix, c.keySetURL)
	}
	return prefix + ", or press <RETURN> to use this process's key set: "
}

func (c *Console) resolveKeySetURL(url string) string {
	if url == "" {
		return c.keySetURL
	}
	return url
}

func (c *Console) chooseKeySet(ctx context.Context) (*jwks.VerificationKeys, error) {
	c.println("\nThis task validates an input token against a key set.")

	url, err := c.ask(c.keySetPrompt("Input the URL of a key-set endpoint holding the verification key"))
	if err != nil {
		return nil, err
	}

	set, err := c.loadKeySet(ctx, c.resolveKeySetURL(url))
	if err != nil {
		return nil, err
	}

	return jwks.NewVerificationKeys(set)
}

// loadKeySet fetches url, bypassing the cache, or returns this process's key
// set when url is empty.
func (c *Console) loadKeySet(ctx context.Context, url string) (jwk.Set, error) {
	if url == "" {
		return c.rotator.KeySet(), nil
	}
	return c.fetcher.Refresh(ctx, url)
}

func (c *Console) decodeWithSet(raw string, set jwk.Set) error {
	keys, err := jwks.NewVerificationKeys(set)
	if err != nil {
		return err
	}

	_, err = c.decode(raw, keys)
	return err
}

// decode verifies raw and prints the outcome. Malformed tokens are reported
// and yield a nil result.
func (c *Console) decode(raw string, keys *jwks.VerificationKeys) (*token.Decoded, error) {
	decoded, err := c.codec.VerifyAndDecode(raw, keys)
	if err != nil {
		c.printf("\nThe token could not be decoded: %v\n", err)
		return nil, nil
	}

	pretty, err := json.MarshalIndent(decoded.RawClaims, "", "  ")
	if err != nil {
		return nil, err
	}

	if decoded.Verified {
		c.printf("\nToken signature validated with key %s. Claims:\n%s\n", decoded.Header.Kid, pretty)
	} else {
		c.printf("\nToken signature NOT validated (%v). Claims:\n%s\n", decoded.Reason, pretty)
	}

	return decoded, nil
}

// validateToken prints the signature and claim checks and reports whether the
// token passed both.
func (c *Console) validateToken(raw string, keys *jwks.VerificationKeys, rules token.Rules) bool {
	decoded, err := c.decode(raw, keys)
	if err != nil || decoded == nil {
		c.println("\nErrors found, the token will not work.\n")
		return false
	}

	valid := decoded.Verified
	if err := decoded.Validate(rules); err != nil {
		valid = false
		for _, problem := range flatten(err) {
			c.printf("Claim error: %v\n", problem)
		}
	}

	if !valid {
		c.println("\nErrors found, the token will not work.\n")
	}
	return valid
}

func (c *Console) printKeyIDs(title string, set jwk.Set) {
	c.println(title)
	for _, kid := range jwks.KeyIDs(set) {
		c.printf("\t%s\n", kid)
	}
}

func flatten(err error) []error {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []error{err}
	}

	var problems []error
	for _, inner := range joined.Unwrap() {
		problems = append(problems, flatten(inner)...)
	}
	return problems
}

func describe(url string) string {
	if url == "" {
		return "this process"
	}
	return url
}

func humanize(d time.Duration) string {
	const day = 24 * time.Hour

	unit := func(n time.Duration, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}

	switch {
	case d >= day && d%day == 0:
		return unit(d/day, "day")
	case d >= time.Hour && d%time.Hour == 0:
		return unit(d/time.Hour, "hour")
	default:
		return d.String()
	}
}
