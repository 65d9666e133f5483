package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// Claims is the payload shared by activation and entitlement tokens.
type Claims struct {
	Address   map[string]string  `json:"address,omitempty"`
	Audience  Audience           `json:"aud,omitzero"`
	ExpiresAt *jwtv5.NumericDate `json:"exp,omitempty"`
	IssuedAt  *jwtv5.NumericDate `json:"iat,omitempty"`
	Issuer    string             `json:"iss,omitempty"`
	Products  []string           `json:"products,omitempty"`
	Provider  string             `json:"provider,omitempty"`
	Subject   string             `json:"sub,omitempty"`
}

// ParseClaims decodes the standard claims of a JSON object. Each claim is
// decoded on its own: one with the wrong JSON type is left unset and
// reported as ErrClaimShape while the others are still filled in. Members
// that are not standard claims are ignored.
func ParseClaims(data []byte) (Claims, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return Claims{}, fmt.Errorf("%w: %w: %v", ErrClaimShape, jwtv5.ErrTokenInvalidClaims, err)
	}

	var c Claims
	err := errors.Join(
		decodeMember(members, "address", &c.Address),
		decodeMember(members, "aud", &c.Audience),
		decodeMember(members, "exp", &c.ExpiresAt),
		decodeMember(members, "iat", &c.IssuedAt),
		decodeMember(members, "iss", &c.Issuer),
		decodeMember(members, "products", &c.Products),
		decodeMember(members, "provider", &c.Provider),
		decodeMember(members, "sub", &c.Subject),
	)

	return c, err
}

func decodeMember[T any](members map[string]json.RawMessage, name string, target *T) error {
	raw, ok := members[name]
	if !ok {
		return nil
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("%w: %w: %s: %v", ErrClaimShape, jwtv5.ErrTokenInvalidClaims, name, err)
	}

	*target = value
	return nil
}

// SetLifetime stamps iat with issued and exp with issued+ttl.
func (c *Claims) SetLifetime(issued time.Time, ttl time.Duration) {
	c.IssuedAt = jwtv5.NewNumericDate(issued)
	c.ExpiresAt = jwtv5.NewNumericDate(issued.Add(ttl))
}

// Rules are the expectations a caller has of a token's claims.
type Rules struct {
	// Audience lists every audience the token must carry.
	Audience []string

	// Activation requires the activation-only claims "products" and "sub".
	Activation bool

	// Now is the reference time. Defaults to time.Now().
	Now time.Time

	// RequireUnexpired rejects tokens whose exp is before Now.
	RequireUnexpired bool
}

// Validate checks the claims against rules and returns every problem found,
// joined. Each problem wraps one of the jwt/v5 validation errors.
func (c Claims) Validate(rules Rules) error {
	now := rules.Now
	if now.IsZero() {
		now = time.Now()
	}

	errs := c.validateAudience(rules.Audience)

	if rules.Activation && c.Products == nil {
		errs = append(errs, missing("products"))
	}

	if c.Provider == "" {
		errs = append(errs, missing("provider"))
	}

	if c.Issuer == "" {
		errs = append(errs, missing("iss"))
	}

	if c.IssuedAt == nil {
		errs = append(errs, missing("iat"))
	} else if c.IssuedAt.After(now) {
		errs = append(errs, fmt.Errorf("%w: iat %s is later than the current time",
			jwtv5.ErrTokenUsedBeforeIssued, c.IssuedAt.UTC().Format(time.RFC3339)))
	}

	if c.ExpiresAt == nil {
		errs = append(errs, missing("exp"))
	} else {
		if c.IssuedAt != nil && c.ExpiresAt.Before(c.IssuedAt.Time) {
			errs = append(errs, fmt.Errorf("%w: exp must be later than iat",
				jwtv5.ErrTokenInvalidClaims))
		}

		if rules.RequireUnexpired && now.After(c.ExpiresAt.Time) {
			errs = append(errs, fmt.Errorf("%w: exp %s has passed",
				jwtv5.ErrTokenExpired, c.ExpiresAt.UTC().Format(time.RFC3339)))
		}
	}

	if rules.Activation && c.Subject == "" {
		errs = append(errs, missing("sub"))
	}

	return errors.Join(errs...)
}

func (c Claims) validateAudience(expected []string) []error {
	values := c.Audience.Values()
	if len(values) == 0 {
		return []error{missing("aud")}
	}

	if c.Audience.IsSingle() {
		if len(expected) != 1 {
			return []error{fmt.Errorf("%w: expected %d audiences, found 1",
				jwtv5.ErrTokenInvalidAudience, len(expected))}
		}

		if values[0] != expected[0] {
			return []error{fmt.Errorf("%w: aud does not include %s",
				jwtv5.ErrTokenInvalidAudience, expected[0])}
		}

		return nil
	}

	if len(values) < len(expected) {
		return []error{fmt.Errorf("%w: expected %d audiences, found %d",
			jwtv5.ErrTokenInvalidAudience, len(expected), len(values))}
	}

	var errs []error
	for _, audience := range expected {
		if !c.Audience.Contains(audience) {
			errs = append(errs, fmt.Errorf("%w: aud does not include %s",
				jwtv5.ErrTokenInvalidAudience, audience))
		}
	}

	return errs
}

func missing(claim string) error {
	return fmt.Errorf("%w: %s", jwtv5.ErrTokenRequiredClaimMissing, claim)
}
