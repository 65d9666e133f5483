package token

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Audience is the "aud" claim, which may be a single string or an array of
// strings. The shape found on the wire is kept so validation can tell them
// apart.
type Audience struct {
	values []string
	single bool
}

// SingleAudience returns an Audience encoded as a plain string.
func SingleAudience(audience string) Audience {
	return Audience{values: []string{audience}, single: true}
}

// AudienceList returns an Audience encoded as an array.
func AudienceList(audiences ...string) Audience {
	return Audience{values: slices.Clone(audiences)}
}

// IsZero reports whether the claim is absent.
func (a Audience) IsZero() bool {
	return a.values == nil
}

// IsSingle reports whether the claim was a plain string.
func (a Audience) IsSingle() bool {
	return a.single
}

// Values returns the audiences in claim order.
func (a Audience) Values() []string {
	return slices.Clone(a.values)
}

// Contains reports whether audience is listed.
func (a Audience) Contains(audience string) bool {
	return slices.Contains(a.values, audience)
}

func (a Audience) MarshalJSON() ([]byte, error) {
	switch {
	case a.values == nil:
		return []byte("null"), nil
	case a.single:
		return json.Marshal(a.values[0])
	default:
		return json.Marshal(a.values)
	}
}

func (a *Audience) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)

	switch {
	case bytes.Equal(trimmed, []byte("null")):
		*a = Audience{}
		return nil

	case len(trimmed) > 0 && trimmed[0] == '"':
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return fmt.Errorf("%w: %v", ErrAudienceShape, err)
		}
		*a = SingleAudience(value)
		return nil

	case len(trimmed) > 0 && trimmed[0] == '[':
		values := []string{}
		if err := json.Unmarshal(trimmed, &values); err != nil {
			return fmt.Errorf("%w: %v", ErrAudienceShape, err)
		}
		*a = Audience{values: values}
		return nil

	default:
		return ErrAudienceShape
	}
}
