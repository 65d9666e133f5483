// Package samples holds the sample claim documents the sandbox signs.
package samples

import (
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zhaori96/krot/v2/token"
)

//go:embed claims/*.json
var documents embed.FS

// Kind names a sample document.
type Kind string

const (
	Activation      Kind = "activation"
	EntitlementGet  Kind = "entitlement_get"
	EntitlementSet  Kind = "entitlement_set"
	EntitlementBoth Kind = "entitlement_both"
)

// Kinds lists every sample in display order.
func Kinds() []Kind {
	return []Kind{Activation, EntitlementGet, EntitlementSet, EntitlementBoth}
}

// Path is the location of the document inside the embedded tree.
func (k Kind) Path() string {
	return "claims/" + string(k) + ".json"
}

// Raw returns the document as stored.
func Raw(kind Kind) ([]byte, error) {
	data, err := documents.ReadFile(kind.Path())
	if err != nil {
		return nil, fmt.Errorf("samples: unknown sample %q: %w", kind, err)
	}
	return data, nil
}

// Claims decodes the document and stamps iat with issued and exp with
// issued+ttl.
func Claims(kind Kind, issued time.Time, ttl time.Duration) (token.Claims, error) {
	data, err := Raw(kind)
	if err != nil {
		return token.Claims{}, err
	}

	var claims token.Claims
	if err := json.Unmarshal(data, &claims); err != nil {
		return token.Claims{}, fmt.Errorf("samples: decoding %q: %w", kind, err)
	}

	claims.SetLifetime(issued, ttl)
	return claims, nil
}
