// Package activation parses device activation links of the form
//
//	https://<domain>/activate?token=<token>&providerId=<provider>
package activation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultProductionDomain = "disneyplus.com"
	DefaultQADomain         = "qa-web.disneyplus.com"

	activatePath  = "/activate"
	tokenParam    = "token"
	providerParam = "providerId"
)

var (
	ErrMalformedLink      = errors.New("activation: malformed link")
	ErrInsecureScheme     = errors.New("activation: link must use https")
	ErrUnknownDomain      = errors.New("activation: unrecognized domain")
	ErrInvalidPath        = errors.New("activation: path must be /activate")
	ErrUnknownParameter   = errors.New("activation: unrecognized parameter")
	ErrDuplicateParameter = errors.New("activation: duplicate parameter")
	ErrMissingParameter   = errors.New("activation: missing parameter")
)

// Environment is the deployment an activation link points at.
type Environment int

const (
	Production Environment = iota + 1
	QA
)

func (e Environment) String() string {
	switch e {
	case Production:
		return "production"
	case QA:
		return "qa"
	default:
		return "unknown"
	}
}

// Link is a parsed activation link.
type Link struct {
	Environment Environment
	Token       string
	ProviderID  string
}

// Parser validates activation links against a production and a QA domain.
type Parser struct {
	productionDomain string
	qaDomain         string
}

// NewParser returns a Parser; empty domains fall back to the defaults.
func NewParser(productionDomain, qaDomain string) *Parser {
	if productionDomain == "" {
		productionDomain = DefaultProductionDomain
	}
	if qaDomain == "" {
		qaDomain = DefaultQADomain
	}

	return &Parser{
		productionDomain: strings.ToLower(productionDomain),
		qaDomain:         strings.ToLower(qaDomain),
	}
}

// Parse validates raw and extracts its token and provider.
func (p *Parser) Parse(raw string) (*Link, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLink, err)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrMalformedLink, raw)
	}

	if !strings.EqualFold(u.Scheme, "https") {
		return nil, fmt.Errorf("%w: got %q", ErrInsecureScheme, u.Scheme)
	}

	link := &Link{}

	switch domain := strings.ToLower(u.Hostname()); domain {
	case p.productionDomain:
		link.Environment = Production
	case p.qaDomain:
		link.Environment = QA
	default:
		return nil, fmt.Errorf("%w: %q, expected %s (production) or %s (QA)",
			ErrUnknownDomain, domain, p.productionDomain, p.qaDomain)
	}

	if !strings.EqualFold(u.Path, activatePath) {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidPath, u.Path)
	}

	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLink, err)
	}

	for name, values := range query {
		if name != tokenParam && name != providerParam {
			return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
		}
		if len(values) > 1 {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateParameter, name)
		}
	}

	link.Token = query.Get(tokenParam)
	if link.Token == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingParameter, tokenParam)
	}

	link.ProviderID = query.Get(providerParam)
	if link.ProviderID == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingParameter, providerParam)
	}

	return link, nil
}
