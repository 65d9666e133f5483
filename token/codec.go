// Package token signs and verifies compact three-segment RS256 tokens.
//
// A token is
//
//	base64url(header) "." base64url(claims) "." base64url(signature)
//
// with all segments unpadded and the signature computed with RSA PKCS#1 v1.5
// over SHA-256 of the first two segments joined by ".".
package token

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgrijalva/jwt-go"
	"go.uber.org/zap"

	"github.com/zhaori96/krot/v2"
	"github.com/zhaori96/krot/v2/jwks"
)

// Signer supplies the key used for new signatures. *krot.Rotator implements it.
type Signer interface {
	SigningKey() *krot.Key
}

// KeyLookup resolves a key identifier to a public key. *jwks.VerificationKeys
// implements it.
type KeyLookup interface {
	Lookup(kid string) (*rsa.PublicKey, bool)
}

// Header is the first token segment.
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Decoded is the result of VerifyAndDecode. Claims are always populated; a
// caller must check Verified before trusting them.
type Decoded struct {
	Header Header

	// Claims holds the standard claims that could be decoded from RawClaims.
	Claims Claims

	// RawClaims is the claims segment exactly as signed.
	RawClaims json.RawMessage

	// ClaimsErr lists standard claims of the wrong JSON type, each wrapping
	// ErrClaimShape. Those claims are left unset in Claims.
	ClaimsErr error

	// Verified is true only when the kid was found and the signature checked out.
	Verified bool

	// Reason explains why Verified is false. It wraps ErrUnknownKeyID,
	// ErrUnsupportedAlgorithm or ErrSignatureInvalid.
	Reason error
}

// SignHook is called after every token is signed.
type SignHook func(header Header)

// VerifyHook is called after every token that was decoded.
type VerifyHook func(decoded *Decoded)

// Codec builds and parses tokens.
type Codec struct {
	signer Signer
	logger *zap.Logger

	signHooks   []SignHook
	verifyHooks []VerifyHook
}

// NewCodec returns a Codec signing with the current key of signer.
func NewCodec(signer Signer, logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Codec{
		signer: signer,
		logger: logger,
	}
}

// OnSign registers hooks run after each signature.
func (c *Codec) OnSign(hooks ...SignHook) {
	c.signHooks = append(c.signHooks, hooks...)
}

// OnVerify registers hooks run after each decode.
func (c *Codec) OnVerify(hooks ...VerifyHook) {
	c.verifyHooks = append(c.verifyHooks, hooks...)
}

// Sign marshals claims to JSON and signs them.
func (c *Codec) Sign(claims any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}

	return c.SignJSON(payload)
}

// SignJSON signs claims exactly as given; they must be a JSON object.
func (c *Codec) SignJSON(claims []byte) (string, error) {
	if !isJSONObject(claims) {
		return "", ErrInvalidClaims
	}

	key := c.signer.SigningKey()
	header := Header{Alg: jwks.AlgorithmRS256, Kid: key.ID}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}

	signingString := encodeSegment(headerJSON) + "." + encodeSegment(claims)

	signature, err := jwt.SigningMethodRS256.Sign(signingString, key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("signing with key %s: %w", key.ID, err)
	}

	for _, hook := range c.signHooks {
		hook(header)
	}

	return signingString + "." + signature, nil
}

// VerifyAndDecode parses token and checks its signature against keys.
//
// Parsing and verification are independent: a token whose kid is unknown or
// whose signature does not match still decodes, with Verified false and
// Reason set. Only a structurally broken token returns an error, wrapping
// ErrMalformedToken.
func (c *Codec) VerifyAndDecode(token string, keys KeyLookup) (*Decoded, error) {
	segments := strings.Split(strings.TrimSpace(token), ".")
	if len(segments) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(segments))
	}

	headerJSON, err := decodeSegment(segments[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}

	claimsJSON, err := decodeSegment(segments[1])
	if err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrMalformedToken, err)
	}

	if _, err := decodeSegment(segments[2]); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedToken, err)
	}

	if !isJSONObject(headerJSON) {
		return nil, fmt.Errorf("%w: header is not a JSON object", ErrMalformedToken)
	}

	if !isJSONObject(claimsJSON) {
		return nil, fmt.Errorf("%w: claims are not a JSON object", ErrMalformedToken)
	}

	decoded := &Decoded{RawClaims: json.RawMessage(claimsJSON)}
	if err := json.Unmarshal(headerJSON, &decoded.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}

	decoded.Claims, decoded.ClaimsErr = ParseClaims(claimsJSON)

	c.verify(decoded, segments, keys)

	logger := c.logger.With(zap.String("kid", decoded.Header.Kid))
	if decoded.ClaimsErr != nil {
		logger.Warn("token claims of unexpected type", zap.Error(decoded.ClaimsErr))
	}
	if decoded.Verified {
		logger.Info("token signature verified")
	} else {
		logger.Warn("token signature not verified", zap.Error(decoded.Reason))
	}

	for _, hook := range c.verifyHooks {
		hook(decoded)
	}

	return decoded, nil
}

// Validate checks the decoded claims against rules. Claims that could not be
// decoded are reported together with the rule violations.
func (d *Decoded) Validate(rules Rules) error {
	return errors.Join(d.ClaimsErr, d.Claims.Validate(rules))
}

func (c *Codec) verify(decoded *Decoded, segments []string, keys KeyLookup) {
	if decoded.Header.Alg != jwks.AlgorithmRS256 {
		decoded.Reason = fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, decoded.Header.Alg)
		return
	}

	var (
		pub *rsa.PublicKey
		ok  bool
	)
	if keys != nil {
		pub, ok = keys.Lookup(decoded.Header.Kid)
	}

	if !ok {
		decoded.Reason = fmt.Errorf("%w: %q", ErrUnknownKeyID, decoded.Header.Kid)
		return
	}

	signingString := segments[0] + "." + segments[1]
	if err := jwt.SigningMethodRS256.Verify(signingString, segments[2], pub); err != nil {
		decoded.Reason = fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		return
	}

	decoded.Verified = true
}

func encodeSegment(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}

func isJSONObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
