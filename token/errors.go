package token

import "errors"

var (
	// ErrMalformedToken is returned when a token cannot be parsed: wrong segment
	// count, invalid base64url, a header or claims segment that is not a JSON
	// object, or a header whose members have the wrong type.
	ErrMalformedToken = errors.New("token: malformed token")

	// ErrInvalidClaims is returned by SignJSON when the claims are not a JSON object.
	ErrInvalidClaims = errors.New("token: claims must be a JSON object")

	// ErrUnknownKeyID marks a decoded token whose kid is absent from the
	// verification key set.
	ErrUnknownKeyID = errors.New("token: key id not in verification key set")

	// ErrUnsupportedAlgorithm marks a decoded token whose header names an
	// algorithm other than RS256.
	ErrUnsupportedAlgorithm = errors.New("token: unsupported algorithm")

	// ErrSignatureInvalid marks a decoded token whose signature did not verify.
	ErrSignatureInvalid = errors.New("token: signature verification failed")

	// ErrClaimShape marks a standard claim whose JSON type is wrong, such as a
	// numeric "sub". The token still decodes; the claim is left unset.
	ErrClaimShape = errors.New("token: claim has the wrong JSON type")

	// ErrAudienceShape is returned when "aud" is neither a string nor an array of strings.
	ErrAudienceShape = errors.New("token: aud must be a string or an array of strings")
)
