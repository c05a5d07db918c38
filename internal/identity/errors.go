package identity

import "errors"

var (
	ErrNotFound           = errors.New("identity: not found")
	ErrAlreadyExists      = errors.New("identity: already exists")
	ErrInvalidInput       = errors.New("identity: invalid input")
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrNotVerified        = errors.New("identity: email not verified")
	ErrInactive           = errors.New("identity: account deactivated")
	ErrInvalidToken       = errors.New("identity: invalid or expired token")
	ErrInvalidTokenType   = errors.New("identity: wrong token type")
	ErrAlreadyVerified    = errors.New("identity: email already verified")
	ErrRateLimited        = errors.New("identity: rate limit exceeded")
)

// ValidationError reports a field-level input problem. It maps to a 400 at
// the HTTP boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "identity: " + e.Reason
	}
	return "identity: " + e.Field + ": " + e.Reason
}

// Is lets callers match any validation error against ErrInvalidInput.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}
