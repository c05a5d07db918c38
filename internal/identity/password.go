package identity

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a stored hash. A
// malformed hash behaves like a mismatch rather than failing loudly.
func VerifyPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// dummyHash is compared against when the target identity does not exist, so
// the unknown-email and wrong-password paths cost the same.
var dummyHash, _ = HashPassword("timing-equalizer-placeholder")

// passwordRule is one entry of the strength policy. The first failing rule
// is reported to the caller.
type passwordRule struct {
	reason string
	ok     func(password string) bool
}

var commonPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"qwerty123":   {},
	"letmein123":  {},
	"welcome123":  {},
	"iloveyou1":   {},
	"admin12345":  {},
	"12345678":    {},
	"123456789":   {},
	"1234567890":  {},
}

var passwordPolicy = []passwordRule{
	{
		reason: "must be at least 8 characters",
		ok:     func(p string) bool { return len(p) >= minPasswordLength },
	},
	{
		reason: "must not be entirely numeric",
		ok: func(p string) bool {
			for _, r := range p {
				if !unicode.IsDigit(r) {
					return true
				}
			}
			return false
		},
	},
	{
		reason: "is too common",
		ok: func(p string) bool {
			_, found := commonPasswords[strings.ToLower(p)]
			return !found
		},
	},
}

// ValidatePasswordStrength checks the password against the policy and
// returns a ValidationError describing the first violated rule.
func ValidatePasswordStrength(password string) error {
	for _, rule := range passwordPolicy {
		if !rule.ok(password) {
			return &ValidationError{Field: "password", Reason: rule.reason}
		}
	}
	return nil
}
