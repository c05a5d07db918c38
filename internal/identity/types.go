package identity

import (
	"strings"
	"time"
)

// EntityKind classifies the data boundary an Entity represents.
type EntityKind string

const (
	EntityKindEstateAgent EntityKind = "estate_agent"
	EntityKindLawFirm     EntityKind = "law_firm"
	EntityKindIndividual  EntityKind = "individual"
)

// ValidEntityKind reports whether the kind is one of the known values.
func ValidEntityKind(kind EntityKind) bool {
	switch kind {
	case EntityKindEstateAgent, EntityKindLawFirm, EntityKindIndividual:
		return true
	}
	return false
}

// Entity is a data boundary: an organization or an individual. It is
// referenced by identities but never owns them.
type Entity struct {
	ID        string
	Name      string
	Kind      EntityKind
	IsActive  bool
	DeletedAt *time.Time
	Settings  map[string]any
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsOrganization reports whether the entity is an organization of any kind.
func (e *Entity) IsOrganization() bool {
	return e.Kind != EntityKindIndividual
}

// IsPersonal reports whether the entity represents an individual.
func (e *Entity) IsPersonal() bool {
	return !e.IsOrganization()
}

// OrganizationInfo returns the organization contact block stored under the
// "organization" metadata key. Individuals always get an empty map.
func (e *Entity) OrganizationInfo() map[string]any {
	if e.IsPersonal() || e.Metadata == nil {
		return map[string]any{}
	}
	if info, ok := e.Metadata["organization"].(map[string]any); ok {
		return info
	}
	return map[string]any{}
}

// Identity is an authentication record: it proves who may log in, not who
// they are. Personal data lives on the optional Profile.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string
	EntityID     string
	IsActive     bool
	IsVerified   bool

	VerificationToken           string
	VerificationTokenExpiresAt  *time.Time
	PasswordResetToken          string
	PasswordResetTokenExpiresAt *time.Time

	LastLoginAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Profile is the optional personal-data record. It is loaded on demand
	// and nil for service accounts.
	Profile *Profile
}

// IsServiceAccount reports whether the identity has no linked profile.
func (i *Identity) IsServiceAccount() bool {
	return i.Profile == nil
}

// DisplayName returns the profile full name, or the email local part when no
// profile exists.
func (i *Identity) DisplayName() string {
	if i.Profile != nil {
		if name := i.Profile.FullName(); name != "" {
			return name
		}
	}
	local, _, _ := strings.Cut(i.Email, "@")
	return local
}

// Profile holds optional personal data, one-to-one with an Identity. It is
// owned by the identity and removed together with it.
type Profile struct {
	ID          string
	IdentityID  string
	FirstName   string
	LastName    string
	Phone       string
	AvatarURL   string
	Bio         string
	Metadata    map[string]any
	Preferences map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FullName joins first and last name, trimming stray whitespace.
func (p *Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// NormalizeEmail lowercases and trims an email address. All lookups and
// uniqueness checks operate on the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
