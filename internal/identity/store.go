package identity

import (
	"context"
	"time"
)

// Store describes persistence operations required by the identity subsystem.
type Store interface {
	Entities() EntityStore
	Identities() IdentityStore
	Profiles() ProfileStore

	// CreateRegistration persists a new identity, its optional profile, and
	// the initial verification token in a single transaction. Either the
	// whole registration commits or none of it does: a failed profile insert
	// must not leave an identity row claiming the email.
	CreateRegistration(ctx context.Context, id *Identity, profile *Profile) error
}

// EntityStore manages data-boundary records. Deletion is always soft: rows
// are flagged, never removed.
type EntityStore interface {
	Create(ctx context.Context, entity *Entity) error
	Find(ctx context.Context, id string) (*Entity, error)
	FindByName(ctx context.Context, name string) (*Entity, error)
	ListActive(ctx context.Context) ([]*Entity, error)
	ListByKind(ctx context.Context, kind EntityKind) ([]*Entity, error)
	UpdateSettings(ctx context.Context, id string, settings map[string]any) error
	UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error
	SetActive(ctx context.Context, id string, active bool) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

// IdentityStore manages authentication records.
type IdentityStore interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error

	// SetVerificationToken overwrites any pending verification token,
	// superseding it even if it has not yet expired.
	SetVerificationToken(ctx context.Context, id, token string, expiresAt time.Time) error

	// ConsumeVerificationToken atomically looks up the identity holding an
	// unexpired token, clears the token fields, and marks the identity
	// verified and active. A reused or expired token yields ErrNotFound.
	ConsumeVerificationToken(ctx context.Context, token string, now time.Time) (*Identity, error)

	// SetPasswordResetToken overwrites any pending reset token.
	SetPasswordResetToken(ctx context.Context, id, token string, expiresAt time.Time) error

	// ConsumeResetToken atomically clears an unexpired reset token and
	// installs the new password hash in the same statement, so two
	// concurrent resets cannot both succeed on one token.
	ConsumeResetToken(ctx context.Context, token, newPasswordHash string, now time.Time) (*Identity, error)
}

// ProfileStore manages the optional personal-data records.
type ProfileStore interface {
	Create(ctx context.Context, p *Profile) error
	FindByIdentity(ctx context.Context, identityID string) (*Profile, error)
	Update(ctx context.Context, p *Profile) error
}
