package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"paperwurks.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Entities() EntityStore     { return &entityStore{db: s.db} }
func (s *PGStore) Identities() IdentityStore { return &identityStore{db: s.db} }
func (s *PGStore) Profiles() ProfileStore    { return &profileStore{db: s.db} }

// CreateRegistration inserts the identity and its optional profile in one
// transaction. The verification token travels with the identity insert, so
// a registration that fails partway leaves no row behind.
func (s *PGStore) CreateRegistration(ctx context.Context, id *Identity, profile *Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if id.ID == "" {
		id.ID = ids.New()
	}
	if _, err := tx.ExecContext(ctx,
		`insert into identities(id, email, password_hash, entity_id, is_active, is_verified,
		 verification_token, verification_token_expires_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		id.ID, id.Email, id.PasswordHash, id.EntityID, id.IsActive, id.IsVerified,
		id.VerificationToken, id.VerificationTokenExpiresAt,
	); err != nil {
		return mapStoreError(err)
	}
	if profile != nil {
		if profile.ID == "" {
			profile.ID = ids.New()
		}
		profile.IdentityID = id.ID
		metadata, _ := json.Marshal(profile.Metadata)
		preferences, _ := json.Marshal(profile.Preferences)
		if _, err := tx.ExecContext(ctx,
			`insert into profiles(id, identity_id, first_name, last_name, phone, avatar_url, bio, metadata, preferences)
			 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			profile.ID, profile.IdentityID, profile.FirstName, profile.LastName, profile.Phone,
			profile.AvatarURL, profile.Bio, metadata, preferences,
		); err != nil {
			return mapStoreError(err)
		}
	}
	return tx.Commit()
}

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

// Entity store ------------------------------------------------------------
type entityStore struct{ db *sql.DB }

const entityColumns = `id, name, kind, is_active, deleted_at, settings, metadata, created_at, updated_at`

func (s *entityStore) Create(ctx context.Context, entity *Entity) error {
	if entity.ID == "" {
		entity.ID = ids.New()
	}
	settings, _ := json.Marshal(entity.Settings)
	metadata, _ := json.Marshal(entity.Metadata)
	_, err := s.db.ExecContext(ctx,
		`insert into entities(id, name, kind, is_active, settings, metadata) values($1,$2,$3,$4,$5,$6)`,
		entity.ID, entity.Name, entity.Kind, entity.IsActive, settings, metadata,
	)
	return mapStoreError(err)
}

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	var (
		entity   Entity
		settings []byte
		metadata []byte
	)
	if err := row.Scan(&entity.ID, &entity.Name, &entity.Kind, &entity.IsActive,
		&entity.DeletedAt, &settings, &metadata, &entity.CreatedAt, &entity.UpdatedAt); err != nil {
		return nil, mapStoreError(err)
	}
	_ = json.Unmarshal(settings, &entity.Settings)
	_ = json.Unmarshal(metadata, &entity.Metadata)
	return &entity, nil
}

func (s *entityStore) Find(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+entityColumns+` from entities where id=$1`, id)
	return scanEntity(row)
}

func (s *entityStore) FindByName(ctx context.Context, name string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+entityColumns+` from entities where name=$1`, name)
	return scanEntity(row)
}

func (s *entityStore) list(ctx context.Context, query string, args ...any) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, entity)
	}
	return res, rows.Err()
}

func (s *entityStore) ListActive(ctx context.Context) ([]*Entity, error) {
	return s.list(ctx,
		`select `+entityColumns+` from entities where is_active and deleted_at is null order by created_at asc`)
}

func (s *entityStore) ListByKind(ctx context.Context, kind EntityKind) ([]*Entity, error) {
	return s.list(ctx,
		`select `+entityColumns+` from entities where kind=$1 and deleted_at is null order by created_at asc`, kind)
}

func (s *entityStore) UpdateSettings(ctx context.Context, id string, settings map[string]any) error {
	raw, _ := json.Marshal(settings)
	return s.exec(ctx, `update entities set settings=$2, updated_at=now() where id=$1`, id, raw)
}

func (s *entityStore) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	raw, _ := json.Marshal(metadata)
	return s.exec(ctx, `update entities set metadata=$2, updated_at=now() where id=$1`, id, raw)
}

func (s *entityStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx, `update entities set is_active=$2, updated_at=now() where id=$1`, id, active)
}

func (s *entityStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx,
		`update entities set is_active=false, deleted_at=$2, updated_at=now() where id=$1 and deleted_at is null`,
		id, at.UTC())
}

func (s *entityStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapStoreError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Identity store ----------------------------------------------------------
type identityStore struct{ db *sql.DB }

const identityColumns = `id, email, password_hash, entity_id, is_active, is_verified,
	verification_token, verification_token_expires_at,
	password_reset_token, password_reset_token_expires_at,
	last_login_at, created_at, updated_at`

func (s *identityStore) Create(ctx context.Context, id *Identity) error {
	if id.ID == "" {
		id.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into identities(id, email, password_hash, entity_id, is_active, is_verified)
		 values($1,$2,$3,$4,$5,$6)`,
		id.ID, id.Email, id.PasswordHash, id.EntityID, id.IsActive, id.IsVerified,
	)
	return mapStoreError(err)
}

func scanIdentity(row interface{ Scan(...any) error }) (*Identity, error) {
	var (
		id                Identity
		verificationToken sql.NullString
		resetToken        sql.NullString
	)
	if err := row.Scan(&id.ID, &id.Email, &id.PasswordHash, &id.EntityID,
		&id.IsActive, &id.IsVerified,
		&verificationToken, &id.VerificationTokenExpiresAt,
		&resetToken, &id.PasswordResetTokenExpiresAt,
		&id.LastLoginAt, &id.CreatedAt, &id.UpdatedAt); err != nil {
		return nil, mapStoreError(err)
	}
	id.VerificationToken = verificationToken.String
	id.PasswordResetToken = resetToken.String
	return &id, nil
}

func (s *identityStore) Find(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where id=$1`, id)
	return scanIdentity(row)
}

func (s *identityStore) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where email=$1`, NormalizeEmail(email))
	return scanIdentity(row)
}

func (s *identityStore) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update identities set last_login_at=$2, updated_at=now() where id=$1`, id, at.UTC())
	return mapStoreError(err)
}

func (s *identityStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	_, err := s.db.ExecContext(ctx,
		`update identities set password_hash=$2, updated_at=now() where id=$1`, id, passwordHash)
	return mapStoreError(err)
}

func (s *identityStore) SetVerificationToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update identities set verification_token=$2, verification_token_expires_at=$3, updated_at=now()
		 where id=$1`, id, token, expiresAt.UTC())
	return mapStoreError(err)
}

// ConsumeVerificationToken clears the token and flips verified+active in one
// statement; the WHERE clause makes reuse, expiry, and already-verified
// accounts indistinguishable from an unknown token.
func (s *identityStore) ConsumeVerificationToken(ctx context.Context, token string, now time.Time) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`update identities
		 set is_verified=true, is_active=true,
		     verification_token=null, verification_token_expires_at=null, updated_at=now()
		 where verification_token=$1 and verification_token_expires_at > $2 and not is_verified
		 returning `+identityColumns, token, now.UTC())
	return scanIdentity(row)
}

func (s *identityStore) SetPasswordResetToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update identities set password_reset_token=$2, password_reset_token_expires_at=$3, updated_at=now()
		 where id=$1`, id, token, expiresAt.UTC())
	return mapStoreError(err)
}

// ConsumeResetToken swaps the password hash and clears the token atomically;
// of two concurrent resets with the same token, exactly one row update wins.
func (s *identityStore) ConsumeResetToken(ctx context.Context, token, newPasswordHash string, now time.Time) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`update identities
		 set password_hash=$2,
		     password_reset_token=null, password_reset_token_expires_at=null, updated_at=now()
		 where password_reset_token=$1 and password_reset_token_expires_at > $3
		 returning `+identityColumns, token, newPasswordHash, now.UTC())
	return scanIdentity(row)
}

// Profile store -----------------------------------------------------------
type profileStore struct{ db *sql.DB }

const profileColumns = `id, identity_id, first_name, last_name, phone, avatar_url, bio,
	metadata, preferences, created_at, updated_at`

func (s *profileStore) Create(ctx context.Context, p *Profile) error {
	if p.ID == "" {
		p.ID = ids.New()
	}
	metadata, _ := json.Marshal(p.Metadata)
	preferences, _ := json.Marshal(p.Preferences)
	_, err := s.db.ExecContext(ctx,
		`insert into profiles(id, identity_id, first_name, last_name, phone, avatar_url, bio, metadata, preferences)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.IdentityID, p.FirstName, p.LastName, p.Phone, p.AvatarURL, p.Bio, metadata, preferences,
	)
	return mapStoreError(err)
}

func (s *profileStore) FindByIdentity(ctx context.Context, identityID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+profileColumns+` from profiles where identity_id=$1`, identityID)
	var (
		p           Profile
		metadata    []byte
		preferences []byte
	)
	if err := row.Scan(&p.ID, &p.IdentityID, &p.FirstName, &p.LastName, &p.Phone,
		&p.AvatarURL, &p.Bio, &metadata, &preferences, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapStoreError(err)
	}
	_ = json.Unmarshal(metadata, &p.Metadata)
	_ = json.Unmarshal(preferences, &p.Preferences)
	return &p, nil
}

func (s *profileStore) Update(ctx context.Context, p *Profile) error {
	metadata, _ := json.Marshal(p.Metadata)
	preferences, _ := json.Marshal(p.Preferences)
	_, err := s.db.ExecContext(ctx,
		`update profiles set first_name=$2, last_name=$3, phone=$4, avatar_url=$5, bio=$6,
		 metadata=$7, preferences=$8, updated_at=now() where id=$1`,
		p.ID, p.FirstName, p.LastName, p.Phone, p.AvatarURL, p.Bio, metadata, preferences,
	)
	return mapStoreError(err)
}
