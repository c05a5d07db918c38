package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"paperwurks.org/internal/audit"
	"paperwurks.org/internal/obs"

	mailer "paperwurks.org/internal/mail"
)

// Service orchestrates registration, login, token lifecycle, email
// verification, and password reset. All state lives in the injected store
// and caches; the service itself holds only configuration.
type Service struct {
	store     Store
	codec     *TokenCodec
	blacklist *Blacklist
	mail      mailer.Dispatcher

	loginLimiter  *RateLimiter
	resendLimiter *RateLimiter

	now func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithBlacklist enables token revocation before natural expiry.
func WithBlacklist(b *Blacklist) ServiceOption {
	return func(s *Service) { s.blacklist = b }
}

// WithLoginLimiter throttles login attempts per source key.
func WithLoginLimiter(l *RateLimiter) ServiceOption {
	return func(s *Service) { s.loginLimiter = l }
}

// WithResendLimiter throttles verification resends per email.
func WithResendLimiter(l *RateLimiter) ServiceOption {
	return func(s *Service) { s.resendLimiter = l }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the auth orchestrator.
func NewService(store Store, codec *TokenCodec, dispatcher mailer.Dispatcher, opts ...ServiceOption) *Service {
	svc := &Service{
		store: store,
		codec: codec,
		mail:  dispatcher,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.mail == nil {
		svc.mail = mailer.LogDispatcher{}
	}
	return svc
}

// RegisterParams carries the inputs of a registration request. First/last
// name are optional: identities created without them are service accounts.
type RegisterParams struct {
	EntityID  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
}

// Register creates an unverified, inactive identity plus its optional
// profile, issues a verification token, dispatches the verification email,
// and records the registration in the audit log.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*Identity, error) {
	email, err := validateEmail(params.Email)
	if err != nil {
		return nil, err
	}
	if err := ValidatePasswordStrength(params.Password); err != nil {
		return nil, err
	}
	if params.EntityID == "" {
		return nil, &ValidationError{Field: "entity_id", Reason: "is required"}
	}
	if _, err := s.store.Entities().Find(ctx, params.EntityID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &ValidationError{Field: "entity_id", Reason: "unknown entity"}
		}
		return nil, fmt.Errorf("find entity: %w", err)
	}

	hash, err := HashPassword(params.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	token, err := NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	tokenExpiresAt := s.now().UTC().Add(verificationTokenTTL)

	id := &Identity{
		Email:                      email,
		PasswordHash:               hash,
		EntityID:                   params.EntityID,
		IsActive:                   false,
		IsVerified:                 false,
		VerificationToken:          token,
		VerificationTokenExpiresAt: &tokenExpiresAt,
	}
	var profile *Profile
	if params.FirstName != "" || params.LastName != "" {
		profile = &Profile{
			FirstName: params.FirstName,
			LastName:  params.LastName,
			Phone:     params.Phone,
		}
	}
	// One transaction: a failed profile insert must not leave an identity
	// row holding the email.
	if err := s.store.CreateRegistration(ctx, id, profile); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create registration: %w", err)
	}
	id.Profile = profile

	_ = audit.LogEvent(ctx, "user_registered", map[string]any{
		"identity_id": id.ID,
		"email":       id.Email,
		"entity_id":   id.EntityID,
	})
	s.dispatchMail(ctx, "verification", id.Email, func(ctx context.Context) error {
		return s.mail.SendVerificationEmail(ctx, id.Email, token)
	})
	return id, nil
}

// LoginResult is returned on successful authentication.
type LoginResult struct {
	Identity     *Identity
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// Authenticate verifies credentials and issues a token pair. The sourceKey
// (client IP) feeds the login rate limiter. Unknown emails and wrong
// passwords produce the same error at comparable cost.
func (s *Service) Authenticate(ctx context.Context, email, password, sourceKey string) (*LoginResult, error) {
	if s.loginLimiter != nil && sourceKey != "" {
		allowed, err := s.loginLimiter.Allow(ctx, sourceKey)
		if err != nil {
			return nil, fmt.Errorf("login rate limit: %w", err)
		}
		if !allowed {
			obs.ObserveAuthAttempt("rate_limited")
			_ = audit.LogEvent(ctx, "login_failed", map[string]any{
				"reason": "rate_limited",
			})
			return nil, ErrRateLimited
		}
	}

	email = NormalizeEmail(email)
	id, err := s.store.Identities().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn a comparison so the miss costs as much as a mismatch.
			VerifyPassword(dummyHash, password)
			return nil, s.failLogin(ctx, email, "invalid_credentials", ErrInvalidCredentials)
		}
		return nil, fmt.Errorf("find identity: %w", err)
	}
	if !VerifyPassword(id.PasswordHash, password) {
		return nil, s.failLogin(ctx, email, "invalid_credentials", ErrInvalidCredentials)
	}
	if !id.IsVerified {
		return nil, s.failLogin(ctx, email, "not_verified", ErrNotVerified)
	}
	if !id.IsActive {
		return nil, s.failLogin(ctx, email, "inactive", ErrInactive)
	}

	now := s.now().UTC()
	if err := s.store.Identities().UpdateLastLogin(ctx, id.ID, now); err != nil {
		return nil, fmt.Errorf("update last login: %w", err)
	}
	id.LastLoginAt = &now
	s.attachProfile(ctx, id)

	access, accessExp, err := s.codec.Issue(id, TokenTypeAccess)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, _, err := s.codec.Issue(id, TokenTypeRefresh)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	if s.loginLimiter != nil && sourceKey != "" {
		_ = s.loginLimiter.Reset(ctx, sourceKey)
	}
	obs.ObserveAuthAttempt("success")
	_ = audit.LogEvent(ctx, "user_login", map[string]any{
		"identity_id": id.ID,
		"email":       id.Email,
	})
	return &LoginResult{
		Identity:     id,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(accessExp.Sub(now).Seconds()),
	}, nil
}

func (s *Service) failLogin(ctx context.Context, email, reason string, err error) error {
	outcome := reason
	if err == ErrNotVerified || err == ErrInactive {
		outcome = "forbidden"
	}
	obs.ObserveAuthAttempt(outcome)
	_ = audit.LogEvent(ctx, "login_failed", map[string]any{
		"email":  email,
		"reason": reason,
	})
	return err
}

// RefreshAccessToken mints a fresh access token from a valid, unrevoked
// refresh token. The refresh token itself is not rotated.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (string, time.Time, error) {
	claims, err := s.codec.Decode(refreshToken)
	if err != nil {
		return "", time.Time{}, ErrInvalidToken
	}
	if claims.TokenType != TokenTypeRefresh {
		return "", time.Time{}, ErrInvalidTokenType
	}
	if s.blacklist != nil {
		revoked, err := s.blacklist.IsRevoked(ctx, refreshToken)
		if err != nil {
			return "", time.Time{}, err
		}
		if revoked {
			return "", time.Time{}, ErrInvalidToken
		}
	}
	id, err := s.store.Identities().Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, ErrInvalidToken
		}
		return "", time.Time{}, fmt.Errorf("find identity: %w", err)
	}
	if !id.IsActive || !id.IsVerified {
		return "", time.Time{}, ErrInactive
	}
	access, exp, err := s.codec.Issue(id, TokenTypeAccess)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue access token: %w", err)
	}
	return access, exp, nil
}

// RevokeToken blacklists a token for the remainder of its lifetime.
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	if s.blacklist == nil {
		return nil
	}
	claims, err := s.codec.Decode(token)
	if err != nil {
		return ErrInvalidToken
	}
	if err := s.blacklist.Revoke(ctx, token, s.codec.RemainingTTL(claims)); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "token_revoked", map[string]any{
		"identity_id": claims.Subject,
		"token_type":  claims.TokenType,
	})
	return nil
}

// RequestPasswordReset issues a reset token and dispatches the reset email.
// It reveals nothing to the caller: unknown emails succeed identically.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	id, err := s.store.Identities().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find identity: %w", err)
	}

	token, err := NewOpaqueToken()
	if err != nil {
		return err
	}
	expiresAt := s.now().UTC().Add(passwordResetTokenTTL)
	if err := s.store.Identities().SetPasswordResetToken(ctx, id.ID, token, expiresAt); err != nil {
		return fmt.Errorf("set reset token: %w", err)
	}

	_ = audit.LogEvent(ctx, "password_reset_requested", map[string]any{
		"identity_id": id.ID,
		"email":       id.Email,
	})
	s.dispatchMail(ctx, "password_reset", id.Email, func(ctx context.Context) error {
		return s.mail.SendPasswordResetEmail(ctx, id.Email, token)
	})
	return nil
}

// ResetPassword consumes a reset token and installs the new password. The
// token is single-use: a second call with the same token fails.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}
	if token == "" {
		return ErrInvalidToken
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	id, err := s.store.Identities().ConsumeResetToken(ctx, token, hash, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		return fmt.Errorf("consume reset token: %w", err)
	}
	_ = audit.LogEvent(ctx, "password_reset_completed", map[string]any{
		"identity_id": id.ID,
		"email":       id.Email,
	})
	return nil
}

// ChangePassword replaces the password of an authenticated identity after
// re-checking the current one.
func (s *Service) ChangePassword(ctx context.Context, identityID, currentPassword, newPassword string) error {
	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}
	id, err := s.store.Identities().Find(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("find identity: %w", err)
	}
	if !VerifyPassword(id.PasswordHash, currentPassword) {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.Identities().UpdatePassword(ctx, id.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	_ = audit.LogEvent(ctx, "password_changed", map[string]any{
		"identity_id": id.ID,
		"email":       id.Email,
	})
	return nil
}

// VerifyEmail consumes a verification token, flipping the identity to
// verified and active. Reused, expired, and unknown tokens all fail the
// same way.
func (s *Service) VerifyEmail(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	id, err := s.store.Identities().ConsumeVerificationToken(ctx, token, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("consume verification token: %w", err)
	}
	_ = audit.LogEvent(ctx, "email_verified", map[string]any{
		"identity_id": id.ID,
		"email":       id.Email,
	})
	return id, nil
}

// ResendVerificationEmail re-issues the verification token, superseding any
// prior one. Unknown and already-verified emails succeed outwardly so the
// endpoint cannot be used to probe accounts.
func (s *Service) ResendVerificationEmail(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if s.resendLimiter != nil {
		allowed, err := s.resendLimiter.Allow(ctx, email)
		if err != nil {
			return fmt.Errorf("resend rate limit: %w", err)
		}
		if !allowed {
			return ErrRateLimited
		}
	}
	id, err := s.store.Identities().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find identity: %w", err)
	}
	if id.IsVerified {
		return nil
	}

	token, err := s.issueVerificationToken(ctx, id)
	if err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "verification_email_resent", map[string]any{
		"identity_id": id.ID,
		"email":       id.Email,
	})
	s.dispatchMail(ctx, "verification", id.Email, func(ctx context.Context) error {
		return s.mail.SendVerificationEmail(ctx, id.Email, token)
	})
	return nil
}

// AuthorizeAccessToken validates a bearer token at the authorization
// boundary: signature, expiry, token type, and the revocation blacklist.
func (s *Service) AuthorizeAccessToken(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.codec.Decode(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, ErrInvalidTokenType
	}
	if s.blacklist != nil {
		revoked, err := s.blacklist.IsRevoked(ctx, token)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}

func (s *Service) issueVerificationToken(ctx context.Context, id *Identity) (string, error) {
	token, err := NewOpaqueToken()
	if err != nil {
		return "", err
	}
	expiresAt := s.now().UTC().Add(verificationTokenTTL)
	if err := s.store.Identities().SetVerificationToken(ctx, id.ID, token, expiresAt); err != nil {
		return "", fmt.Errorf("set verification token: %w", err)
	}
	return token, nil
}

func (s *Service) attachProfile(ctx context.Context, id *Identity) {
	profile, err := s.store.Profiles().FindByIdentity(ctx, id.ID)
	if err != nil {
		return
	}
	id.Profile = profile
}

// dispatchMail sends an email with a bounded deadline. Delivery failures are
// logged and swallowed: token issuance already committed and is safe to
// retry through the resend endpoints.
func (s *Service) dispatchMail(ctx context.Context, kind, email string, send func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := send(ctx); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "mail dispatch failed",
			"kind":  kind,
			"to":    email,
		})
	}
}

func validateEmail(raw string) (string, error) {
	email := NormalizeEmail(raw)
	if email == "" {
		return "", &ValidationError{Field: "email", Reason: "is required"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", &ValidationError{Field: "email", Reason: "is not a valid address"}
	}
	return email, nil
}
