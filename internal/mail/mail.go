// Package mail defines the narrow boundary to the email delivery system.
// The identity core only needs to hand off messages; the actual provider
// client lives outside this repository.
package mail

import (
	"context"
	"encoding/json"

	"paperwurks.org/internal/obs"
)

// Dispatcher delivers transactional email. Implementations must respect the
// context deadline; delivery failures are reported to the caller but are
// never fatal to the operation that triggered them.
type Dispatcher interface {
	SendVerificationEmail(ctx context.Context, email, token string) error
	SendPasswordResetEmail(ctx context.Context, email, token string) error
}

// LogDispatcher writes dispatch records to the shared logger instead of
// sending mail. It is the default in development and tests.
type LogDispatcher struct{}

func (LogDispatcher) SendVerificationEmail(ctx context.Context, email, token string) error {
	return logDispatch("verification", email)
}

func (LogDispatcher) SendPasswordResetEmail(ctx context.Context, email, token string) error {
	return logDispatch("password_reset", email)
}

func logDispatch(template, email string) error {
	entry := map[string]any{
		"type":     "mail",
		"template": template,
		"to":       email,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
