package signal

import (
	"context"
	"errors"

	"signal-core/pkg/db"
)

// UserLookup finds the owner of a webhook token.
type UserLookup interface {
	UserByWebhookToken(ctx context.Context, token string) (*db.User, error)
}

// ActiveUsers verifies webhook tokens against the users table. Tokens of
// inactive users are treated as unknown.
type ActiveUsers struct {
	Users UserLookup
}

// VerifyWebhookToken implements TokenVerifier.
func (a ActiveUsers) VerifyWebhookToken(ctx context.Context, token string) (string, error) {
	u, err := a.Users.UserByWebhookToken(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrUnknownToken
	}
	if err != nil {
		return "", err
	}
	if !u.IsActive {
		return "", ErrUnknownToken
	}
	return u.ID, nil
}
