package identity

import (
	"context"
	"strings"

	"joinbot/internal/storage"
)

// Handle is the opaque capability a protocol client needs to act as an account.
type Handle struct {
	AccountID int64
	Session   string
}

// Credentials resolves an account into a Handle.
type Credentials interface {
	Resolve(ctx context.Context, acc storage.Account) (Handle, error)
}

// StoreCredentials resolves the session reference kept on the account row.
type StoreCredentials struct{}

func (StoreCredentials) Resolve(ctx context.Context, acc storage.Account) (Handle, error) {
	if strings.TrimSpace(acc.SessionRef) == "" {
		return Handle{}, ErrNoCredentials
	}
	return Handle{AccountID: acc.ID, Session: acc.SessionRef}, nil
}
