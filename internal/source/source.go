package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AuthError indicates that authentication has failed or expired for a
// mailbox account.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Account, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Credentials identify a mailbox account.
type Credentials struct {
	Username string
	Password string
}

// FetchOptions bounds a mailbox fetch.
type FetchOptions struct {
	// Limit keeps only the most recent messages; zero means no limit.
	Limit int

	// Since restricts the fetch to messages received on or after this
	// date; the zero value fetches the whole mailbox.
	Since time.Time
}

// Message is a mailbox message as read from the server, before it is
// stored.
type Message struct {
	// MessageID is the message's identifier within the mailbox.
	MessageID string

	Subject string

	// Body is the plain-text body, or the HTML body with tags removed.
	Body string

	// Seen is the server-side read flag.
	Seen bool

	Date time.Time
}

// Mailbox defines the contract for a remote mail account.
type Mailbox interface {
	// ValidateConnection verifies credentials and connectivity.
	// Returns a human-readable status message on success.
	ValidateConnection(ctx context.Context) (string, error)

	// FetchMessages retrieves messages from the watched folder.
	FetchMessages(ctx context.Context, opts FetchOptions) ([]Message, error)

	// Archive moves a message out of the watched folder.
	Archive(ctx context.Context, messageID string) error
}

// Opener builds a Mailbox for an account.
type Opener func(creds Credentials) Mailbox
