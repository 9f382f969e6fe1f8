package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/inbox-triage/internal/model"
)

// ErrNotFound is returned when a message does not exist for the given user.
var ErrNotFound = errors.New("message not found")

// MessageFilter controls filtering and pagination for message queries.
type MessageFilter struct {
	UserID       string // required
	Unclassified bool   // only rows with no urgency decision yet
	Urgent       *bool  // only rows with this urgency decision
	Limit        int
	Offset       int
}

// Store defines the persistence interface for ingested messages.
type Store interface {
	// InsertMessages adds messages that are not stored yet and returns how
	// many were new. Existing rows, including their metrics, are untouched.
	InsertMessages(ctx context.Context, msgs []model.Message) (int, error)

	GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	GetMessage(ctx context.Context, userID, messageID string) (*model.Message, error)

	UpdateMetrics(
		ctx context.Context,
		userID, messageID string,
		wasRead bool,
		readingDuration float64,
	) error
	SetUrgency(ctx context.Context, userID, messageID string, urgent bool) error
	MarkArchived(ctx context.Context, userID, messageID string, at time.Time) error

	// Users lists every user id with at least one stored message.
	Users(ctx context.Context) ([]string, error)
}
