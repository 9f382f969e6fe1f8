package model

import "time"

// Message is one ingested email together with the reading behavior
// reported for it and, once classified, its urgency decision.
type Message struct {
	// ID is the internal unique identifier for this row.
	ID string `json:"id" db:"id"`

	// UserID is the mailbox owner, usually their email address.
	UserID string `json:"user_id" db:"user_id"`

	// MessageID is the message's identifier within the user's mailbox
	// (the IMAP UID of the INBOX copy).
	MessageID string `json:"message_id" db:"message_id"`

	Subject string `json:"subject" db:"subject"`
	Body    string `json:"body" db:"body"`

	// WasRead is true once the client reports the message was opened.
	WasRead bool `json:"was_read" db:"was_read"`

	// ReadingDurationSeconds is the reported time spent reading.
	ReadingDurationSeconds float64 `json:"reading_duration" db:"reading_duration"`

	// IsUrgent is nil until the message has been classified.
	IsUrgent *bool `json:"is_urgent,omitempty" db:"is_urgent"`

	// ArchivedAt is set once a non-urgent message was moved out of INBOX.
	ArchivedAt *time.Time `json:"archived_at,omitempty" db:"archived_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Classified reports whether an urgency decision has been stored.
func (m Message) Classified() bool {
	return m.IsUrgent != nil
}
