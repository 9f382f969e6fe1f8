package email

import "time"

// Envelope holds the parsed envelope data from an IMAP message.
type Envelope struct {
	MessageID string
	Subject   string
	From      string
	Date      time.Time
	Flags     []string // \Seen, \Flagged, \Answered, \Deleted
	UID       uint32
}

// ParsedMessage holds the full parsed content of an email message.
type ParsedMessage struct {
	Envelope Envelope
	TextBody string
	HTMLBody string
}

// Seen reports whether the server has the \Seen flag on the message.
func (e Envelope) Seen() bool {
	for _, f := range e.Flags {
		if f == `\Seen` {
			return true
		}
	}
	return false
}

// Config holds IMAP connection settings shared by every account.
type Config struct {
	Host string
	Port string
	TLS  bool

	// Mailbox is the folder that is ingested and archived from.
	Mailbox string

	// ArchiveFolders are tried in order when archiving; the first one the
	// server accepts wins.
	ArchiveFolders []string
}

// DefaultArchiveFolders covers the common archive folder names.
var DefaultArchiveFolders = []string{
	"Archive", "[Gmail]/All Mail", "Archives", "INBOX.Archive",
}

func (c Config) withDefaults() Config {
	if c.Port == "" {
		c.Port = "993"
	}
	if c.Mailbox == "" {
		c.Mailbox = "INBOX"
	}
	if len(c.ArchiveFolders) == 0 {
		c.ArchiveFolders = DefaultArchiveFolders
	}
	return c
}
