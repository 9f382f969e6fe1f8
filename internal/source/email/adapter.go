package email

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nhle/inbox-triage/internal/source"
)

// Adapter implements source.Mailbox for an IMAP account.
type Adapter struct {
	imapClient *IMAPClient
	username   string
	mailbox    string
}

// NewAdapter creates a new email mailbox adapter.
func NewAdapter(cfg Config, creds source.Credentials) *Adapter {
	client := NewIMAPClient(cfg, creds.Username, creds.Password)
	return &Adapter{
		imapClient: client,
		username:   creds.Username,
		mailbox:    client.cfg.Mailbox,
	}
}

// Opener returns a source.Opener that builds adapters for cfg's server.
func Opener(cfg Config) source.Opener {
	return func(creds source.Credentials) source.Mailbox {
		return NewAdapter(cfg, creds)
	}
}

// ValidateConnection verifies IMAP credentials by connecting,
// authenticating, and selecting the mailbox. Returns the username on
// success.
func (a *Adapter) ValidateConnection(
	ctx context.Context,
) (string, error) {
	client, err := a.imapClient.connectAndSelect(ctx)
	if err != nil {
		return "", fmt.Errorf("validating email connection: %w", err)
	}
	defer func() { _ = client.Logout().Wait() }()

	return a.username, nil
}

// FetchMessages retrieves messages from the mailbox, keyed by UID.
func (a *Adapter) FetchMessages(
	ctx context.Context,
	opts source.FetchOptions,
) ([]source.Message, error) {
	parsed, err := a.imapClient.FetchMessages(ctx, opts.Limit, opts.Since)
	if err != nil {
		return nil, fmt.Errorf("fetching %s for %s: %w", a.mailbox, a.username, err)
	}

	msgs := make([]source.Message, 0, len(parsed))
	for _, p := range parsed {
		msgs = append(msgs, toSourceMessage(p))
	}
	return msgs, nil
}

// Archive moves the message with the given UID out of the mailbox.
func (a *Adapter) Archive(ctx context.Context, messageID string) error {
	uid, err := parseUID(messageID)
	if err != nil {
		return err
	}
	if err := a.imapClient.MoveToArchive(ctx, uid); err != nil {
		return fmt.Errorf("archiving email %s: %w", messageID, err)
	}
	return nil
}

// toSourceMessage converts a parsed IMAP message, preferring the plain
// text body and falling back to stripped HTML.
func toSourceMessage(p ParsedMessage) source.Message {
	body := p.TextBody
	if strings.TrimSpace(body) == "" && p.HTMLBody != "" {
		body = stripHTML(p.HTMLBody)
	}

	return source.Message{
		MessageID: strconv.FormatUint(uint64(p.Envelope.UID), 10),
		Subject:   p.Envelope.Subject,
		Body:      body,
		Seen:      p.Envelope.Seen(),
		Date:      p.Envelope.Date,
	}
}

// parseUID converts a string message ID to a uint32 UID.
func parseUID(messageID string) (uint32, error) {
	uid, err := strconv.ParseUint(messageID, 10, 32)
	if err != nil || uid == 0 {
		return 0, fmt.Errorf("invalid email UID %q", messageID)
	}
	return uint32(uid), nil
}

// htmlTagPattern matches HTML tags for stripping.
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes HTML tags from a string and decodes common
// entities, providing a basic plain-text rendering.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	result = replacer.Replace(result)

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}
