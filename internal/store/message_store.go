package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/inbox-triage/internal/model"
)

const messageColumns = `
	id, user_id, message_id, subject, body,
	was_read, reading_duration, is_urgent, archived_at,
	created_at, updated_at`

// InsertMessages stores messages that are not present yet. A message is
// identified by (UserID, MessageID); existing rows keep their metrics and
// urgency decision. Returns the number of rows actually inserted.
func (s *SQLiteStore) InsertMessages(
	ctx context.Context,
	msgs []model.Message,
) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO messages (
			id, user_id, message_id, subject, body,
			was_read, reading_duration,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, message_id) DO NOTHING`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, m := range msgs {
		if m.UserID == "" || m.MessageID == "" {
			return 0, fmt.Errorf("message must have user_id and message_id")
		}
		if m.ID == "" {
			m.ID = uuid.New().String()
		}

		res, err := stmt.ExecContext(ctx,
			m.ID, m.UserID, m.MessageID, m.Subject, m.Body,
			boolToInt(m.WasRead), m.ReadingDurationSeconds,
			now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting message %s: %w", m.MessageID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing messages: %w", err)
	}
	return inserted, nil
}

// GetMessages retrieves a user's messages matching filter, oldest first.
func (s *SQLiteStore) GetMessages(
	ctx context.Context,
	filter MessageFilter,
) ([]model.Message, error) {
	if filter.UserID == "" {
		return nil, fmt.Errorf("message filter requires a user id")
	}

	conditions := []string{"user_id = ?"}
	args := []interface{}{filter.UserID}

	if filter.Unclassified {
		conditions = append(conditions, "is_urgent IS NULL")
	}
	if filter.Urgent != nil {
		conditions = append(conditions, "is_urgent = ?")
		args = append(args, boolToInt(*filter.Urgent))
	}

	query := "SELECT" + messageColumns + " FROM messages WHERE " +
		strings.Join(conditions, " AND ") +
		" ORDER BY created_at ASC, message_id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	var msgs []model.Message
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages for %s: %w", filter.UserID, err)
	}
	return msgs, nil
}

// GetMessage retrieves a single message, or ErrNotFound.
func (s *SQLiteStore) GetMessage(
	ctx context.Context,
	userID, messageID string,
) (*model.Message, error) {
	var m model.Message
	err := s.db.GetContext(ctx, &m,
		"SELECT"+messageColumns+" FROM messages WHERE user_id = ? AND message_id = ?",
		userID, messageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s for %s: %w", messageID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", messageID, err)
	}
	return &m, nil
}

// UpdateMetrics records the reading behavior reported for a message.
func (s *SQLiteStore) UpdateMetrics(
	ctx context.Context,
	userID, messageID string,
	wasRead bool,
	readingDuration float64,
) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET was_read = ?, reading_duration = ?, updated_at = ?
		WHERE user_id = ? AND message_id = ?`,
		boolToInt(wasRead), readingDuration, time.Now().UTC(),
		userID, messageID,
	)
	if err != nil {
		return fmt.Errorf("updating metrics for message %s: %w", messageID, err)
	}
	return expectOneRow(result, userID, messageID)
}

// SetUrgency stores the urgency decision for a message.
func (s *SQLiteStore) SetUrgency(
	ctx context.Context,
	userID, messageID string,
	urgent bool,
) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_urgent = ?, updated_at = ?
		WHERE user_id = ? AND message_id = ?`,
		boolToInt(urgent), time.Now().UTC(),
		userID, messageID,
	)
	if err != nil {
		return fmt.Errorf("setting urgency for message %s: %w", messageID, err)
	}
	return expectOneRow(result, userID, messageID)
}

// MarkArchived records when a message was moved out of the inbox.
func (s *SQLiteStore) MarkArchived(
	ctx context.Context,
	userID, messageID string,
	at time.Time,
) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET archived_at = ?, updated_at = ?
		WHERE user_id = ? AND message_id = ?`,
		at.UTC(), time.Now().UTC(),
		userID, messageID,
	)
	if err != nil {
		return fmt.Errorf("marking message %s archived: %w", messageID, err)
	}
	return expectOneRow(result, userID, messageID)
}

// Users lists every user id with at least one stored message, sorted.
func (s *SQLiteStore) Users(ctx context.Context) ([]string, error) {
	var users []string
	err := s.db.SelectContext(ctx, &users,
		"SELECT DISTINCT user_id FROM messages ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

func expectOneRow(result sql.Result, userID, messageID string) error {
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("message %s for %s: %w", messageID, userID, ErrNotFound)
	}
	return nil
}
