// Package triage runs the per-user workflow around the urgency model:
// ingest the mailbox into the message history, record reading behavior,
// retrain, and classify pending messages, archiving the non-urgent ones.
package triage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/metrics"
	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/source"
	"github.com/nhle/inbox-triage/internal/store"
	"github.com/nhle/inbox-triage/internal/urgency"
)

// ErrModelNotFound is returned by ProcessAndArchive when the user has no
// trained model yet.
var ErrModelNotFound = errors.New("model not found, train the model first")

// ErrInvalidMetrics is returned by UpdateMetrics for a negative or
// non-finite reading duration.
var ErrInvalidMetrics = errors.New("invalid reading metrics")

// ModelStore persists one artifact per user.
type ModelStore interface {
	Save(userID string, a *urgency.Artifact) error
	Load(userID string) (*urgency.Artifact, bool, error)
}

// Service wires the message history, the model store and the mail server.
type Service struct {
	store      store.Store
	models     ModelStore
	open       source.Opener
	logger     *zap.Logger
	now        func() time.Time
	fetchLimit int

	// processing serialises ProcessAndArchive per user.
	processing userLocks
}

// userLocks hands out one mutex per user id.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock blocks until userID's mutex is held and returns its unlock func.
func (u *userLocks) lock(userID string) func() {
	u.mu.Lock()
	if u.locks == nil {
		u.locks = make(map[string]*sync.Mutex)
	}
	m, ok := u.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		u.locks[userID] = m
	}
	u.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the logger; nil means no logging.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

// WithClock overrides the time source used for training and archive
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithFetchLimit caps how many of the most recent mailbox messages one
// ingest reads; zero reads them all.
func WithFetchLimit(n int) Option {
	return func(s *Service) { s.fetchLimit = n }
}

// NewService creates a Service. open may be nil when no mailbox access is
// needed (training only).
func NewService(
	st store.Store,
	models ModelStore,
	open source.Opener,
	opts ...Option,
) *Service {
	s := &Service{
		store:  st,
		models: models,
		open:   open,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IngestResult summarises one ingest run.
type IngestResult struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
}

// Ingest fetches the user's mailbox and stores messages not seen before as
// unread with zero reading time. Messages already stored keep their
// metrics and urgency decision.
func (s *Service) Ingest(
	ctx context.Context,
	creds source.Credentials,
) (IngestResult, error) {
	log := s.logger.With(zap.String("user", creds.Username))

	mailbox, err := s.mailbox(creds)
	if err != nil {
		return IngestResult{}, err
	}

	fetched, err := mailbox.FetchMessages(ctx, source.FetchOptions{Limit: s.fetchLimit})
	if err != nil {
		if source.IsAuthError(err) {
			metrics.IngestRuns.WithLabelValues("auth_error").Inc()
		} else {
			metrics.IngestRuns.WithLabelValues("error").Inc()
		}
		log.Error("fetching mailbox failed", zap.Error(err))
		return IngestResult{}, fmt.Errorf("ingesting for %s: %w", creds.Username, err)
	}

	msgs := make([]model.Message, 0, len(fetched))
	for _, f := range fetched {
		msgs = append(msgs, model.Message{
			UserID:    creds.Username,
			MessageID: f.MessageID,
			Subject:   f.Subject,
			Body:      f.Body,
		})
	}

	inserted, err := s.store.InsertMessages(ctx, msgs)
	if err != nil {
		metrics.IngestRuns.WithLabelValues("error").Inc()
		return IngestResult{}, fmt.Errorf("storing messages for %s: %w", creds.Username, err)
	}

	metrics.IngestRuns.WithLabelValues("success").Inc()
	metrics.MessagesIngested.Add(float64(inserted))
	log.Info("ingested mailbox",
		zap.Int("fetched", len(fetched)),
		zap.Int("inserted", inserted),
	)

	return IngestResult{Fetched: len(fetched), Inserted: inserted}, nil
}

// UpdateMetrics records whether the user read a message and for how long.
// A message that was never ingested yields store.ErrNotFound.
func (s *Service) UpdateMetrics(
	ctx context.Context,
	userID, messageID string,
	wasRead bool,
	readingDuration float64,
) error {
	if readingDuration < 0 || math.IsNaN(readingDuration) || math.IsInf(readingDuration, 0) {
		return fmt.Errorf("%w: reading duration %v", ErrInvalidMetrics, readingDuration)
	}

	if err := s.store.UpdateMetrics(ctx, userID, messageID, wasRead, readingDuration); err != nil {
		return err
	}

	s.logger.Debug("updated reading metrics",
		zap.String("user", userID),
		zap.String("message_id", messageID),
		zap.Bool("was_read", wasRead),
		zap.Float64("reading_duration", readingDuration),
	)
	return nil
}

// TrainResult describes the artifact produced by Train.
type TrainResult struct {
	UserID         string    `json:"user_id"`
	Version        string    `json:"version"`
	Records        int       `json:"records"`
	Positives      int       `json:"positives"`
	VocabularySize int       `json:"vocabulary_size"`
	TrainedAt      time.Time `json:"trained_at"`
}

// Train refits the user's model from their whole message history and
// replaces the stored artifact. With no history it returns
// urgency.ErrInsufficientData and leaves the stored artifact alone.
func (s *Service) Train(ctx context.Context, userID string) (*TrainResult, error) {
	log := s.logger.With(zap.String("user", userID))
	start := time.Now()

	history, err := s.store.GetMessages(ctx, store.MessageFilter{UserID: userID})
	if err != nil {
		metrics.Trainings.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("loading history for %s: %w", userID, err)
	}

	records := make([]urgency.Message, len(history))
	for i, m := range history {
		records[i] = toUrgencyMessage(m)
	}

	artifact, err := urgency.Train(records,
		urgency.ForUser(userID),
		urgency.WithClock(s.now),
	)
	if errors.Is(err, urgency.ErrInsufficientData) {
		metrics.Trainings.WithLabelValues("insufficient_data").Inc()
		log.Warn("not enough data to train")
		return nil, err
	}
	if err != nil {
		metrics.Trainings.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("training model for %s: %w", userID, err)
	}

	if err := s.models.Save(userID, artifact); err != nil {
		metrics.Trainings.WithLabelValues("error").Inc()
		log.Error("saving model failed", zap.Error(err))
		return nil, err
	}

	metrics.Trainings.WithLabelValues("success").Inc()
	metrics.TrainingDuration.Observe(time.Since(start).Seconds())
	log.Info("trained model",
		zap.String("artifact", artifact.Version()),
		zap.Int("records", artifact.Records()),
		zap.Int("positives", artifact.Positives()),
		zap.Int("vocabulary", artifact.VocabularySize()),
	)

	return &TrainResult{
		UserID:         userID,
		Version:        artifact.Version(),
		Records:        artifact.Records(),
		Positives:      artifact.Positives(),
		VocabularySize: artifact.VocabularySize(),
		TrainedAt:      artifact.TrainedAt(),
	}, nil
}

// ProcessResult summarises one classify-and-archive run.
type ProcessResult struct {
	Processed     int `json:"processed"`
	Urgent        int `json:"urgent"`
	Archived      int `json:"archived"`
	ArchiveFailed int `json:"archive_failed"`
}

// ProcessAndArchive classifies every unclassified message of the user with
// their stored model, persists each decision, and archives the messages
// judged not urgent. A failed archive is logged and counted; it never
// stops the remaining messages. The model is never retrained here. Runs
// for the same user are serialised, so concurrent callers never classify
// or archive the same message twice.
func (s *Service) ProcessAndArchive(
	ctx context.Context,
	creds source.Credentials,
) (ProcessResult, error) {
	userID := creds.Username
	log := s.logger.With(zap.String("user", userID))

	unlock := s.processing.lock(userID)
	defer unlock()

	artifact, found, err := s.models.Load(userID)
	if err != nil {
		return ProcessResult{}, err
	}
	if !found {
		return ProcessResult{}, ErrModelNotFound
	}

	pending, err := s.store.GetMessages(ctx, store.MessageFilter{
		UserID:       userID,
		Unclassified: true,
	})
	if err != nil {
		return ProcessResult{}, fmt.Errorf("loading pending messages for %s: %w", userID, err)
	}

	var result ProcessResult
	if len(pending) == 0 {
		log.Debug("no new messages to process")
		return result, nil
	}

	var mailbox source.Mailbox
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		urgent := artifact.Predict(toUrgencyMessage(m))
		if err := s.store.SetUrgency(ctx, userID, m.MessageID, urgent); err != nil {
			return result, fmt.Errorf("storing decision for %s: %w", m.MessageID, err)
		}
		metrics.Predictions.WithLabelValues(metrics.Decision(urgent)).Inc()
		result.Processed++

		if urgent {
			result.Urgent++
			continue
		}

		if mailbox == nil {
			if mailbox, err = s.mailbox(creds); err != nil {
				return result, err
			}
		}

		err := mailbox.Archive(ctx, m.MessageID)
		metrics.ArchiveOperations.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			result.ArchiveFailed++
			log.Warn("archiving message failed",
				zap.String("message_id", m.MessageID),
				zap.Error(err),
			)
			continue
		}

		if err := s.store.MarkArchived(ctx, userID, m.MessageID, s.now()); err != nil {
			log.Warn("recording archive failed",
				zap.String("message_id", m.MessageID),
				zap.Error(err),
			)
		}
		result.Archived++
	}

	log.Info("processed messages",
		zap.String("artifact", artifact.Version()),
		zap.Int("processed", result.Processed),
		zap.Int("urgent", result.Urgent),
		zap.Int("archived", result.Archived),
		zap.Int("archive_failed", result.ArchiveFailed),
	)
	return result, nil
}

func (s *Service) mailbox(creds source.Credentials) (source.Mailbox, error) {
	if s.open == nil {
		return nil, errors.New("no mailbox configured")
	}
	return s.open(creds), nil
}

func toUrgencyMessage(m model.Message) urgency.Message {
	return urgency.Message{
		Subject:                m.Subject,
		Body:                   m.Body,
		WasRead:                m.WasRead,
		ReadingDurationSeconds: m.ReadingDurationSeconds,
	}
}
