// Package urgency trains and applies the per-user urgency model: a TF-IDF
// vocabulary over subject and body plus reading behavior, fed to a binary
// classifier. Training always refits from the full record set; the result
// is an immutable Artifact.
package urgency

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/inbox-triage/internal/classifier"
	"github.com/nhle/inbox-triage/internal/features"
)

// DurationThreshold is the reading time, in seconds, above which a read
// message counts as urgent for training.
const DurationThreshold = 5.0

// ErrInsufficientData is returned by Train when there are no records.
var ErrInsufficientData = errors.New("insufficient data to train model")

// ErrInvalidRecord is returned by Train for a record whose reading duration
// is negative or not finite.
var ErrInvalidRecord = errors.New("invalid training record")

// Message is the content and reading behavior of one email.
type Message struct {
	Subject                string
	Body                   string
	WasRead                bool
	ReadingDurationSeconds float64
}

// Label derives the training target: read, and read for longer than
// DurationThreshold.
func (m Message) Label() bool {
	return m.WasRead && m.ReadingDurationSeconds > DurationThreshold
}

// Text is the string the vectorizer sees.
func (m Message) Text() string {
	return m.Subject + " " + m.Body
}

type trainConfig struct {
	userID   string
	now      func() time.Time
	maxTerms int
	newModel func() classifier.Classifier
}

// TrainOption customises Train.
type TrainOption func(*trainConfig)

// ForUser records the owning user in the artifact metadata.
func ForUser(userID string) TrainOption {
	return func(c *trainConfig) { c.userID = userID }
}

// WithClock overrides the trained-at timestamp source.
func WithClock(now func() time.Time) TrainOption {
	return func(c *trainConfig) { c.now = now }
}

// WithMaxTerms overrides the vocabulary cap.
func WithMaxTerms(n int) TrainOption {
	return func(c *trainConfig) { c.maxTerms = n }
}

// WithClassifier swaps the classifier algorithm.
func WithClassifier(factory func() classifier.Classifier) TrainOption {
	return func(c *trainConfig) { c.newModel = factory }
}

// Train fits a fresh vectorizer and classifier on records. A corpus with a
// single label value is accepted.
func Train(records []Message, opts ...TrainOption) (*Artifact, error) {
	if len(records) == 0 {
		return nil, ErrInsufficientData
	}

	cfg := trainConfig{
		now:      time.Now,
		maxTerms: features.MaxVocab,
		newModel: func() classifier.Classifier { return classifier.NewLogisticRegression() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	texts := make([]string, len(records))
	labels := make([]bool, len(records))
	positives := 0
	for i, r := range records {
		d := r.ReadingDurationSeconds
		if d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, fmt.Errorf("%w: record %d has reading duration %v", ErrInvalidRecord, i, d)
		}
		texts[i] = r.Text()
		labels[i] = r.Label()
		if labels[i] {
			positives++
		}
	}

	vec, err := features.Fit(texts, features.WithMaxTerms(cfg.maxTerms))
	if err != nil {
		return nil, fmt.Errorf("fitting vectorizer: %w", err)
	}

	lexical := vec.Transform(texts)
	rows := make([]features.FeatureVector, len(records))
	for i, r := range records {
		rows[i] = features.Combine(lexical[i], r.ReadingDurationSeconds, r.WasRead)
	}

	clf := cfg.newModel()
	if err := clf.Fit(rows, labels); err != nil {
		return nil, fmt.Errorf("fitting %s: %w", clf.Kind(), err)
	}

	return &Artifact{
		version:    uuid.New().String(),
		userID:     cfg.userID,
		trainedAt:  cfg.now().UTC(),
		records:    len(records),
		positives:  positives,
		vectorizer: vec,
		classifier: clf,
	}, nil
}
