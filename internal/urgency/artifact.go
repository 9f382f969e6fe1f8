package urgency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/inbox-triage/internal/classifier"
	"github.com/nhle/inbox-triage/internal/features"
)

// FormatVersion is the encoding version written by MarshalJSON.
const FormatVersion = 1

// Artifact bundles one fitted vectorizer with one fitted classifier.
// It is never mutated after Train returns or after it is decoded.
type Artifact struct {
	version    string
	userID     string
	trainedAt  time.Time
	records    int
	positives  int
	vectorizer *features.Vectorizer
	classifier classifier.Classifier
}

// Version uniquely identifies the training run that produced the artifact.
func (a *Artifact) Version() string { return a.version }

// UserID is the owning user, if Train was given one.
func (a *Artifact) UserID() string { return a.userID }

// TrainedAt is when the artifact was produced.
func (a *Artifact) TrainedAt() time.Time { return a.trainedAt }

// Records is the number of training records.
func (a *Artifact) Records() int { return a.records }

// Positives is the number of training records labeled urgent.
func (a *Artifact) Positives() int { return a.positives }

// VocabularySize is the width of the lexical sub-vector.
func (a *Artifact) VocabularySize() int { return a.vectorizer.Dim() }

// ClassifierKind names the classifier algorithm.
func (a *Artifact) ClassifierKind() string { return a.classifier.Kind() }

// Classifier exposes the fitted classifier for inspection.
func (a *Artifact) Classifier() classifier.Classifier { return a.classifier }

// Vector builds the feature vector for m with the fitted vocabulary.
func (a *Artifact) Vector(m Message) features.FeatureVector {
	return features.Combine(
		a.vectorizer.TransformOne(m.Text()),
		m.ReadingDurationSeconds,
		m.WasRead,
	)
}

// Predict reports whether m is urgent. It has no side effects.
func (a *Artifact) Predict(m Message) bool {
	return a.classifier.Predict(a.Vector(m))
}

// Probability returns the classifier's urgency probability for m.
func (a *Artifact) Probability(m Message) float64 {
	return a.classifier.PredictProbability(a.Vector(m))
}

type artifactJSON struct {
	Format     int                  `json:"format"`
	Version    string               `json:"version"`
	UserID     string               `json:"user_id"`
	TrainedAt  time.Time            `json:"trained_at"`
	Records    int                  `json:"records"`
	Positives  int                  `json:"positives"`
	Vectorizer *features.Vectorizer `json:"vectorizer"`
	Classifier json.RawMessage      `json:"classifier"`
}

// MarshalJSON encodes the artifact, including every fitted parameter.
func (a *Artifact) MarshalJSON() ([]byte, error) {
	clf, err := classifier.Marshal(a.classifier)
	if err != nil {
		return nil, err
	}
	return json.Marshal(artifactJSON{
		Format:     FormatVersion,
		Version:    a.version,
		UserID:     a.userID,
		TrainedAt:  a.trainedAt,
		Records:    a.records,
		Positives:  a.positives,
		Vectorizer: a.vectorizer,
		Classifier: clf,
	})
}

// UnmarshalJSON decodes an artifact and checks that the vectorizer and
// classifier agree on the feature width.
func (a *Artifact) UnmarshalJSON(data []byte) error {
	var raw artifactJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding artifact: %w", err)
	}
	if raw.Format != FormatVersion {
		return fmt.Errorf("unsupported artifact format %d", raw.Format)
	}
	if raw.Vectorizer == nil {
		return errors.New("artifact has no vectorizer")
	}
	if len(raw.Classifier) == 0 {
		return errors.New("artifact has no classifier")
	}

	clf, err := classifier.Unmarshal(raw.Classifier)
	if err != nil {
		return err
	}
	want := raw.Vectorizer.Dim() + features.BehavioralWidth
	if clf.Dim() != want {
		return fmt.Errorf(
			"artifact width mismatch: classifier expects %d features, vectorizer yields %d",
			clf.Dim(), want,
		)
	}

	*a = Artifact{
		version:    raw.Version,
		userID:     raw.UserID,
		trainedAt:  raw.TrainedAt,
		records:    raw.Records,
		positives:  raw.Positives,
		vectorizer: raw.Vectorizer,
		classifier: clf,
	}
	return nil
}
