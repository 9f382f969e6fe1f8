// Package classifier holds binary classifiers over feature vectors and a
// kind-tagged encoding that lets a fitted classifier be persisted and
// restored without knowing its concrete type.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nhle/inbox-triage/internal/features"
)

var (
	// ErrNoSamples is returned when Fit is called without training rows.
	ErrNoSamples = errors.New("no training samples")

	// ErrNotFitted is returned when encoding a classifier that was never fit.
	ErrNotFitted = errors.New("classifier not fitted")
)

// Classifier is a binary classifier. Implementations must be deterministic
// for identical inputs and safe for concurrent prediction once fitted.
type Classifier interface {
	// Kind names the algorithm; it tags the encoded form.
	Kind() string

	// Fit trains on rows x with labels y. All rows must share one width.
	Fit(x []features.FeatureVector, y []bool) error

	// Dim is the input width the fitted classifier expects.
	Dim() int

	// PredictProbability returns P(label = true | x).
	PredictProbability(x features.FeatureVector) float64

	// Predict returns the decision at the classifier's default boundary.
	Predict(x features.FeatureVector) bool
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Classifier{}
)

// Register makes a classifier kind decodable by Unmarshal.
func Register(kind string, factory func() Classifier) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

type envelope struct {
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// Marshal encodes a fitted classifier together with its kind.
func Marshal(c Classifier) ([]byte, error) {
	params, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding %s classifier: %w", c.Kind(), err)
	}
	return json.Marshal(envelope{Kind: c.Kind(), Params: params})
}

// Unmarshal decodes a classifier encoded by Marshal.
func Unmarshal(data []byte) (Classifier, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding classifier envelope: %w", err)
	}

	registryMu.RLock()
	factory, ok := registry[env.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown classifier kind %q", env.Kind)
	}

	c := factory()
	if err := json.Unmarshal(env.Params, c); err != nil {
		return nil, fmt.Errorf("decoding %s classifier: %w", env.Kind, err)
	}
	return c, nil
}
