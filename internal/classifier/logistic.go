package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/nhle/inbox-triage/internal/features"
)

// KindLogistic tags L2-regularised logistic regression.
const KindLogistic = "logistic_regression"

const (
	// DefaultMaxIterations caps optimiser iterations.
	DefaultMaxIterations = 1000

	// DefaultC is the inverse regularisation strength.
	DefaultC = 1.0

	// DefaultTolerance stops the optimiser once the largest gradient
	// component falls below it.
	DefaultTolerance = 1e-4
)

func init() {
	Register(KindLogistic, func() Classifier { return NewLogisticRegression() })
}

// LogisticOption configures a LogisticRegression before fitting.
type LogisticOption func(*LogisticRegression)

// WithC sets the inverse regularisation strength.
func WithC(c float64) LogisticOption {
	return func(l *LogisticRegression) {
		if c > 0 {
			l.c = c
		}
	}
}

// WithMaxIterations sets the iteration cap.
func WithMaxIterations(n int) LogisticOption {
	return func(l *LogisticRegression) {
		if n > 0 {
			l.maxIter = n
		}
	}
}

// WithTolerance sets the gradient convergence threshold.
func WithTolerance(tol float64) LogisticOption {
	return func(l *LogisticRegression) {
		if tol > 0 {
			l.tol = tol
		}
	}
}

// LogisticRegression is a binary logistic classifier fitted by maximum
// likelihood with an L2 penalty on the weights (the intercept is not
// penalised). The objective is
//
//	0.5*||w||^2 + C * sum_i log(1 + exp(-s_i*(w.x_i + b)))
//
// with s_i = +1 for true labels and -1 otherwise. It is minimised with
// L-BFGS from a zero start, so fitting is deterministic.
type LogisticRegression struct {
	c       float64
	maxIter int
	tol     float64

	weights    []float64
	intercept  float64
	iterations int
	converged  bool
}

// NewLogisticRegression returns an unfitted classifier.
func NewLogisticRegression(opts ...LogisticOption) *LogisticRegression {
	l := &LogisticRegression{
		c:       DefaultC,
		maxIter: DefaultMaxIterations,
		tol:     DefaultTolerance,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Kind implements Classifier.
func (l *LogisticRegression) Kind() string { return KindLogistic }

// Dim implements Classifier.
func (l *LogisticRegression) Dim() int { return len(l.weights) }

// Coefficients returns a copy of the fitted weights in feature order.
func (l *LogisticRegression) Coefficients() []float64 {
	out := make([]float64, len(l.weights))
	copy(out, l.weights)
	return out
}

// Intercept returns the fitted bias term.
func (l *LogisticRegression) Intercept() float64 { return l.intercept }

// Iterations is the number of optimiser iterations the last Fit used.
func (l *LogisticRegression) Iterations() int { return l.iterations }

// Converged reports whether the last Fit met the tolerance before the
// iteration cap.
func (l *LogisticRegression) Converged() bool { return l.converged }

// Fit implements Classifier.
func (l *LogisticRegression) Fit(x []features.FeatureVector, y []bool) error {
	if len(x) == 0 {
		return ErrNoSamples
	}
	if len(x) != len(y) {
		return fmt.Errorf("fitting logistic regression: %d rows but %d labels", len(x), len(y))
	}

	dim := x[0].Len()
	for i := range x {
		if x[i].Len() != dim {
			return fmt.Errorf(
				"fitting logistic regression: row %d has width %d, want %d",
				i, x[i].Len(), dim,
			)
		}
	}

	signs := make([]float64, len(x))
	targets := make([]float64, len(x))
	for i, label := range y {
		signs[i] = -1
		if label {
			signs[i] = 1
			targets[i] = 1
		}
	}

	// Parameters are the weights followed by the intercept.
	problem := optimize.Problem{
		Func: func(params []float64) float64 {
			w, b := params[:dim], params[dim]
			var loss float64
			for i := range x {
				loss += logOnePlusExp(-signs[i] * (dotRow(w, x[i]) + b))
			}
			return 0.5*floats.Dot(w, w) + l.c*loss
		},
		Grad: func(grad, params []float64) {
			w, b := params[:dim], params[dim]
			gw := grad[:dim]
			copy(gw, w)
			var gb float64
			for i := range x {
				r := l.c * (sigmoid(dotRow(w, x[i])+b) - targets[i])
				addScaledRow(gw, r, x[i])
				gb += r
			}
			grad[dim] = gb
		},
	}

	settings := &optimize.Settings{
		MajorIterations:   l.maxIter,
		GradientThreshold: l.tol,
	}

	result, err := optimize.Minimize(problem, make([]float64, dim+1), settings, &optimize.LBFGS{})
	if result == nil {
		return fmt.Errorf("fitting logistic regression: %w", err)
	}
	switch {
	case err == nil:
		l.converged = result.Status != optimize.IterationLimit
	case errors.Is(err, optimize.ErrLinesearcherFailure), errors.Is(err, optimize.ErrNoProgress):
		// The line search stalls only when no representable step improves
		// the objective, which happens at the optimum.
		l.converged = true
	default:
		return fmt.Errorf("fitting logistic regression: %w", err)
	}

	params := result.X
	for i, v := range params {
		if !finite(v) {
			return fmt.Errorf("fitting logistic regression: non-finite parameter %v at %d", v, i)
		}
	}

	l.weights = append([]float64(nil), params[:dim]...)
	l.intercept = params[dim]
	l.iterations = result.Stats.MajorIterations
	return nil
}

// PredictProbability implements Classifier.
func (l *LogisticRegression) PredictProbability(x features.FeatureVector) float64 {
	return sigmoid(l.decision(x))
}

// Predict implements Classifier. A message is positive when its decision
// value is strictly greater than zero, i.e. P > 0.5.
func (l *LogisticRegression) Predict(x features.FeatureVector) bool {
	return l.decision(x) > 0
}

func (l *LogisticRegression) decision(x features.FeatureVector) float64 {
	return dotRow(l.weights, x) + l.intercept
}

type logisticJSON struct {
	C          float64   `json:"c"`
	MaxIter    int       `json:"max_iter"`
	Tol        float64   `json:"tol"`
	Weights    []float64 `json:"weights"`
	Intercept  float64   `json:"intercept"`
	Iterations int       `json:"iterations"`
	Converged  bool      `json:"converged"`
}

// MarshalJSON encodes the fitted parameters.
func (l *LogisticRegression) MarshalJSON() ([]byte, error) {
	if l.weights == nil {
		return nil, ErrNotFitted
	}
	return json.Marshal(logisticJSON{
		C:          l.c,
		MaxIter:    l.maxIter,
		Tol:        l.tol,
		Weights:    l.weights,
		Intercept:  l.intercept,
		Iterations: l.iterations,
		Converged:  l.converged,
	})
}

// UnmarshalJSON restores parameters written by MarshalJSON.
func (l *LogisticRegression) UnmarshalJSON(data []byte) error {
	var raw logisticJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Weights == nil {
		return ErrNotFitted
	}
	if !finite(raw.Intercept) {
		return fmt.Errorf("non-finite intercept %v", raw.Intercept)
	}
	for i, w := range raw.Weights {
		if !finite(w) {
			return fmt.Errorf("non-finite weight %v at %d", w, i)
		}
	}

	*l = LogisticRegression{
		c:          raw.C,
		maxIter:    raw.MaxIter,
		tol:        raw.Tol,
		weights:    raw.Weights,
		intercept:  raw.Intercept,
		iterations: raw.Iterations,
		converged:  raw.Converged,
	}
	return nil
}

// dotRow computes w . x for a feature vector without densifying it.
func dotRow(w []float64, x features.FeatureVector) float64 {
	var sum float64
	for i, col := range x.Lexical.Indices {
		sum += w[col] * x.Lexical.Values[i]
	}
	sum += w[x.Lexical.Dim] * x.ReadingDurationSeconds
	if x.WasRead {
		sum += w[x.Lexical.Dim+1]
	}
	return sum
}

// addScaledRow adds alpha * x to dst.
func addScaledRow(dst []float64, alpha float64, x features.FeatureVector) {
	for i, col := range x.Lexical.Indices {
		dst[col] += alpha * x.Lexical.Values[i]
	}
	dst[x.Lexical.Dim] += alpha * x.ReadingDurationSeconds
	if x.WasRead {
		dst[x.Lexical.Dim+1] += alpha
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// logOnePlusExp computes log(1 + e^t) without overflow.
func logOnePlusExp(t float64) float64 {
	if t > 0 {
		return t + math.Log1p(math.Exp(-t))
	}
	return math.Log1p(math.Exp(t))
}
