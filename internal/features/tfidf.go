package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// MaxVocab is the largest vocabulary a Vectorizer keeps.
const MaxVocab = 1000

// ErrEmptyCorpus is returned by Fit when there are no texts to learn from.
var ErrEmptyCorpus = errors.New("empty corpus")

// tokenPattern matches runs of two or more word characters.
var tokenPattern = regexp.MustCompile(`[\p{L}\p{M}\p{N}_]{2,}`)

// Option configures Fit.
type Option func(*fitConfig)

type fitConfig struct {
	maxTerms int
}

// WithMaxTerms overrides the vocabulary cap. Values < 1 are ignored.
func WithMaxTerms(n int) Option {
	return func(c *fitConfig) {
		if n > 0 {
			c.maxTerms = n
		}
	}
}

// Vectorizer maps text to TF-IDF weighted lexical vectors using a
// vocabulary fixed at fit time. It is safe for concurrent use after Fit.
type Vectorizer struct {
	terms []string
	index map[string]int
	idf   []float64
}

// Fit learns a vocabulary and inverse document frequencies from texts.
// When the corpus has more distinct terms than the cap, the terms with the
// highest corpus-wide count are kept (ties broken alphabetically). Columns
// are ordered alphabetically.
func Fit(texts []string, opts ...Option) (*Vectorizer, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyCorpus
	}

	cfg := fitConfig{maxTerms: MaxVocab}
	for _, opt := range opts {
		opt(&cfg)
	}

	totals := make(map[string]int)
	docFreq := make(map[string]int)
	for _, text := range texts {
		seen := make(map[string]bool)
		for _, tok := range Tokenize(text) {
			totals[tok]++
			if !seen[tok] {
				seen[tok] = true
				docFreq[tok]++
			}
		}
	}

	terms := make([]string, 0, len(totals))
	for term := range totals {
		terms = append(terms, term)
	}

	if len(terms) > cfg.maxTerms {
		sort.Slice(terms, func(i, j int) bool {
			if totals[terms[i]] != totals[terms[j]] {
				return totals[terms[i]] > totals[terms[j]]
			}
			return terms[i] < terms[j]
		})
		terms = terms[:cfg.maxTerms]
	}
	sort.Strings(terms)

	n := float64(len(texts))
	idf := make([]float64, len(terms))
	for i, term := range terms {
		idf[i] = math.Log((1+n)/(1+float64(docFreq[term]))) + 1
	}

	return newVectorizer(terms, idf), nil
}

func newVectorizer(terms []string, idf []float64) *Vectorizer {
	index := make(map[string]int, len(terms))
	for i, term := range terms {
		index[term] = i
	}
	return &Vectorizer{terms: terms, index: index, idf: idf}
}

// Dim returns the width of the lexical vectors produced by Transform.
func (v *Vectorizer) Dim() int {
	return len(v.terms)
}

// Terms returns a copy of the vocabulary in column order.
func (v *Vectorizer) Terms() []string {
	out := make([]string, len(v.terms))
	copy(out, v.terms)
	return out
}

// Transform maps each text to its lexical vector. Terms that were not part
// of the fitted vocabulary contribute nothing.
func (v *Vectorizer) Transform(texts []string) []SparseVector {
	out := make([]SparseVector, len(texts))
	for i, text := range texts {
		out[i] = v.TransformOne(text)
	}
	return out
}

// TransformOne is Transform for a single text.
func (v *Vectorizer) TransformOne(text string) SparseVector {
	counts := make(map[int]int)
	for _, tok := range Tokenize(text) {
		if col, ok := v.index[tok]; ok {
			counts[col]++
		}
	}

	vec := SparseVector{
		Dim:     len(v.terms),
		Indices: make([]int, 0, len(counts)),
		Values:  make([]float64, 0, len(counts)),
	}
	for col := range counts {
		vec.Indices = append(vec.Indices, col)
	}
	sort.Ints(vec.Indices)

	var norm float64
	for _, col := range vec.Indices {
		w := float64(counts[col]) * v.idf[col]
		vec.Values = append(vec.Values, w)
		norm += w * w
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec.Values {
			vec.Values[i] /= norm
		}
	}

	return vec
}

// Tokenize lowercases text and splits it into terms of two or more word
// characters.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

type vectorizerJSON struct {
	Terms []string  `json:"terms"`
	IDF   []float64 `json:"idf"`
}

// MarshalJSON encodes the vocabulary and IDF weights.
func (v *Vectorizer) MarshalJSON() ([]byte, error) {
	return json.Marshal(vectorizerJSON{Terms: v.terms, IDF: v.idf})
}

// UnmarshalJSON restores a Vectorizer encoded by MarshalJSON.
func (v *Vectorizer) UnmarshalJSON(data []byte) error {
	var raw vectorizerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding vectorizer: %w", err)
	}
	if len(raw.Terms) != len(raw.IDF) {
		return fmt.Errorf(
			"decoding vectorizer: %d terms but %d idf weights",
			len(raw.Terms), len(raw.IDF),
		)
	}
	if raw.Terms == nil {
		raw.Terms = []string{}
		raw.IDF = []float64{}
	}

	restored := newVectorizer(raw.Terms, raw.IDF)
	if len(restored.index) != len(raw.Terms) {
		return errors.New("decoding vectorizer: duplicate terms")
	}
	*v = *restored
	return nil
}
