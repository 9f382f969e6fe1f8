package features

// BehavioralWidth is the number of dense behavioral features appended after
// the lexical sub-vector.
const BehavioralWidth = 2

// SparseVector is a lexical sub-vector of width Dim. Indices are ascending
// and parallel to Values.
type SparseVector struct {
	Dim     int
	Indices []int
	Values  []float64
}

// FeatureVector is the full classifier input for one message: the lexical
// sub-vector followed by [reading duration, was-read as 0/1].
type FeatureVector struct {
	Lexical                SparseVector
	ReadingDurationSeconds float64
	WasRead                bool
}

// Combine builds the FeatureVector for one message.
func Combine(lexical SparseVector, readingDurationSeconds float64, wasRead bool) FeatureVector {
	return FeatureVector{
		Lexical:                lexical,
		ReadingDurationSeconds: readingDurationSeconds,
		WasRead:                wasRead,
	}
}

// Len is the total width of the vector.
func (f FeatureVector) Len() int {
	return f.Lexical.Dim + BehavioralWidth
}

// Dense expands the vector into a freshly allocated slice of length Len.
func (f FeatureVector) Dense() []float64 {
	out := make([]float64, f.Len())
	for i, col := range f.Lexical.Indices {
		out[col] = f.Lexical.Values[i]
	}
	out[f.Lexical.Dim] = f.ReadingDurationSeconds
	if f.WasRead {
		out[f.Lexical.Dim+1] = 1
	}
	return out
}
