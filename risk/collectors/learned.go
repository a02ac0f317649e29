package collectors

import (
	"context"
	"math"
	"strings"

	"github.com/c360studio/forgegate/risk"
)

// featureCount is the fixed length of the extracted feature vector. The
// model weights are positional; changing extraction order is a breaking
// model change.
const featureCount = 6

// LearnedScorer returns a probability-derived score from a pre-trained
// model over a fixed feature vector. The model itself is opaque: weights
// come from training elsewhere and are loaded as-is.
type LearnedScorer struct {
	weights [featureCount]float64
	bias    float64
}

// defaultWeights is the shipped model snapshot.
var defaultWeights = [featureCount]float64{1.8, -0.6, 2.4, 1.1, 0.9, 1.5}

// NewLearnedScorer creates the learned collector with the shipped model.
func NewLearnedScorer() *LearnedScorer {
	return &LearnedScorer{weights: defaultWeights, bias: -2.2}
}

// NewLearnedScorerWithModel creates the collector with explicit weights.
func NewLearnedScorerWithModel(weights [featureCount]float64, bias float64) *LearnedScorer {
	return &LearnedScorer{weights: weights, bias: bias}
}

// Name returns the collector identifier.
func (l *LearnedScorer) Name() string { return risk.CollectorLearned }

// Assess extracts the feature vector and applies the model.
func (l *LearnedScorer) Assess(ctx context.Context, subject string) (*risk.Signal, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	x := extractFeatures(subject)
	z := l.bias
	for i, w := range l.weights {
		z += w * x[i]
	}
	p := 1.0 / (1.0 + math.Exp(-z))

	return &risk.Signal{
		Score:      p * 100,
		Confidence: 0.6,
	}, nil
}

// extractFeatures builds the fixed feature vector, each value normalized
// to roughly 0..1.
func extractFeatures(subject string) [featureCount]float64 {
	var x [featureCount]float64
	if subject == "" {
		return x
	}

	// 0: normalized length
	x[0] = math.Min(float64(len(subject))/128.0, 1.0)

	// 1: looks like a plain hex address
	body := strings.TrimPrefix(strings.ToLower(subject), "0x")
	hex := 0
	digits := 0
	for _, r := range body {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			hex++
		}
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if len(body) > 0 {
		x[1] = float64(hex) / float64(len(body))
		x[2] = float64(digits) / float64(len(body))
	}

	// 3: character entropy, normalized against 6 bits.
	x[3] = math.Min(entropy(subject)/6.0, 1.0)

	// 4: separator density
	x[4] = math.Min(float64(strings.Count(subject, "-")+strings.Count(subject, "."))/8.0, 1.0)

	// 5: URL-shaped
	if strings.Contains(subject, "://") {
		x[5] = 1.0
	}
	return x
}

// entropy is the Shannon entropy of the string in bits per character.
func entropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	h := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}
