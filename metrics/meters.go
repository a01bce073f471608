package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"
)

// NoRound disables rounding for a logged scalar.
const NoRound = -1

// SafeRound rounds to the given number of decimal digits, passing NaN and
// infinities through untouched. Negative digits disable rounding.
func SafeRound(value float64, digits int) float64 {
	if digits < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return value
	}
	scale := math.Pow(10, float64(digits))
	return math.Round(value*scale) / scale
}

// ScalarMeter accumulates a weighted running sum over a logging interval.
// Sum is the weighted sum of logged values; Count is the total weight.
type ScalarMeter struct {
	Sum   float64
	Count float64
	Round int
}

func NewScalarMeter(round int) *ScalarMeter {
	return &ScalarMeter{Round: round}
}

// Update adds one observation with the given weight.
func (m *ScalarMeter) Update(value, weight float64) {
	if weight <= 0 {
		weight = 1
	}
	m.Sum += value * weight
	m.Count += weight
}

// Avg is the weighted average of everything logged so far.
func (m *ScalarMeter) Avg() float64 {
	if m.Count > 0 {
		return m.Sum / m.Count
	}
	return m.Sum
}

func (m *ScalarMeter) Reset() {
	m.Sum = 0
	m.Count = 0
}

// AUCMeter pools raw scores and targets across an interval and derives the
// areas under the ROC and precision-recall curves from the pooled pairs.
// Scores and targets concatenate rather than sum, which is why logging
// outputs carrying them can never be pre-aggregated.
type AUCMeter struct {
	scores  []float64
	targets []float64
}

func NewAUCMeter() *AUCMeter {
	return &AUCMeter{}
}

// Update appends score/target pairs. Positions must pair each score with
// its own target; ordering across calls is irrelevant.
func (m *AUCMeter) Update(scores, targets []float64) {
	n := len(scores)
	if len(targets) < n {
		n = len(targets)
	}
	m.scores = append(m.scores, scores[:n]...)
	m.targets = append(m.targets, targets[:n]...)
}

// Len reports the number of pooled pairs.
func (m *AUCMeter) Len() int {
	return len(m.scores)
}

func (m *AUCMeter) Reset() {
	m.scores = nil
	m.targets = nil
}

type scoredPair struct {
	score  float64
	target float64
}

func (m *AUCMeter) sortedPairs() []scoredPair {
	pairs := make([]scoredPair, len(m.scores))
	for i := range m.scores {
		pairs[i] = scoredPair{score: m.scores[i], target: m.targets[i]}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})
	return pairs
}

// AUROC computes the area under the ROC curve over the pooled pairs.
// Returns NaN when either class is absent. Tied scores are grouped into a
// single threshold before the curve is integrated.
func (m *AUCMeter) AUROC() float64 {
	pairs := m.sortedPairs()

	var totalPos, totalNeg float64
	for _, p := range pairs {
		if p.target == 1 {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return math.NaN()
	}

	fpr := []float64{0}
	tpr := []float64{0}
	var tp, fp float64
	for i, p := range pairs {
		if p.target == 1 {
			tp++
		} else {
			fp++
		}
		// Emit a curve point only once per distinct threshold.
		if i+1 < len(pairs) && pairs[i+1].score == p.score {
			continue
		}
		fpr = append(fpr, fp/totalNeg)
		tpr = append(tpr, tp/totalPos)
	}

	return integrate.Trapezoidal(fpr, tpr)
}

// AUPRC computes average precision over the pooled pairs: the step-wise sum
// of precision weighted by recall increments. Returns NaN with no positives.
func (m *AUCMeter) AUPRC() float64 {
	pairs := m.sortedPairs()

	var totalPos float64
	for _, p := range pairs {
		if p.target == 1 {
			totalPos++
		}
	}
	if totalPos == 0 {
		return math.NaN()
	}

	var ap float64
	var tp, fp, prevRecall float64
	for i, p := range pairs {
		if p.target == 1 {
			tp++
		} else {
			fp++
		}
		if i+1 < len(pairs) && pairs[i+1].score == p.score {
			continue
		}
		precision := tp / (tp + fp)
		recall := tp / totalPos
		ap += (recall - prevRecall) * precision
		prevRecall = recall
	}

	return ap
}
