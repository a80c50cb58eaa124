package classifier

import (
	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

// Classifier composes the Heuristic (C4) and an optional Predictor (C5)
// into a single published combination policy (C6). It is pure given
// its inputs and the loaded model, so callers may memoise by txid.
type Classifier struct {
	heuristic *Heuristic
	ml        Predictor
}

// New builds a Classifier. ml may be nil, in which case the classifier
// always falls back to heuristic-only verdicts.
func New(heuristic *Heuristic, ml Predictor) *Classifier {
	return &Classifier{heuristic: heuristic, ml: ml}
}

// Classify applies the policy from the component design:
//  1. Run the heuristic. If either specialised detector fired, that
//     verdict stands as-is (wasabi/samourai).
//  2. Otherwise, if ML is available, combine: positive iff the
//     heuristic base score > 0.6 OR the ML probability crosses its
//     threshold; detection_method is "combined" when both agree, else
//     whichever one fired.
//  3. Otherwise, the heuristic verdict stands alone.
func (c *Classifier) Classify(tx models.Transaction) models.Verdict {
	verdict := c.heuristic.Classify(tx)

	if verdict.DetectionMethod == models.MethodWasabi || verdict.DetectionMethod == models.MethodSamourai {
		return verdict
	}

	if c.ml == nil {
		return verdict
	}

	probability, available := c.ml.Predict(tx)
	if !available {
		return verdict
	}

	threshold := c.ml.Threshold()
	mlPositive := probability >= threshold
	heuristicPositive := c.heuristic.HeuristicPositive(tx)

	switch {
	case heuristicPositive && mlPositive:
		verdict.IsCoinjoin = true
		verdict.DetectionMethod = models.MethodCombined
		verdict.Reasons = append(verdict.Reasons, "ml probability above threshold")
		verdict.MLProbability = &probability
		verdict.MLThreshold = &threshold
	case heuristicPositive:
		verdict.IsCoinjoin = true
		verdict.DetectionMethod = models.MethodHeuristic
	case mlPositive:
		verdict.IsCoinjoin = true
		verdict.DetectionMethod = models.MethodML
		verdict.Reasons = append(verdict.Reasons, "ml probability above threshold")
		verdict.MLProbability = &probability
		verdict.MLThreshold = &threshold
	default:
		verdict.IsCoinjoin = false
	}

	return verdict
}
