// Package classifier implements the two-stage CoinJoin decision: a
// deterministic heuristic rule-set (C4), an optional ML probability
// adapter (C5), and their composition into a single verdict (C6). The
// scoring style — accumulate weighted indicators, record the reason
// for each — follows the engine's historical heuristics package.
package classifier

import (
	"fmt"
	"math"

	"github.com/rawblock/coinjoin-tracer/internal/config"
	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

// Indicator weights and thresholds. These are fixed constants: the
// heuristic does not read ClassifierConfig's HeuristicThreshold,
// MinInputsForCoinjoin or MinOutputsForCoinjoin fields.
const (
	weightManyInputs       = 0.20
	weightManyOutputs      = 0.20
	weightOutputUniformity = 0.30
	weightInputDiversity   = 0.20
	weightLargeTx          = 0.10

	manyInputsThreshold    = 5
	manyOutputsThreshold   = 5
	uniformityMaxDistinct  = 3
	diversityMinAddresses  = 3
	largeTxMinTotal        = 10
	positiveScoreThreshold = 0.6
)

// Heuristic is the pure, deterministic C4 detector. It MUST NOT perform
// I/O; every input it needs lives on models.Transaction.
type Heuristic struct {
	cfg config.ClassifierConfig
}

// NewHeuristic builds a Heuristic detector from ClassifierConfig.
func NewHeuristic(cfg config.ClassifierConfig) *Heuristic {
	return &Heuristic{cfg: cfg}
}

// Classify accumulates indicator weights in a fixed order so the
// resulting `reasons` are reproducible run over run, then checks the
// two specialised pattern detectors.
func (h *Heuristic) Classify(tx models.Transaction) models.Verdict {
	var score float64
	var reasons []string

	vin, vout := tx.Vin(), tx.Vout()
	uniqueAddrs := tx.UniqueInputAddresses()
	uniqueValues := tx.UniqueOutputValues()

	outputUniform := vout > 0 && uniqueValues <= uniformityMaxDistinct
	inputDiverse := uniqueAddrs > diversityMinAddresses
	large := vin+vout > largeTxMinTotal

	if vin >= manyInputsThreshold {
		score += weightManyInputs
		reasons = append(reasons, "many inputs")
	}
	if vout >= manyOutputsThreshold {
		score += weightManyOutputs
		reasons = append(reasons, "many outputs")
	}
	if outputUniform {
		score += weightOutputUniformity
		reasons = append(reasons, "output uniformity")
	}
	if inputDiverse {
		score += weightInputDiversity
		reasons = append(reasons, "input diversity")
	}
	if large {
		score += weightLargeTx
		reasons = append(reasons, "large transaction")
	}
	score = roundScore(score)

	indicators := models.Indicators{
		Vin:              vin,
		Vout:             vout,
		UniqueAddresses:  uniqueAddrs,
		OutputUniformity: outputUniform,
		InputDiversity:   inputDiverse,
		SizeClass:        sizeClass(tx.Size),
	}

	verdict := models.Verdict{
		Txid:            tx.Txid,
		Score:           score,
		Reasons:         reasons,
		Indicators:      indicators,
		DetectionMethod: models.MethodHeuristic,
		IsCoinjoin:      score > positiveScoreThreshold,
	}

	if wasabiMatch, denom := h.detectWasabi(tx); wasabiMatch {
		verdict.IsCoinjoin = true
		verdict.DetectionMethod = models.MethodWasabi
		verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("wasabi denomination %d sat", denom))
		verdict.Indicators.DominantValue = denom
		verdict.Indicators.DominantCount = countEqual(tx, denom)
	} else if samouraiMatch, denom := h.detectSamourai(tx); samouraiMatch {
		verdict.IsCoinjoin = true
		verdict.DetectionMethod = models.MethodSamourai
		verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("whirlpool pool %d sat", denom))
		verdict.Indicators.DominantValue = denom
		verdict.Indicators.DominantCount = vout
	}

	return verdict
}

// HeuristicPositive reports the base-score positivity alone, ignoring
// the specialised detectors — C6 needs this distinction to decide
// whether a "combined" detection_method applies.
func (h *Heuristic) HeuristicPositive(tx models.Transaction) bool {
	v := h.baseScoreOnly(tx)
	return v > positiveScoreThreshold
}

func (h *Heuristic) baseScoreOnly(tx models.Transaction) float64 {
	var score float64
	vin, vout := tx.Vin(), tx.Vout()
	if vin >= manyInputsThreshold {
		score += weightManyInputs
	}
	if vout >= manyOutputsThreshold {
		score += weightManyOutputs
	}
	if vout > 0 && tx.UniqueOutputValues() <= uniformityMaxDistinct {
		score += weightOutputUniformity
	}
	if tx.UniqueInputAddresses() > diversityMinAddresses {
		score += weightInputDiversity
	}
	if vin+vout > largeTxMinTotal {
		score += weightLargeTx
	}
	return roundScore(score)
}

// roundScore rounds an accumulated score to the weights' two decimal
// places, so float error never moves a sum across a threshold (the
// five weights sum to exactly 1.0, three 0.20 weights to exactly 0.6).
func roundScore(score float64) float64 {
	return math.Round(score*100) / 100
}

// detectWasabi looks for an output value exactly equal to a canonical
// Wasabi denomination (0.1 BTC and round multiples; no tolerance is
// applied), repeated across at least minCount outputs, with at least one other output present
// (change) — a transaction whose outputs are uniformly that
// denomination with nothing left over is the Samourai/Whirlpool shape,
// not Wasabi's coordinator-plus-change construction.
func (h *Heuristic) detectWasabi(tx models.Transaction) (bool, int64) {
	minCount := 5
	for _, denom := range h.cfg.WasabiDenominations {
		count := countEqual(tx, denom)
		if count >= minCount && tx.Vout() > count {
			return true, denom
		}
	}
	return false, 0
}

// detectSamourai fires when inputs and outputs are equal in count, all
// outputs share one value, and that value matches a configured
// Whirlpool pool denomination.
func (h *Heuristic) detectSamourai(tx models.Transaction) (bool, int64) {
	if tx.Vin() == 0 || tx.Vin() != tx.Vout() {
		return false, 0
	}
	if tx.UniqueOutputValues() != 1 {
		return false, 0
	}
	value := tx.Outputs[0].Value
	for _, denom := range h.cfg.SamouraiDenominations {
		if value == denom {
			return true, denom
		}
	}
	return false, 0
}

func countEqual(tx models.Transaction, value int64) int {
	n := 0
	for _, out := range tx.Outputs {
		if out.Value == value {
			n++
		}
	}
	return n
}

func sizeClass(sizeBytes int) string {
	switch {
	case sizeBytes <= 500:
		return "small"
	case sizeBytes <= 2000:
		return "medium"
	default:
		return "large"
	}
}
