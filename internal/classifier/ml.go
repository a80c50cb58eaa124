package classifier

import (
	"encoding/json"
	"math"
	"os"

	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

// Features is the feature vector the ML detector scores. Derived
// exclusively from the transaction body — no network I/O at inference
// time, matching the heuristic detector's purity requirement.
type Features struct {
	Vin              float64
	Vout             float64
	UniqueAddresses  float64
	OutputUniformity float64 // 1.0 or 0.0
	InputDiversity   float64 // 1.0 or 0.0
	Size             float64
}

// ExtractFeatures builds a Features vector from a transaction body.
func ExtractFeatures(tx models.Transaction) Features {
	f := Features{
		Vin:             float64(tx.Vin()),
		Vout:            float64(tx.Vout()),
		UniqueAddresses: float64(tx.UniqueInputAddresses()),
		Size:            float64(tx.Size),
	}
	if tx.Vout() > 0 && tx.UniqueOutputValues() <= uniformityMaxDistinct {
		f.OutputUniformity = 1.0
	}
	if tx.UniqueInputAddresses() > diversityMinAddresses {
		f.InputDiversity = 1.0
	}
	return f
}

// Weights is a linear model over Features, scored through a logistic
// link — the same probability-from-score shape as the engine's
// historical log-likelihood scoring, just trained rather than derived
// from a fixed table.
type Weights struct {
	Bias             float64 `json:"bias"`
	Vin              float64 `json:"vin"`
	Vout             float64 `json:"vout"`
	UniqueAddresses  float64 `json:"uniqueAddresses"`
	OutputUniformity float64 `json:"outputUniformity"`
	InputDiversity   float64 `json:"inputDiversity"`
	Size             float64 `json:"size"`
}

func (w Weights) dot(f Features) float64 {
	return w.Bias +
		w.Vin*f.Vin +
		w.Vout*f.Vout +
		w.UniqueAddresses*f.UniqueAddresses +
		w.OutputUniformity*f.OutputUniformity +
		w.InputDiversity*f.InputDiversity +
		w.Size*f.Size
}

// sigmoid maps a linear score to a probability in [0,1].
func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Predictor is the C5 capability contract: predict a probability or
// report unavailability. A nil *ML satisfies this by always returning
// unavailable, so the classifier can hold a Predictor unconditionally.
type Predictor interface {
	Predict(tx models.Transaction) (probability float64, available bool)
	Threshold() float64
}

// ML is the default Predictor: a linear/logistic scorer over a small
// JSON-loaded weight vector. No machine-learning inference library
// appears anywhere in the retrieval pack, so this stays pure stdlib
// math, styled after the engine's existing log-likelihood scoring
// rather than reaching for an absent dependency.
type ML struct {
	weights   Weights
	threshold float64
	loaded    bool
}

// LoadML reads a weight vector from path. An empty path means "no
// model configured"; Predict will then always report unavailable.
func LoadML(path string, threshold float64) (*ML, error) {
	if path == "" {
		return &ML{threshold: threshold, loaded: false}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var w Weights
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &ML{weights: w, threshold: threshold, loaded: true}, nil
}

// Predict returns a probability and whether the model is loaded. When
// unavailable, the returned probability is meaningless and MUST be
// ignored by the caller — it is not a substitute zero score.
func (m *ML) Predict(tx models.Transaction) (float64, bool) {
	if m == nil || !m.loaded {
		return 0, false
	}
	f := ExtractFeatures(tx)
	return sigmoid(m.weights.dot(f)), true
}

// Threshold returns the configured decision threshold.
func (m *ML) Threshold() float64 {
	if m == nil {
		return 0
	}
	return m.threshold
}
