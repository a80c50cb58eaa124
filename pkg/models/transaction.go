// Package models holds the data types shared across the detection and
// tracing engine: transactions, addresses, classification verdicts, and
// investigation trees.
package models

import "time"

// TxIn represents a Bitcoin transaction input, resolved against its
// previous output so the input address and value are available without
// a second lookup by callers.
type TxIn struct {
	PrevTxid string `json:"prevTxid"`
	PrevVout uint32 `json:"prevVout"`
	Address  string `json:"address"`
	Value    int64  `json:"value"` // satoshis
}

// TxOut represents a Bitcoin transaction output. SpentBy is populated
// lazily during tracing once the spending transaction is resolved; it
// is empty for an unspent or not-yet-traced output.
type TxOut struct {
	Address string `json:"address"`
	Value   int64  `json:"value"` // satoshis
	SpentBy string `json:"spentBy,omitempty"`
}

// Transaction is immutable once fetched; Txid is its identity.
type Transaction struct {
	Txid    string  `json:"txid"`
	Inputs  []TxIn  `json:"inputs"`
	Outputs []TxOut `json:"outputs"`
	Fee     int64   `json:"fee"`  // satoshis
	Size    int     `json:"size"` // bytes
}

func (tx Transaction) Vin() int  { return len(tx.Inputs) }
func (tx Transaction) Vout() int { return len(tx.Outputs) }

// UniqueInputAddresses returns the count of distinct input addresses.
func (tx Transaction) UniqueInputAddresses() int {
	seen := make(map[string]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if in.Address == "" {
			continue
		}
		seen[in.Address] = struct{}{}
	}
	return len(seen)
}

// UniqueOutputValues returns the count of distinct output values.
func (tx Transaction) UniqueOutputValues() int {
	seen := make(map[int64]struct{}, len(tx.Outputs))
	for _, out := range tx.Outputs {
		seen[out.Value] = struct{}{}
	}
	return len(seen)
}

// Address tag values. Monotone: once Coinjoin, never downgraded.
const (
	TagRelated  = "related"
	TagCoinjoin = "coinjoin"
)

// Address is identified by its canonical string form.
type Address struct {
	Value     string    `json:"value"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Tag       string    `json:"tag"`
}

// PromoteTag returns the tag that should result from observing `next`
// given the address currently carries `current`. The coinjoin tag is
// sticky: a related-tagged address can be promoted to coinjoin, but a
// coinjoin-tagged address is never demoted back to related.
func PromoteTag(current, next string) string {
	if current == TagCoinjoin {
		return TagCoinjoin
	}
	return next
}

// Detection methods for a Classification Verdict.
const (
	MethodHeuristic = "heuristic"
	MethodML        = "ml"
	MethodCombined  = "combined"
	MethodWasabi    = "wasabi"
	MethodSamourai  = "samourai"
)

// Indicators captures the structural signals the heuristic detector
// accumulated evidence from.
type Indicators struct {
	Vin              int    `json:"vin"`
	Vout             int    `json:"vout"`
	UniqueAddresses  int    `json:"uniqueAddresses"`
	OutputUniformity bool   `json:"outputUniformity"`
	InputDiversity   bool   `json:"inputDiversity"`
	SizeClass        string `json:"sizeClass"` // "small"/"medium"/"large"
	DominantValue    int64  `json:"dominantValue,omitempty"`
	DominantCount    int    `json:"dominantCount,omitempty"`
}

// Verdict is the Classification Verdict record of spec §3.
type Verdict struct {
	Txid            string     `json:"txid"`
	IsCoinjoin      bool       `json:"isCoinjoin"`
	DetectionMethod string     `json:"detectionMethod"`
	Score           float64    `json:"score"`
	Reasons         []string   `json:"reasons"`
	Indicators      Indicators `json:"indicators"`
	MLProbability   *float64   `json:"mlProbability,omitempty"`
	MLThreshold     *float64   `json:"mlThreshold,omitempty"`
}

// InvestigationNode is a recursive Investigation Tree Node: the
// transaction plus its expanded children. IsReference marks a node
// that revisits an already-expanded txid within the same run — it is
// a leaf by construction and carries no children of its own.
type InvestigationNode struct {
	Tx          Transaction         `json:"tx"`
	Verdict     Verdict             `json:"verdict"`
	Depth       int                 `json:"depth"`
	Children    []InvestigationNode `json:"children,omitempty"`
	IsReference bool                `json:"isReference"`
	LeafReason  string              `json:"leafReason,omitempty"`
}

// Termination reasons for an investigation run.
const (
	TermDepth       = "depth"
	TermTotalNodes  = "max_total_nodes"
	TermWallClock   = "timeout"
	TermNonCoinjoin = "non_coinjoin_streak"
	TermExhausted   = "exhausted"
	TermStackEmpty  = "stack_empty"
)

// InvestigationMetadata is the per-run record of spec §3.
type InvestigationMetadata struct {
	Root              string        `json:"root"` // txid or address
	DepthReached      int           `json:"depthReached"`
	NodeCount         int           `json:"nodeCount"`
	ConsecutiveNonCJ  int           `json:"consecutiveNonCoinjoin"`
	Duration          time.Duration `json:"duration"`
	TerminationReason string        `json:"terminationReason"`
}

// InvestigationTree is the full result of a C7 trace run.
type InvestigationTree struct {
	Root     InvestigationNode     `json:"root"`
	Metadata InvestigationMetadata `json:"metadata"`
}
