package tracer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rawblock/coinjoin-tracer/internal/cache"
	"github.com/rawblock/coinjoin-tracer/internal/config"
	"github.com/rawblock/coinjoin-tracer/internal/explorer"
	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

type fakeExplorer struct {
	txs      map[string]models.Transaction
	spending map[string]string
	addrTxs  []string
}

func (f *fakeExplorer) GetMempoolTxids(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeExplorer) GetTx(ctx context.Context, txid string) (models.Transaction, error) {
	tx, ok := f.txs[txid]
	if !ok {
		return models.Transaction{}, explorer.ErrNotFound
	}
	return tx, nil
}

func (f *fakeExplorer) GetAddressTxs(ctx context.Context, addr, cursor string) ([]string, string, error) {
	return f.addrTxs, "", nil
}

func (f *fakeExplorer) GetSpendingTx(ctx context.Context, txid string, vout uint32) (string, error) {
	key := fmt.Sprintf("%s:%d", txid, vout)
	spending, ok := f.spending[key]
	if !ok {
		return "", explorer.ErrUnspent
	}
	return spending, nil
}

type fakeClassifier struct {
	verdicts map[string]models.Verdict
}

func (f *fakeClassifier) Classify(tx models.Transaction) models.Verdict {
	if v, ok := f.verdicts[tx.Txid]; ok {
		return v
	}
	return models.Verdict{Txid: tx.Txid, IsCoinjoin: false}
}

type fakeGraphWriter struct {
	upserts int
}

func (f *fakeGraphWriter) UpsertTransaction(ctx context.Context, tx models.Transaction, verdict *models.Verdict) error {
	f.upserts++
	return nil
}
func (f *fakeGraphWriter) MergeAddress(ctx context.Context, address, tag string) error { return nil }
func (f *fakeGraphWriter) LinkInput(ctx context.Context, address, txid string, value int64) error {
	return nil
}
func (f *fakeGraphWriter) LinkOutput(ctx context.Context, txid, address string, vout int, value int64) error {
	return nil
}
func (f *fakeGraphWriter) LinkRelated(ctx context.Context, address, txid string) error { return nil }

func testTracerConfig() config.TracerConfig {
	return config.TracerConfig{
		MaxDepth:             100,
		MaxTotalNodes:        1000,
		MaxBranchesPerNode:   10,
		MaxWallClock:         time.Minute,
		NonCoinjoinStreakCap: 100,
		ChildWorkerPoolSize:  4,
		MaxOutputsPerTx:      10,
		MaxTxsPerAddress:     10,
	}
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{TxCapacity: 100, TxTTL: time.Minute, AddressCapacity: 100, AddressTTL: time.Minute}
}

func chainTx(txid, nextTxid string, positive bool) models.Transaction {
	tx := models.Transaction{
		Txid:    txid,
		Inputs:  []models.TxIn{{Address: "in-" + txid, Value: 1000}},
		Outputs: []models.TxOut{{Address: "out-" + txid, Value: 900}},
	}
	return tx
}

func TestDepthCapTermination(t *testing.T) {
	// A linear chain tx0 -> tx1 -> tx2 -> tx3 -> tx4, all positive.
	fe := &fakeExplorer{txs: map[string]models.Transaction{}, spending: map[string]string{}}
	verdicts := map[string]models.Verdict{}
	for i := 0; i <= 4; i++ {
		txid := fmt.Sprintf("tx%d", i)
		fe.txs[txid] = chainTx(txid, "", true)
		verdicts[txid] = models.Verdict{Txid: txid, IsCoinjoin: true, DetectionMethod: models.MethodHeuristic, Score: 1.0}
		if i < 4 {
			next := fmt.Sprintf("tx%d", i+1)
			fe.spending[fmt.Sprintf("%s:0", txid)] = next
		}
	}

	cfg := testTracerConfig()
	cfg.MaxDepth = 3
	tr := New(fe, cache.New(testCacheConfig()), &fakeClassifier{verdicts: verdicts}, &fakeGraphWriter{}, cfg)

	tree, err := tr.InvestigateTx(context.Background(), "tx0")
	if err != nil {
		t.Fatalf("InvestigateTx() error = %v", err)
	}
	if tree.Metadata.DepthReached != 3 {
		t.Errorf("DepthReached = %d, want 3", tree.Metadata.DepthReached)
	}
	if tree.Metadata.TerminationReason != models.TermDepth {
		t.Errorf("TerminationReason = %q, want %q", tree.Metadata.TerminationReason, models.TermDepth)
	}
}

func TestCycleReference(t *testing.T) {
	// tx0's output is spent by tx1, whose output is spent back by tx0.
	fe := &fakeExplorer{
		txs: map[string]models.Transaction{
			"tx0": chainTx("tx0", "", true),
			"tx1": chainTx("tx1", "", true),
		},
		spending: map[string]string{
			"tx0:0": "tx1",
			"tx1:0": "tx0",
		},
	}
	verdicts := map[string]models.Verdict{
		"tx0": {Txid: "tx0", IsCoinjoin: true, DetectionMethod: models.MethodHeuristic},
		"tx1": {Txid: "tx1", IsCoinjoin: true, DetectionMethod: models.MethodHeuristic},
	}

	cfg := testTracerConfig()
	tr := New(fe, cache.New(testCacheConfig()), &fakeClassifier{verdicts: verdicts}, &fakeGraphWriter{}, cfg)

	tree, err := tr.InvestigateTx(context.Background(), "tx0")
	if err != nil {
		t.Fatalf("InvestigateTx() error = %v", err)
	}
	if len(tree.Root.Children) != 1 {
		t.Fatalf("Root.Children = %d, want 1", len(tree.Root.Children))
	}
	tx1Node := tree.Root.Children[0]
	if tx1Node.IsReference {
		t.Fatal("first visit to tx1 marked as reference, want internal node")
	}
	if len(tx1Node.Children) != 1 {
		t.Fatalf("tx1Node.Children = %d, want 1", len(tx1Node.Children))
	}
	backRef := tx1Node.Children[0]
	if !backRef.IsReference {
		t.Error("second visit to tx0 not marked as reference, want reference leaf")
	}
	if len(backRef.Children) != 0 {
		t.Error("reference leaf has children, want none")
	}
}

func TestZeroOutputSeedIsExhausted(t *testing.T) {
	fe := &fakeExplorer{
		txs: map[string]models.Transaction{
			"lonely": {Txid: "lonely"},
		},
		spending: map[string]string{},
	}
	verdicts := map[string]models.Verdict{
		"lonely": {Txid: "lonely", IsCoinjoin: true},
	}

	tr := New(fe, cache.New(testCacheConfig()), &fakeClassifier{verdicts: verdicts}, &fakeGraphWriter{}, testTracerConfig())
	tree, err := tr.InvestigateTx(context.Background(), "lonely")
	if err != nil {
		t.Fatalf("InvestigateTx() error = %v", err)
	}
	if len(tree.Root.Children) != 0 {
		t.Errorf("Root.Children = %d, want 0", len(tree.Root.Children))
	}
	if tree.Metadata.TerminationReason != models.TermExhausted {
		t.Errorf("TerminationReason = %q, want %q", tree.Metadata.TerminationReason, models.TermExhausted)
	}
}

func TestNonCoinjoinStreakTermination(t *testing.T) {
	fe := &fakeExplorer{txs: map[string]models.Transaction{}, spending: map[string]string{}}
	verdicts := map[string]models.Verdict{}
	for i := 0; i <= 5; i++ {
		txid := fmt.Sprintf("tx%d", i)
		fe.txs[txid] = chainTx(txid, "", false)
		positive := i == 0 // only the seed is positive; all descendants negative
		verdicts[txid] = models.Verdict{Txid: txid, IsCoinjoin: positive}
		if i < 5 {
			next := fmt.Sprintf("tx%d", i+1)
			fe.spending[fmt.Sprintf("%s:0", txid)] = next
		}
	}

	cfg := testTracerConfig()
	cfg.NonCoinjoinStreakCap = 3
	tr := New(fe, cache.New(testCacheConfig()), &fakeClassifier{verdicts: verdicts}, &fakeGraphWriter{}, cfg)

	tree, err := tr.InvestigateTx(context.Background(), "tx0")
	if err != nil {
		t.Fatalf("InvestigateTx() error = %v", err)
	}
	if tree.Metadata.TerminationReason != models.TermNonCoinjoin {
		t.Errorf("TerminationReason = %q, want %q", tree.Metadata.TerminationReason, models.TermNonCoinjoin)
	}
	// tx1,tx2,tx3 are the three consecutive negatives that tip the
	// counter; tx3 (the tipping node) must still appear in the tree.
	node := tree.Root
	found := false
	var walk func(n models.InvestigationNode)
	walk = func(n models.InvestigationNode) {
		if n.Tx.Txid == "tx3" {
			found = true
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(node)
	if !found {
		t.Error("tipping node tx3 not found in tree, want it present as a leaf")
	}
}

func TestSeedUnavailableReturnsUpstreamUnavailable(t *testing.T) {
	fe := &fakeExplorer{txs: map[string]models.Transaction{}, spending: map[string]string{}}
	store := &fakeGraphWriter{}
	tr := New(fe, cache.New(testCacheConfig()), &fakeClassifier{verdicts: map[string]models.Verdict{}}, store, testTracerConfig())

	_, err := tr.InvestigateTx(context.Background(), "missing")
	if err == nil {
		t.Fatal("InvestigateTx() error = nil, want ErrUpstreamUnavailable")
	}
	if store.upserts != 0 {
		t.Errorf("store.upserts = %d, want 0 (no partial tree persisted)", store.upserts)
	}
}

func TestBranchCapCompliance(t *testing.T) {
	fe := &fakeExplorer{
		txs:      map[string]models.Transaction{},
		spending: map[string]string{},
	}
	root := models.Transaction{
		Txid: "root",
		Outputs: []models.TxOut{
			{Address: "a0"}, {Address: "a1"}, {Address: "a2"}, {Address: "a3"}, {Address: "a4"},
		},
	}
	fe.txs["root"] = root
	verdicts := map[string]models.Verdict{"root": {Txid: "root", IsCoinjoin: true}}
	for i := 0; i < 5; i++ {
		child := fmt.Sprintf("child%d", i)
		fe.txs[child] = models.Transaction{Txid: child}
		fe.spending[fmt.Sprintf("root:%d", i)] = child
		verdicts[child] = models.Verdict{Txid: child, IsCoinjoin: true, Score: float64(i)}
	}

	cfg := testTracerConfig()
	cfg.MaxBranchesPerNode = 2
	tr := New(fe, cache.New(testCacheConfig()), &fakeClassifier{verdicts: verdicts}, &fakeGraphWriter{}, cfg)

	tree, err := tr.InvestigateTx(context.Background(), "root")
	if err != nil {
		t.Fatalf("InvestigateTx() error = %v", err)
	}
	if len(tree.Root.Children) != 2 {
		t.Fatalf("Root.Children = %d, want 2 (MaxBranchesPerNode)", len(tree.Root.Children))
	}
	// Highest score first: child4 (score 4), child3 (score 3).
	if tree.Root.Children[0].Tx.Txid != "child4" || tree.Root.Children[1].Tx.Txid != "child3" {
		t.Errorf("Children = [%s, %s], want [child4, child3]", tree.Root.Children[0].Tx.Txid, tree.Root.Children[1].Tx.Txid)
	}
}
