package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/coinjoin-tracer/internal/cache"
	"github.com/rawblock/coinjoin-tracer/internal/config"
	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

type fakeMempoolExplorer struct {
	mu     sync.Mutex
	txids  []string
	txs    map[string]models.Transaction
	getErr error
}

func (f *fakeMempoolExplorer) GetMempoolTxids(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	out := make([]string, len(f.txids))
	copy(out, f.txids)
	return out, nil
}

func (f *fakeMempoolExplorer) GetTx(ctx context.Context, txid string) (models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[txid], nil
}

func (f *fakeMempoolExplorer) GetAddressTxs(ctx context.Context, addr, cursor string) ([]string, string, error) {
	return nil, "", nil
}

func (f *fakeMempoolExplorer) GetSpendingTx(ctx context.Context, txid string, vout uint32) (string, error) {
	return "", nil
}

type fakeMonitorClassifier struct{}

func (fakeMonitorClassifier) Classify(tx models.Transaction) models.Verdict {
	return models.Verdict{Txid: tx.Txid, IsCoinjoin: tx.Vin() >= 5}
}

type fakeMonitorTracer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeMonitorTracer) InvestigateTx(ctx context.Context, seedTxid string) (*models.InvestigationTree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, seedTxid)
	return &models.InvestigationTree{}, nil
}

type fakeMonitorStore struct {
	mu       sync.Mutex
	upserted []string
}

func (s *fakeMonitorStore) UpsertTransaction(ctx context.Context, tx models.Transaction, verdict *models.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted = append(s.upserted, tx.Txid)
	return nil
}
func (s *fakeMonitorStore) MergeAddress(ctx context.Context, address, tag string) error { return nil }
func (s *fakeMonitorStore) LinkInput(ctx context.Context, address, txid string, value int64) error {
	return nil
}
func (s *fakeMonitorStore) LinkOutput(ctx context.Context, txid, address string, vout int, value int64) error {
	return nil
}

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		PollInterval:    20 * time.Millisecond,
		SeenResetPeriod: time.Hour,
		WorkerPoolSize:  4,
		QueueCapacity:   256,
		PerTickFetchCap: 20,
	}
}

func makeTx(txid string, vin int) models.Transaction {
	tx := models.Transaction{Txid: txid}
	for i := 0; i < vin; i++ {
		tx.Inputs = append(tx.Inputs, models.TxIn{Address: "in"})
	}
	tx.Outputs = append(tx.Outputs, models.TxOut{Address: "out", Value: 1})
	return tx
}

func TestPollerProcessesNewTxidsOnce(t *testing.T) {
	fe := &fakeMempoolExplorer{
		txids: []string{"a", "b"},
		txs: map[string]models.Transaction{
			"a": makeTx("a", 6),
			"b": makeTx("b", 1),
		},
	}
	store := &fakeMonitorStore{}
	tracer := &fakeMonitorTracer{}
	p := New(fe, cache.New(config.CacheConfig{TxCapacity: 10, TxTTL: time.Minute, AddressCapacity: 10, AddressTTL: time.Minute}), fakeMonitorClassifier{}, tracer, store, testMonitorConfig())

	ctx := context.Background()
	p.tick(ctx)
	p.tick(ctx) // second tick sees the same txids again, should not reprocess

	status := p.StatusSnapshot()
	if status.Processed != 2 {
		t.Errorf("Processed = %d, want 2", status.Processed)
	}
	if status.Positive != 1 {
		t.Errorf("Positive = %d, want 1", status.Positive)
	}

	store.mu.Lock()
	if len(store.upserted) != 1 {
		t.Errorf("upserted = %d, want 1 (only the negative txid is persisted directly)", len(store.upserted))
	}
	store.mu.Unlock()

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	if len(tracer.calls) != 1 || tracer.calls[0] != "a" {
		t.Errorf("tracer.calls = %v, want [a] (the positive txid is handed to the tracer, not reprocessed)", tracer.calls)
	}
}

func TestPollerDropsOverPerTickCap(t *testing.T) {
	fe := &fakeMempoolExplorer{
		txids: []string{"a", "b", "c"},
		txs: map[string]models.Transaction{
			"a": makeTx("a", 1),
			"b": makeTx("b", 1),
			"c": makeTx("c", 1),
		},
	}
	cfg := testMonitorConfig()
	cfg.PerTickFetchCap = 2
	p := New(fe, cache.New(config.CacheConfig{TxCapacity: 10, TxTTL: time.Minute, AddressCapacity: 10, AddressTTL: time.Minute}), fakeMonitorClassifier{}, &fakeMonitorTracer{}, &fakeMonitorStore{}, cfg)

	p.tick(context.Background())

	status := p.StatusSnapshot()
	if status.Processed != 2 {
		t.Errorf("Processed = %d, want 2", status.Processed)
	}
	if status.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", status.Dropped)
	}
}

func TestPollerRecordsMempoolFetchError(t *testing.T) {
	fe := &fakeMempoolExplorer{getErr: context.DeadlineExceeded}
	p := New(fe, cache.New(config.CacheConfig{TxCapacity: 10, TxTTL: time.Minute, AddressCapacity: 10, AddressTTL: time.Minute}), fakeMonitorClassifier{}, &fakeMonitorTracer{}, &fakeMonitorStore{}, testMonitorConfig())

	p.tick(context.Background())

	status := p.StatusSnapshot()
	if status.LastError == "" {
		t.Error("LastError = \"\", want a recorded error")
	}
}

func TestStartStopTransitionsRunningState(t *testing.T) {
	fe := &fakeMempoolExplorer{txids: nil, txs: map[string]models.Transaction{}}
	p := New(fe, cache.New(config.CacheConfig{TxCapacity: 10, TxTTL: time.Minute, AddressCapacity: 10, AddressTTL: time.Minute}), fakeMonitorClassifier{}, &fakeMonitorTracer{}, &fakeMonitorStore{}, testMonitorConfig())

	p.Start(context.Background())
	if !p.StatusSnapshot().Running {
		t.Error("Running = false after Start, want true")
	}
	p.Stop()
	if p.StatusSnapshot().Running {
		t.Error("Running = true after Stop, want false")
	}

	// Stop while not running, and Start again, must not deadlock or panic.
	p.Stop()
	p.Start(context.Background())
	p.Stop()
}
