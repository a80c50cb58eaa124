// Package monitor ticks the mempool on an interval, classifying and
// persisting every new transaction it sees, the same shape the engine's
// historical mempool poller has always used: a ticker loop, a seen-txid
// set reset on a schedule, and a per-tick fetch cap so a single slow
// tick never backs up the node it polls. Generalized here from a single
// goroutine doing sequential RPC calls into a bounded worker pool, since
// the explorer backend is a rate-limited HTTP API rather than a local
// Bitcoin Core RPC connection.
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rawblock/coinjoin-tracer/internal/cache"
	"github.com/rawblock/coinjoin-tracer/internal/config"
	"github.com/rawblock/coinjoin-tracer/internal/explorer"
	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

// Classifier is the C6 capability the monitor depends on.
type Classifier interface {
	Classify(tx models.Transaction) models.Verdict
}

// Tracer is the C7 capability the monitor depends on: every positively
// classified mempool transaction is handed to it so its forward
// propagation gets traced and persisted the same way an on-demand
// /investigate request would be, per the mempool → classifier → tracer
// → graph writer data flow.
type Tracer interface {
	InvestigateTx(ctx context.Context, seedTxid string) (*models.InvestigationTree, error)
}

// GraphWriter is the C3 capability the monitor depends on directly, for
// persisting transactions that classify negative (no trace is run for
// those, so the monitor writes them itself).
type GraphWriter interface {
	UpsertTransaction(ctx context.Context, tx models.Transaction, verdict *models.Verdict) error
	MergeAddress(ctx context.Context, address, tag string) error
	LinkInput(ctx context.Context, address, txid string, value int64) error
	LinkOutput(ctx context.Context, txid, address string, vout int, value int64) error
}

// Status is the /monitoring/status snapshot.
type Status struct {
	Running   bool      `json:"running"`
	Processed int64     `json:"processed"`
	Positive  int64     `json:"positive"`
	Dropped   int64     `json:"dropped"`
	LastTick  time.Time `json:"lastTick"`
	LastError string    `json:"lastError,omitempty"`
}

// Poller is the C8 mempool ingestion loop.
type Poller struct {
	explorer   explorer.Client
	cache      *cache.Cache
	classifier Classifier
	tracer     Tracer
	store      GraphWriter
	cfg        config.MonitorConfig

	mu      sync.Mutex
	running bool
	seen    map[string]bool
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Poller from its collaborators and tunables.
func New(explorerClient explorer.Client, txCache *cache.Cache, classifier Classifier, tracer Tracer, store GraphWriter, cfg config.MonitorConfig) *Poller {
	return &Poller{
		explorer:   explorerClient,
		cache:      txCache,
		classifier: classifier,
		tracer:     tracer,
		store:      store,
		cfg:        cfg,
		seen:       make(map[string]bool),
	}
}

// Start launches the polling loop in a background goroutine. Calling
// Start while already running is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.status.Running = true
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.run(runCtx)
}

// Stop halts the polling loop and blocks until the current tick (if
// any) finishes. Calling Stop while not running is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done
}

// StatusSnapshot returns a copy of the poller's current status.
func (p *Poller) StatusSnapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	log.Println("[Monitor] starting mempool poller")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(p.cfg.SeenResetPeriod)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Monitor] stopping mempool poller")
			p.mu.Lock()
			p.running = false
			p.status.Running = false
			p.mu.Unlock()
			return
		case <-cleanupTicker.C:
			p.mu.Lock()
			p.seen = make(map[string]bool)
			p.mu.Unlock()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	txids, err := p.explorer.GetMempoolTxids(ctx)
	if err != nil {
		log.Printf("[Monitor] failed to fetch mempool: %v", err)
		p.mu.Lock()
		p.status.LastTick = time.Now()
		p.status.LastError = err.Error()
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	fresh := make([]string, 0, len(txids))
	for _, txid := range txids {
		if p.seen[txid] {
			continue
		}
		p.seen[txid] = true
		fresh = append(fresh, txid)
	}
	p.mu.Unlock()

	dropped := 0
	if len(fresh) > p.cfg.PerTickFetchCap {
		dropped = len(fresh) - p.cfg.PerTickFetchCap
		fresh = fresh[:p.cfg.PerTickFetchCap]
	}

	var processed, positive int64
	if len(fresh) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		sem := semaphore.NewWeighted(int64(maxInt(1, p.cfg.WorkerPoolSize)))
		var mu sync.Mutex

		for _, txid := range fresh {
			txid := txid
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				defer sem.Release(1)

				isCoinjoin, err := p.process(gctx, txid)
				if err != nil {
					log.Printf("[Monitor] failed to process %s: %v", txid, err)
					return nil
				}
				mu.Lock()
				processed++
				if isCoinjoin {
					positive++
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	p.mu.Lock()
	p.status.LastTick = time.Now()
	p.status.LastError = ""
	p.status.Processed += processed
	p.status.Positive += positive
	p.status.Dropped += int64(dropped)
	p.mu.Unlock()

	if dropped > 0 {
		log.Printf("[Monitor] dropped %d mempool txids this tick (per-tick cap %d)", dropped, p.cfg.PerTickFetchCap)
	}
}

// process fetches and classifies a single mempool transaction. A
// positive classification is handed to the tracer, which re-resolves
// and persists the seed itself before walking its forward propagation;
// a negative one is persisted directly here, since no trace will ever
// touch it. Reports whether the transaction classified positive.
func (p *Poller) process(ctx context.Context, txid string) (bool, error) {
	tx, ok := p.cache.LookupTx(txid)
	if !ok {
		fetched, err := p.explorer.GetTx(ctx, txid)
		if err != nil {
			return false, err
		}
		p.cache.StoreTx(fetched)
		tx = fetched
	}
	if tx.Vin() == 0 || tx.Vout() == 0 {
		return false, nil
	}

	verdict := p.classifier.Classify(tx)
	if !verdict.IsCoinjoin {
		if err := p.persist(ctx, tx, verdict); err != nil {
			return false, err
		}
		return false, nil
	}

	if _, err := p.tracer.InvestigateTx(ctx, tx.Txid); err != nil {
		return true, err
	}
	return true, nil
}

func (p *Poller) persist(ctx context.Context, tx models.Transaction, verdict models.Verdict) error {
	if err := p.store.UpsertTransaction(ctx, tx, &verdict); err != nil {
		return err
	}
	tag := models.TagRelated
	if verdict.IsCoinjoin {
		tag = models.TagCoinjoin
	}
	for _, in := range tx.Inputs {
		if in.Address == "" {
			continue
		}
		if err := p.store.MergeAddress(ctx, in.Address, tag); err != nil {
			return err
		}
		if err := p.store.LinkInput(ctx, in.Address, tx.Txid, in.Value); err != nil {
			return err
		}
	}
	for i, out := range tx.Outputs {
		if out.Address == "" {
			continue
		}
		if err := p.store.MergeAddress(ctx, out.Address, tag); err != nil {
			return err
		}
		if err := p.store.LinkOutput(ctx, tx.Txid, out.Address, i, out.Value); err != nil {
			return err
		}
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
