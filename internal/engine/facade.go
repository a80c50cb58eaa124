// Package engine is the on-demand investigation facade: it accepts
// investigate_tx/investigate_address requests, enforces a per-process
// concurrency cap, and delegates to the DFS tracer. Grounded on the
// engine's historical InvestigationManager case registry, generalized
// from persistent, named cases to one-shot per-request investigations
// with no stored state beyond the returned tree.
package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

// ErrBusy is returned when the facade is configured to reject rather
// than wait and the concurrency cap is already saturated.
var ErrBusy = errors.New("engine: busy")

// Tracer is the C7 capability the facade depends on.
type Tracer interface {
	InvestigateTx(ctx context.Context, seedTxid string) (*models.InvestigationTree, error)
	InvestigateAddress(ctx context.Context, address string) (*models.InvestigationTree, error)
}

// Option carries the per-request fields of an investigation request.
// The facade does not pass them on: every investigation runs with the
// tracer's globally-configured TracerConfig.
type Option struct {
	MaxDepth int // accepted from the request; not applied to the trace
}

// Facade is the C9 coordinator.
type Facade struct {
	tracer     Tracer
	sem        *semaphore.Weighted
	rejectBusy bool
	inFlight   atomic.Int64
}

// New builds a Facade. maxConcurrent bounds the number of investigations
// running at once; rejectBusy selects between blocking callers past the
// cap (false) and returning ErrBusy immediately (true).
func New(tracer Tracer, maxConcurrent int, rejectBusy bool) *Facade {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Facade{
		tracer:     tracer,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		rejectBusy: rejectBusy,
	}
}

// InvestigateTx runs a tx-seeded investigation, honoring the facade's
// concurrency cap. opt is ignored: the tracer always uses its
// globally-configured MaxDepth, whatever opt.MaxDepth holds.
func (f *Facade) InvestigateTx(ctx context.Context, txid string, opt Option) (*models.InvestigationTree, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()
	return f.tracer.InvestigateTx(ctx, txid)
}

// InvestigateAddress runs an address-seeded investigation, honoring the
// facade's concurrency cap.
func (f *Facade) InvestigateAddress(ctx context.Context, address string, opt Option) (*models.InvestigationTree, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()
	return f.tracer.InvestigateAddress(ctx, address)
}

// InFlight reports how many investigations are currently running, for
// /statistics reporting.
func (f *Facade) InFlight() int64 {
	return f.inFlight.Load()
}

func (f *Facade) acquire(ctx context.Context) error {
	if f.rejectBusy {
		if !f.sem.TryAcquire(1) {
			return ErrBusy
		}
		f.inFlight.Add(1)
		return nil
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	f.inFlight.Add(1)
	return nil
}

func (f *Facade) release() {
	f.inFlight.Add(-1)
	f.sem.Release(1)
}
