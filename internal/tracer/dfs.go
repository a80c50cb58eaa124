// Package tracer walks the outputs-are-spent-by graph forward from a
// seed transaction (or address), building a bounded investigation tree
// subject to a multi-dimensional stopping policy. The walk is an
// explicit stack, not recursion, so every stopping-condition check
// lives in one place — the same shape the engine's historical
// hop-based flow-graph builder used, generalized here from an
// address-flow walk into a true DFS over the transaction graph.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rawblock/coinjoin-tracer/internal/cache"
	"github.com/rawblock/coinjoin-tracer/internal/config"
	"github.com/rawblock/coinjoin-tracer/internal/explorer"
	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

// ErrUpstreamUnavailable is returned when the seed transaction cannot
// be fetched at all; no partial tree is persisted in that case.
var ErrUpstreamUnavailable = errors.New("tracer: upstream unavailable")

// Classifier is the C6 capability the tracer depends on.
type Classifier interface {
	Classify(tx models.Transaction) models.Verdict
}

// GraphWriter is the C3 capability the tracer depends on, expressed as
// an interface so tests can substitute an in-memory double instead of
// a live Postgres pool.
type GraphWriter interface {
	UpsertTransaction(ctx context.Context, tx models.Transaction, verdict *models.Verdict) error
	MergeAddress(ctx context.Context, address, tag string) error
	LinkInput(ctx context.Context, address, txid string, value int64) error
	LinkOutput(ctx context.Context, txid, address string, vout int, value int64) error
	LinkRelated(ctx context.Context, address, txid string) error
}

// Tracer is the C7 DFS engine.
type Tracer struct {
	explorer   explorer.Client
	cache      *cache.Cache
	classifier Classifier
	store      GraphWriter
	cfg        config.TracerConfig
}

// New builds a Tracer from its collaborators and tunables.
func New(explorerClient explorer.Client, txCache *cache.Cache, classifier Classifier, store GraphWriter, cfg config.TracerConfig) *Tracer {
	return &Tracer{explorer: explorerClient, cache: txCache, classifier: classifier, store: store, cfg: cfg}
}

// treeNode is the internal, pointer-based working representation of an
// investigation tree. It is converted to the exported, value-based
// models.InvestigationNode once the run completes.
type treeNode struct {
	tx          models.Transaction
	verdict     models.Verdict
	depth       int
	children    []*treeNode
	isReference bool
	leafReason  string
}

func (n *treeNode) toModel() models.InvestigationNode {
	out := models.InvestigationNode{
		Tx:          n.tx,
		Verdict:     n.verdict,
		Depth:       n.depth,
		IsReference: n.isReference,
		LeafReason:  n.leafReason,
	}
	for _, c := range n.children {
		out.Children = append(out.Children, c.toModel())
	}
	return out
}

// frame is a unit of pending DFS work: a node already in the tree whose
// children have not yet been resolved.
type frame struct {
	node   *treeNode
	streak int // consecutive non-CoinJoin classifications on this path
}

// runState is the per-run bookkeeping shared by tx-seed and
// address-seed investigations. In address mode each virtual root is
// expanded in turn, in the order the explorer returned it.
type runState struct {
	cfg           config.TracerConfig
	deadline      time.Time
	start         time.Time
	visited       map[string]bool
	totalNodes    int
	lastReason    string
	depthLimited  bool
	lastStreak    int
}

// InvestigateTx runs the DFS starting from a single seed transaction.
func (t *Tracer) InvestigateTx(ctx context.Context, seedTxid string) (*models.InvestigationTree, error) {
	tx, err := t.fetchTx(ctx, seedTxid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	verdict := t.classifier.Classify(tx)
	if err := t.persist(ctx, tx, verdict); err != nil {
		log.Printf("[Tracer] failed to persist seed %s: %v", seedTxid, err)
	}

	root := &treeNode{tx: tx, verdict: verdict, depth: 0}
	state := &runState{
		cfg:      t.cfg,
		start:    time.Now(),
		visited:  map[string]bool{tx.Txid: true},
	}
	state.deadline = state.start.Add(t.cfg.MaxWallClock)
	state.totalNodes = 1

	rootExpandable := t.expandFrame(ctx, state, &frame{node: root, streak: 0})

	reason := state.lastReason
	if reason == "" {
		switch {
		case ctxOrWallClockExceeded(state):
			reason = models.TermWallClock
		case state.totalNodes >= t.cfg.MaxTotalNodes:
			reason = models.TermTotalNodes
		case state.depthLimited:
			reason = models.TermDepth
		case !rootExpandable:
			reason = models.TermExhausted
		default:
			reason = models.TermStackEmpty
		}
	}

	tree := &models.InvestigationTree{
		Root: root.toModel(),
		Metadata: models.InvestigationMetadata{
			Root:              seedTxid,
			DepthReached:      maxDepthOf(root),
			NodeCount:         state.totalNodes,
			ConsecutiveNonCJ:  state.lastStreak,
			Duration:          time.Since(state.start),
			TerminationReason: reason,
		},
	}
	return tree, nil
}

// InvestigateAddress runs the DFS from an address seed: its recent
// transactions (bounded by MaxTxsPerAddress) become virtual roots at
// depth 1 under a synthetic, tx-less root node representing the
// address itself.
func (t *Tracer) InvestigateAddress(ctx context.Context, address string) (*models.InvestigationTree, error) {
	txids, err := t.fetchAddressTxs(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if len(txids) > t.cfg.MaxTxsPerAddress {
		txids = txids[:t.cfg.MaxTxsPerAddress]
	}

	root := &treeNode{tx: models.Transaction{Txid: address}, depth: 0}
	state := &runState{
		cfg:     t.cfg,
		start:   time.Now(),
		visited: map[string]bool{},
	}
	state.deadline = state.start.Add(t.cfg.MaxWallClock)

	anyExpandable := false
	for _, txid := range txids {
		if state.totalNodes >= t.cfg.MaxTotalNodes || ctxOrWallClockExceeded(state) {
			break
		}
		if state.visited[txid] {
			root.children = append(root.children, &treeNode{tx: models.Transaction{Txid: txid}, depth: 1, isReference: true})
			continue
		}
		tx, err := t.fetchTx(ctx, txid)
		if err != nil {
			root.children = append(root.children, &treeNode{tx: models.Transaction{Txid: txid}, depth: 1, leafReason: leafReasonFor(err)})
			continue
		}
		verdict := t.classifier.Classify(tx)
		if err := t.persist(ctx, tx, verdict); err != nil {
			log.Printf("[Tracer] failed to persist %s: %v", txid, err)
		}
		if err := t.store.LinkRelated(ctx, address, txid); err != nil {
			log.Printf("[Tracer] failed to link seed address %s to %s: %v", address, txid, err)
		}
		child := &treeNode{tx: tx, verdict: verdict, depth: 1}
		state.visited[txid] = true
		state.totalNodes++
		root.children = append(root.children, child)

		streak := 0
		if !verdict.IsCoinjoin {
			streak = 1
		}
		if t.expandFrame(ctx, state, &frame{node: child, streak: streak}) {
			anyExpandable = true
		}
	}

	reason := state.lastReason
	if reason == "" {
		switch {
		case ctxOrWallClockExceeded(state):
			reason = models.TermWallClock
		case state.totalNodes >= t.cfg.MaxTotalNodes:
			reason = models.TermTotalNodes
		case state.depthLimited:
			reason = models.TermDepth
		case !anyExpandable:
			reason = models.TermExhausted
		default:
			reason = models.TermStackEmpty
		}
	}

	tree := &models.InvestigationTree{
		Root: root.toModel(),
		Metadata: models.InvestigationMetadata{
			Root:              address,
			DepthReached:      maxDepthOf(root),
			NodeCount:         state.totalNodes,
			ConsecutiveNonCJ:  state.lastStreak,
			Duration:          time.Since(state.start),
			TerminationReason: reason,
		},
	}
	return tree, nil
}

// expandFrame resolves f's children (if any stopping condition does not
// block expansion), recursing depth-first via an explicit work stack
// local to this call. It returns whether the node had any candidate
// children to consider at all (used to distinguish "exhausted" from
// "stack empty").
func (t *Tracer) expandFrame(ctx context.Context, state *runState, root *frame) bool {
	stack := []*frame{root}
	rootHadCandidates := false
	first := true

	for len(stack) > 0 {
		if ctxOrWallClockExceeded(state) {
			state.lastReason = models.TermWallClock
			return rootHadCandidates
		}
		if state.totalNodes >= state.cfg.MaxTotalNodes {
			state.lastReason = models.TermTotalNodes
			return rootHadCandidates
		}

		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.node.depth >= state.cfg.MaxDepth {
			state.depthLimited = true
			state.lastReason = models.TermDepth
			continue
		}
		if f.streak >= state.cfg.NonCoinjoinStreakCap {
			if state.lastReason != models.TermDepth {
				state.lastReason = models.TermNonCoinjoin
			}
			state.lastStreak = f.streak
			continue
		}

		candidates := t.candidateChildren(ctx, f.node)
		if first {
			rootHadCandidates = len(candidates) > 0
			first = false
		}
		if len(candidates) == 0 {
			continue
		}

		selected := t.selectBranches(candidates)
		for _, cand := range selected {
			if state.visited[cand.tx.Txid] {
				f.node.children = append(f.node.children, &treeNode{
					tx:          models.Transaction{Txid: cand.tx.Txid},
					depth:       f.node.depth + 1,
					isReference: true,
				})
				continue
			}

			state.visited[cand.tx.Txid] = true
			state.totalNodes++

			child := &treeNode{tx: cand.tx, verdict: cand.verdict, depth: f.node.depth + 1}
			f.node.children = append(f.node.children, child)

			if err := t.persist(ctx, cand.tx, cand.verdict); err != nil {
				log.Printf("[Tracer] failed to persist %s: %v", cand.tx.Txid, err)
			}

			childStreak := 0
			if !cand.verdict.IsCoinjoin {
				childStreak = f.streak + 1
			}
			stack = append(stack, &frame{node: child, streak: childStreak})
		}
	}

	return rootHadCandidates
}

// candidate is a child transaction resolved and preliminarily
// classified, ready for branch selection.
type candidate struct {
	tx      models.Transaction
	verdict models.Verdict
}

// candidateChildren resolves up to MaxOutputsPerTx spending
// transactions for node's outputs, concurrently, bounded by the
// tracer's child-worker pool, and classifies each one so branch
// selection can order by preliminary verdict. Each resolved spending
// txid is recorded as SpentBy on node's own copy of its outputs.
func (t *Tracer) candidateChildren(ctx context.Context, node *treeNode) []candidate {
	outputs := node.tx.Outputs
	if len(outputs) > t.cfg.MaxOutputsPerTx {
		outputs = outputs[:t.cfg.MaxOutputsPerTx]
	}

	results := make([]*candidate, len(outputs))
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(maxInt(1, t.cfg.ChildWorkerPoolSize)))

	for i := range outputs {
		i := i
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			spendingTxid, err := t.explorer.GetSpendingTx(gctx, node.tx.Txid, uint32(i))
			if err != nil {
				return nil // unspent or unavailable: no candidate from this output
			}

			tx, err := t.fetchTx(gctx, spendingTxid)
			if err != nil {
				return nil
			}
			verdict := t.classifier.Classify(tx)
			results[i] = &candidate{tx: tx, verdict: verdict}
			return nil
		})
	}
	_ = g.Wait()

	// Copy before writing SpentBy so the cached transaction is untouched.
	withSpentBy := append([]models.TxOut(nil), node.tx.Outputs...)
	out := make([]candidate, 0, len(results))
	for i, r := range results {
		if r != nil {
			withSpentBy[i].SpentBy = r.tx.Txid
			out = append(out, *r)
		}
	}
	node.tx.Outputs = withSpentBy
	return out
}

// selectBranches applies the branch-selection ordering: positive
// preliminary classification first, then higher heuristic score,
// ties broken by ascending txid; then truncates to MaxBranchesPerNode.
func (t *Tracer) selectBranches(candidates []candidate) []candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.verdict.IsCoinjoin != b.verdict.IsCoinjoin {
			return a.verdict.IsCoinjoin
		}
		if a.verdict.Score != b.verdict.Score {
			return a.verdict.Score > b.verdict.Score
		}
		return a.tx.Txid < b.tx.Txid
	})
	if len(candidates) > t.cfg.MaxBranchesPerNode {
		candidates = candidates[:t.cfg.MaxBranchesPerNode]
	}
	return candidates
}

func (t *Tracer) fetchTx(ctx context.Context, txid string) (models.Transaction, error) {
	if tx, ok := t.cache.LookupTx(txid); ok {
		return tx, nil
	}
	tx, err := t.explorer.GetTx(ctx, txid)
	if err != nil {
		return models.Transaction{}, err
	}
	t.cache.StoreTx(tx)
	return tx, nil
}

// fetchAddressTxs resolves the first page of an address's transaction
// history, checking the address-page cache before hitting the explorer.
func (t *Tracer) fetchAddressTxs(ctx context.Context, address string) ([]string, error) {
	if page, ok := t.cache.LookupAddressPage(address, ""); ok {
		return page.Txids, nil
	}
	txids, nextCursor, err := t.explorer.GetAddressTxs(ctx, address, "")
	if err != nil {
		return nil, err
	}
	t.cache.StoreAddressPage(address, "", cache.AddressPage{Txids: txids, NextCursor: nextCursor})
	return txids, nil
}

// persist writes the transaction node, its address nodes (monotonically
// tagged), and the input_to/output_to edges to the graph store.
func (t *Tracer) persist(ctx context.Context, tx models.Transaction, verdict models.Verdict) error {
	if err := t.store.UpsertTransaction(ctx, tx, &verdict); err != nil {
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
		if err := t.store.MergeAddress(ctx, in.Address, tag); err != nil {
			return err
		}
		if err := t.store.LinkInput(ctx, in.Address, tx.Txid, in.Value); err != nil {
			return err
		}
	}
	for i, out := range tx.Outputs {
		if out.Address == "" {
			continue
		}
		if err := t.store.MergeAddress(ctx, out.Address, tag); err != nil {
			return err
		}
		if err := t.store.LinkOutput(ctx, tx.Txid, out.Address, i, out.Value); err != nil {
			return err
		}
	}
	return nil
}

func leafReasonFor(err error) string {
	switch {
	case errors.Is(err, explorer.ErrNotFound):
		return "not_found"
	case errors.Is(err, explorer.ErrMalformed):
		return "malformed"
	default:
		return "unavailable"
	}
}

func ctxOrWallClockExceeded(state *runState) bool {
	return time.Now().After(state.deadline)
}

func maxDepthOf(n *treeNode) int {
	deepest := n.depth
	for _, c := range n.children {
		if d := maxDepthOf(c); d > deepest {
			deepest = d
		}
	}
	return deepest
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
