// Package explorer talks to an external HTTP block-explorer REST API:
// mempool txid listing, transaction lookup, address history, and
// spending-tx resolution. It hand-builds requests with the standard
// net/http client, the way the engine has always reached external
// Bitcoin infrastructure, rather than pulling in a generated API client.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/rawblock/coinjoin-tracer/internal/config"
	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

// Sentinel errors per the engine's external-interface error taxonomy.
var (
	ErrRateLimited = errors.New("explorer: rate limited")
	ErrUnavailable = errors.New("explorer: unavailable")
	ErrMalformed   = errors.New("explorer: malformed response")
	ErrNotFound    = errors.New("explorer: not found")
	ErrUnspent     = errors.New("explorer: output unspent")
)

// Client is the interface the rest of the engine depends on, so tests
// and alternate explorer backends can substitute a fake.
type Client interface {
	GetMempoolTxids(ctx context.Context) ([]string, error)
	GetTx(ctx context.Context, txid string) (models.Transaction, error)
	GetAddressTxs(ctx context.Context, addr, cursor string) (txids []string, nextCursor string, err error)
	GetSpendingTx(ctx context.Context, txid string, vout uint32) (spendingTxid string, err error)
}

// httpClient is the default Client backed by net/http.
type httpClient struct {
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	inflight   *semaphore.Weighted
	maxRetries int
	retryBase  time.Duration
}

// New builds a Client from ExplorerConfig.
func New(cfg config.ExplorerConfig) Client {
	return &httpClient{
		baseURL:    cfg.BaseURL,
		http:       &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		inflight:   semaphore.NewWeighted(cfg.MaxInFlight),
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBaseBackoff,
	}
}

func (c *httpClient) GetMempoolTxids(ctx context.Context) ([]string, error) {
	var out []string
	err := c.getJSON(ctx, "/mempool/txids", &out)
	return out, err
}

// explorerTx mirrors the explorer's wire representation of a
// transaction; it is decoded then mapped into models.Transaction. Each
// vin carries its resolved previous output nested under prevout, and
// each vout carries its own address directly, matching the
// block-explorer's documented /tx/{txid} response.
type explorerTx struct {
	Txid string `json:"txid"`
	Vin  []struct {
		Txid    string `json:"txid"`
		Vout    uint32 `json:"vout"`
		Prevout struct {
			Value               int64  `json:"value"`
			ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		Value               int64  `json:"value"`
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	} `json:"vout"`
	Fee  int64 `json:"fee"`
	Size int   `json:"size"`
}

func (c *httpClient) GetTx(ctx context.Context, txid string) (models.Transaction, error) {
	var raw explorerTx
	if err := c.getJSON(ctx, "/tx/"+txid, &raw); err != nil {
		return models.Transaction{}, err
	}

	tx := models.Transaction{
		Txid: raw.Txid,
		Fee:  raw.Fee,
		Size: raw.Size,
	}
	for _, in := range raw.Vin {
		tx.Inputs = append(tx.Inputs, models.TxIn{
			PrevTxid: in.Txid,
			PrevVout: in.Vout,
			Address:  in.Prevout.ScriptPubKeyAddress,
			Value:    in.Prevout.Value,
		})
	}
	for _, out := range raw.Vout {
		tx.Outputs = append(tx.Outputs, models.TxOut{
			Address: out.ScriptPubKeyAddress,
			Value:   out.Value,
		})
	}
	return tx, nil
}

// addressTxEntry is a single entry of the paged address-history
// response; the explorer returns full tx summaries but the client only
// needs the txid out of each.
type addressTxEntry struct {
	Txid string `json:"txid"`
}

// GetAddressTxs pages by last-seen-txid path segment, not a query-
// string cursor: the explorer's chain endpoint returns the next page
// of a confirmed address's history starting after the given txid. The
// next cursor a caller should pass back in is the last txid in the
// returned page.
func (c *httpClient) GetAddressTxs(ctx context.Context, addr, cursor string) ([]string, string, error) {
	path := "/address/" + addr + "/txs/chain"
	if cursor != "" {
		path += "/" + cursor
	}
	var out []addressTxEntry
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, "", err
	}
	txids := make([]string, len(out))
	for i, entry := range out {
		txids[i] = entry.Txid
	}
	nextCursor := ""
	if len(txids) > 0 {
		nextCursor = txids[len(txids)-1]
	}
	return txids, nextCursor, nil
}

type spendingTxResponse struct {
	Spent bool   `json:"spent"`
	Txid  string `json:"txid"`
}

func (c *httpClient) GetSpendingTx(ctx context.Context, txid string, vout uint32) (string, error) {
	var out spendingTxResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/tx/%s/outspend/%d", txid, vout), &out); err != nil {
		return "", err
	}
	if !out.Spent {
		return "", ErrUnspent
	}
	return out.Txid, nil
}

// getJSON performs a rate-limited, concurrency-capped, retried GET and
// decodes the JSON body into v. Malformed bodies are returned
// immediately without retry — retrying will not fix a decode error.
func (c *httpClient) getJSON(ctx context.Context, path string, v interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("explorer: rate limiter wait: %w", err)
	}
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("explorer: acquire inflight slot: %w", err)
	}
	defer c.inflight.Release(1)

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("explorer: build request: %w", err))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("explorer: unexpected status %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.retryBase)),
		uint64(c.maxRetries),
	)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		log.Printf("[Explorer] malformed response for %s: %v", path, err)
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
