// Package cache holds two bounded, TTL-expiring caches in front of the
// block explorer: one for transaction bodies, one for address-history
// pages. Both evictions (size and age) are handled natively by the
// expirable LRU, so no separate sweep goroutine is needed.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rawblock/coinjoin-tracer/internal/config"
	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

// Cache fronts explorer lookups with bounded, expiring storage. A
// lookup is a simple hit/miss: the expirable LRU does not distinguish
// "evicted for age" from "never stored", and neither does this type.

type Cache struct {
	txs       *expirable.LRU[string, models.Transaction]
	addrPages *expirable.LRU[string, AddressPage]
}

// AddressPage is a single page of an address's transaction history, as
// cached verbatim from the explorer.
type AddressPage struct {
	Txids      []string
	NextCursor string
}

// New builds a Cache from CacheConfig.
func New(cfg config.CacheConfig) *Cache {
	return &Cache{
		txs:       expirable.NewLRU[string, models.Transaction](cfg.TxCapacity, nil, cfg.TxTTL),
		addrPages: expirable.NewLRU[string, AddressPage](cfg.AddressCapacity, nil, cfg.AddressTTL),
	}
}

// LookupTx returns a cached transaction and whether it was present.
func (c *Cache) LookupTx(txid string) (models.Transaction, bool) {
	return c.txs.Get(txid)
}

// StoreTx caches a fetched transaction.
func (c *Cache) StoreTx(tx models.Transaction) {
	c.txs.Add(tx.Txid, tx)
}

// addressPageKey composes the cache key for an address page so distinct
// cursors for the same address don't collide.
func addressPageKey(addr, cursor string) string {
	return addr + "\x00" + cursor
}

// LookupAddressPage returns a cached address-history page.
func (c *Cache) LookupAddressPage(addr, cursor string) (AddressPage, bool) {
	return c.addrPages.Get(addressPageKey(addr, cursor))
}

// StoreAddressPage caches a fetched address-history page.
func (c *Cache) StoreAddressPage(addr, cursor string, page AddressPage) {
	c.addrPages.Add(addressPageKey(addr, cursor), page)
}

// Status reports the current size of each underlying cache.
type Status struct {
	TxCount          int
	AddressPageCount int
}

// Status returns the engine-facing /cache/status snapshot.
func (c *Cache) Status() Status {
	return Status{
		TxCount:          c.txs.Len(),
		AddressPageCount: c.addrPages.Len(),
	}
}

// Clear empties both caches immediately. Maps to /cache/clear.
func (c *Cache) Clear() {
	c.txs.Purge()
	c.addrPages.Purge()
}

// Cleanup is a no-op beyond what the expirable LRU already does on
// every Get/Add; it exists so /cache/cleanup has a stable handle to
// call even though eviction is continuous rather than batched.
func (c *Cache) Cleanup() time.Duration {
	start := time.Now()
	// expirable.LRU sweeps lazily on access; there is nothing further
	// to force here, but the duration is reported for observability
	// parity with a cache implementation that would batch-sweep.
	return time.Since(start)
}
