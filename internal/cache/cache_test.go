package cache

import (
	"testing"
	"time"

	"github.com/rawblock/coinjoin-tracer/internal/config"
	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

func testConfig() config.CacheConfig {
	return config.CacheConfig{
		TxCapacity:      4,
		TxTTL:           50 * time.Millisecond,
		AddressCapacity: 4,
		AddressTTL:      50 * time.Millisecond,
	}
}

func TestStoreAndLookupTx(t *testing.T) {
	c := New(testConfig())
	tx := models.Transaction{Txid: "abc", Fee: 500}
	c.StoreTx(tx)

	got, ok := c.LookupTx("abc")
	if !ok {
		t.Fatal("LookupTx(abc) miss, want hit")
	}
	if got.Fee != 500 {
		t.Errorf("LookupTx(abc).Fee = %d, want 500", got.Fee)
	}

	if _, ok := c.LookupTx("missing"); ok {
		t.Error("LookupTx(missing) hit, want miss")
	}
}

func TestTxExpiresAfterTTL(t *testing.T) {
	c := New(testConfig())
	c.StoreTx(models.Transaction{Txid: "abc"})
	time.Sleep(100 * time.Millisecond)

	if _, ok := c.LookupTx("abc"); ok {
		t.Error("LookupTx(abc) hit after TTL elapsed, want miss")
	}
}

func TestAddressPageRoundTrip(t *testing.T) {
	c := New(testConfig())
	page := AddressPage{Txids: []string{"t1", "t2"}, NextCursor: "cursor-2"}
	c.StoreAddressPage("addr1", "", page)

	got, ok := c.LookupAddressPage("addr1", "")
	if !ok {
		t.Fatal("LookupAddressPage miss, want hit")
	}
	if len(got.Txids) != 2 || got.NextCursor != "cursor-2" {
		t.Errorf("LookupAddressPage = %+v, want %+v", got, page)
	}

	if _, ok := c.LookupAddressPage("addr1", "other-cursor"); ok {
		t.Error("LookupAddressPage with different cursor hit, want miss (distinct key)")
	}
}

func TestClearEmptiesBothCaches(t *testing.T) {
	c := New(testConfig())
	c.StoreTx(models.Transaction{Txid: "abc"})
	c.StoreAddressPage("addr1", "", AddressPage{})

	c.Clear()

	status := c.Status()
	if status.TxCount != 0 || status.AddressPageCount != 0 {
		t.Errorf("Status() after Clear = %+v, want zero counts", status)
	}
}

func TestStatusReflectsSize(t *testing.T) {
	c := New(testConfig())
	c.StoreTx(models.Transaction{Txid: "a"})
	c.StoreTx(models.Transaction{Txid: "b"})

	status := c.Status()
	if status.TxCount != 2 {
		t.Errorf("Status().TxCount = %d, want 2", status.TxCount)
	}
}
