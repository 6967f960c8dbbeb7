package book

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(bid, ask float64) Book {
	return Book{
		Bids:      []Level{{Price: bid, Quantity: 1}},
		Asks:      []Level{{Price: ask, Quantity: 1}},
		Timestamp: time.Now().UTC(),
	}
}

func TestPutAssignsMonotonicVersions(t *testing.T) {
	cache := NewCache()
	key := Key{Exchange: "binance", Symbol: "BTCUSDT"}

	var last uint64
	for i := 0; i < 100; i++ {
		v := cache.Put(key, snapshot(100, 101))
		assert.Greater(t, v, last, "version must strictly increase")
		last = v
	}

	got, ok := cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, uint64(100), got.Version)
}

func TestVersionsIndependentPerKey(t *testing.T) {
	cache := NewCache()
	a := Key{Exchange: "binance", Symbol: "BTCUSDT"}
	b := Key{Exchange: "kraken", Symbol: "XBT/USD"}

	cache.Put(a, snapshot(100, 101))
	cache.Put(a, snapshot(100, 101))
	cache.Put(b, snapshot(50, 51))

	assert.Equal(t, uint64(2), cache.Version(a))
	assert.Equal(t, uint64(1), cache.Version(b))
}

func TestGetMissingKey(t *testing.T) {
	cache := NewCache()
	_, ok := cache.Get(Key{Exchange: "okx", Symbol: "BTC-USDT"})
	assert.False(t, ok)
}

func TestPutTruncatesToMaxDepth(t *testing.T) {
	cache := NewCache()
	key := Key{Exchange: "binance", Symbol: "ETHUSDT"}

	b := Book{}
	for i := 0; i < 25; i++ {
		b.Bids = append(b.Bids, Level{Price: float64(100 - i), Quantity: 1})
		b.Asks = append(b.Asks, Level{Price: float64(101 + i), Quantity: 1})
	}
	cache.Put(key, b)

	got, ok := cache.Get(key)
	require.True(t, ok)
	assert.Len(t, got.Bids, MaxDepth)
	assert.Len(t, got.Asks, MaxDepth)
	assert.Equal(t, 100.0, got.Bids[0].Price)
	assert.Equal(t, 101.0, got.Asks[0].Price)
}

func TestWatchDeliversEveryCommit(t *testing.T) {
	cache := NewCache()
	key := Key{Exchange: "binance", Symbol: "BTCUSDT"}

	w := cache.Watch(key)
	defer w.Cancel()

	cache.Put(key, snapshot(100, 101))

	select {
	case got := <-w.C:
		assert.Equal(t, uint64(1), got.Version)
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive snapshot")
	}
}

func TestSlowWatcherSeesLatestVersion(t *testing.T) {
	cache := NewCache()
	key := Key{Exchange: "kraken", Symbol: "XBT/USD"}

	w := cache.Watch(key)
	defer w.Cancel()

	// Watcher never drains while 50 versions are committed.
	for i := 0; i < 50; i++ {
		cache.Put(key, snapshot(100, 101))
	}

	got := <-w.C
	assert.Equal(t, uint64(50), got.Version, "pending snapshot must be the newest")
}

func TestWatcherVersionsNeverReorder(t *testing.T) {
	cache := NewCache()
	key := Key{Exchange: "okx", Symbol: "BTC-USDT"}

	w := cache.Watch(key)
	defer w.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			cache.Put(key, snapshot(100, 101))
		}
	}()

	var last uint64
	for {
		select {
		case b := <-w.C:
			assert.Greater(t, b.Version, last)
			last = b.Version
		case <-done:
			// Drain whatever is still pending.
			select {
			case b := <-w.C:
				assert.Greater(t, b.Version, last)
				last = b.Version
			default:
			}
			assert.Equal(t, uint64(500), last)
			return
		}
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	cache := NewCache()
	key := Key{Exchange: "binance", Symbol: "BTCUSDT"}

	w := cache.Watch(key)
	w.Cancel()
	w.Cancel()

	// No watchers left: a put must not block or panic.
	cache.Put(key, snapshot(100, 101))
}

func TestConcurrentPutsSingleKey(t *testing.T) {
	cache := NewCache()
	key := Key{Exchange: "coinbase_pro", Symbol: "BTC-USD"}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				cache.Put(key, snapshot(100, 101))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(8*200), cache.Version(key))
}
