package flow

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Cache tuning for the context resolver. Wallet state changes only when a
// step lands a transaction, so it tolerates a longer TTL than prices.
const (
	WalletCacheTTL  = 300 * time.Second
	WalletCacheSize = 100
	PriceCacheTTL   = 30 * time.Second
	PriceCacheSize  = 50
)

// BalanceSource reads on-chain balances for a wallet.
type BalanceSource interface {
	// WalletBalances returns the owner's lamport balance and token
	// balances keyed by mint.
	WalletBalances(ctx context.Context, owner string) (uint64, map[string]TokenBalance, error)
}

// PriceSource quotes a USD price for a mint. Sources are consulted in
// order; any error falls through to the next source.
type PriceSource interface {
	Name() string
	Price(ctx context.Context, mint string) (float64, error)
}

// StaticPriceSource quotes from a fixed table. It anchors the end of the
// price source chain so flows stay scoreable when live oracles are down.
type StaticPriceSource struct {
	prices map[string]float64
}

// NewStaticPriceSource returns the default fallback table covering the
// native token and the major stablecoins.
func NewStaticPriceSource() *StaticPriceSource {
	return &StaticPriceSource{
		prices: map[string]float64{
			NativeMint: 150.0,
			USDCMint:   1.0,
			USDTMint:   1.0,
		},
	}
}

// WithPrice adds or overrides a quote in the table.
func (s *StaticPriceSource) WithPrice(mint string, price float64) *StaticPriceSource {
	s.prices[mint] = price
	return s
}

// Name implements PriceSource.
func (s *StaticPriceSource) Name() string { return "static" }

// Price implements PriceSource.
func (s *StaticPriceSource) Price(_ context.Context, mint string) (float64, error) {
	price, ok := s.prices[mint]
	if !ok {
		return 0, fmt.Errorf("no static price for mint %s", mint)
	}
	return price, nil
}

// CacheStats reports hit counters for one resolver cache.
type CacheStats struct {
	// Hits counts lookups served from the cache
	Hits int64 `json:"hits"`

	// Misses counts lookups that had to re-resolve
	Misses int64 `json:"misses"`

	// Entries is the current number of live entries
	Entries int `json:"entries"`
}

// HitRate returns hits over total lookups, zero when nothing was looked up.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// ttlEntry is one cached value with its expiry.
type ttlEntry[T any] struct {
	key       string
	value     T
	expiresAt time.Time
}

// ttlCache is a TTL-bounded LRU. Reads refresh recency but never extend the
// TTL; an expired entry is evicted on access. Least-recently-used entries
// are evicted once the cache is full.
type ttlCache[T any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element
	hits     int64
	misses   int64

	// now is replaced in tests to step through TTL expiry
	now func() time.Time
}

func newTTLCache[T any](capacity int, ttl time.Duration) *ttlCache[T] {
	return &ttlCache[T]{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (c *ttlCache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	entry := elem.Value.(*ttlEntry[T])
	if c.now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		c.misses++
		return zero, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

func (c *ttlCache[T]) put(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*ttlEntry[T])
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}
	elem := c.order.PushFront(&ttlEntry[T]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = elem
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*ttlEntry[T]).key)
		}
	}
}

func (c *ttlCache[T]) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}
}

func (c *ttlCache[T]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

func (c *ttlCache[T]) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Entries: c.order.Len()}
}

// ContextResolver builds wallet contexts from a balance source and a price
// source chain, caching both so repeated resolutions inside a flow stay
// cheap. Flows re-resolve after every state-changing step, so cached wallet
// entries are invalidated explicitly through Refresh rather than waiting
// out the TTL.
type ContextResolver struct {
	balances    BalanceSource
	prices      []PriceSource
	walletCache *ttlCache[*WalletContext]
	priceCache  *ttlCache[float64]
	history     *OperationHistory
	logger      *slog.Logger
}

// NewContextResolver creates a resolver over the given balance source and
// price chain. With no sources, the static fallback table is used alone;
// callers composing live oracles should pass the static source last.
func NewContextResolver(balances BalanceSource, prices ...PriceSource) *ContextResolver {
	if len(prices) == 0 {
		prices = []PriceSource{NewStaticPriceSource()}
	}
	return &ContextResolver{
		balances:    balances,
		prices:      prices,
		walletCache: newTTLCache[*WalletContext](WalletCacheSize, WalletCacheTTL),
		priceCache:  newTTLCache[float64](PriceCacheSize, PriceCacheTTL),
		logger:      slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (r *ContextResolver) WithLogger(logger *slog.Logger) *ContextResolver {
	r.logger = logger
	return r
}

// WithHistory attaches the operation history consulted during parameter
// re-resolution.
func (r *ContextResolver) WithHistory(history *OperationHistory) *ContextResolver {
	r.history = history
	return r
}

// Resolve returns the owner's wallet context, from cache when fresh.
func (r *ContextResolver) Resolve(ctx context.Context, owner string) (*WalletContext, error) {
	if cached, ok := r.walletCache.get(owner); ok {
		return cached, nil
	}

	start := time.Now()
	lamports, tokens, err := r.balances.WalletBalances(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve wallet context for %s: %w", owner, err)
	}

	wc := NewWalletContext(owner)
	wc.SolBalance = lamports
	for mint, balance := range tokens {
		wc.TokenBalances[mint] = balance
	}

	r.resolvePrices(ctx, &wc)
	wc.CalculateTotalValue()
	r.walletCache.put(owner, &wc)

	r.logger.Debug("resolved wallet context",
		"owner", owner,
		"tokens", len(wc.TokenBalances),
		"total_value_usd", wc.TotalValueUSD,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &wc, nil
}

// resolvePrices looks up USD quotes for the native token and every held
// mint concurrently. Mints no source can quote are omitted from the price
// map so they drop out of the portfolio valuation.
func (r *ContextResolver) resolvePrices(ctx context.Context, wc *WalletContext) {
	mints := make([]string, 0, len(wc.TokenBalances)+1)
	mints = append(mints, NativeMint)
	for mint := range wc.TokenBalances {
		if mint != NativeMint {
			mints = append(mints, mint)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, mint := range mints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			price, ok := r.lookupPrice(ctx, mint)
			if !ok {
				return
			}
			mu.Lock()
			wc.TokenPrices[mint] = price
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func (r *ContextResolver) lookupPrice(ctx context.Context, mint string) (float64, bool) {
	if price, ok := r.priceCache.get(mint); ok {
		return price, true
	}
	for _, src := range r.prices {
		price, err := src.Price(ctx, mint)
		if err != nil {
			r.logger.Debug("price source miss",
				"source", src.Name(),
				"mint", mint,
				"error", err.Error(),
			)
			continue
		}
		r.priceCache.put(mint, price)
		return price, true
	}
	return 0, false
}

// TokenPrice returns the USD quote for a mint through the cache and source
// chain. ok is false when no source can quote the mint.
func (r *ContextResolver) TokenPrice(ctx context.Context, mint string) (float64, bool) {
	return r.lookupPrice(ctx, mint)
}

// Refresh drops the owner's cached context and re-resolves. Controllers
// call this after every step that lands a transaction.
func (r *ContextResolver) Refresh(ctx context.Context, owner string) (*WalletContext, error) {
	r.walletCache.invalidate(owner)
	return r.Resolve(ctx, owner)
}

// Invalidate drops the owner's cached context without re-resolving.
func (r *ContextResolver) Invalidate(owner string) {
	r.walletCache.invalidate(owner)
}

// InvalidateAll clears both caches.
func (r *ContextResolver) InvalidateAll() {
	r.walletCache.purge()
	r.priceCache.purge()
}

// SelectParam returns the first candidate value for a step parameter that
// no prior attempt has already failed with.
func (r *ContextResolver) SelectParam(stepID, param string, candidates []string) (string, bool) {
	for _, candidate := range candidates {
		if r.history != nil && r.history.IsRejected(stepID, param, candidate) {
			continue
		}
		return candidate, true
	}
	return "", false
}

// Stats returns hit counters for the wallet and price caches.
func (r *ContextResolver) Stats() (wallet CacheStats, price CacheStats) {
	return r.walletCache.stats(), r.priceCache.stats()
}

// HitRate returns the combined hit rate across both caches, reported in
// flow metrics.
func (r *ContextResolver) HitRate() float64 {
	wallet, price := r.walletCache.stats(), r.priceCache.stats()
	return CacheStats{
		Hits:   wallet.Hits + price.Hits,
		Misses: wallet.Misses + price.Misses,
	}.HitRate()
}
