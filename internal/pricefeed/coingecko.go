package pricefeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ghaph/auto-middleman/internal/domain"
)

const (
	defaultEndpoint = "https://api.coingecko.com/api/v3/simple/price"
	snapshotKey     = "middleman:prices"
	snapshotTTL     = 24 * time.Hour
)

// CoinGecko polls the simple-price endpoint on a fixed interval. Fetch
// failures are logged and skipped; the previous snapshot keeps serving.
type CoinGecko struct {
	endpoint string
	interval time.Duration
	client   *http.Client
	cache    *redis.Client // optional snapshot cache
	logger   *zap.Logger

	mu     sync.RWMutex
	prices map[domain.CryptoType]decimal.Decimal
	ready  bool
}

// NewCoinGecko creates a poller. cache may be nil to disable warm starts.
func NewCoinGecko(interval time.Duration, cache *redis.Client, logger *zap.Logger) *CoinGecko {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CoinGecko{
		endpoint: defaultEndpoint,
		interval: interval,
		client:   &http.Client{Timeout: 15 * time.Second},
		cache:    cache,
		logger:   logger,
		prices:   make(map[domain.CryptoType]decimal.Decimal),
	}
}

// Run restores the cached snapshot, polls once immediately and then on every
// interval tick until ctx is cancelled.
func (c *CoinGecko) Run(ctx context.Context) {
	c.restoreSnapshot(ctx)
	c.poll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *CoinGecko) Price(crypto domain.CryptoType) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok := c.prices[crypto]
	if !ok || price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}
	return price, true
}

func (c *CoinGecko) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

func (c *CoinGecko) poll(ctx context.Context) {
	ids := make([]string, 0, len(domain.CryptoNames))
	for _, crypto := range domain.All() {
		ids = append(ids, strings.ToLower(domain.CryptoNames[crypto]))
	}

	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		c.logger.Error("build price request", zap.Error(err))
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("price fetch failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("price fetch non-200", zap.Int("status", resp.StatusCode))
		return
	}

	var payload map[string]struct {
		USD json.Number `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.logger.Warn("decode price response", zap.Error(err))
		return
	}

	updated := make(map[domain.CryptoType]decimal.Decimal)
	for _, crypto := range domain.All() {
		entry, ok := payload[strings.ToLower(domain.CryptoNames[crypto])]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(entry.USD.String())
		if err != nil || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		updated[crypto] = price
	}
	if len(updated) == 0 {
		c.logger.Warn("price response contained no usable prices")
		return
	}

	c.mu.Lock()
	for crypto, price := range updated {
		c.prices[crypto] = price
	}
	c.ready = true
	c.mu.Unlock()

	c.storeSnapshot(ctx, updated)
}

func (c *CoinGecko) restoreSnapshot(ctx context.Context) {
	if c.cache == nil {
		return
	}
	values, err := c.cache.HGetAll(ctx, snapshotKey).Result()
	if err != nil || len(values) == 0 {
		return
	}

	restored := 0
	c.mu.Lock()
	for key, value := range values {
		crypto := domain.CryptoType(key)
		if !crypto.Valid() {
			continue
		}
		price, err := decimal.NewFromString(value)
		if err != nil || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		c.prices[crypto] = price
		restored++
	}
	if restored > 0 {
		c.ready = true
	}
	c.mu.Unlock()

	if restored > 0 {
		c.logger.Info("restored price snapshot", zap.Int("assets", restored))
	}
}

func (c *CoinGecko) storeSnapshot(ctx context.Context, prices map[domain.CryptoType]decimal.Decimal) {
	if c.cache == nil {
		return
	}
	fields := make(map[string]any, len(prices))
	for crypto, price := range prices {
		fields[string(crypto)] = price.String()
	}
	if err := c.cache.HSet(ctx, snapshotKey, fields).Err(); err != nil {
		c.logger.Warn("store price snapshot", zap.Error(err))
		return
	}
	if err := c.cache.Expire(ctx, snapshotKey, snapshotTTL).Err(); err != nil {
		c.logger.Warn("expire price snapshot", zap.Error(err))
	}
}

var _ Feed = (*CoinGecko)(nil)
var _ Feed = (*Static)(nil)
