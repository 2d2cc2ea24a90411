// Package pricefeed supplies USD spot prices for the supported assets. The
// production implementation polls CoinGecko and keeps the last good snapshot
// in Redis so a restarted process can quote prices before its first poll
// completes.
package pricefeed

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/ghaph/auto-middleman/internal/domain"
)

// Feed is the price capability consumed by the ledger.
type Feed interface {
	// Price returns the current USD price, or false while unavailable.
	Price(crypto domain.CryptoType) (decimal.Decimal, bool)
	// Ready reports whether at least one complete snapshot has been seen.
	Ready() bool
}

// Static is a fixed-price feed for tests.
type Static struct {
	mu     sync.RWMutex
	prices map[domain.CryptoType]decimal.Decimal
}

// NewStatic creates a feed that always serves the given prices.
func NewStatic(prices map[domain.CryptoType]decimal.Decimal) *Static {
	copied := make(map[domain.CryptoType]decimal.Decimal, len(prices))
	for k, v := range prices {
		copied[k] = v
	}
	return &Static{prices: copied}
}

func (s *Static) Price(crypto domain.CryptoType) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[crypto]
	if !ok || price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}
	return price, true
}

func (s *Static) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prices) > 0
}

// Set overrides one price; test helper.
func (s *Static) Set(crypto domain.CryptoType, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[crypto] = price
}
