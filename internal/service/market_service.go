package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/infinitefield/hypersdk/internal/domain"
)

// MarketService caches perp and spot market metadata by name.
type MarketService struct {
	source domain.MarketSource

	mu      sync.RWMutex
	markets map[string]domain.Market
}

// NewMarketService creates an empty cache over source. Call Refresh to fill it.
func NewMarketService(source domain.MarketSource) *MarketService {
	return &MarketService{
		source:  source,
		markets: make(map[string]domain.Market),
	}
}

// Refresh reloads perps and spot markets concurrently. The cache is only
// replaced when both lists load.
func (s *MarketService) Refresh(ctx context.Context) error {
	var (
		wg          conc.WaitGroup
		perps, spot []domain.Market
		perpErr     error
		spotErr     error
	)
	wg.Go(func() { perps, perpErr = s.source.Perps(ctx) })
	wg.Go(func() { spot, spotErr = s.source.SpotMarkets(ctx) })
	wg.Wait()

	if err := multierr.Combine(perpErr, spotErr); err != nil {
		return fmt.Errorf("refresh markets: %w", err)
	}

	next := make(map[string]domain.Market, len(perps)+len(spot))
	for _, m := range perps {
		next[strings.ToUpper(m.Name)] = m
	}
	for _, m := range spot {
		next[strings.ToUpper(m.Name)] = m
	}

	s.mu.Lock()
	s.markets = next
	s.mu.Unlock()
	return nil
}

// GetAllData returns every cached market sorted by asset index.
func (s *MarketService) GetAllData() []domain.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Market, 0, len(s.markets))
	for _, m := range s.markets {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Index < result[j].Index
	})
	return result
}

// GetData looks a market up by name, case-insensitively.
func (s *MarketService) GetData(name string) (domain.Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[strings.ToUpper(name)]
	return m, ok
}

// Quote rounds px and sz to what the named market accepts.
func (s *MarketService) Quote(name string, px, sz decimal.Decimal) (domain.Market, decimal.Decimal, decimal.Decimal, error) {
	m, ok := s.GetData(name)
	if !ok {
		return domain.Market{}, decimal.Zero, decimal.Zero, fmt.Errorf("unknown market %q", name)
	}
	return m, m.RoundPrice(px), m.RoundSize(sz), nil
}
