// Package registry creates markets and updates their risk configuration.
// Both operations are admin-only.
package registry

import (
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/symbol"
)

var (
	ErrMarketAlreadyExists = errors.New("registry: market already exists")
	ErrInvalidConfig       = errors.New("registry: invalid market config")
)

// Ledger is the state the registry reads and stages.
type Ledger interface {
	Now() int64
	HasMarket(id string) bool
	Market(id string) (model.Market, error)
	PutMarket(m model.Market)
	Config(id string) (model.MarketConfig, error)
	PutConfig(c model.MarketConfig)
	Pool(id string) (model.PoolAmounts, error)
	PutPool(p model.PoolAmounts)
	PutTokens(t model.MarketTokenInfo)
	Emit(e model.Event)
}

// CreateMarket registers a market with its config, an empty pool whose
// funding clock starts now, and an empty share ledger.
func CreateMarket(l Ledger, authz auth.Authorizer, actor string, m model.Market, cfg model.MarketConfig) (model.Market, error) {
	if err := auth.RequireAdmin(authz, actor); err != nil {
		return model.Market{}, err
	}
	if err := symbol.ValidateMarketID(m.ID); err != nil {
		return model.Market{}, err
	}
	if m.MarketToken == "" {
		m.MarketToken = "GM-" + m.ID
	}
	for _, sym := range []string{m.MarketToken, m.IndexToken, m.LongToken, m.ShortToken} {
		if err := symbol.ValidateToken(sym); err != nil {
			return model.Market{}, err
		}
	}
	if l.HasMarket(m.ID) {
		return model.Market{}, fmt.Errorf("%w: %s", ErrMarketAlreadyExists, m.ID)
	}
	cfg.MarketID = m.ID
	if err := ValidateConfig(cfg); err != nil {
		return model.Market{}, err
	}

	now := l.Now()
	m.CreatedAt = now
	l.PutMarket(m)
	l.PutConfig(cfg)
	l.PutPool(model.NewPoolAmounts(m.ID, now))
	l.PutTokens(model.NewMarketTokenInfo(m.ID))
	l.Emit(model.Event{Type: model.EventMarketCreated, Market: m.ID, Account: actor})
	return m, nil
}

// SetMarketConfig replaces a market's config. Funding elapsed so far is
// accrued under the old config first.
func SetMarketConfig(l Ledger, authz auth.Authorizer, actor, marketID string, cfg model.MarketConfig) error {
	if err := auth.RequireAdmin(authz, actor); err != nil {
		return err
	}
	if _, err := l.Market(marketID); err != nil {
		return err
	}
	cfg.MarketID = marketID
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	prev, err := l.Config(marketID)
	if err != nil {
		return err
	}
	pool, err := l.Pool(marketID)
	if err != nil {
		return err
	}
	accrued, err := fees.AccruePool(pool, prev, l.Now())
	if err != nil {
		return err
	}
	l.PutPool(accrued)
	l.PutConfig(cfg)
	l.Emit(model.Event{Type: model.EventMarketConfigUpdated, Market: marketID, Account: actor})
	return nil
}

// ValidateConfig checks the bounds the engine relies on. Factors and
// exponents are not bounded here; exponents are clamped where used.
func ValidateConfig(cfg model.MarketConfig) error {
	switch {
	case cfg.MaxLeverage < 1:
		return fmt.Errorf("%w: max_leverage must be at least 1", ErrInvalidConfig)
	case cfg.LiquidationThresholdBps == 0 || cfg.LiquidationThresholdBps > uint32(fixed.BPS):
		return fmt.Errorf("%w: liquidation_threshold_bps must be in (0, 10000]", ErrInvalidConfig)
	case cfg.ReserveFactorBps > uint32(fixed.BPS):
		return fmt.Errorf("%w: reserve_factor_bps above 10000", ErrInvalidConfig)
	case cfg.TradingFeeBps > uint32(fixed.BPS):
		return fmt.Errorf("%w: trading_fee_bps above 10000", ErrInvalidConfig)
	case cfg.LiquidationFeeBps > uint32(fixed.BPS):
		return fmt.Errorf("%w: liquidation_fee_bps above 10000", ErrInvalidConfig)
	case cfg.MaxLongOI.IsNegative() || cfg.MaxShortOI.IsNegative():
		return fmt.Errorf("%w: open interest caps must not be negative", ErrInvalidConfig)
	case cfg.MinCollateralUSD.IsNegative():
		return fmt.Errorf("%w: min_collateral_usd must not be negative", ErrInvalidConfig)
	}
	return nil
}
