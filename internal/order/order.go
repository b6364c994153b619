// Package order implements the order lifecycle: market orders execute at
// once, limit and stop orders execute at once when their trigger already
// holds and are otherwise saved until a keeper executes them.
package order

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/pricing"
)

var (
	ErrOrderNotFound            = errors.New("order: not found")
	ErrOrderAlreadyProcessed    = errors.New("order: already processed")
	ErrOrderCannotBeExecutedYet = errors.New("order: trigger not met")
	ErrUnauthorized             = errors.New("order: not the order owner")
	ErrUnsupportedOrderType     = errors.New("order: unsupported order type")
	ErrInvalidOrderSize         = errors.New("order: size must be positive")
	ErrInvalidPrice             = errors.New("order: acceptable price must be positive")
	ErrInvalidTriggerPrice      = errors.New("order: trigger price must be positive")
	ErrInvalidCollateralAmount  = errors.New("order: increase requires collateral")
	ErrInvalidCollateralToken   = errors.New("order: collateral must be the market's long or short token")
	ErrInvalidExecutionFee      = errors.New("order: execution fee must not be negative")
	ErrPriceNotAcceptable       = errors.New("order: execution price outside acceptable bound")
)

// Ledger is the state the order machine reads and stages.
type Ledger interface {
	position.Ledger
	Market(id string) (model.Market, error)
	Order(key model.RequestKey) (model.Order, bool)
	PutOrder(o model.Order)
	NextRequestKey(account string) model.RequestKey
}

// Request carries the caller-supplied fields of a new order.
type Request struct {
	Market             string          `json:"market"`
	Type               model.OrderType `json:"type"`
	IsLong             bool            `json:"is_long"`
	CollateralToken    string          `json:"collateral_token"`
	SizeDeltaUSD       decimal.Decimal `json:"size_delta_usd"`
	CollateralDeltaUSD decimal.Decimal `json:"collateral_delta_usd"`
	TriggerPrice       decimal.Decimal `json:"trigger_price"`
	AcceptablePrice    decimal.Decimal `json:"acceptable_price"`
	ExecutionFee       decimal.Decimal `json:"execution_fee"`
}

// Update carries the mutable fields of a saved order.
type Update struct {
	SizeDeltaUSD       decimal.Decimal `json:"size_delta_usd"`
	CollateralDeltaUSD decimal.Decimal `json:"collateral_delta_usd"`
	TriggerPrice       decimal.Decimal `json:"trigger_price"`
	AcceptablePrice    decimal.Decimal `json:"acceptable_price"`
}

// Result reports what happened to an order. Quote and exactly one of
// Increase or Decrease are set when Executed.
type Result struct {
	Order    model.Order              `json:"order"`
	Executed bool                     `json:"executed"`
	Quote    *pricing.Quote           `json:"quote,omitempty"`
	Increase *position.IncreaseResult `json:"increase,omitempty"`
	Decrease *position.DecreaseResult `json:"decrease,omitempty"`
}

// Create validates a new order and either executes it or saves it.
// Executed orders are recorded with status executed.
func Create(l Ledger, feed oracle.PriceFeed, account string, req Request) (Result, error) {
	mkt, err := l.Market(req.Market)
	if err != nil {
		return Result{}, err
	}
	if _, err := l.Config(req.Market); err != nil {
		return Result{}, err
	}
	o := model.Order{
		Account:            account,
		Market:             req.Market,
		Type:               req.Type,
		IsLong:             req.IsLong,
		CollateralToken:    req.CollateralToken,
		SizeDeltaUSD:       req.SizeDeltaUSD,
		CollateralDeltaUSD: req.CollateralDeltaUSD,
		TriggerPrice:       req.TriggerPrice,
		AcceptablePrice:    req.AcceptablePrice,
		ExecutionFee:       req.ExecutionFee,
	}
	if o.CollateralToken == "" {
		o.CollateralToken = mkt.ShortToken
	}
	if o.CollateralToken != mkt.LongToken && o.CollateralToken != mkt.ShortToken {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidCollateralToken, o.CollateralToken)
	}
	if err := validate(o); err != nil {
		return Result{}, err
	}

	now := l.Now()
	if err := feed.EnsureFresh(mkt.IndexToken, now); err != nil {
		return Result{}, err
	}
	mid, err := feed.Mid(mkt.IndexToken)
	if err != nil {
		return Result{}, err
	}

	o.Key = l.NextRequestKey(account)
	o.CreatedAt = now
	o.UpdatedAt = now

	if !o.Type.IsMarket() && !Triggered(o, mid) {
		o.Status = model.OrderCreated
		l.PutOrder(o)
		l.Emit(orderEvent(model.EventOrderCreated, o))
		return Result{Order: o}, nil
	}

	res, err := execute(l, feed, mkt, o)
	if err != nil {
		return Result{}, err
	}
	res.Order.Status = model.OrderExecuted
	l.PutOrder(res.Order)
	l.Emit(orderEvent(model.EventOrderExecuted, res.Order))
	return res, nil
}

// UpdateOrder changes the size, collateral and prices of a saved order.
func UpdateOrder(l Ledger, account string, key model.RequestKey, u Update) (model.Order, error) {
	o, err := owned(l, account, key)
	if err != nil {
		return model.Order{}, err
	}
	o.SizeDeltaUSD = u.SizeDeltaUSD
	o.CollateralDeltaUSD = u.CollateralDeltaUSD
	o.TriggerPrice = u.TriggerPrice
	o.AcceptablePrice = u.AcceptablePrice
	if err := validate(o); err != nil {
		return model.Order{}, err
	}
	o.UpdatedAt = l.Now()
	l.PutOrder(o)
	l.Emit(orderEvent(model.EventOrderUpdated, o))
	return o, nil
}

// Cancel moves a saved order to cancelled.
func Cancel(l Ledger, account string, key model.RequestKey) (model.Order, error) {
	o, err := owned(l, account, key)
	if err != nil {
		return model.Order{}, err
	}
	o.Status = model.OrderCancelled
	o.UpdatedAt = l.Now()
	l.PutOrder(o)
	l.Emit(orderEvent(model.EventOrderCancelled, o))
	return o, nil
}

// ExecuteSaved executes a saved order whose trigger holds at the current
// mid. The execution fee moves from the owner to a different executor when
// the owner can afford it; a short balance never blocks execution.
func ExecuteSaved(l Ledger, feed oracle.PriceFeed, executor string, key model.RequestKey) (Result, error) {
	o, ok := l.Order(key)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrOrderNotFound, key)
	}
	if o.Status != model.OrderCreated {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrOrderAlreadyProcessed, key, o.Status)
	}
	mkt, err := l.Market(o.Market)
	if err != nil {
		return Result{}, err
	}
	now := l.Now()
	if err := feed.EnsureFresh(mkt.IndexToken, now); err != nil {
		return Result{}, err
	}
	mid, err := feed.Mid(mkt.IndexToken)
	if err != nil {
		return Result{}, err
	}
	if !Triggered(o, mid) {
		return Result{}, fmt.Errorf("%w: mid %s, trigger %s", ErrOrderCannotBeExecutedYet, mid, o.TriggerPrice)
	}

	res, err := execute(l, feed, mkt, o)
	if err != nil {
		return Result{}, err
	}

	fee := o.ExecutionFee
	if fee.IsPositive() && !strings.EqualFold(executor, o.Account) && l.Balance(o.Account).GreaterThanOrEqual(fee) {
		if err := l.Debit(o.Account, fee); err != nil {
			return Result{}, err
		}
		if err := l.Credit(executor, fee); err != nil {
			return Result{}, err
		}
	}

	res.Order.Status = model.OrderExecuted
	res.Order.UpdatedAt = now
	l.PutOrder(res.Order)
	l.Emit(orderEvent(model.EventOrderExecuted, res.Order))
	return res, nil
}

// Triggered reports whether o may execute at mid. Market orders always may.
// Long limit increases and long stops fire at or below the trigger; long
// limit decreases fire at or above it. Shorts invert each comparison.
func Triggered(o model.Order, mid decimal.Decimal) bool {
	switch o.Type {
	case model.OrderLimitIncrease, model.OrderStopLossDecrease:
		if o.IsLong {
			return mid.LessThanOrEqual(o.TriggerPrice)
		}
		return mid.GreaterThanOrEqual(o.TriggerPrice)
	case model.OrderLimitDecrease:
		if o.IsLong {
			return mid.GreaterThanOrEqual(o.TriggerPrice)
		}
		return mid.LessThanOrEqual(o.TriggerPrice)
	}
	return true
}

// Executable reports whether a saved order could be executed now.
func Executable(o model.Order, indexToken string, feed oracle.PriceFeed, now int64) bool {
	if o.Status != model.OrderCreated {
		return false
	}
	if feed.EnsureFresh(indexToken, now) != nil {
		return false
	}
	mid, err := feed.Mid(indexToken)
	if err != nil {
		return false
	}
	return Triggered(o, mid)
}

func owned(l Ledger, account string, key model.RequestKey) (model.Order, error) {
	o, ok := l.Order(key)
	if !ok {
		return model.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, key)
	}
	if !strings.EqualFold(o.Account, account) {
		return model.Order{}, ErrUnauthorized
	}
	if o.Status != model.OrderCreated {
		return model.Order{}, fmt.Errorf("%w: %s is %s", ErrOrderAlreadyProcessed, key, o.Status)
	}
	return o, nil
}

func validate(o model.Order) error {
	switch {
	case o.Type.IsSwap() || !o.Type.Valid():
		return fmt.Errorf("%w: %q", ErrUnsupportedOrderType, o.Type)
	case o.SizeDeltaUSD.Sign() <= 0:
		return ErrInvalidOrderSize
	case o.AcceptablePrice.Sign() <= 0:
		return ErrInvalidPrice
	case !o.Type.IsMarket() && o.TriggerPrice.Sign() <= 0:
		return ErrInvalidTriggerPrice
	case o.Type.IsIncrease() && o.CollateralDeltaUSD.Sign() <= 0:
		return ErrInvalidCollateralAmount
	case o.CollateralDeltaUSD.IsNegative():
		return ErrInvalidCollateralAmount
	case o.ExecutionFee.IsNegative():
		return ErrInvalidExecutionFee
	}
	return nil
}

// execute prices o, checks the acceptable price, brings funding up to now
// and applies the position change.
func execute(l Ledger, feed oracle.PriceFeed, mkt model.Market, o model.Order) (Result, error) {
	cfg, err := l.Config(o.Market)
	if err != nil {
		return Result{}, err
	}
	pool, err := l.Pool(o.Market)
	if err != nil {
		return Result{}, err
	}
	increase := o.Type.IsIncrease()
	change := position.Change{
		Account:            o.Account,
		Market:             o.Market,
		CollateralToken:    o.CollateralToken,
		IsLong:             o.IsLong,
		SizeDeltaUSD:       o.SizeDeltaUSD,
		CollateralDeltaUSD: o.CollateralDeltaUSD,
	}
	if !increase {
		if _, ok := l.Position(change.Key()); !ok {
			return Result{}, fmt.Errorf("%w: %s", position.ErrPositionNotFound, change.Key().Hex())
		}
	}

	mid, err := feed.Mid(mkt.IndexToken)
	if err != nil {
		return Result{}, err
	}
	spread, err := feed.Spread(mkt.IndexToken)
	if err != nil {
		return Result{}, err
	}
	q, err := pricing.New(cfg).Quote(pool, mid, spread, o.IsLong, o.SizeDeltaUSD, increase)
	if err != nil {
		return Result{}, err
	}
	if !pricing.Acceptable(q.ExecutionPrice, o.AcceptablePrice, o.IsLong, increase) {
		return Result{}, fmt.Errorf("%w: price %s, acceptable %s", ErrPriceNotAcceptable, q.ExecutionPrice, o.AcceptablePrice)
	}

	accrued, err := fees.AccruePool(pool, cfg, l.Now())
	if err != nil {
		return Result{}, err
	}
	l.PutPool(accrued)

	change.ExecutionPrice = q.ExecutionPrice
	res := Result{Order: o, Executed: true, Quote: &q}
	if increase {
		inc, err := position.Increase(l, change)
		if err != nil {
			return Result{}, err
		}
		res.Increase = &inc
	} else {
		dec, err := position.Decrease(l, change)
		if err != nil {
			return Result{}, err
		}
		res.Decrease = &dec
	}
	return res, nil
}

func orderEvent(t model.EventType, o model.Order) model.Event {
	isLong := o.IsLong
	return model.Event{
		Type:    t,
		Market:  o.Market,
		Account: o.Account,
		Key:     o.Key.String(),
		IsLong:  &isLong,
		Price:   o.TriggerPrice,
		Amount:  o.SizeDeltaUSD,
	}
}
