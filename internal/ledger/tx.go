package ledger

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// requestNamespace seeds UUIDv5 request keys.
var requestNamespace = uuid.MustParse("6f1d3c1e-8a0b-5c2e-9a43-2f7c4c1b8e10")

// Tx is a copy-on-write view over a Ledger. Nothing it stages is visible
// outside the Tx until the resulting Batch is applied.
type Tx struct {
	l   *Ledger
	now int64

	markets   map[string]model.Market
	configs   map[string]model.MarketConfig
	pools     map[string]model.PoolAmounts
	tokens    map[string]model.MarketTokenInfo
	positions map[model.PositionKey]*model.Position // nil marks a closed position
	orders    map[model.RequestKey]model.Order
	balances  map[string]decimal.Decimal
	sequence  uint64

	events []model.Event
}

func newTx(l *Ledger, now int64) *Tx {
	return &Tx{
		l:         l,
		now:       now,
		markets:   make(map[string]model.Market),
		configs:   make(map[string]model.MarketConfig),
		pools:     make(map[string]model.PoolAmounts),
		tokens:    make(map[string]model.MarketTokenInfo),
		positions: make(map[model.PositionKey]*model.Position),
		orders:    make(map[model.RequestKey]model.Order),
		balances:  make(map[string]decimal.Decimal),
		sequence:  l.state.Sequence,
	}
}

// Now is the call timestamp in unix seconds.
func (tx *Tx) Now() int64 { return tx.now }

// --- Markets ---

// HasMarket reports whether id is committed or staged.
func (tx *Tx) HasMarket(id string) bool {
	_, err := tx.Market(id)
	return err == nil
}

func (tx *Tx) Market(id string) (model.Market, error) {
	if m, ok := tx.markets[id]; ok {
		return m, nil
	}
	if m, ok := tx.l.Market(id); ok {
		return m, nil
	}
	return model.Market{}, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
}

func (tx *Tx) PutMarket(m model.Market) { tx.markets[m.ID] = m }

func (tx *Tx) Config(id string) (model.MarketConfig, error) {
	if c, ok := tx.configs[id]; ok {
		return c, nil
	}
	if c, ok := tx.l.Config(id); ok {
		return c, nil
	}
	return model.MarketConfig{}, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
}

func (tx *Tx) PutConfig(c model.MarketConfig) { tx.configs[c.MarketID] = c }

func (tx *Tx) Pool(id string) (model.PoolAmounts, error) {
	if p, ok := tx.pools[id]; ok {
		return p, nil
	}
	if p, ok := tx.l.Pool(id); ok {
		return p, nil
	}
	return model.PoolAmounts{}, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
}

func (tx *Tx) PutPool(p model.PoolAmounts) { tx.pools[p.MarketID] = p }

// Tokens returns a private copy of a market's share ledger.
func (tx *Tx) Tokens(id string) (model.MarketTokenInfo, error) {
	if t, ok := tx.tokens[id]; ok {
		return t.Clone(), nil
	}
	if t, ok := tx.l.Tokens(id); ok {
		return t, nil
	}
	return model.MarketTokenInfo{}, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
}

func (tx *Tx) PutTokens(t model.MarketTokenInfo) { tx.tokens[t.MarketID] = t.Clone() }

// --- Positions ---

func (tx *Tx) Position(key model.PositionKey) (model.Position, bool) {
	if p, ok := tx.positions[key]; ok {
		if p == nil {
			return model.Position{}, false
		}
		return *p, true
	}
	return tx.l.Position(key)
}

func (tx *Tx) PutPosition(p model.Position) { tx.positions[p.Key] = &p }

func (tx *Tx) DeletePosition(key model.PositionKey) { tx.positions[key] = nil }

// --- Orders ---

func (tx *Tx) Order(key model.RequestKey) (model.Order, bool) {
	if o, ok := tx.orders[key]; ok {
		return o, true
	}
	return tx.l.Order(key)
}

func (tx *Tx) PutOrder(o model.Order) { tx.orders[o.Key] = o }

// NextRequestKey issues a fresh order key derived from the ledger sequence.
func (tx *Tx) NextRequestKey(account string) model.RequestKey {
	tx.sequence++
	return uuid.NewSHA1(requestNamespace, []byte(account+"/"+strconv.FormatUint(tx.sequence, 10)))
}

// --- Custody ---

func (tx *Tx) Balance(account string) decimal.Decimal {
	if b, ok := tx.balances[account]; ok {
		return b
	}
	return tx.l.Balance(account)
}

// Debit removes amount from account. It fails closed: nothing is staged
// when the balance is short.
func (tx *Tx) Debit(account string, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	bal := tx.Balance(account)
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amount)
	}
	tx.balances[account] = bal.Sub(amount)
	return nil
}

// Credit adds amount to account.
func (tx *Tx) Credit(account string, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	next, err := fixed.CheckUnsigned(tx.Balance(account).Add(amount))
	if err != nil {
		return err
	}
	tx.balances[account] = next
	return nil
}

// --- Events ---

// Emit queues an event for publication after commit.
func (tx *Tx) Emit(e model.Event) {
	if e.Time == 0 {
		e.Time = tx.now
	}
	tx.events = append(tx.events, e)
}

// Events returns the queued events in emission order.
func (tx *Tx) Events() []model.Event { return tx.events }

// Batch collects every staged write.
func (tx *Tx) Batch() *Batch {
	b := &Batch{Sequence: tx.sequence}
	for _, m := range tx.markets {
		b.Markets = append(b.Markets, m)
	}
	for _, c := range tx.configs {
		b.Configs = append(b.Configs, c)
	}
	for _, p := range tx.pools {
		b.Pools = append(b.Pools, p)
	}
	for _, t := range tx.tokens {
		b.Tokens = append(b.Tokens, t.Clone())
	}
	for k, p := range tx.positions {
		if p == nil {
			// Opened and closed within the same call: nothing to delete.
			if prev, ok := tx.l.Position(k); ok {
				b.ClosedPositions = append(b.ClosedPositions, prev)
			}
			continue
		}
		b.Positions = append(b.Positions, *p)
	}
	for _, o := range tx.orders {
		b.Orders = append(b.Orders, o)
	}
	for a, v := range tx.balances {
		b.Balances = append(b.Balances, Balance{Account: a, Amount: v})
	}
	b.sort()
	return b
}
