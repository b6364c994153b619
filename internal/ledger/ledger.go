// Package ledger holds the engine's committed state and the staged
// transactions that mutate it.
//
// Every state-changing call runs against a Tx: reads fall through to the
// committed tables, writes are staged in the Tx. A successful call turns the
// Tx into a Batch that is persisted and then applied; a failed call simply
// drops the Tx, leaving the committed state untouched.
//
// Ledger is not safe for concurrent use. Callers serialize access.
package ledger

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/symbol"
)

var (
	ErrMarketNotFound      = errors.New("ledger: market not found")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
)

// State is the set of keyed tables. Market-scoped tables are keyed by the
// interned market handle.
type State struct {
	Markets   map[symbol.ID]model.Market           `json:"markets"`
	Configs   map[symbol.ID]model.MarketConfig     `json:"configs"`
	Pools     map[symbol.ID]model.PoolAmounts      `json:"pools"`
	Tokens    map[symbol.ID]model.MarketTokenInfo  `json:"tokens"`
	Positions map[model.PositionKey]model.Position `json:"positions"`
	Orders    map[model.RequestKey]model.Order     `json:"orders"`
	Balances  map[string]decimal.Decimal           `json:"balances"`
	Sequence  uint64                               `json:"sequence"`
}

func newState() State {
	return State{
		Markets:   make(map[symbol.ID]model.Market),
		Configs:   make(map[symbol.ID]model.MarketConfig),
		Pools:     make(map[symbol.ID]model.PoolAmounts),
		Tokens:    make(map[symbol.ID]model.MarketTokenInfo),
		Positions: make(map[model.PositionKey]model.Position),
		Orders:    make(map[model.RequestKey]model.Order),
		Balances:  make(map[string]decimal.Decimal),
	}
}

// Ledger is the committed state plus the market symbol table.
type Ledger struct {
	symbols *symbol.Table
	state   State
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{symbols: symbol.NewTable(), state: newState()}
}

// Begin opens a transaction stamped with now.
func (l *Ledger) Begin(now int64) *Tx {
	return newTx(l, now)
}

// Apply commits a batch. Batches are produced by Tx.Batch or by a store
// restoring persisted state; Apply never fails.
func (l *Ledger) Apply(b *Batch) {
	for _, m := range b.Markets {
		l.state.Markets[l.symbols.Intern(m.ID)] = m
	}
	for _, c := range b.Configs {
		l.state.Configs[l.symbols.Intern(c.MarketID)] = c
	}
	for _, p := range b.Pools {
		l.state.Pools[l.symbols.Intern(p.MarketID)] = p
	}
	for _, t := range b.Tokens {
		l.state.Tokens[l.symbols.Intern(t.MarketID)] = t.Clone()
	}
	for _, p := range b.Positions {
		l.state.Positions[p.Key] = p
	}
	for _, p := range b.ClosedPositions {
		delete(l.state.Positions, p.Key)
	}
	for _, o := range b.Orders {
		l.state.Orders[o.Key] = o
	}
	for _, e := range b.Balances {
		l.state.Balances[e.Account] = e.Amount
	}
	if b.Sequence > l.state.Sequence {
		l.state.Sequence = b.Sequence
	}
}

// Snapshot serializes the committed state deterministically. Two snapshots
// are byte-identical exactly when the ledgers hold the same values.
func (l *Ledger) Snapshot() ([]byte, error) {
	return json.Marshal(l.state)
}

// Dump returns the whole committed state as a batch, used to seed a store.
func (l *Ledger) Dump() *Batch {
	b := &Batch{Sequence: l.state.Sequence}
	for id, m := range l.state.Markets {
		b.Markets = append(b.Markets, m)
		if c, ok := l.state.Configs[id]; ok {
			b.Configs = append(b.Configs, c)
		}
		if p, ok := l.state.Pools[id]; ok {
			b.Pools = append(b.Pools, p)
		}
		if t, ok := l.state.Tokens[id]; ok {
			b.Tokens = append(b.Tokens, t.Clone())
		}
	}
	for _, p := range l.state.Positions {
		b.Positions = append(b.Positions, p)
	}
	for _, o := range l.state.Orders {
		b.Orders = append(b.Orders, o)
	}
	for a, v := range l.state.Balances {
		b.Balances = append(b.Balances, Balance{Account: a, Amount: v})
	}
	b.sort()
	return b
}

// --- Committed reads ---

// Market returns a committed market.
func (l *Ledger) Market(id string) (model.Market, bool) {
	h, ok := l.symbols.Lookup(id)
	if !ok {
		return model.Market{}, false
	}
	m, ok := l.state.Markets[h]
	return m, ok
}

// Markets returns all markets sorted by id.
func (l *Ledger) Markets() []model.Market {
	out := make([]model.Market, 0, len(l.state.Markets))
	for _, m := range l.state.Markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Config returns a committed market config.
func (l *Ledger) Config(id string) (model.MarketConfig, bool) {
	h, ok := l.symbols.Lookup(id)
	if !ok {
		return model.MarketConfig{}, false
	}
	c, ok := l.state.Configs[h]
	return c, ok
}

// Pool returns a committed pool.
func (l *Ledger) Pool(id string) (model.PoolAmounts, bool) {
	h, ok := l.symbols.Lookup(id)
	if !ok {
		return model.PoolAmounts{}, false
	}
	p, ok := l.state.Pools[h]
	return p, ok
}

// Tokens returns a copy of a market's share ledger.
func (l *Ledger) Tokens(id string) (model.MarketTokenInfo, bool) {
	h, ok := l.symbols.Lookup(id)
	if !ok {
		return model.MarketTokenInfo{}, false
	}
	t, ok := l.state.Tokens[h]
	return t.Clone(), ok
}

// Position returns a committed position.
func (l *Ledger) Position(key model.PositionKey) (model.Position, bool) {
	p, ok := l.state.Positions[key]
	return p, ok
}

// Positions returns positions matching keep (all if nil), sorted by key.
func (l *Ledger) Positions(keep func(model.Position) bool) []model.Position {
	out := []model.Position{}
	for _, p := range l.state.Positions {
		if keep == nil || keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Hex() < out[j].Key.Hex() })
	return out
}

// Order returns a committed order.
func (l *Ledger) Order(key model.RequestKey) (model.Order, bool) {
	o, ok := l.state.Orders[key]
	return o, ok
}

// Orders returns orders matching keep (all if nil), oldest first.
func (l *Ledger) Orders(keep func(model.Order) bool) []model.Order {
	out := []model.Order{}
	for _, o := range l.state.Orders {
		if keep == nil || keep(o) {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out
}

// Balance returns the custody balance of account.
func (l *Ledger) Balance(account string) decimal.Decimal {
	if b, ok := l.state.Balances[account]; ok {
		return b
	}
	return decimal.Zero
}

// Sequence returns the last issued request sequence.
func (l *Ledger) Sequence() uint64 {
	return l.state.Sequence
}

func sortOrders(out []model.Order) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Key.String() < out[j].Key.String()
	})
}
