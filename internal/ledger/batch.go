package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// Balance is one custody balance row.
type Balance struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// Batch is the write set of one committed call. It carries full row images,
// so applying it is idempotent. ClosedPositions holds the last committed
// image of each deleted position.
type Batch struct {
	Sequence        uint64                  `json:"sequence"`
	Markets         []model.Market          `json:"markets,omitempty"`
	Configs         []model.MarketConfig    `json:"configs,omitempty"`
	Pools           []model.PoolAmounts     `json:"pools,omitempty"`
	Tokens          []model.MarketTokenInfo `json:"tokens,omitempty"`
	Positions       []model.Position        `json:"positions,omitempty"`
	ClosedPositions []model.Position        `json:"closed_positions,omitempty"`
	Orders          []model.Order           `json:"orders,omitempty"`
	Balances        []Balance               `json:"balances,omitempty"`
}

// Empty reports whether the batch writes nothing.
func (b *Batch) Empty() bool {
	return len(b.Markets) == 0 && len(b.Configs) == 0 && len(b.Pools) == 0 &&
		len(b.Tokens) == 0 && len(b.Positions) == 0 && len(b.ClosedPositions) == 0 &&
		len(b.Orders) == 0 && len(b.Balances) == 0
}

// sort orders every slice so that persistence is deterministic.
func (b *Batch) sort() {
	sort.Slice(b.Markets, func(i, j int) bool { return b.Markets[i].ID < b.Markets[j].ID })
	sort.Slice(b.Configs, func(i, j int) bool { return b.Configs[i].MarketID < b.Configs[j].MarketID })
	sort.Slice(b.Pools, func(i, j int) bool { return b.Pools[i].MarketID < b.Pools[j].MarketID })
	sort.Slice(b.Tokens, func(i, j int) bool { return b.Tokens[i].MarketID < b.Tokens[j].MarketID })
	sort.Slice(b.Positions, func(i, j int) bool { return b.Positions[i].Key.Hex() < b.Positions[j].Key.Hex() })
	sort.Slice(b.ClosedPositions, func(i, j int) bool { return b.ClosedPositions[i].Key.Hex() < b.ClosedPositions[j].Key.Hex() })
	sortOrders(b.Orders)
	sort.Slice(b.Balances, func(i, j int) bool { return b.Balances[i].Account < b.Balances[j].Account })
}
