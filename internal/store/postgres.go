package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SaveBatch writes every row image of b in one database transaction.
func (s *PostgresStore) SaveBatch(ctx context.Context, b *ledger.Batch) error {
	q := &pgx.Batch{}
	q.Queue(`INSERT INTO engine_meta (id, sequence) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET sequence = GREATEST(engine_meta.sequence, EXCLUDED.sequence)`,
		int64(b.Sequence))

	for _, m := range b.Markets {
		doc, err := json.Marshal(m)
		if err != nil {
			return err
		}
		q.Queue(`INSERT INTO markets (id, index_token, doc, created_at) VALUES ($1, $2, $3::JSONB, $4)
			 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
			m.ID, m.IndexToken, doc, m.CreatedAt)
	}
	for _, c := range b.Configs {
		doc, err := json.Marshal(c)
		if err != nil {
			return err
		}
		q.Queue(`INSERT INTO market_configs (market_id, doc) VALUES ($1, $2::JSONB)
			 ON CONFLICT (market_id) DO UPDATE SET doc = EXCLUDED.doc`,
			c.MarketID, doc)
	}
	for _, p := range b.Pools {
		doc, err := json.Marshal(p)
		if err != nil {
			return err
		}
		q.Queue(`INSERT INTO pools (market_id, liquidity_usd, long_oi_usd, short_oi_usd, doc)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::JSONB)
			 ON CONFLICT (market_id) DO UPDATE
			 SET liquidity_usd = EXCLUDED.liquidity_usd, long_oi_usd = EXCLUDED.long_oi_usd,
			     short_oi_usd = EXCLUDED.short_oi_usd, doc = EXCLUDED.doc`,
			p.MarketID, p.LiquidityUSD.String(), p.LongOI.String(), p.ShortOI.String(), doc)
	}
	for _, t := range b.Tokens {
		doc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		q.Queue(`INSERT INTO market_tokens (market_id, total_supply, doc) VALUES ($1, $2::NUMERIC, $3::JSONB)
			 ON CONFLICT (market_id) DO UPDATE SET total_supply = EXCLUDED.total_supply, doc = EXCLUDED.doc`,
			t.MarketID, t.TotalSupply.String(), doc)
	}
	for _, p := range b.Positions {
		doc, err := json.Marshal(p)
		if err != nil {
			return err
		}
		q.Queue(`INSERT INTO positions (key, account, market_id, size_usd, collateral_usd, doc)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::JSONB)
			 ON CONFLICT (key) DO UPDATE
			 SET size_usd = EXCLUDED.size_usd, collateral_usd = EXCLUDED.collateral_usd, doc = EXCLUDED.doc`,
			p.Key.Hex(), p.Account, p.Market, p.SizeUSD.String(), p.CollateralUSD.String(), doc)
	}
	for _, p := range b.ClosedPositions {
		q.Queue(`DELETE FROM positions WHERE key = $1`, p.Key.Hex())
	}
	for _, o := range b.Orders {
		doc, err := json.Marshal(o)
		if err != nil {
			return err
		}
		q.Queue(`INSERT INTO orders (key, account, market_id, status, created_at, doc)
			 VALUES ($1, $2, $3, $4, $5, $6::JSONB)
			 ON CONFLICT (key) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc`,
			o.Key.String(), o.Account, o.Market, string(o.Status), o.CreatedAt, doc)
	}
	for _, bal := range b.Balances {
		q.Queue(`INSERT INTO balances (account, amount) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (account) DO UPDATE SET amount = EXCLUDED.amount`,
			bal.Account, bal.Amount.String())
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, q).Close()
	})
	if err != nil {
		return fmt.Errorf("save batch %d: %w", b.Sequence, err)
	}
	return nil
}

// Load reads every table into one batch.
func (s *PostgresStore) Load(ctx context.Context) (*ledger.Batch, error) {
	b := &ledger.Batch{}

	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT sequence FROM engine_meta WHERE id = 1`).Scan(&seq)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load sequence: %w", err)
	default:
		b.Sequence = uint64(seq)
	}

	if b.Markets, err = queryDocs[model.Market](ctx, s.pool, `SELECT doc FROM markets ORDER BY id`); err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	if b.Configs, err = queryDocs[model.MarketConfig](ctx, s.pool, `SELECT doc FROM market_configs ORDER BY market_id`); err != nil {
		return nil, fmt.Errorf("load configs: %w", err)
	}
	if b.Pools, err = queryDocs[model.PoolAmounts](ctx, s.pool, `SELECT doc FROM pools ORDER BY market_id`); err != nil {
		return nil, fmt.Errorf("load pools: %w", err)
	}
	if b.Tokens, err = queryDocs[model.MarketTokenInfo](ctx, s.pool, `SELECT doc FROM market_tokens ORDER BY market_id`); err != nil {
		return nil, fmt.Errorf("load market tokens: %w", err)
	}
	if b.Positions, err = queryDocs[model.Position](ctx, s.pool, `SELECT doc FROM positions ORDER BY key`); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	if b.Orders, err = queryDocs[model.Order](ctx, s.pool, `SELECT doc FROM orders ORDER BY created_at, key`); err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT account, amount::TEXT FROM balances ORDER BY account`)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bal ledger.Balance
		var amount string
		if err := rows.Scan(&bal.Account, &amount); err != nil {
			return nil, err
		}
		if bal.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("balance %s: %w", bal.Account, err)
		}
		b.Balances = append(b.Balances, bal)
	}
	return b, rows.Err()
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return queryDoc[model.Market](ctx, s.pool, `SELECT doc FROM markets WHERE id = $1`, id)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return queryDocs[model.Market](ctx, s.pool, `SELECT doc FROM markets ORDER BY id`)
}

func (s *PostgresStore) GetPool(ctx context.Context, marketID string) (*model.PoolAmounts, error) {
	return queryDoc[model.PoolAmounts](ctx, s.pool, `SELECT doc FROM pools WHERE market_id = $1`, marketID)
}

func (s *PostgresStore) GetAccountPositions(ctx context.Context, account string) ([]model.Position, error) {
	return queryDocs[model.Position](ctx, s.pool,
		`SELECT doc FROM positions WHERE account = $1 ORDER BY key`, account)
}

func (s *PostgresStore) GetAccountOrders(ctx context.Context, account string) ([]model.Order, error) {
	return queryDocs[model.Order](ctx, s.pool,
		`SELECT doc FROM orders WHERE account = $1 ORDER BY created_at, key`, account)
}

func (s *PostgresStore) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	var amount string
	err := s.pool.QueryRow(ctx, `SELECT amount::TEXT FROM balances WHERE account = $1`, account).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", account, err)
	}
	return decimal.NewFromString(amount)
}

// queryDoc reads one JSONB document. A missing row is ErrNotFound.
func queryDoc[T any](ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) (*T, error) {
	var raw []byte
	err := pool.QueryRow(ctx, sql, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, args)
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func queryDocs[T any](ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
