package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listStocksSQL = `SELECT
        symbol, exchange, name, currency,
        price, previous_close, change, change_percent,
        buy_limit,
        low_1y, high_1y, low_3y, high_3y, low_5y, high_5y,
        quoted_at, range_fetched, range_at, range_error,
        preferred_provider, created_at, updated_at
    FROM watchlist
    ORDER BY symbol;`

	upsertStockSQL = `INSERT INTO watchlist (
        symbol, exchange, name, currency, price, previous_close, change, change_percent
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (symbol) DO UPDATE
    SET exchange = EXCLUDED.exchange,
        name     = EXCLUDED.name,
        updated_at = now();`

	deleteAllStocksSQL = `DELETE FROM watchlist;`

	countStocksSQL = `SELECT COUNT(*) FROM watchlist;`

	getKVSQL = `SELECT value FROM kv_state WHERE key = $1;`

	setKVSQL = `INSERT INTO kv_state (key, value)
    VALUES ($1, $2)
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value, updated_at = now();`

	deleteKVSQL = `DELETE FROM kv_state WHERE key = $1;`

	deleteKVPrefixSQL = `DELETE FROM kv_state WHERE key LIKE $1 || '%';`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store aggregates access to the watchlist and the key-value state table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// ListTrackedStocks loads the full watchlist ordered by symbol.
func (s *Store) ListTrackedStocks(ctx context.Context) ([]TrackedStock, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listStocksSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list tracked stocks: %w", queryErr)
	}
	defer rows.Close()

	stocks := make([]TrackedStock, 0)
	for rows.Next() {
		stock, scanErr := scanTrackedStock(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		stocks = append(stocks, stock)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return stocks, nil
}

// UpdateStock applies a partial mutation to one tracked stock. Nil fields in
// the update are left untouched.
func (s *Store) UpdateStock(ctx context.Context, symbol string, update StockUpdate) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	sets := make([]string, 0, 16)
	args := make([]interface{}, 0, 16)
	args = append(args, symbol)

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Price != nil {
		add("price", update.Price.String())
	}
	if update.PreviousClose != nil {
		add("previous_close", update.PreviousClose.String())
	}
	if update.Change != nil {
		add("change", update.Change.String())
	}
	if update.ChangePercent != nil {
		add("change_percent", update.ChangePercent.String())
	}
	if update.Currency != nil {
		add("currency", *update.Currency)
	}
	if update.BuyLimit != nil {
		add("buy_limit", update.BuyLimit.String())
	}
	if update.Low1Y != nil {
		add("low_1y", update.Low1Y.String())
	}
	if update.High1Y != nil {
		add("high_1y", update.High1Y.String())
	}
	if update.Low3Y != nil {
		add("low_3y", update.Low3Y.String())
	}
	if update.High3Y != nil {
		add("high_3y", update.High3Y.String())
	}
	if update.Low5Y != nil {
		add("low_5y", update.Low5Y.String())
	}
	if update.High5Y != nil {
		add("high_5y", update.High5Y.String())
	}
	if update.QuotedAt != nil {
		add("quoted_at", *update.QuotedAt)
	}
	if update.RangeFetched != nil {
		add("range_fetched", *update.RangeFetched)
	}
	if update.RangeAt != nil {
		add("range_at", *update.RangeAt)
	}
	if update.RangeError != nil {
		add("range_error", *update.RangeError)
	}
	if update.PreferredProvider != nil {
		add("preferred_provider", *update.PreferredProvider)
	}

	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = now()")

	query := fmt.Sprintf("UPDATE watchlist SET %s WHERE symbol = $1;", strings.Join(sets, ", "))
	cmdTag, execErr := pool.Exec(ctx, query, args...)
	if execErr != nil {
		return fmt.Errorf("update stock %s: %w", symbol, execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// UpsertStocks inserts new tickers and refreshes identity fields of existing
// ones without clobbering quote or band data.
func (s *Store) UpsertStocks(ctx context.Context, stocks []TrackedStock) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	for _, stock := range stocks {
		_, execErr := pool.Exec(ctx, upsertStockSQL,
			stock.Symbol,
			stock.Exchange,
			stock.Name,
			stock.Currency,
			stock.Price.String(),
			stock.PreviousClose.String(),
			stock.Change.String(),
			stock.ChangePercent.String(),
		)
		if execErr != nil {
			return fmt.Errorf("upsert stock %s: %w", stock.Symbol, execErr)
		}
	}
	return nil
}

// ReplaceStocks swaps the whole watchlist inside one transaction.
func (s *Store) ReplaceStocks(ctx context.Context, stocks []TrackedStock) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, txErr := pool.Begin(ctx)
	if txErr != nil {
		return fmt.Errorf("begin replace: %w", txErr)
	}
	defer tx.Rollback(ctx)

	if _, execErr := tx.Exec(ctx, deleteAllStocksSQL); execErr != nil {
		return fmt.Errorf("clear watchlist: %w", execErr)
	}
	for _, stock := range stocks {
		_, execErr := tx.Exec(ctx, upsertStockSQL,
			stock.Symbol,
			stock.Exchange,
			stock.Name,
			stock.Currency,
			stock.Price.String(),
			stock.PreviousClose.String(),
			stock.Change.String(),
			stock.ChangePercent.String(),
		)
		if execErr != nil {
			return fmt.Errorf("insert stock %s: %w", stock.Symbol, execErr)
		}
	}

	return tx.Commit(ctx)
}

// CountStocks counts tracked tickers.
func (s *Store) CountStocks(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countStocksSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count stocks: %w", scanErr)
	}
	return count, nil
}

// Get fetches a raw blob by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}
	var value []byte
	if scanErr := pool.QueryRow(ctx, getKVSQL, key).Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get %s: %w", key, scanErr)
	}
	return value, true, nil
}

// Set stores a raw blob under key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setKVSQL, key, value); execErr != nil {
		return fmt.Errorf("kv set %s: %w", key, execErr)
	}
	return nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteKVSQL, key); execErr != nil {
		return fmt.Errorf("kv delete %s: %w", key, execErr)
	}
	return nil
}

// DeletePrefix removes every key under a namespace prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteKVPrefixSQL, prefix); execErr != nil {
		return fmt.Errorf("kv delete prefix %s: %w", prefix, execErr)
	}
	return nil
}

func scanTrackedStock(rows pgx.Rows) (TrackedStock, error) {
	var (
		stock     TrackedStock
		price     string
		prevClose string
		change    string
		changePct string
		buyLimit  sql.NullString
		low1y     sql.NullString
		high1y    sql.NullString
		low3y     sql.NullString
		high3y    sql.NullString
		low5y     sql.NullString
		high5y    sql.NullString
		quotedAt  sql.NullTime
		rangeAt   sql.NullTime
		preferred sql.NullString
	)

	if err := rows.Scan(
		&stock.Symbol,
		&stock.Exchange,
		&stock.Name,
		&stock.Currency,
		&price,
		&prevClose,
		&change,
		&changePct,
		&buyLimit,
		&low1y,
		&high1y,
		&low3y,
		&high3y,
		&low5y,
		&high5y,
		&quotedAt,
		&stock.RangeFetched,
		&rangeAt,
		&stock.RangeError,
		&preferred,
		&stock.CreatedAt,
		&stock.UpdatedAt,
	); err != nil {
		return TrackedStock{}, err
	}

	var err error
	if stock.Price, err = decimal.NewFromString(price); err != nil {
		return TrackedStock{}, fmt.Errorf("parse price: %w", err)
	}
	if stock.PreviousClose, err = decimal.NewFromString(prevClose); err != nil {
		return TrackedStock{}, fmt.Errorf("parse previous close: %w", err)
	}
	if stock.Change, err = decimal.NewFromString(change); err != nil {
		return TrackedStock{}, fmt.Errorf("parse change: %w", err)
	}
	if stock.ChangePercent, err = decimal.NewFromString(changePct); err != nil {
		return TrackedStock{}, fmt.Errorf("parse change percent: %w", err)
	}

	assign := func(src sql.NullString, dst **decimal.Decimal, label string) error {
		if !src.Valid {
			return nil
		}
		parsed, parseErr := decimal.NewFromString(src.String)
		if parseErr != nil {
			return fmt.Errorf("parse %s: %w", label, parseErr)
		}
		*dst = &parsed
		return nil
	}

	if err := assign(buyLimit, &stock.BuyLimit, "buy limit"); err != nil {
		return TrackedStock{}, err
	}
	if err := assign(low1y, &stock.Low1Y, "low 1y"); err != nil {
		return TrackedStock{}, err
	}
	if err := assign(high1y, &stock.High1Y, "high 1y"); err != nil {
		return TrackedStock{}, err
	}
	if err := assign(low3y, &stock.Low3Y, "low 3y"); err != nil {
		return TrackedStock{}, err
	}
	if err := assign(high3y, &stock.High3Y, "high 3y"); err != nil {
		return TrackedStock{}, err
	}
	if err := assign(low5y, &stock.Low5Y, "low 5y"); err != nil {
		return TrackedStock{}, err
	}
	if err := assign(high5y, &stock.High5Y, "high 5y"); err != nil {
		return TrackedStock{}, err
	}

	if quotedAt.Valid {
		t := quotedAt.Time
		stock.QuotedAt = &t
	}
	if rangeAt.Valid {
		t := rangeAt.Time
		stock.RangeAt = &t
	}
	if preferred.Valid {
		stock.PreferredProvider = preferred.String
	}

	return stock, nil
}

var _ StockStore = (*Store)(nil)
var _ KVStore = (*Store)(nil)
var _ AdvisoryLocker = (*Store)(nil)
