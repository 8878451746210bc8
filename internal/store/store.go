package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lendindexer/internal/ingesterr"
)

// indexerStateSingletonID is the fixed primary key of the one IndexerState
// row, the way a checkpoint table conventionally pins its only row.
const indexerStateSingletonID = 1

// Store wraps the projection database (C3): atomic multi-row transactions,
// idempotent upserts, and entity-specific read/write primitives, built the
// way services/otc-gateway/main.go and services/otc-gateway/server open and
// migrate their gorm handle.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn via the postgres driver and runs AutoMigrate. dsn
// following "postgres://" is passed straight through; dialects are not
// otherwise sniffed, a single-driver wiring like the rest of this stack's
// gorm-backed stores.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ingesterr.FatalConfig("store: empty database_url", nil)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, ingesterr.FatalConfig("store: open database", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenWithDB wraps an already-open gorm handle (used by tests against an
// in-memory glebarez/sqlite database).
func OpenWithDB(db *gorm.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&IndexerState{},
		&Market{},
		&UserPosition{},
		&Transaction{},
		&InterestAccrualEvent{},
		&MarketSnapshot{},
	)
	if err != nil {
		return ingesterr.FatalConfig("store: auto migrate", err)
	}
	return nil
}

// Close releases the underlying connection pool. Idempotent the way C1's
// adapter close is.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB.Close()
}

// RunInTransaction executes f inside one serializable store transaction,
// committing atomically or not at all (spec §4.4). Handlers must perform
// every read/write they do through the *Store passed to f.
func (s *Store) RunInTransaction(ctx context.Context, f func(tx *Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return f(&Store{db: tx})
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err == nil {
		return nil
	}
	if ingesterr.Classify(err) != ingesterr.KindUnknown {
		return err
	}
	return ingesterr.TransientStore("store: transaction", err)
}

// LoadIndexerState returns the checkpoint row, or (0, "", false) if the
// indexer has never advanced.
func (s *Store) LoadIndexerState(ctx context.Context) (height uint64, hash string, ok bool, err error) {
	var row IndexerState
	result := s.db.WithContext(ctx).First(&row, indexerStateSingletonID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return 0, "", false, nil
	}
	if result.Error != nil {
		return 0, "", false, ingesterr.TransientStore("store: load indexer state", result.Error)
	}
	return row.LastProcessedBlock, row.LastProcessedHash, true, nil
}

// UpsertIndexerState advances the checkpoint to (height, hash), idempotent
// across retries of the same value (spec §4.4).
func (s *Store) UpsertIndexerState(ctx context.Context, height uint64, hash string) error {
	row := IndexerState{ID: indexerStateSingletonID, LastProcessedBlock: height, LastProcessedHash: hash, UpdatedAt: time.Now().UTC()}
	result := s.db.WithContext(ctx).Save(&row)
	if result.Error != nil {
		return ingesterr.TransientStore("store: upsert indexer state", result.Error)
	}
	return nil
}

// KnownMarketAddresses rebuilds the known-market-addresses set from every
// stored Market on process startup (spec §4.5).
func (s *Store) KnownMarketAddresses(ctx context.Context) (map[string]struct{}, error) {
	var addresses []string
	result := s.db.WithContext(ctx).Model(&Market{}).Pluck("market_address", &addresses)
	if result.Error != nil {
		return nil, ingesterr.TransientStore("store: load known market addresses", result.Error)
	}
	out := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		out[strings.ToLower(strings.TrimSpace(addr))] = struct{}{}
	}
	return out, nil
}

// GetMarket fetches a market by id. Returns (nil, false, nil) if absent.
func (s *Store) GetMarket(ctx context.Context, marketID string) (*Market, bool, error) {
	var row Market
	result := s.db.WithContext(ctx).First(&row, "id = ?", marketID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if result.Error != nil {
		return nil, false, ingesterr.TransientStore("store: get market", result.Error)
	}
	return &row, true, nil
}

// GetMarketByAddress fetches a market by its contract address: the lookup
// market-event handlers use, since supply/withdraw/borrow/repay/liquidate/
// accrue_interest/update_params events carry only the emitting contract's
// address, never the market id (spec §4.2).
func (s *Store) GetMarketByAddress(ctx context.Context, marketAddress string) (*Market, bool, error) {
	var row Market
	result := s.db.WithContext(ctx).First(&row, "market_address = ?", marketAddress)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if result.Error != nil {
		return nil, false, ingesterr.TransientStore("store: get market by address", result.Error)
	}
	return &row, true, nil
}

// CreateMarket inserts a new Market row. A unique-constraint collision on id
// or market_address is the idempotence signal; the caller treats it as a
// no-op by checking GetMarket first within the same transaction.
func (s *Store) CreateMarket(ctx context.Context, m *Market) error {
	result := s.db.WithContext(ctx).Create(m)
	if result.Error != nil {
		return ingesterr.TransientStore("store: create market", result.Error)
	}
	return nil
}

// SaveMarket persists mutations made to an already-loaded Market.
func (s *Store) SaveMarket(ctx context.Context, m *Market) error {
	result := s.db.WithContext(ctx).Save(m)
	if result.Error != nil {
		return ingesterr.TransientStore("store: save market", result.Error)
	}
	return nil
}

// GetPosition fetches a position by (market, user). Returns (nil, false,
// nil) if absent.
func (s *Store) GetPosition(ctx context.Context, marketID, userAddress string) (*UserPosition, bool, error) {
	var row UserPosition
	result := s.db.WithContext(ctx).First(&row, "market_id = ? AND user_address = ?", marketID, userAddress)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if result.Error != nil {
		return nil, false, ingesterr.TransientStore("store: get position", result.Error)
	}
	return &row, true, nil
}

// CreatePosition inserts a lazily-created position row (spec §4.3).
func (s *Store) CreatePosition(ctx context.Context, p *UserPosition) error {
	result := s.db.WithContext(ctx).Create(p)
	if result.Error != nil {
		return ingesterr.TransientStore("store: create position", result.Error)
	}
	return nil
}

// SavePosition persists mutations made to an already-loaded position.
func (s *Store) SavePosition(ctx context.Context, p *UserPosition) error {
	result := s.db.WithContext(ctx).Save(p)
	if result.Error != nil {
		return ingesterr.TransientStore("store: save position", result.Error)
	}
	return nil
}

// ExistsTransaction reports whether a Transaction row already exists for
// (txHash, logIndex), the idempotence key shared with InterestAccrualEvent.
func (s *Store) ExistsTransaction(ctx context.Context, txHash string, logIndex int) (bool, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&Transaction{}).Where("tx_hash = ? AND log_index = ?", txHash, logIndex).Count(&count)
	if result.Error != nil {
		return false, ingesterr.TransientStore("store: check transaction existence", result.Error)
	}
	return count > 0, nil
}

// CreateTransaction inserts a Transaction row.
func (s *Store) CreateTransaction(ctx context.Context, t *Transaction) error {
	result := s.db.WithContext(ctx).Create(t)
	if result.Error != nil {
		return ingesterr.TransientStore("store: create transaction", result.Error)
	}
	return nil
}

// ExistsInterestAccrualEvent reports whether an accrual row already exists
// for (txHash, logIndex).
func (s *Store) ExistsInterestAccrualEvent(ctx context.Context, txHash string, logIndex int) (bool, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&InterestAccrualEvent{}).Where("tx_hash = ? AND log_index = ?", txHash, logIndex).Count(&count)
	if result.Error != nil {
		return false, ingesterr.TransientStore("store: check accrual existence", result.Error)
	}
	return count > 0, nil
}

// CreateInterestAccrualEvent inserts an accrual row.
func (s *Store) CreateInterestAccrualEvent(ctx context.Context, e *InterestAccrualEvent) error {
	result := s.db.WithContext(ctx).Create(e)
	if result.Error != nil {
		return ingesterr.TransientStore("store: create accrual event", result.Error)
	}
	return nil
}

// CreateMarketSnapshot inserts a snapshot row; a collision on (market_id,
// timestamp) is the idempotence signal and is treated as a no-op.
func (s *Store) CreateMarketSnapshot(ctx context.Context, snap *MarketSnapshot) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&MarketSnapshot{}).Where("market_id = ? AND timestamp = ?", snap.MarketID, snap.Timestamp).Count(&count).Error; err != nil {
		return ingesterr.TransientStore("store: check snapshot existence", err)
	}
	if count > 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Create(snap)
	if result.Error != nil {
		return ingesterr.TransientStore("store: create snapshot", result.Error)
	}
	return nil
}

// DeleteProjectionsFromHeight deletes Transaction, InterestAccrualEvent, and
// MarketSnapshot rows with block_height >= safe, per reorg recovery §4.6.2.
// Markets and UserPositions are never touched here.
func (s *Store) DeleteProjectionsFromHeight(ctx context.Context, safe uint64) error {
	if err := s.db.WithContext(ctx).Where("block_height >= ?", safe).Delete(&Transaction{}).Error; err != nil {
		return ingesterr.TransientStore("store: delete transactions for reorg", err)
	}
	if err := s.db.WithContext(ctx).Where("block_height >= ?", safe).Delete(&InterestAccrualEvent{}).Error; err != nil {
		return ingesterr.TransientStore("store: delete accrual events for reorg", err)
	}
	if err := s.db.WithContext(ctx).Where("block_height >= ?", safe).Delete(&MarketSnapshot{}).Error; err != nil {
		return ingesterr.TransientStore("store: delete snapshots for reorg", err)
	}
	return nil
}

// SumPositionAggregates is used by the invariant audit job: sums
// supply_scaled/debt_scaled/collateral over every position in a market, to
// compare against the market's own stored totals (spec §8 quantified
// invariants).
func (s *Store) SumPositionAggregates(ctx context.Context, marketID string) (supplyScaled, debtScaled, collateral string, err error) {
	var row struct {
		SupplyScaled string
		DebtScaled   string
		Collateral   string
	}
	result := s.db.WithContext(ctx).Model(&UserPosition{}).
		Select("COALESCE(SUM(supply_scaled),0) as supply_scaled, COALESCE(SUM(debt_scaled),0) as debt_scaled, COALESCE(SUM(collateral),0) as collateral").
		Where("market_id = ?", marketID).
		Scan(&row)
	if result.Error != nil {
		return "", "", "", ingesterr.TransientStore("store: sum position aggregates", result.Error)
	}
	return row.SupplyScaled, row.DebtScaled, row.Collateral, nil
}

// ListMarkets returns every market row, for the audit job and the query API.
func (s *Store) ListMarkets(ctx context.Context) ([]Market, error) {
	var rows []Market
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, ingesterr.TransientStore("store: list markets", err)
	}
	return rows, nil
}

// ListPositionsByMarket returns every position row in a market, for the
// audit job.
func (s *Store) ListPositionsByMarket(ctx context.Context, marketID string) ([]UserPosition, error) {
	var rows []UserPosition
	if err := s.db.WithContext(ctx).Where("market_id = ?", marketID).Find(&rows).Error; err != nil {
		return nil, ingesterr.TransientStore("store: list positions", err)
	}
	return rows, nil
}

// ListPositionsByUser returns every position held by a user across all
// markets, for the query API's "positions by user" surface.
func (s *Store) ListPositionsByUser(ctx context.Context, userAddress string) ([]UserPosition, error) {
	var rows []UserPosition
	if err := s.db.WithContext(ctx).Where("user_address = ?", userAddress).Find(&rows).Error; err != nil {
		return nil, ingesterr.TransientStore("store: list positions by user", err)
	}
	return rows, nil
}

// ListAllPositions returns every position row across every market, used by
// the query API's liquidatable-positions listing (a read-time filter, not a
// stored flag).
func (s *Store) ListAllPositions(ctx context.Context) ([]UserPosition, error) {
	var rows []UserPosition
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, ingesterr.TransientStore("store: list all positions", err)
	}
	return rows, nil
}

// ListTransactions returns a market's transactions newest-first, bounded by
// limit (capped at 500).
func (s *Store) ListTransactions(ctx context.Context, marketID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	var rows []Transaction
	if err := s.db.WithContext(ctx).Where("market_id = ?", marketID).Order("block_height DESC, log_index DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, ingesterr.TransientStore("store: list transactions", err)
	}
	return rows, nil
}

// ListMarketSnapshots returns a market's snapshots newest-first, bounded by
// limit (capped at 500).
func (s *Store) ListMarketSnapshots(ctx context.Context, marketID string, limit int) ([]MarketSnapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	var rows []MarketSnapshot
	if err := s.db.WithContext(ctx).Where("market_id = ?", marketID).Order("timestamp DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, ingesterr.TransientStore("store: list market snapshots", err)
	}
	return rows, nil
}

// ListAccrualEvents returns a market's interest accrual events newest-first,
// bounded by limit (capped at 500).
func (s *Store) ListAccrualEvents(ctx context.Context, marketID string, limit int) ([]InterestAccrualEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	var rows []InterestAccrualEvent
	if err := s.db.WithContext(ctx).Where("market_id = ?", marketID).Order("block_height DESC, log_index DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, ingesterr.TransientStore("store: list accrual events", err)
	}
	return rows, nil
}
