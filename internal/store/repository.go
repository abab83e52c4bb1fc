// Package store persists backtest runs in PostgreSQL through gorm.
package store

import (
	"context"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"

	"tradecore/internal/backtest"
)

const insertBatchSize = 500

// Repository reads and writes backtest runs.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates or updates the run tables.
func (r *Repository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&RunRow{}, &TradeRow{}, &EquityRow{}); err != nil {
		return errors.Wrap(err, "migrate backtest tables")
	}
	return nil
}

// SaveResult writes the run, its trades and its equity curve in one
// transaction.
func (r *Repository) SaveResult(ctx context.Context, res *backtest.Result) error {
	if res == nil || res.ID == "" {
		return errors.New("result requires an id")
	}
	run := toRunRow(res)
	trades := toTradeRows(res.ID, res.Trades)
	equity := toEquityRows(res.ID, res.EquityCurve)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		if len(trades) > 0 {
			if err := tx.CreateInBatches(trades, insertBatchSize).Error; err != nil {
				return err
			}
		}
		if len(equity) > 0 {
			if err := tx.CreateInBatches(equity, insertBatchSize).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "save backtest result").With("id", res.ID)
	}
	return nil
}

// LoadResult reads a run back. Only the persisted fields are populated.
func (r *Repository) LoadResult(ctx context.Context, id string) (*backtest.Result, error) {
	db := r.db.WithContext(ctx)

	var run RunRow
	if err := db.First(&run, "id = ?", id).Error; err != nil {
		return nil, errors.Wrap(err, "load backtest run").With("id", id)
	}
	var trades []TradeRow
	if err := db.Where("run_id = ?", id).Order("trade_id").Find(&trades).Error; err != nil {
		return nil, errors.Wrap(err, "load backtest trades").With("id", id)
	}
	var equity []EquityRow
	if err := db.Where("run_id = ?", id).Order("seq").Find(&equity).Error; err != nil {
		return nil, errors.Wrap(err, "load backtest equity").With("id", id)
	}
	return fromRows(run, trades, equity), nil
}

// ListRuns returns the most recent runs first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []RunRow
	if err := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&runs).Error; err != nil {
		return nil, errors.Wrap(err, "list backtest runs")
	}
	return runs, nil
}
