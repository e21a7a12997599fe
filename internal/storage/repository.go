package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camuig/cryptopump/internal/trading"
)

// Repository implements trading.Store on top of GORM.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Checkpoints

// SaveCheckpoint writes the snapshot, trades and cooldowns of cp in one
// transaction. A trade row is only replaced by a higher revision, so a late
// write of an older checkpoint cannot roll state back.
func (r *Repository) SaveCheckpoint(ctx context.Context, cp trading.Checkpoint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap := snapshotRecord(cp.Snapshot)
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&snap).Error; err != nil {
			return fmt.Errorf("save snapshot %d: %w", cp.Snapshot.Version, err)
		}

		for _, t := range cp.Trades {
			var current []int64
			if err := tx.Model(&TradeRecord{}).Where("id = ?", t.ID).Pluck("revision", &current).Error; err != nil {
				return fmt.Errorf("read trade %s: %w", t.ID, err)
			}
			if len(current) > 0 && current[0] > t.Revision {
				continue
			}
			rec := tradeRecord(t)
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
				return fmt.Errorf("save trade %s: %w", t.ID, err)
			}
		}

		for _, cd := range cp.Cooldowns {
			if cd.Expiry.IsZero() {
				if err := tx.Delete(&CooldownRecord{}, "scope = ?", cd.Scope).Error; err != nil {
					return fmt.Errorf("delete cooldown %s: %w", cd.Scope, err)
				}
				continue
			}
			rec := CooldownRecord{Scope: cd.Scope, Reason: string(cd.Reason), Expiry: cd.Expiry}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
				return fmt.Errorf("save cooldown %s: %w", cd.Scope, err)
			}
		}
		return nil
	})
}

func (r *Repository) LatestSnapshot(ctx context.Context) (*trading.BalanceSnapshot, error) {
	var rec BalanceSnapshotRecord
	err := r.db.WithContext(ctx).Order("version DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap := rec.Snapshot()
	return &snap, nil
}

// LoadActiveTrades returns every pending or open trade.
func (r *Repository) LoadActiveTrades(ctx context.Context) ([]trading.Trade, error) {
	var recs []TradeRecord
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{string(trading.StatusPending), string(trading.StatusOpen)}).
		Order("created_at ASC").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return toTrades(recs), nil
}

func (r *Repository) ActiveCooldowns(ctx context.Context, now time.Time) ([]trading.CooldownEntry, error) {
	var recs []CooldownRecord
	if err := r.db.WithContext(ctx).Where("expiry > ?", now).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]trading.CooldownEntry, len(recs))
	for i, rec := range recs {
		out[i] = rec.Entry()
	}
	return out, nil
}

// Trades

func (r *Repository) RecentTrades(ctx context.Context, limit int) ([]trading.Trade, error) {
	var recs []TradeRecord
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return toTrades(recs), nil
}

// RealizedPnLSince sums the P&L of trades closed at or after since.
func (r *Repository) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("status = ? AND closed_at >= ?", string(trading.StatusClosed), since).
		Select("COALESCE(SUM(CAST(realized_pnl AS REAL)), 0)").Scan(&total).Error
	return total, err
}

// Snapshots

func (r *Repository) SnapshotHistory(ctx context.Context, limit int) ([]trading.BalanceSnapshot, error) {
	var recs []BalanceSnapshotRecord
	err := r.db.WithContext(ctx).Order("version DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]trading.BalanceSnapshot, len(recs))
	for i, rec := range recs {
		out[i] = rec.Snapshot()
	}
	return out, nil
}

// Scan logs

func (r *Repository) SaveScanLog(ctx context.Context, log *ScanLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *Repository) RecentScanLogs(ctx context.Context, limit int) ([]ScanLog, error) {
	var logs []ScanLog
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

func toTrades(recs []TradeRecord) []trading.Trade {
	out := make([]trading.Trade, len(recs))
	for i, rec := range recs {
		out[i] = rec.Trade()
	}
	return out
}
