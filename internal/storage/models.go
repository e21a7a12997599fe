package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/cryptopump/internal/trading"
)

type TradeRecord struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Symbol   string `gorm:"index;not null" json:"symbol"`
	Side     string `gorm:"not null" json:"side"`
	Strategy string `json:"strategy"`
	Status   string `gorm:"index;not null" json:"status"` // pending, open, closed, cancelled

	EntryPrice float64         `json:"entry_price"`
	Quantity   float64         `json:"quantity"`
	Notional   decimal.Decimal `gorm:"type:text" json:"notional"`

	StopLoss        float64 `json:"stop_loss"`
	TakeProfit      float64 `json:"take_profit"`
	TrailingStop    float64 `json:"trailing_stop"`
	TrailingPercent float64 `json:"trailing_percent"`
	LastPrice       float64 `json:"last_price"`

	EntryOrderID string          `json:"entry_order_id"`
	ExitOrderID  string          `json:"exit_order_id"`
	ExitPending  bool            `json:"exit_pending"`
	ExitReason   string          `json:"exit_reason"`
	ExitAttempts int             `json:"exit_attempts"`
	ExitPrice    float64         `json:"exit_price"`
	RealizedPnL  decimal.Decimal `gorm:"column:realized_pnl;type:text" json:"realized_pnl"`
	CancelReason string          `json:"cancel_reason"`

	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `gorm:"index" json:"closed_at"`
	Revision int64     `gorm:"not null" json:"revision"`
}

// BalanceSnapshotRecord keeps every committed ledger version.
type BalanceSnapshotRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Schema      int             `json:"schema"`
	Version     int64           `gorm:"uniqueIndex;not null" json:"version"`
	Available   decimal.Decimal `gorm:"type:text" json:"available"`
	Reserved    decimal.Decimal `gorm:"type:text" json:"reserved"`
	Equity      decimal.Decimal `gorm:"type:text" json:"equity"`
	DailyPnL    decimal.Decimal `gorm:"column:daily_pnl;type:text" json:"daily_pnl"`
	TotalPnL    decimal.Decimal `gorm:"column:total_pnl;type:text" json:"total_pnl"`
	DayStart    time.Time       `json:"day_start"`
	TradesToday int             `json:"trades_today"`
	WinsToday   int             `json:"wins_today"`
	LossesToday int             `json:"losses_today"`
	Timestamp   time.Time       `json:"timestamp"`
}

type CooldownRecord struct {
	Scope     string    `gorm:"primaryKey;size:32" json:"scope"`
	UpdatedAt time.Time `json:"updated_at"`
	Reason    string    `gorm:"not null" json:"reason"`
	Expiry    time.Time `gorm:"index" json:"expiry"`
}

// ScanLog records one scanner run.
type ScanLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Kind         string `gorm:"index" json:"kind"`
	SignalsCount int    `json:"signals_count"`
	OpenedCount  int    `json:"opened_count"`
	SignalsJSON  string `gorm:"type:text" json:"signals_json"`
	Error        string `json:"error"`
}

func tradeRecord(t trading.Trade) TradeRecord {
	return TradeRecord{
		ID:              t.ID,
		CreatedAt:       t.CreatedAt,
		Symbol:          t.Symbol,
		Side:            string(t.Side),
		Strategy:        string(t.Strategy),
		Status:          string(t.Status),
		EntryPrice:      t.EntryPrice,
		Quantity:        t.Quantity,
		Notional:        t.Notional,
		StopLoss:        t.StopLoss,
		TakeProfit:      t.TakeProfit,
		TrailingStop:    t.TrailingStop,
		TrailingPercent: t.TrailingPercent,
		LastPrice:       t.LastPrice,
		EntryOrderID:    t.EntryOrderID,
		ExitOrderID:     t.ExitOrderID,
		ExitPending:     t.ExitPending,
		ExitReason:      string(t.ExitReason),
		ExitAttempts:    t.ExitAttempts,
		ExitPrice:       t.ExitPrice,
		RealizedPnL:     t.RealizedPnL,
		CancelReason:    t.CancelReason,
		OpenedAt:        t.OpenedAt,
		ClosedAt:        t.ClosedAt,
		Revision:        t.Revision,
	}
}

func (r TradeRecord) Trade() trading.Trade {
	return trading.Trade{
		ID:              r.ID,
		Symbol:          r.Symbol,
		Side:            trading.Side(r.Side),
		Strategy:        trading.StrategyKind(r.Strategy),
		Status:          trading.Status(r.Status),
		EntryPrice:      r.EntryPrice,
		Quantity:        r.Quantity,
		Notional:        r.Notional,
		StopLoss:        r.StopLoss,
		TakeProfit:      r.TakeProfit,
		TrailingStop:    r.TrailingStop,
		TrailingPercent: r.TrailingPercent,
		LastPrice:       r.LastPrice,
		EntryOrderID:    r.EntryOrderID,
		ExitOrderID:     r.ExitOrderID,
		ExitPending:     r.ExitPending,
		ExitReason:      trading.ExitReason(r.ExitReason),
		ExitAttempts:    r.ExitAttempts,
		ExitPrice:       r.ExitPrice,
		RealizedPnL:     r.RealizedPnL,
		CancelReason:    r.CancelReason,
		CreatedAt:       r.CreatedAt.UTC(),
		OpenedAt:        r.OpenedAt.UTC(),
		ClosedAt:        r.ClosedAt.UTC(),
		Revision:        r.Revision,
	}
}

func snapshotRecord(s trading.BalanceSnapshot) BalanceSnapshotRecord {
	return BalanceSnapshotRecord{
		Schema:      s.Schema,
		Version:     s.Version,
		Available:   s.Available,
		Reserved:    s.Reserved,
		Equity:      s.Equity,
		DailyPnL:    s.DailyPnL,
		TotalPnL:    s.TotalPnL,
		DayStart:    s.DayStart,
		TradesToday: s.TradesToday,
		WinsToday:   s.WinsToday,
		LossesToday: s.LossesToday,
		Timestamp:   s.Timestamp,
	}
}

func (r BalanceSnapshotRecord) Snapshot() trading.BalanceSnapshot {
	return trading.BalanceSnapshot{
		Schema:      r.Schema,
		Version:     r.Version,
		Available:   r.Available,
		Reserved:    r.Reserved,
		Equity:      r.Equity,
		DailyPnL:    r.DailyPnL,
		TotalPnL:    r.TotalPnL,
		DayStart:    r.DayStart.UTC(),
		TradesToday: r.TradesToday,
		WinsToday:   r.WinsToday,
		LossesToday: r.LossesToday,
		Timestamp:   r.Timestamp.UTC(),
	}
}

func (r CooldownRecord) Entry() trading.CooldownEntry {
	return trading.CooldownEntry{
		Scope:  r.Scope,
		Reason: trading.CooldownReason(r.Reason),
		Expiry: r.Expiry.UTC(),
	}
}
