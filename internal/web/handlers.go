package web

import (
	_ "embed"
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/cryptopump/internal/storage"
	"github.com/camuig/cryptopump/internal/trading"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

//go:embed dashboard.html
var dashboardHTML string

var dashboard = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"money": func(d decimal.Decimal) string { return d.StringFixed(2) },
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05")
	},
}).Parse(dashboardHTML))

type TradeView struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Strategy      string          `json:"strategy"`
	Status        string          `json:"status"`
	EntryPrice    float64         `json:"entry_price"`
	Quantity      float64         `json:"quantity"`
	Notional      decimal.Decimal `json:"notional"`
	StopLoss      float64         `json:"stop_loss"`
	TakeProfit    float64         `json:"take_profit"`
	TrailingStop  float64         `json:"trailing_stop"`
	LastPrice     float64         `json:"last_price"`
	ExitPending   bool            `json:"exit_pending"`
	ExitPrice     float64         `json:"exit_price,omitempty"`
	ExitReason    string          `json:"exit_reason,omitempty"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	CreatedAt     time.Time       `json:"created_at"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at"`
}

type CooldownView struct {
	Scope  string    `json:"scope"`
	Reason string    `json:"reason"`
	Expiry time.Time `json:"expiry"`
}

type StatusView struct {
	Mode           string          `json:"mode"`
	Available      decimal.Decimal `json:"available"`
	Reserved       decimal.Decimal `json:"reserved"`
	Equity         decimal.Decimal `json:"equity"`
	DailyPnL       decimal.Decimal `json:"daily_pnl"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	DailyTarget    decimal.Decimal `json:"daily_target"`
	TargetProgress float64         `json:"target_progress"`
	TradesToday    int             `json:"trades_today"`
	WinsToday      int             `json:"wins_today"`
	LossesToday    int             `json:"losses_today"`
	ActiveTrades   int             `json:"active_trades"`
	MaxTrades      int             `json:"max_trades"`
	Breaker        bool            `json:"breaker"`
	Halted         string          `json:"halted,omitempty"`
	Trades         []TradeView     `json:"trades"`
	Cooldowns      []CooldownView  `json:"cooldowns"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type DashboardData struct {
	Status       StatusView
	RecentTrades []TradeView
	Realized7d   float64
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := DashboardData{Status: s.status()}

	if trades, err := s.history.RecentTrades(r.Context(), defaultLimit); err == nil {
		data.RecentTrades = tradeViews(trades)
	} else {
		s.logger.Error("load recent trades", "error", err)
	}
	if pnl, err := s.history.RealizedPnLSince(r.Context(), s.now().AddDate(0, 0, -7)); err == nil {
		data.Realized7d = pnl
	} else {
		s.logger.Error("load realized pnl", "error", err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboard.Execute(w, data); err != nil {
		s.logger.Error("execute template", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	trades, err := s.history.RecentTrades(r.Context(), limit)
	if err != nil {
		s.serverError(w, "load trades", err)
		return
	}
	s.writeJSON(w, http.StatusOK, tradeViews(trades))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	snaps, err := s.history.SnapshotHistory(r.Context(), limit)
	if err != nil {
		s.serverError(w, "load snapshots", err)
		return
	}
	if snaps == nil {
		snaps = []trading.BalanceSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	logs, err := s.history.RecentScanLogs(r.Context(), limit)
	if err != nil {
		s.serverError(w, "load scan logs", err)
		return
	}
	if logs == nil {
		logs = []storage.ScanLog{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

// handleHealth fails while approvals are halted on inconsistent state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	if st.Halted != "" {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted", "reason": st.Halted})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status() StatusView {
	st := s.engine.Status()
	snap := st.Snapshot

	v := StatusView{
		Mode:         "LIVE",
		Available:    snap.Available,
		Reserved:     snap.Reserved,
		Equity:       snap.Equity,
		DailyPnL:     snap.DailyPnL,
		TotalPnL:     snap.TotalPnL,
		DailyTarget:  st.DailyTarget,
		TradesToday:  snap.TradesToday,
		WinsToday:    snap.WinsToday,
		LossesToday:  snap.LossesToday,
		ActiveTrades: len(st.Trades),
		MaxTrades:    st.MaxTrades,
		Breaker:      st.Breaker,
		Halted:       st.Halted,
		Trades:       tradeViews(st.Trades),
		Cooldowns:    make([]CooldownView, 0, len(st.Cooldowns)),
		UpdatedAt:    snap.Timestamp,
	}
	if s.config.IsPaper() {
		v.Mode = "PAPER"
	}
	if st.DailyTarget.IsPositive() {
		v.TargetProgress = snap.DailyPnL.Div(st.DailyTarget).Mul(decimal.NewFromInt(100)).Round(1).InexactFloat64()
	}
	for _, cd := range st.Cooldowns {
		v.Cooldowns = append(v.Cooldowns, CooldownView{Scope: cd.Scope, Reason: string(cd.Reason), Expiry: cd.Expiry})
	}
	return v
}

func tradeViews(trades []trading.Trade) []TradeView {
	out := make([]TradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, TradeView{
			ID:            t.ID,
			Symbol:        t.Symbol,
			Side:          string(t.Side),
			Strategy:      string(t.Strategy),
			Status:        string(t.Status),
			EntryPrice:    t.EntryPrice,
			Quantity:      t.Quantity,
			Notional:      t.Notional,
			StopLoss:      t.StopLoss,
			TakeProfit:    t.TakeProfit,
			TrailingStop:  t.TrailingStop,
			LastPrice:     t.LastPrice,
			ExitPending:   t.ExitPending,
			ExitPrice:     t.ExitPrice,
			ExitReason:    string(t.ExitReason),
			UnrealizedPnL: t.UnrealizedPnL(),
			RealizedPnL:   t.RealizedPnL,
			CreatedAt:     t.CreatedAt,
			OpenedAt:      t.OpenedAt,
			ClosedAt:      t.ClosedAt,
		})
	}
	return out
}

func (s *Server) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}

func (s *Server) serverError(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what, "error", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
