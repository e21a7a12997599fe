package telegram

import (
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/metrics"
	"github.com/camuig/cryptopump/internal/trading"
)

const (
	queueSize    = 64
	drainTimeout = 5 * time.Second
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier delivers messages from a single background worker. Enqueueing
// never blocks: when the queue is full the message is dropped.
type Notifier struct {
	bot     sender
	chatID  int64
	enabled bool
	logger  *logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan string
	done   chan struct{}
}

func NewNotifier(cfg *config.Config, log *logger.Logger) *Notifier {
	if !cfg.Telegram.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)
	return newNotifier(bot, cfg.Telegram.ChatID, log)
}

func newNotifier(bot sender, chatID int64, log *logger.Logger) *Notifier {
	n := &Notifier{
		bot:     bot,
		chatID:  chatID,
		enabled: true,
		logger:  log,
		queue:   make(chan string, queueSize),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *Notifier) NotifyTradeOpened(t trading.Trade) { n.send(formatOpened(t)) }

func (n *Notifier) NotifyTradeClosed(t trading.Trade) { n.send(formatClosed(t)) }

func (n *Notifier) NotifyRiskBreach(s trading.BalanceSnapshot, limit string) {
	n.send(formatBreach(s, limit))
}

func (n *Notifier) NotifyDailySummary(s trading.DailySummary) { n.send(formatSummary(s)) }

func (n *Notifier) NotifyError(context string, err error) {
	n.send(fmt.Sprintf("⚠️ *Error* [%s]\n%s", escape(context), escape(err.Error())))
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(escape(message))
}

// Close stops accepting messages and waits briefly for the queue to drain.
func (n *Notifier) Close() {
	if !n.enabled {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	select {
	case <-n.done:
	case <-time.After(drainTimeout):
		n.logger.Warn("telegram queue not drained before shutdown")
	}
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- text:
	default:
		metrics.Notifications.WithLabelValues("dropped").Inc()
		n.logger.Warn("telegram queue full, message dropped")
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for text := range n.queue {
		msg := tgbotapi.NewMessage(n.chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown

		if _, err := n.bot.Send(msg); err != nil {
			metrics.Notifications.WithLabelValues("failed").Inc()
			n.logger.Error("send telegram message", "error", err)
			continue
		}
		metrics.Notifications.WithLabelValues("sent").Inc()
	}
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}

func formatOpened(t trading.Trade) string {
	return fmt.Sprintf("🟢 *%s* %s (%s)\nEntry: %s\nQty: %s\nSize: %s USDT\nSL: %s\nTP: %s",
		sideLabel(t.Side), escape(t.Symbol), escape(string(t.Strategy)),
		price(t.EntryPrice), qty(t.Quantity), t.Notional.StringFixed(2),
		price(t.StopLoss), price(t.TakeProfit))
}

func formatClosed(t trading.Trade) string {
	emoji := "🔴"
	if t.RealizedPnL.IsPositive() {
		emoji = "💰"
	}
	return fmt.Sprintf("%s *CLOSE* %s %s\nReason: %s\nEntry: %s\nExit: %s\nP&L: %s USDT",
		emoji, sideLabel(t.Side), escape(t.Symbol), escape(string(t.ExitReason)),
		price(t.EntryPrice), price(t.ExitPrice), t.RealizedPnL.StringFixed(2))
}

func formatBreach(s trading.BalanceSnapshot, limit string) string {
	return fmt.Sprintf("🛑 *Daily loss limit reached*\nDaily P&L: %s USDT (limit %s)\nAvailable: %s USDT\nNew entries paused until the next daily reset.",
		s.DailyPnL.StringFixed(2), escape(limit), s.Available.StringFixed(2))
}

func formatSummary(s trading.DailySummary) string {
	return fmt.Sprintf("📊 *Daily summary* %s\nTrades: %d (W %d / L %d)\nP&L: %s USDT\nTarget: %s USDT (%.0f%%)\nEquity: %s USDT\nOpen trades: %d",
		s.Day.Format("2006-01-02"), s.Trades, s.Wins, s.Losses,
		s.DailyPnL.StringFixed(2), s.DailyTarget.StringFixed(2), s.TargetProgress,
		s.Equity.StringFixed(2), s.OpenTrades)
}

func sideLabel(s trading.Side) string {
	if s == trading.SideShort {
		return "SHORT"
	}
	return "LONG"
}

func price(v float64) string { return fmt.Sprintf("%.8g", v) }

func qty(v float64) string { return fmt.Sprintf("%.8g", v) }
