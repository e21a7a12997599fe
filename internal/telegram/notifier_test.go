package telegram

import (
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/trading"
)

type fakeBot struct {
	mu    sync.Mutex
	texts []string
	fail  bool
	block chan struct{}
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return tgbotapi.Message{}, errors.New("bad gateway")
	}
	msg := c.(tgbotapi.MessageConfig)
	b.texts = append(b.texts, msg.Text)
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

func closedTrade() trading.Trade {
	return trading.Trade{
		ID:          "t1",
		Symbol:      "SOLUSDT",
		Side:        trading.SideLong,
		Strategy:    trading.StrategyTopMover,
		Status:      trading.StatusClosed,
		EntryPrice:  150,
		ExitPrice:   147,
		Quantity:    0.2,
		Notional:    decimal.RequireFromString("30"),
		ExitReason:  trading.ExitStopLoss,
		RealizedPnL: decimal.RequireFromString("-0.6"),
	}
}

func TestDisabledNotifierIsSilent(t *testing.T) {
	cfg := config.Default()
	n := NewNotifier(cfg, logger.Nop())
	n.NotifyStatus("hello")
	n.NotifyError("scan", errors.New("boom"))
	n.Close()
}

func TestNotifierDeliversInOrder(t *testing.T) {
	bot := &fakeBot{}
	n := newNotifier(bot, 42, logger.Nop())

	n.NotifyStatus("started")
	n.NotifyTradeClosed(closedTrade())
	n.Close()

	texts := bot.sent()
	require.Len(t, texts, 2)
	assert.Equal(t, "started", texts[0])
	assert.Contains(t, texts[1], "SOLUSDT")
	assert.Contains(t, texts[1], `stop\_loss`)
	assert.Contains(t, texts[1], "-0.60 USDT")
}

func TestNotifyStatusEscapesMarkdown(t *testing.T) {
	bot := &fakeBot{}
	n := newNotifier(bot, 42, logger.Nop())

	n.NotifyStatus("reconciled 1000_SATS_USDT *after* halt")
	n.Close()

	texts := bot.sent()
	require.Len(t, texts, 1)
	assert.Equal(t, `reconciled 1000\_SATS\_USDT \*after\* halt`, texts[0])
}

func TestNotifierDropsWhenQueueFull(t *testing.T) {
	bot := &fakeBot{block: make(chan struct{})}
	n := newNotifier(bot, 42, logger.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize+10; i++ {
			n.NotifyStatus("tick")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a stuck sender")
	}
	close(bot.block)
	n.Close()
	assert.LessOrEqual(t, len(bot.sent()), queueSize+1)
}

func TestNotifierSurvivesSendFailures(t *testing.T) {
	bot := &fakeBot{fail: true}
	n := newNotifier(bot, 42, logger.Nop())
	n.NotifyStatus("lost")
	n.Close()
	n.NotifyStatus("after close")
	assert.Empty(t, bot.sent())
}

func TestFormatSummary(t *testing.T) {
	text := formatSummary(trading.DailySummary{
		Day:            time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Trades:         4,
		Wins:           3,
		Losses:         1,
		DailyPnL:       decimal.RequireFromString("75"),
		DailyTarget:    decimal.RequireFromString("150"),
		TargetProgress: 50,
		Equity:         decimal.RequireFromString("275"),
	})
	assert.Contains(t, text, "2025-03-10")
	assert.Contains(t, text, "W 3 / L 1")
	assert.Contains(t, text, "150.00 USDT (50%)")
}

func TestFormatOpened(t *testing.T) {
	tr := closedTrade()
	tr.Side = trading.SideShort
	tr.StopLoss = 153
	tr.TakeProfit = 144
	text := formatOpened(tr)
	assert.Contains(t, text, "*SHORT* SOLUSDT")
	assert.Contains(t, text, `top\_mover`)
	assert.Contains(t, text, "SL: 153")
}
