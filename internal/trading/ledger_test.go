package trading

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerKeepsCapitalConserved(t *testing.T) {
	l := NewLedger(dec("200"), testStart)

	require.NoError(t, l.Reserve(dec("30")))
	require.NoError(t, l.Reserve(dec("25.5")))
	l.Realize(dec("30"), dec("-4.25"))
	l.Release(dec("25.5"))

	assert.True(t, l.Available().Equal(dec("195.75")))
	assert.True(t, l.Reserved().IsZero())
	assert.True(t, l.DailyPnL().Equal(dec("-4.25")))

	snap := l.Snapshot(3, decimal.Zero, testStart)
	assert.Equal(t, 1, snap.TradesToday)
	assert.Equal(t, 1, snap.LossesToday)
	assert.Equal(t, SnapshotSchema, snap.Schema)
}

func TestLedgerReserveRefusesOverdraft(t *testing.T) {
	l := NewLedger(dec("10"), testStart)
	assert.ErrorIs(t, l.Reserve(dec("10.01")), ErrInsufficientBalance)
	assert.True(t, l.Available().Equal(dec("10")))
}

func TestLedgerFromSnapshotMovesStaleReservation(t *testing.T) {
	snap := BalanceSnapshot{Available: dec("140"), Reserved: dec("60"), DailyPnL: dec("-2"), DayStart: testStart}

	l := LedgerFromSnapshot(snap, dec("30"))
	assert.True(t, l.Available().Equal(dec("170")))
	assert.True(t, l.Reserved().Equal(dec("30")))
	assert.True(t, l.DailyPnL().Equal(dec("-2")))
}

func TestLedgerResetDayKeepsBalances(t *testing.T) {
	l := NewLedger(dec("200"), testStart)
	require.NoError(t, l.Reserve(dec("30")))
	l.Realize(dec("30"), dec("6"))

	l.ResetDay(testStart.Add(24 * time.Hour))
	assert.True(t, l.DailyPnL().IsZero())
	assert.True(t, l.Available().Equal(dec("206")))
	assert.Equal(t, 0, l.Snapshot(1, decimal.Zero, testStart).WinsToday)
}

func TestCooldownRegistry(t *testing.T) {
	c := NewCooldownRegistry()
	c.Register("BTCUSDT", CooldownLoss, testStart.Add(30*time.Minute))

	_, ok := c.Active("BTCUSDT", testStart.Add(29*time.Minute))
	assert.True(t, ok)
	_, ok = c.Active("ETHUSDT", testStart)
	assert.False(t, ok)
	_, ok = c.Active("BTCUSDT", testStart.Add(30*time.Minute))
	assert.False(t, ok, "expiry is exclusive")

	c.Register(GlobalScope, CooldownDailyLimit, testStart.Add(12*time.Hour))
	e, ok := c.Active("ETHUSDT", testStart)
	require.True(t, ok)
	assert.Equal(t, GlobalScope, e.Scope)

	cleared := c.Clear(CooldownDailyLimit)
	require.Len(t, cleared, 1)
	assert.True(t, cleared[0].Expiry.IsZero())
	_, ok = c.Active("ETHUSDT", testStart)
	assert.False(t, ok)
}

func TestCooldownRegisterKeepsLaterExpiry(t *testing.T) {
	c := NewCooldownRegistry()
	c.Register("BTCUSDT", CooldownLoss, testStart.Add(time.Hour))
	got := c.Register("BTCUSDT", CooldownLoss, testStart.Add(time.Minute))
	assert.Equal(t, testStart.Add(time.Hour), got.Expiry)
}

func TestDayBoundary(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	d := DayBoundary{Hour: 9, Minute: 30, Location: loc}

	now := time.Date(2025, 3, 10, 8, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2025, 3, 9, 9, 30, 0, 0, loc), d.Start(now))
	assert.Equal(t, time.Date(2025, 3, 10, 9, 30, 0, 0, loc), d.Next(now))
	assert.True(t, d.SameDay(now, time.Date(2025, 3, 10, 9, 29, 0, 0, loc)))
	assert.False(t, d.SameDay(now, time.Date(2025, 3, 10, 9, 30, 0, 0, loc)))
}
