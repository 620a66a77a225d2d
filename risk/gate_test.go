package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"copy-trader-go/broker"
	"copy-trader-go/store"
)

type stubPnL struct {
	pnl float64
	err error
}

func (s stubPnL) DailyRealizedPnL(ctx context.Context, account string, day time.Time) (float64, error) {
	return s.pnl, s.err
}

type stubAccounts struct {
	positions []broker.Position
	balance   broker.Balance
	err       error
}

func (s stubAccounts) Positions(ctx context.Context, account string) ([]broker.Position, error) {
	return s.positions, s.err
}

func (s stubAccounts) Balance(ctx context.Context, account string) (broker.Balance, error) {
	return s.balance, s.err
}

func buyOrder(qty int64) store.Order {
	return store.Order{
		Account: "F1", Side: store.SideBuy, Type: store.TypeMarket,
		Symbol: "RELIANCE", Exchange: "NSE", Quantity: qty,
	}
}

func fullEnvelope() Envelope {
	return Envelope{
		MaxDailyLoss:        50000,
		MaxDrawdownFrac:     0.2,
		MaxPositionNotional: 500000,
		MaxOpenPositions:    10,
		MaxExposure:         1000000,
	}
}

func TestCheckAllowsCleanAccount(t *testing.T) {
	g := NewGate(stubPnL{pnl: 1000}, stubAccounts{balance: broker.Balance{Available: 1e6}}, nil, nil)
	d, err := g.Check(context.Background(), "F1", buyOrder(10), 2500, fullEnvelope())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("want allow, got deny %s: %s", d.Reason, d.Detail)
	}
}

func TestDailyLossBreached(t *testing.T) {
	g := NewGate(stubPnL{pnl: -50000}, stubAccounts{balance: broker.Balance{Available: 1e6}}, nil, nil)
	d, err := g.Check(context.Background(), "F1", buyOrder(10), 2500, fullEnvelope())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != DailyLossBreached {
		t.Fatalf("want DailyLossBreached, got %+v", d)
	}
}

func TestPositionSizeBreached(t *testing.T) {
	g := NewGate(stubPnL{}, stubAccounts{balance: broker.Balance{Available: 1e9}}, nil, nil)
	d, err := g.Check(context.Background(), "F1", buyOrder(1000), 2500, fullEnvelope())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != PositionSizeBreached {
		t.Fatalf("want PositionSizeBreached, got %+v", d)
	}
}

func TestPositionCountBreached(t *testing.T) {
	positions := make([]broker.Position, 10)
	g := NewGate(stubPnL{}, stubAccounts{positions: positions, balance: broker.Balance{Available: 1e6}}, nil, nil)
	d, err := g.Check(context.Background(), "F1", buyOrder(10), 2500, fullEnvelope())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != PositionCountBreached {
		t.Fatalf("want PositionCountBreached, got %+v", d)
	}
}

func TestExposureBreached(t *testing.T) {
	positions := []broker.Position{{Symbol: "TCS", Quantity: 300, MarkPrice: 3300}}
	g := NewGate(stubPnL{}, stubAccounts{positions: positions, balance: broker.Balance{Available: 1e6}}, nil, nil)
	d, err := g.Check(context.Background(), "F1", buyOrder(10), 2500, fullEnvelope())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != ExposureBreached {
		t.Fatalf("want ExposureBreached, got %+v", d)
	}
}

func TestInsufficientBalanceForBuys(t *testing.T) {
	g := NewGate(stubPnL{}, stubAccounts{balance: broker.Balance{Available: 1000}}, nil, nil)
	d, err := g.Check(context.Background(), "F1", buyOrder(10), 2500, fullEnvelope())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != InsufficientBalance {
		t.Fatalf("want InsufficientBalance, got %+v", d)
	}
}

func TestSellIgnoresBalance(t *testing.T) {
	g := NewGate(stubPnL{}, stubAccounts{balance: broker.Balance{Available: 0}}, nil, nil)
	o := buyOrder(10)
	o.Side = store.SideSell
	env := fullEnvelope()
	env.MaxDrawdownFrac = 0
	d, err := g.Check(context.Background(), "F1", o, 2500, env)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("sell should not require balance, got %+v", d)
	}
}

func TestDrawdownBreached(t *testing.T) {
	dd := NewDrawdownTracker()
	dd.Record("F1", 100000)
	g := NewGate(stubPnL{}, stubAccounts{balance: broker.Balance{Available: 70000}}, dd, nil)
	d, err := g.Check(context.Background(), "F1", buyOrder(1), 2500, fullEnvelope())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != DrawdownBreached {
		t.Fatalf("want DrawdownBreached, got %+v", d)
	}
}

func TestStopLossRequired(t *testing.T) {
	g := NewGate(stubPnL{}, stubAccounts{balance: broker.Balance{Available: 1e6}}, nil, nil)
	env := fullEnvelope()
	env.StopLossRequired = true
	d, err := g.Check(context.Background(), "F1", buyOrder(10), 2500, env)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != StopLossMissing {
		t.Fatalf("want StopLossMissing, got %+v", d)
	}
}

func TestSourceErrorPropagates(t *testing.T) {
	wantErr := errors.New("pnl query failed")
	g := NewGate(stubPnL{err: wantErr}, stubAccounts{}, nil, nil)
	if _, err := g.Check(context.Background(), "F1", buyOrder(10), 2500, fullEnvelope()); !errors.Is(err, wantErr) {
		t.Fatalf("want source error, got %v", err)
	}
}

func TestUnlimitedEnvelopeSkipsSources(t *testing.T) {
	g := NewGate(stubPnL{err: errors.New("must not be called")},
		stubAccounts{balance: broker.Balance{Available: 1e6}}, nil, nil)
	d, err := g.Check(context.Background(), "F1", buyOrder(10), 2500, Envelope{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("want allow with empty envelope, got %+v", d)
	}
}
