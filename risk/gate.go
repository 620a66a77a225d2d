package risk

import (
	"context"
	"fmt"
	"time"

	"copy-trader-go/broker"
	"copy-trader-go/store"
)

// PnLSource 提供账户当日已实现盈亏（卖出名义 − 买入名义；不扣除费用）。
// 生产实现是 store.Store.DailyRealizedPnL。
type PnLSource interface {
	DailyRealizedPnL(ctx context.Context, account string, day time.Time) (float64, error)
}

// AccountSource 提供持仓与余额快照；生产实现是券商适配器，测试用桩。
type AccountSource interface {
	Positions(ctx context.Context, account string) ([]broker.Position, error)
	Balance(ctx context.Context, account string) (broker.Balance, error)
}

// Gate 是事前风控闸门。每个跟单订单在下单前都要过一遍；
// 拒单只影响该跟单，不影响同一扇出中的其他账户。
type Gate struct {
	pnl      PnLSource
	accounts AccountSource
	drawdown *DrawdownTracker
	clock    Clock
}

// NewGate wires the gate. clock == nil uses the real clock.
func NewGate(pnl PnLSource, accounts AccountSource, drawdown *DrawdownTracker, clock Clock) *Gate {
	if clock == nil {
		clock = NowUTC
	}
	if drawdown == nil {
		drawdown = NewDrawdownTracker()
	}
	return &Gate{pnl: pnl, accounts: accounts, drawdown: drawdown, clock: clock}
}

// Check evaluates the proposed follower order against the effective
// envelope. refPrice is the price used for notional estimation (limit
// price when set, else the master's average fill price, else last-known
// mark). Source failures return an
// error; the caller records those as broker errors, not denials.
func (g *Gate) Check(ctx context.Context, account string, proposed store.Order, refPrice float64, env Envelope) (Decision, error) {
	notional := float64(proposed.Quantity) * refPrice

	if env.StopLossRequired && proposed.TriggerPrice <= 0 &&
		proposed.Type != store.TypeStop && proposed.Type != store.TypeStopMarket {
		return Deny(StopLossMissing, "stop loss required by envelope"), nil
	}

	if env.MaxPositionNotional > 0 && notional > env.MaxPositionNotional {
		return Deny(PositionSizeBreached,
			fmt.Sprintf("notional %.2f exceeds cap %.2f", notional, env.MaxPositionNotional)), nil
	}

	if env.MaxDailyLoss > 0 {
		pnl, err := g.pnl.DailyRealizedPnL(ctx, account, g.clock.Now())
		if err != nil {
			return Decision{}, fmt.Errorf("daily pnl for %s: %w", account, err)
		}
		if loss := -pnl; loss >= env.MaxDailyLoss {
			return Deny(DailyLossBreached,
				fmt.Sprintf("daily loss %.2f at limit %.2f", loss, env.MaxDailyLoss)), nil
		}
	}

	var positions []broker.Position
	if env.MaxOpenPositions > 0 || env.MaxExposure > 0 {
		var err error
		positions, err = g.accounts.Positions(ctx, account)
		if err != nil {
			return Decision{}, fmt.Errorf("positions for %s: %w", account, err)
		}
	}

	if env.MaxOpenPositions > 0 && len(positions) >= env.MaxOpenPositions {
		return Deny(PositionCountBreached,
			fmt.Sprintf("%d open positions at limit %d", len(positions), env.MaxOpenPositions)), nil
	}

	if env.MaxExposure > 0 {
		exposure := 0.0
		for _, p := range positions {
			exposure += abs(float64(p.Quantity) * p.MarkPrice)
		}
		if exposure+notional > env.MaxExposure {
			return Deny(ExposureBreached,
				fmt.Sprintf("exposure %.2f + order %.2f exceeds %.2f", exposure, notional, env.MaxExposure)), nil
		}
	}

	if proposed.Side == store.SideBuy || env.MaxDrawdownFrac > 0 {
		bal, err := g.accounts.Balance(ctx, account)
		if err != nil {
			return Decision{}, fmt.Errorf("balance for %s: %w", account, err)
		}
		g.drawdown.Record(account, bal.Available+bal.Margin)

		if proposed.Side == store.SideBuy && notional > bal.Available {
			return Deny(InsufficientBalance,
				fmt.Sprintf("order %.2f exceeds available %.2f", notional, bal.Available)), nil
		}
		if env.MaxDrawdownFrac > 0 {
			if dd := g.drawdown.Frac(account); dd >= env.MaxDrawdownFrac {
				return Deny(DrawdownBreached,
					fmt.Sprintf("session drawdown %.4f at limit %.4f", dd, env.MaxDrawdownFrac)), nil
			}
		}
	}

	return Allow(), nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
