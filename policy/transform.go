package policy

import (
	"fmt"
	"math"

	"copy-trader-go/store"
)

// SkipReason 枚举策略换算放弃下单的原因。
type SkipReason string

const (
	TooSmall        SkipReason = "TOO_SMALL"         // 换算后数量为零
	LinkNotionalCap SkipReason = "LINK_NOTIONAL_CAP" // 超出跟单关系的名义金额上限
	BadPolicy       SkipReason = "BAD_POLICY"        // 策略参数非法
)

// SkipError 表示本次跟单被策略跳过；不是故障，计入 PolicySkip 统计。
type SkipError struct {
	Reason SkipReason
	Detail string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("policy skip %s: %s", e.Reason, e.Detail)
}

// Input carries everything the transform needs besides the link itself.
type Input struct {
	Master store.Order
	Link   store.FollowerLink
	// AvailableBalance 跟单账户可用余额（percentage 策略用）。
	AvailableBalance float64
	// ReferencePrice 名义金额与 percentage 换算用的参考价：
	// 主单有限价用限价，否则用主单成交均价，再否则用最近标记价。
	ReferencePrice float64
	// LotSize 合约最小交易单位，换算结果向下取整到它的倍数。
	LotSize int64
}

// Transform derives the follower order draft from the master order.
// Side, type, symbol, exchange, prices are copied verbatim; only the
// quantity is derived. Deterministic given the same input.
func Transform(in Input) (store.Order, error) {
	lot := in.LotSize
	if lot <= 0 {
		lot = 1
	}

	var qty int64
	switch in.Link.Policy {
	case store.PolicyFixedRatio:
		if in.Link.Ratio <= 0 {
			return store.Order{}, &SkipError{Reason: BadPolicy, Detail: fmt.Sprintf("ratio %v", in.Link.Ratio)}
		}
		qty = int64(math.Round(float64(in.Master.Quantity) * in.Link.Ratio))
	case store.PolicyPercentage:
		if in.Link.Percent <= 0 || in.Link.Percent > 100 {
			return store.Order{}, &SkipError{Reason: BadPolicy, Detail: fmt.Sprintf("percent %v", in.Link.Percent)}
		}
		if in.ReferencePrice <= 0 {
			return store.Order{}, &SkipError{Reason: BadPolicy, Detail: "reference price unavailable"}
		}
		qty = int64(math.Floor(in.AvailableBalance * in.Link.Percent / 100 / in.ReferencePrice))
	case store.PolicyFixedQuantity:
		if in.Link.Quantity <= 0 {
			return store.Order{}, &SkipError{Reason: BadPolicy, Detail: fmt.Sprintf("quantity %v", in.Link.Quantity)}
		}
		qty = in.Link.Quantity
	default:
		return store.Order{}, &SkipError{Reason: BadPolicy, Detail: fmt.Sprintf("unknown policy %q", in.Link.Policy)}
	}

	// 向下取整到手数
	qty = qty / lot * lot
	if qty <= 0 {
		return store.Order{}, &SkipError{Reason: TooSmall, Detail: fmt.Sprintf("quantity floored to zero (lot %d)", lot)}
	}

	if in.Link.MaxOrderNotional > 0 {
		notional := float64(qty) * in.ReferencePrice
		if notional > in.Link.MaxOrderNotional {
			return store.Order{}, &SkipError{
				Reason: LinkNotionalCap,
				Detail: fmt.Sprintf("notional %.2f exceeds link cap %.2f", notional, in.Link.MaxOrderNotional),
			}
		}
	}

	return store.Order{
		Account:      in.Link.FollowerAccount,
		ParentID:     in.Master.ID,
		StrategyID:   in.Master.StrategyID,
		Side:         in.Master.Side,
		Type:         in.Master.Type,
		Symbol:       in.Master.Symbol,
		Exchange:     in.Master.Exchange,
		Quantity:     qty,
		LimitPrice:   in.Master.LimitPrice,
		TriggerPrice: in.Master.TriggerPrice,
		Product:      in.Master.Product,
		Validity:     in.Master.Validity,
		Status:       store.StatusPending,
	}, nil
}
