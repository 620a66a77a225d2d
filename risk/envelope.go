package risk

import "copy-trader-go/store"

// Envelope 单账户的事前风控上限。零值字段表示未设置该限制。
type Envelope struct {
	MaxDailyLoss        float64 // 当日已实现亏损上限（正数）
	MaxDrawdownFrac     float64 // 会话内峰谷回撤比例上限 (0,1]
	MaxPositionNotional float64 // 单笔持仓名义金额上限
	MaxOpenPositions    int     // 持仓数量上限
	MaxExposure         float64 // 总敞口上限
	StopLossRequired    bool    // 必须带止损
}

// merge 取两套限制中较窄的一边；零值不参与收窄。
func merge(base, override Envelope) Envelope {
	out := base
	if override.MaxDailyLoss > 0 && (out.MaxDailyLoss == 0 || override.MaxDailyLoss < out.MaxDailyLoss) {
		out.MaxDailyLoss = override.MaxDailyLoss
	}
	if override.MaxDrawdownFrac > 0 && (out.MaxDrawdownFrac == 0 || override.MaxDrawdownFrac < out.MaxDrawdownFrac) {
		out.MaxDrawdownFrac = override.MaxDrawdownFrac
	}
	if override.MaxPositionNotional > 0 && (out.MaxPositionNotional == 0 || override.MaxPositionNotional < out.MaxPositionNotional) {
		out.MaxPositionNotional = override.MaxPositionNotional
	}
	if override.MaxOpenPositions > 0 && (out.MaxOpenPositions == 0 || override.MaxOpenPositions < out.MaxOpenPositions) {
		out.MaxOpenPositions = override.MaxOpenPositions
	}
	if override.MaxExposure > 0 && (out.MaxExposure == 0 || override.MaxExposure < out.MaxExposure) {
		out.MaxExposure = override.MaxExposure
	}
	if override.StopLossRequired {
		out.StopLossRequired = true
	}
	return out
}

// Resolve 计算账户生效的限制：系统默认 → 账户覆盖 → 跟单关系覆盖，
// 逐层取更窄的一边。
func Resolve(systemDefault Envelope, accountOverride *Envelope, link *store.FollowerLink) Envelope {
	env := systemDefault
	if accountOverride != nil {
		env = merge(env, *accountOverride)
	}
	if link != nil && link.MaxDailyLoss > 0 {
		env = merge(env, Envelope{MaxDailyLoss: link.MaxDailyLoss})
	}
	return env
}
