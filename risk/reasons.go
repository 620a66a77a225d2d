package risk

// DenyReason 枚举风控拒单原因；拒单计入复制结果统计，不触发告警。
type DenyReason string

const (
	DailyLossBreached    DenyReason = "DAILY_LOSS_BREACHED"
	DrawdownBreached     DenyReason = "DRAWDOWN_BREACHED"
	PositionCountBreached DenyReason = "POSITION_COUNT_BREACHED"
	PositionSizeBreached DenyReason = "POSITION_SIZE_BREACHED"
	ExposureBreached     DenyReason = "EXPOSURE_BREACHED"
	InsufficientBalance  DenyReason = "INSUFFICIENT_BALANCE"
	StopLossMissing      DenyReason = "STOP_LOSS_MISSING"
)

// Decision is the outcome of one pre-trade check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Detail  string
}

// Allow is the positive decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a denial with its enumerated reason.
func Deny(reason DenyReason, detail string) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: detail}
}
