package risk

import "time"

// Clock 提供当日亏损窗口的参考时间，测试中可注入固定时刻。
type Clock interface {
	Now() time.Time
}

// utcClock 统一用 UTC；日亏窗口按 UTC 自然日切分，避免交易所时区歧义。
type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

var NowUTC Clock = utcClock{}
