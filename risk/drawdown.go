package risk

import "sync"

// DrawdownTracker 记录每个账户会话内的权益序列，估算峰谷回撤。
// 权益点由余额快照驱动（风控闸门在拿到余额时顺手喂入）。
type DrawdownTracker struct {
	mu    sync.Mutex
	peaks map[string]float64
	lasts map[string]float64
}

func NewDrawdownTracker() *DrawdownTracker {
	return &DrawdownTracker{
		peaks: make(map[string]float64),
		lasts: make(map[string]float64),
	}
}

// Record feeds one equity observation for the account.
func (d *DrawdownTracker) Record(account string, equity float64) {
	if equity <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if equity > d.peaks[account] {
		d.peaks[account] = equity
	}
	d.lasts[account] = equity
}

// Frac returns the current peak-to-trough drawdown fraction in [0,1).
// Unknown accounts report zero drawdown.
func (d *DrawdownTracker) Frac(account string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	peak := d.peaks[account]
	last := d.lasts[account]
	if peak <= 0 || last >= peak {
		return 0
	}
	return (peak - last) / peak
}

// Reset clears the session series for an account (start of trading day).
func (d *DrawdownTracker) Reset(account string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peaks, account)
	delete(d.lasts, account)
}
