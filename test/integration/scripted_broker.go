package integration

import (
	"context"
	"sync"
	"time"

	"copy-trader-go/broker"
	"copy-trader-go/sim"
)

// placeRecord 记录一次成功到达券商的下单。
type placeRecord struct {
	Token   string
	Account string
	At      time.Time
	Attempt int
}

// scriptedBroker 在内存券商上叠加按账户编排的故障与迟回：
// failFirst 让指定账户的首次下单失败，lateReply 让下单在券商侧生效
// 但回执迟到（调用方超时，结果丢失）。
type scriptedBroker struct {
	*sim.Broker

	mu        sync.Mutex
	attempts  map[string]int
	failFirst map[string]error
	lateReply map[string]time.Duration
	records   []placeRecord
}

func newScriptedBroker() *scriptedBroker {
	return &scriptedBroker{
		Broker:    sim.NewBroker(),
		attempts:  make(map[string]int),
		failFirst: make(map[string]error),
		lateReply: make(map[string]time.Duration),
	}
}

// FailFirstAttempt 使账户的第一次下单返回给定错误。
func (s *scriptedBroker) FailFirstAttempt(account string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFirst[account] = err
}

// ReplyLate 使账户的下单在券商侧生效但回执延迟 d。
func (s *scriptedBroker) ReplyLate(account string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lateReply[account] = d
}

func (s *scriptedBroker) PlaceOrder(ctx context.Context, spec broker.OrderSpec) (broker.PlaceResult, error) {
	s.mu.Lock()
	s.attempts[spec.Account]++
	attempt := s.attempts[spec.Account]
	var failErr error
	if attempt == 1 {
		failErr = s.failFirst[spec.Account]
	}
	late := s.lateReply[spec.Account]
	s.mu.Unlock()

	if failErr != nil {
		return broker.PlaceResult{}, failErr
	}

	res, err := s.Broker.PlaceOrder(ctx, spec)
	if err != nil {
		return res, err
	}
	s.mu.Lock()
	s.records = append(s.records, placeRecord{
		Token: spec.IdempotencyToken, Account: spec.Account,
		At: time.Now(), Attempt: attempt,
	})
	s.mu.Unlock()

	if late > 0 {
		timer := time.NewTimer(late)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return broker.PlaceResult{}, &broker.APIError{
				Kind: broker.ErrTimeout, Message: "broker reply lost in flight",
			}
		case <-timer.C:
		}
	}
	return res, nil
}

// Attempts 返回账户累计下单尝试数。
func (s *scriptedBroker) Attempts(account string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[account]
}

// Records 返回到达券商的下单记录副本（按到达顺序）。
func (s *scriptedBroker) Records() []placeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]placeRecord, len(s.records))
	copy(out, s.records)
	return out
}
