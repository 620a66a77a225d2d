package replicator

import (
	"context"
	"sync"
	"time"

	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/store"
)

// Ingress 是主单受理入口：受理即返回，扇出在后台完成。
// 主单永远不会因为任何跟单失败而失败。
type Ingress struct {
	dispatcher *Dispatcher
	events     EventSink
	log        *logger.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewIngress wraps a dispatcher behind the accept-and-return entry point.
// events and log may be nil.
func NewIngress(d *Dispatcher, events EventSink, log *logger.Logger) *Ingress {
	return &Ingress{dispatcher: d, events: events, log: log}
}

// Accept 受理一个已提交主单并异步调度扇出。
// 返回 false 表示入口已关闭（进程停机中），调用方应拒绝受理。
func (i *Ingress) Accept(ctx context.Context, master store.Order) bool {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return false
	}
	i.wg.Add(1)
	i.mu.Unlock()

	if i.events != nil {
		i.events.Publish(TopicMasterAccepted, map[string]interface{}{
			"orderId": master.ID,
			"account": master.Account,
			"symbol":  master.Symbol,
			"side":    string(master.Side),
		})
	}
	if i.log != nil {
		i.log.LogReplication("master_accepted", master.ID, map[string]interface{}{
			"account": master.Account, "symbol": master.Symbol,
		})
	}

	// 扇出脱离受理请求的上下文；停机时由 Drain 等待收尾
	bg := context.WithoutCancel(ctx)
	go func() {
		defer i.wg.Done()
		if _, err := i.dispatcher.Dispatch(bg, master.ID); err != nil && i.log != nil {
			i.log.LogError(err, map[string]interface{}{"stage": "dispatch", "master": master.ID})
		}
	}()
	return true
}

// Drain 关闭入口并等待在途扇出封口，最多等 timeout。
// 返回 false 表示超时放弃，仍在途的事件留给对账器补救。
func (i *Ingress) Drain(timeout time.Duration) bool {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
