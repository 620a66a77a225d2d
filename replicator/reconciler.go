package replicator

import (
	"context"
	"errors"
	"sync"
	"time"

	"copy-trader-go/broker"
	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/store"
)

// ReconcilerStore 对账器需要的持久化子集。
type ReconcilerStore interface {
	ListUnknown(ctx context.Context, limit int) ([]store.Order, error)
	AppendStatus(ctx context.Context, id string, to store.Status, brokerOrderID, exchangeOrderID, message string) (store.Order, error)
	SetAvgFillPrice(ctx context.Context, id string, price float64) error
}

// Reconciler 订单对账器：周期扫描 UNKNOWN 状态的跟单单，
// 用幂等令牌向券商查询真实终态并回写。超时悬置由它兜底。
type Reconciler struct {
	store   ReconcilerStore
	adapter broker.Adapter
	mapper  InstrumentResolver
	events  EventSink // 可为 nil
	log     *logger.Logger

	interval  time.Duration
	batchSize int

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once

	mu sync.RWMutex
	// 统计信息
	totalReconciliations int64
	conflictsResolved    int64
	lastReconcileTime    time.Time
}

// NewReconciler 创建订单对账器；interval<=0 时取默认 30 秒。
func NewReconciler(s ReconcilerStore, adapter broker.Adapter, mapper InstrumentResolver, events EventSink, log *logger.Logger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		store:     s,
		adapter:   adapter,
		mapper:    mapper,
		events:    events,
		log:       log,
		interval:  interval,
		batchSize: 200,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start 启动对账循环。
func (r *Reconciler) Start(ctx context.Context) error {
	go r.reconcileLoop(ctx)
	return nil
}

// Stop 停止对账并等待循环退出。
func (r *Reconciler) Stop() error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	<-r.doneChan
	return nil
}

func (r *Reconciler) reconcileLoop(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil && r.log != nil {
				r.log.LogError(err, map[string]interface{}{"stage": "reconcile"})
			}
		}
	}
}

// Reconcile 执行一次完整对账。单个订单的失败不阻断其余订单。
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	r.totalReconciliations++
	r.lastReconcileTime = time.Now()
	r.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	orders, err := r.store.ListUnknown(tctx, r.batchSize)
	if err != nil {
		return err
	}

	var lastErr error
	for _, o := range orders {
		if err := r.reconcileOrder(tctx, o); err != nil {
			lastErr = err
			// 继续处理其他订单
		}
	}
	return lastErr
}

// reconcileOrder 查一个悬置订单在券商侧的真实状态并回写。
// 查不到记录的订单视为券商从未受理，落 REJECTED。
func (r *Reconciler) reconcileOrder(ctx context.Context, o store.Order) error {
	inst, err := r.mapper.Resolve(ctx, o.Symbol, o.Exchange)
	if err != nil {
		return err
	}

	res, err := r.adapter.OrderStatus(ctx, o.Account, o.Exchange, inst.Segment, inst.Code, o.ID)
	switch {
	case errors.Is(err, broker.ErrPermanent):
		// 券商无此单：超时的那次提交从未到达
		return r.transition(ctx, o, store.StatusRejected, "", "never reached broker")
	case err != nil:
		return err
	}

	if res.Status == store.StatusUnknown {
		// 券商侧也悬置，下个周期再查
		return nil
	}

	exchOrderID := res.ExchangeOrderID
	if err := r.transition(ctx, o, res.Status, exchOrderID, res.Message); err != nil {
		return err
	}

	// 有成交的补记成交均价
	if (res.Status == store.StatusFilled || res.Status == store.StatusPartial) && exchOrderID != "" {
		r.backfillFillPrice(ctx, o, inst, exchOrderID)
	}
	return nil
}

func (r *Reconciler) transition(ctx context.Context, o store.Order, to store.Status, exchOrderID, message string) error {
	_, err := r.store.AppendStatus(ctx, o.ID, to, "", exchOrderID, message)
	if errors.Is(err, store.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.conflictsResolved++
	r.mu.Unlock()

	if r.events != nil {
		r.events.Publish(TopicOrderUpdate, map[string]interface{}{
			"orderId": o.ID, "account": o.Account, "status": string(to),
			"parent": o.ParentID, "reconciled": true,
		})
	}
	if r.log != nil {
		r.log.LogReplication("order_reconciled", o.ID, map[string]interface{}{
			"account": o.Account, "status": string(to),
		})
	}
	return nil
}

// backfillFillPrice 用成交明细的量加权均价补齐 avg_fill_price。
// 失败只记日志；下一轮 UNKNOWN 已经消化，不再重试。
func (r *Reconciler) backfillFillPrice(ctx context.Context, o store.Order, inst broker.Instrument, exchOrderID string) {
	details, err := r.adapter.TradeInformation(ctx, o.Account, []broker.TradeQuery{{
		Exchange:        o.Exchange,
		Segment:         inst.Segment,
		ScripCode:       inst.Code,
		ExchangeOrderID: exchOrderID,
	}})
	if err != nil {
		if r.log != nil {
			r.log.LogError(err, map[string]interface{}{"stage": "trade_info", "order": o.ID})
		}
		return
	}

	var qty int64
	var notional float64
	for _, d := range details {
		qty += d.TradedQty
		notional += float64(d.TradedQty) * d.Rate
	}
	if qty <= 0 {
		return
	}
	if err := r.store.SetAvgFillPrice(ctx, o.ID, notional/float64(qty)); err != nil && r.log != nil {
		r.log.LogError(err, map[string]interface{}{"stage": "fill_price", "order": o.ID})
	}
}

// ReconcilerStats 对账统计信息。
type ReconcilerStats struct {
	TotalReconciliations int64
	ConflictsResolved    int64
	LastReconcileTime    time.Time
	Interval             time.Duration
}

// GetStatistics 获取对账统计信息。
func (r *Reconciler) GetStatistics() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ReconcilerStats{
		TotalReconciliations: r.totalReconciliations,
		ConflictsResolved:    r.conflictsResolved,
		LastReconcileTime:    r.lastReconcileTime,
		Interval:             r.interval,
	}
}

// ForceReconcile 立即执行一次对账（测试或紧急补账用）。
func (r *Reconciler) ForceReconcile(ctx context.Context) error {
	return r.Reconcile(ctx)
}
