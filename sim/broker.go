package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"copy-trader-go/broker"
	"copy-trader-go/store"
)

// Broker 内存券商，实现 broker.Adapter（用于本地仿真与集成测试）。
// 延迟与失败率可调；不连接真实券商。
type Broker struct {
	mu sync.Mutex

	latency     time.Duration
	failureRate float64
	rng         *rand.Rand

	// 按幂等令牌索引；重复的 PlaceOrder 返回首次结果。
	orders map[string]*simOrder
	seq    int

	placeCount  int
	statusCount int
	cancelCount int
}

type simOrder struct {
	spec      broker.OrderSpec
	brokerID  string
	exchID    string
	status    store.Status
	tradedQty int64
	avgRate   float64
}

// NewBroker 创建内存券商。
func NewBroker() *Broker {
	return &Broker{
		orders: make(map[string]*simOrder),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetLatency 设置每次券商调用注入的固定延迟。
func (b *Broker) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// SetFailureRate 设置下单的瞬时失败概率（0.0-1.0）。
func (b *Broker) SetFailureRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureRate = rate
}

func (b *Broker) delay(ctx context.Context) error {
	b.mu.Lock()
	d := b.latency
	b.mu.Unlock()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &broker.APIError{Kind: broker.ErrTimeout, Message: "simulated broker call timed out"}
	case <-timer.C:
		return nil
	}
}

// PlaceOrder 下单。重复的幂等令牌直接返回首次回执。
func (b *Broker) PlaceOrder(ctx context.Context, spec broker.OrderSpec) (broker.PlaceResult, error) {
	if err := b.delay(ctx); err != nil {
		return broker.PlaceResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeCount++

	if o, ok := b.orders[spec.IdempotencyToken]; ok && spec.IdempotencyToken != "" {
		return broker.PlaceResult{
			BrokerOrderID:   o.brokerID,
			ExchangeOrderID: o.exchID,
			Status:          o.status,
			Message:         "duplicate remote order id",
		}, nil
	}
	if b.failureRate > 0 && b.rng.Float64() < b.failureRate {
		return broker.PlaceResult{}, &broker.APIError{
			Kind: broker.ErrTransient, HTTPStatus: 503, Message: "simulated broker unavailable",
		}
	}

	b.seq++
	o := &simOrder{
		spec:     spec,
		brokerID: fmt.Sprintf("SIM%06d", b.seq),
		exchID:   strconv.Itoa(1000000 + b.seq),
		status:   store.StatusSubmitted,
	}
	if spec.IdempotencyToken != "" {
		b.orders[spec.IdempotencyToken] = o
	}
	return broker.PlaceResult{
		BrokerOrderID:   o.brokerID,
		ExchangeOrderID: o.exchID,
		Status:          o.status,
		Message:         "placed",
	}, nil
}

// OrderStatus 按幂等令牌查询订单状态。
func (b *Broker) OrderStatus(ctx context.Context, account, exchange, segment string, scripCode int64, token string) (broker.StatusResult, error) {
	if err := b.delay(ctx); err != nil {
		return broker.StatusResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCount++

	o, ok := b.orders[token]
	if !ok {
		return broker.StatusResult{}, &broker.APIError{
			Kind: broker.ErrPermanent, HTTPStatus: 400, Message: "order not known to broker",
		}
	}
	return broker.StatusResult{
		Status:          o.status,
		OrderQty:        o.spec.Quantity,
		TradedQty:       o.tradedQty,
		PendingQty:      o.spec.Quantity - o.tradedQty,
		OrderRate:       o.spec.Price,
		ExchangeOrderID: o.exchID,
	}, nil
}

// ModifyOrder 改价改量；已终态的订单拒绝。
func (b *Broker) ModifyOrder(ctx context.Context, spec broker.OrderSpec, exchOrderID string) (broker.PlaceResult, error) {
	if err := b.delay(ctx); err != nil {
		return broker.PlaceResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.findByExchID(exchOrderID)
	if o == nil {
		return broker.PlaceResult{}, &broker.APIError{
			Kind: broker.ErrPermanent, HTTPStatus: 400, Message: "order not known to broker",
		}
	}
	if store.IsTerminal(o.status) {
		return broker.PlaceResult{}, &broker.APIError{
			Kind: broker.ErrPermanent, HTTPStatus: 400,
			Message: fmt.Sprintf("cannot modify order in %s", o.status),
		}
	}
	o.spec.Price = spec.Price
	o.spec.Quantity = spec.Quantity
	return broker.PlaceResult{
		BrokerOrderID: o.brokerID, ExchangeOrderID: o.exchID,
		Status: o.status, Message: "modified",
	}, nil
}

// CancelOrder 撤单；已终态的订单拒绝。
func (b *Broker) CancelOrder(ctx context.Context, spec broker.OrderSpec, exchOrderID string) (broker.PlaceResult, error) {
	if err := b.delay(ctx); err != nil {
		return broker.PlaceResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCount++

	o := b.findByExchID(exchOrderID)
	if o == nil {
		return broker.PlaceResult{}, &broker.APIError{
			Kind: broker.ErrPermanent, HTTPStatus: 400, Message: "order not known to broker",
		}
	}
	if store.IsTerminal(o.status) {
		return broker.PlaceResult{}, &broker.APIError{
			Kind: broker.ErrPermanent, HTTPStatus: 400,
			Message: fmt.Sprintf("cannot cancel order in %s", o.status),
		}
	}
	o.status = store.StatusCancelled
	return broker.PlaceResult{
		BrokerOrderID: o.brokerID, ExchangeOrderID: o.exchID,
		Status: o.status, Message: "cancelled",
	}, nil
}

// TradeInformation 返回已成交订单的成交明细。
func (b *Broker) TradeInformation(ctx context.Context, account string, queries []broker.TradeQuery) ([]broker.TradeDetail, error) {
	if err := b.delay(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var details []broker.TradeDetail
	for _, q := range queries {
		o := b.findByExchID(q.ExchangeOrderID)
		if o == nil || o.tradedQty == 0 {
			continue
		}
		details = append(details, broker.TradeDetail{
			Exch:        q.Exchange,
			ExchType:    q.Segment,
			ScripCode:   o.spec.ScripCode,
			ExchOrderID: json.Number(o.exchID),
			TradedQty:   o.tradedQty,
			Rate:        o.avgRate,
			TradeTime:   time.Now().UTC().Format("2006-01-02T15:04:05"),
		})
	}
	return details, nil
}

// Positions 按账户聚合已成交量。
func (b *Broker) Positions(ctx context.Context, account string) ([]broker.Position, error) {
	if err := b.delay(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	agg := make(map[int64]*broker.Position)
	for _, o := range b.orders {
		if o.spec.Account != account || o.tradedQty == 0 {
			continue
		}
		qty := o.tradedQty
		if o.spec.Side == store.SideSell {
			qty = -qty
		}
		p, ok := agg[o.spec.ScripCode]
		if !ok {
			p = &broker.Position{ScripCode: o.spec.ScripCode, MarkPrice: o.avgRate}
			agg[o.spec.ScripCode] = p
		}
		p.Quantity += qty
	}
	out := make([]broker.Position, 0, len(agg))
	for _, p := range agg {
		out = append(out, *p)
	}
	return out, nil
}

// Balance 返回充裕的模拟保证金。
func (b *Broker) Balance(ctx context.Context, account string) (broker.Balance, error) {
	if err := b.delay(ctx); err != nil {
		return broker.Balance{}, err
	}
	return broker.Balance{Available: 10_000_000, Margin: 0}, nil
}

// Ping 返回配置的延迟。
func (b *Broker) Ping(ctx context.Context) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latency, nil
}

// Fill 按幂等令牌模拟（部分）成交。
func (b *Broker) Fill(token string, qty int64, rate float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[token]
	if !ok {
		return fmt.Errorf("sim: order %s not found", token)
	}
	if store.IsTerminal(o.status) {
		return fmt.Errorf("sim: cannot fill order in %s", o.status)
	}
	prev := float64(o.tradedQty) * o.avgRate
	o.tradedQty += qty
	if o.tradedQty >= o.spec.Quantity {
		o.tradedQty = o.spec.Quantity
		o.status = store.StatusFilled
	} else {
		o.status = store.StatusPartial
	}
	o.avgRate = (prev + float64(qty)*rate) / float64(o.tradedQty)
	return nil
}

// FillAll 把所有未终态订单按其限价全部成交，返回成交笔数。
func (b *Broker) FillAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, o := range b.orders {
		if store.IsTerminal(o.status) {
			continue
		}
		o.tradedQty = o.spec.Quantity
		o.avgRate = o.spec.Price
		o.status = store.StatusFilled
		n++
	}
	return n
}

// Statistics 返回调用计数。
func (b *Broker) Statistics() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]int{
		"place_count":  b.placeCount,
		"status_count": b.statusCount,
		"cancel_count": b.cancelCount,
		"total_orders": len(b.orders),
	}
}

// Reset 清空全部订单与计数。
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = make(map[string]*simOrder)
	b.seq = 0
	b.placeCount = 0
	b.statusCount = 0
	b.cancelCount = 0
}

func (b *Broker) findByExchID(exchID string) *simOrder {
	for _, o := range b.orders {
		if o.exchID == exchID {
			return o
		}
	}
	return nil
}
