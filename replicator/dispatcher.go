package replicator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"copy-trader-go/broker"
	"copy-trader-go/config"
	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/policy"
	"copy-trader-go/risk"
	"copy-trader-go/store"
)

// 事件主题。
const (
	TopicMasterAccepted    = "master.accepted"
	TopicOrderUpdate       = "order.update"
	TopicReplicationSealed = "replication.sealed"
)

// OrderStore 派发器需要的持久化能力子集（生产实现 store.Store）。
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (store.Order, error)
	CreateOrder(ctx context.Context, o store.Order) (store.Order, error)
	GetFollowerOrder(ctx context.Context, parentID, account string) (store.Order, error)
	AppendStatus(ctx context.Context, id string, to store.Status, brokerOrderID, exchangeOrderID, message string) (store.Order, error)
	SetReplicationLatency(ctx context.Context, id string, ms int64) error
	AppendReplicationEvent(ctx context.Context, e store.ReplicationEvent) (int64, error)
}

// FollowerSource 活跃跟单快照（生产实现 follower.Registry）。
type FollowerSource interface {
	ActiveFollowers(ctx context.Context, masterAccount string) ([]store.FollowerLink, error)
}

// RiskGate 事前风控（生产实现 risk.Gate）。
type RiskGate interface {
	Check(ctx context.Context, account string, proposed store.Order, refPrice float64, env risk.Envelope) (risk.Decision, error)
}

// InstrumentResolver 代码解析（生产实现 broker.InstrumentMapper）。
type InstrumentResolver interface {
	Resolve(ctx context.Context, symbol, exchange string) (broker.Instrument, error)
}

// EnvelopeSource 提供账户级风控覆盖；返回 nil 表示无覆盖。
type EnvelopeSource interface {
	AccountEnvelope(ctx context.Context, account string) (*risk.Envelope, error)
}

// MarkSource 提供最近标记价（percentage 策略与名义金额估算用）。
type MarkSource interface {
	LastKnownMark(ctx context.Context, symbol, exchange string) (float64, error)
}

// EventSink 单向事件出口（生产实现 events.Publisher）。
type EventSink interface {
	Publish(topic string, payload interface{})
}

// Recorder 指标出口（生产实现 metrics.Replication）。实现必须非阻塞。
type Recorder interface {
	FollowerOutcome(kind string)
	ObserveFollowerLatency(seconds float64)
	FanoutSealed(total, dispatched int)
	BrokerInFlightAdd(delta float64)
}

// nopRecorder 允许不接指标跑派发器（sim、测试）。
type nopRecorder struct{}

func (nopRecorder) FollowerOutcome(string)           {}
func (nopRecorder) ObserveFollowerLatency(float64)   {}
func (nopRecorder) FanoutSealed(int, int)            {}
func (nopRecorder) BrokerInFlightAdd(float64)        {}

// Deps 组装派发器的全部依赖；进程启动时构建一次后只读。
type Deps struct {
	Store     OrderStore
	Followers FollowerSource
	Gate      RiskGate
	Mapper    InstrumentResolver
	Adapter   broker.Adapter
	Envelopes EnvelopeSource // 可为 nil
	Marks     MarkSource     // 可为 nil
	Events    EventSink      // 可为 nil
	Metrics   Recorder       // 可为 nil
	Logger    *logger.Logger

	SystemEnvelope risk.Envelope
}

// Dispatcher 复制核心：一个主单进来，对全部活跃跟单并行执行管道，
// 全局信号量压住对券商的总并发，条带锁保证单个跟单账户先到先发。
type Dispatcher struct {
	deps Deps

	brokerSem *semaphore.Weighted
	workerSem *semaphore.Weighted
	locks     *stripedLocks

	mu  sync.RWMutex
	cfg config.ReplicationConfig

	rng   *rand.Rand
	rngMu sync.Mutex
}

// New builds the dispatcher. cfg supplies the initial tunables; the
// semaphore capacity is fixed at construction, the rest is hot-swappable
// via UpdateConfig.
func New(deps Deps, cfg config.ReplicationConfig) *Dispatcher {
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	workers := int64(runtime.NumCPU() * cfg.WorkerPoolMultiplier)
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		deps:      deps,
		brokerSem: semaphore.NewWeighted(int64(cfg.MaxInFlightBrokerCalls)),
		workerSem: semaphore.NewWeighted(workers),
		locks:     newStripedLocks(256),
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// UpdateConfig swaps the hot-reloadable tunables (timeouts, retry curve).
// Semaphore and worker pool sizes stay as constructed.
func (d *Dispatcher) UpdateConfig(cfg config.ReplicationConfig) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() config.ReplicationConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Dispatch 对一个已受理主单执行完整扇出并封口复制事件。
// 跟单失败都是局部的：单个管道的任何结果都不影响其他管道，
// 更不回写主单。
func (d *Dispatcher) Dispatch(ctx context.Context, masterOrderID string) (store.ReplicationEvent, error) {
	start := time.Now()

	master, err := d.deps.Store.GetOrder(ctx, masterOrderID)
	if err != nil {
		return store.ReplicationEvent{}, fmt.Errorf("resolve master order %s: %w", masterOrderID, err)
	}
	switch master.Status {
	case store.StatusSubmitted, store.StatusFilled, store.StatusPartial:
	default:
		return store.ReplicationEvent{}, fmt.Errorf("master order %s not replicable in status %s", masterOrderID, master.Status)
	}

	links, err := d.deps.Followers.ActiveFollowers(ctx, master.Account)
	if err != nil {
		return store.ReplicationEvent{}, fmt.Errorf("resolve followers of %s: %w", master.Account, err)
	}

	builder := newEventBuilder(masterOrderID, start)
	if len(links) == 0 {
		return d.seal(ctx, builder, master)
	}

	cfg := d.config()
	deadline := start.Add(time.Duration(cfg.DispatchTimeoutMs) * time.Millisecond)

	results := make(chan FollowerOutcome, len(links))
	var wg sync.WaitGroup
	for _, link := range links {
		link := link
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 工作池槽位：全进程共享，I/O 密集型按 CPU×N 配置
			if err := d.workerSem.Acquire(ctx, 1); err != nil {
				results <- FollowerOutcome{Follower: link.FollowerAccount, Kind: OutcomeTimeout, Reason: "cancelled before start"}
				return
			}
			defer d.workerSem.Release(1)

			pctx, cancel := context.WithDeadline(ctx, deadline)
			defer cancel()
			results <- d.runPipeline(pctx, cfg, master, link, start)
		}()
	}
	wg.Wait()
	close(results)

	for o := range results {
		builder.add(o)
		d.deps.Metrics.FollowerOutcome(string(o.Kind))
		if o.Kind == OutcomeDispatched {
			d.deps.Metrics.ObserveFollowerLatency(o.Latency.Seconds())
		}
		if d.deps.Logger != nil && o.Kind != OutcomeDispatched {
			d.deps.Logger.LogFollower("replication_"+string(o.Kind), o.Follower, o.OrderID,
				map[string]interface{}{"reason": o.Reason, "master": masterOrderID})
		}
	}
	return d.seal(ctx, builder, master)
}

// seal 持久化复制事件并对外发布；封口用独立超时，不随扇出取消而丢失。
func (d *Dispatcher) seal(ctx context.Context, b *eventBuilder, master store.Order) (store.ReplicationEvent, error) {
	ev, outcomes := b.seal(time.Now())

	sealCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	id, err := d.deps.Store.AppendReplicationEvent(sealCtx, ev)
	if err != nil {
		if d.deps.Logger != nil {
			d.deps.Logger.LogError(err, map[string]interface{}{"stage": "seal", "master": ev.MasterOrderID})
		}
	} else {
		ev.ID = id
	}

	d.deps.Metrics.FanoutSealed(ev.Total, ev.Dispatched)
	if d.deps.Events != nil {
		d.deps.Events.Publish(TopicReplicationSealed, map[string]interface{}{
			"event":    ev,
			"master":   master.ID,
			"account":  master.Account,
			"outcomes": outcomes,
		})
	}
	if d.deps.Logger != nil {
		d.deps.Logger.LogReplication("fanout_sealed", ev.MasterOrderID, map[string]interface{}{
			"total": ev.Total, "dispatched": ev.Dispatched, "riskDenied": ev.RiskDenied,
			"policySkipped": ev.PolicySkipped, "unmapped": ev.Unmapped,
			"brokerErrored": ev.BrokerErrored, "timedOut": ev.TimedOut,
			"p95Ms": ev.P95Ms,
		})
	}
	return ev, nil
}

// referencePrice 估算用参考价：主单限价优先，其次成交均价，
// 最后查标记价源。三者皆无时返回 0，由下游各自处理。
func (d *Dispatcher) referencePrice(ctx context.Context, master store.Order) float64 {
	if master.LimitPrice > 0 {
		return master.LimitPrice
	}
	if master.AvgFillPrice > 0 {
		return master.AvgFillPrice
	}
	if d.deps.Marks != nil {
		if mark, err := d.deps.Marks.LastKnownMark(ctx, master.Symbol, master.Exchange); err == nil && mark > 0 {
			return mark
		}
	}
	return 0
}

// runPipeline 执行单个跟单管道（代码解析 → 变换 → 风控 → 落库 → 下单 → 回写）。
func (d *Dispatcher) runPipeline(ctx context.Context, cfg config.ReplicationConfig, master store.Order, link store.FollowerLink, fanoutStart time.Time) FollowerOutcome {
	follower := link.FollowerAccount
	out := FollowerOutcome{Follower: follower}

	// 幂等：同一 (主单, 跟单) 已有记录则直接短路
	if existing, err := d.deps.Store.GetFollowerOrder(ctx, master.ID, follower); err == nil {
		out.Kind = OutcomeDispatched
		out.OrderID = existing.ID
		out.Reason = "already replicated"
		out.Latency = time.Since(fanoutStart)
		return out
	}

	refPrice := d.referencePrice(ctx, master)

	// a. 策略变换
	balance := 0.0
	if link.Policy == store.PolicyPercentage {
		bal, err := d.deps.Adapter.Balance(ctx, follower)
		if err != nil {
			return d.classifyBrokerFailure(out, err, "", "balance lookup")
		}
		balance = bal.Available
	}

	// b. 代码解析（先于变换拿手数）
	inst, err := d.deps.Mapper.Resolve(ctx, master.Symbol, master.Exchange)
	if err != nil {
		if errors.Is(err, broker.ErrUnknownInstrument) {
			out.Kind = OutcomeUnmapped
			out.Reason = err.Error()
			return out
		}
		out.Kind = OutcomeBrokerError
		out.Reason = err.Error()
		return out
	}

	draft, err := policy.Transform(policy.Input{
		Master:           master,
		Link:             link,
		AvailableBalance: balance,
		ReferencePrice:   refPrice,
		LotSize:          inst.LotSize,
	})
	if err != nil {
		var skip *policy.SkipError
		if errors.As(err, &skip) {
			out.Kind = OutcomePolicySkip
			out.Reason = string(skip.Reason)
			return out
		}
		out.Kind = OutcomeBrokerError
		out.Reason = err.Error()
		return out
	}

	// c. 风控闸门
	env := d.deps.SystemEnvelope
	if d.deps.Envelopes != nil {
		if override, err := d.deps.Envelopes.AccountEnvelope(ctx, follower); err == nil {
			env = risk.Resolve(env, override, &link)
		} else {
			env = risk.Resolve(env, nil, &link)
		}
	} else {
		env = risk.Resolve(env, nil, &link)
	}
	decision, err := d.deps.Gate.Check(ctx, follower, draft, refPrice, env)
	if err != nil {
		return d.classifyBrokerFailure(out, err, "", "risk sources")
	}
	if !decision.Allowed {
		out.Kind = OutcomeRiskDenied
		out.Reason = string(decision.Reason)
		if d.deps.Logger != nil {
			d.deps.Logger.LogRisk("risk_denied", follower, map[string]interface{}{
				"reason": decision.Reason, "detail": decision.Detail, "master": master.ID,
			})
		}
		return out
	}

	// d–i. 同账户串行段：落库 → 下单 → 回写。锁不跨退避休眠持有。
	return d.persistAndPlace(ctx, cfg, master, draft, inst, fanoutStart)
}

func (d *Dispatcher) persistAndPlace(ctx context.Context, cfg config.ReplicationConfig, master, draft store.Order, inst broker.Instrument, fanoutStart time.Time) FollowerOutcome {
	follower := draft.Account
	out := FollowerOutcome{Follower: follower}

	lock := d.locks.forAccount(follower)
	lock.Lock()
	locked := true
	unlock := func() {
		if locked {
			lock.Unlock()
			locked = false
		}
	}
	defer unlock()

	// d. 持久化 PENDING 跟单单；订单 id 就是幂等令牌
	created, err := d.deps.Store.CreateOrder(ctx, draft)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateFollowerOrder) {
			if existing, gerr := d.deps.Store.GetFollowerOrder(ctx, master.ID, follower); gerr == nil {
				out.Kind = OutcomeDispatched
				out.OrderID = existing.ID
				out.Reason = "already replicated"
				out.Latency = time.Since(fanoutStart)
				return out
			}
		}
		out.Kind = OutcomeBrokerError
		out.Reason = fmt.Sprintf("persist follower order: %v", err)
		return out
	}
	out.OrderID = created.ID

	spec := broker.OrderSpec{
		Account:          follower,
		Exchange:         created.Exchange,
		Segment:          inst.Segment,
		ScripCode:        inst.Code,
		Side:             created.Side,
		Type:             created.Type,
		Quantity:         created.Quantity,
		Price:            created.LimitPrice,
		TriggerPrice:     created.TriggerPrice,
		Product:          created.Product,
		Validity:         created.Validity,
		IdempotencyToken: created.ID,
	}

	// e–g. 下单，瞬时错误按退避曲线重试；每次尝试都用同一幂等令牌
	var res broker.PlaceResult
	attempts := 0
	authRetried := false
	for {
		attempts++

		if err := d.brokerSem.Acquire(ctx, 1); err != nil {
			return d.markTimeout(ctx, out, created.ID, "cancelled waiting for broker slot")
		}
		d.deps.Metrics.BrokerInFlightAdd(1)
		res, err = d.deps.Adapter.PlaceOrder(ctx, spec)
		d.deps.Metrics.BrokerInFlightAdd(-1)
		d.brokerSem.Release(1)

		if err == nil {
			break
		}
		switch {
		case errors.Is(err, broker.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
			// f. 券商可能已受理：单据进 UNKNOWN，留给对账器
			return d.markTimeout(ctx, out, created.ID, err.Error())
		case errors.Is(err, context.Canceled):
			return d.markTimeout(ctx, out, created.ID, "dispatch cancelled")
		case errors.Is(err, broker.ErrInvalidCredentials):
			d.appendStatus(ctx, created.ID, store.StatusRejected, "", "", "credential: "+err.Error())
			out.Kind = OutcomeBrokerError
			out.Reason = "credential"
			return out
		case errors.Is(err, broker.ErrAuthTransient) && !authRetried:
			authRetried = true
			attempts-- // 认证重试不占用下单重试预算
			if !d.sleepBackoff(ctx, cfg, 1, &unlock, lock, &locked) {
				return d.markTimeout(ctx, out, created.ID, "cancelled during auth backoff")
			}
			continue
		case errors.Is(err, broker.ErrTransient):
			if attempts > cfg.MaxRetries {
				d.appendStatus(ctx, created.ID, store.StatusRejected, "", "", "retries exhausted: "+err.Error())
				out.Kind = OutcomeBrokerError
				out.Reason = "retries exhausted"
				return out
			}
			if !d.sleepBackoff(ctx, cfg, attempts, &unlock, lock, &locked) {
				return d.markTimeout(ctx, out, created.ID, "cancelled during backoff")
			}
			continue
		default:
			// PermanentBrokerError 以及其余一律落 REJECTED
			d.appendStatus(ctx, created.ID, store.StatusRejected, res.BrokerOrderID, res.ExchangeOrderID, err.Error())
			out.Kind = OutcomeBrokerError
			out.Reason = err.Error()
			return out
		}
	}

	// i. 成功：回写券商标识与延迟
	status := res.Status
	if status == "" {
		status = store.StatusSubmitted
	}
	d.appendStatus(ctx, created.ID, status, res.BrokerOrderID, res.ExchangeOrderID, res.Message)
	latency := time.Since(fanoutStart)
	if err := d.deps.Store.SetReplicationLatency(context.WithoutCancel(ctx), created.ID, latency.Milliseconds()); err != nil && d.deps.Logger != nil {
		d.deps.Logger.LogError(err, map[string]interface{}{"order": created.ID})
	}
	if d.deps.Events != nil {
		d.deps.Events.Publish(TopicOrderUpdate, map[string]interface{}{
			"orderId": created.ID, "account": follower, "status": string(status),
			"brokerOrderId": res.BrokerOrderID, "parent": master.ID,
		})
	}

	out.Kind = OutcomeDispatched
	out.Latency = latency
	return out
}

// markTimeout 把跟单单置为 UNKNOWN 并返回 Timeout 结果；
// 状态回写不能用已死的上下文。
func (d *Dispatcher) markTimeout(ctx context.Context, out FollowerOutcome, orderID, reason string) FollowerOutcome {
	d.appendStatus(ctx, orderID, store.StatusUnknown, "", "", reason)
	out.Kind = OutcomeTimeout
	out.Reason = reason
	return out
}

// appendStatus 吞掉 StaleTransition（对账器可能已经抢先回写终态）。
func (d *Dispatcher) appendStatus(ctx context.Context, id string, to store.Status, brokerID, exchID, msg string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if _, err := d.deps.Store.AppendStatus(wctx, id, to, brokerID, exchID, msg); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return
		}
		if d.deps.Logger != nil {
			d.deps.Logger.LogError(err, map[string]interface{}{"order": id, "to": string(to)})
		}
	}
}

// sleepBackoff 退避 base×2^(attempt-1)，±jitter%，封顶 cap。
// 休眠期间释放条带锁，醒来重新拿锁；返回 false 表示上下文已取消。
func (d *Dispatcher) sleepBackoff(ctx context.Context, cfg config.ReplicationConfig, attempt int, unlock *func(), lock *sync.Mutex, locked *bool) bool {
	delay := time.Duration(cfg.RetryBaseMs) * time.Millisecond
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if cap := time.Duration(cfg.RetryCapMs) * time.Millisecond; delay > cap {
		delay = cap
	}
	if cfg.RetryJitterPct > 0 {
		d.rngMu.Lock()
		frac := (d.rng.Float64()*2 - 1) * float64(cfg.RetryJitterPct) / 100
		d.rngMu.Unlock()
		delay = time.Duration(float64(delay) * (1 + frac))
	}

	(*unlock)()
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}
	lock.Lock()
	*locked = true
	*unlock = func() {
		if *locked {
			lock.Unlock()
			*locked = false
		}
	}
	return true
}

func (d *Dispatcher) classifyBrokerFailure(out FollowerOutcome, err error, orderID, stage string) FollowerOutcome {
	out.OrderID = orderID
	if errors.Is(err, broker.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		out.Kind = OutcomeTimeout
	} else {
		out.Kind = OutcomeBrokerError
	}
	out.Reason = fmt.Sprintf("%s: %v", stage, err)
	return out
}
