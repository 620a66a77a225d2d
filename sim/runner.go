package sim

import (
	"context"
	"fmt"
	"time"

	"copy-trader-go/broker"
	"copy-trader-go/config"
	"copy-trader-go/follower"
	"copy-trader-go/replicator"
	"copy-trader-go/risk"
	"copy-trader-go/store"
)

// Scenario 描述一次本地扇出仿真。
type Scenario struct {
	Name          string
	Followers     int
	Ratio         float64
	MasterQty     int64
	Orders        int // 连续主单数
	BrokerLatency time.Duration
	FailureRate   float64
}

// Report 是一个场景跑完后的聚合结果。
type Report struct {
	Scenario   string
	Masters    int
	Total      int
	Dispatched int
	Failed     int // 券商错误 + 超时
	Skipped    int // 策略归零 + 无代码 + 风控拒绝
	P50Ms      float64
	P95Ms      float64
	P99Ms      float64
	Elapsed    time.Duration
	PlaceCalls int
}

// Runner 将主单、派发器与内存券商串起来（离线仿真，不连真实券商）。
type Runner struct {
	Store      *store.Store
	Broker     *Broker
	Dispatcher *replicator.Dispatcher

	scenario Scenario
}

// BuildRunner 基于配置组装 Runner：临时 SQLite 库、内存券商、
// 固定比例跟单关系与默认风控。
func BuildRunner(dbPath string, cfg config.ReplicationConfig, sc Scenario) (*Runner, error) {
	if sc.Followers < 1 {
		sc.Followers = 1
	}
	if sc.MasterQty < 1 {
		sc.MasterQty = 100
	}
	if sc.Orders < 1 {
		sc.Orders = 1
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sim store: %w", err)
	}

	ctx := context.Background()
	if err := st.SeedScripCodes(ctx, []store.ScripCode{
		{Symbol: "RELIANCE", Exchange: "NSE", Segment: "C", Code: 2885, LotSize: 1, Active: true},
	}); err != nil {
		st.Close()
		return nil, fmt.Errorf("seed scrip codes: %w", err)
	}
	for i := 1; i <= sc.Followers; i++ {
		link := store.FollowerLink{
			MasterAccount:   "MASTER",
			FollowerAccount: fmt.Sprintf("F%03d", i),
			Active:          true,
			Policy:          store.PolicyFixedRatio,
			Ratio:           sc.Ratio,
		}
		if err := st.UpsertLink(ctx, link); err != nil {
			st.Close()
			return nil, fmt.Errorf("seed follower link: %w", err)
		}
	}

	br := NewBroker()
	br.SetLatency(sc.BrokerLatency)
	br.SetFailureRate(sc.FailureRate)

	d := replicator.New(replicator.Deps{
		Store:     st,
		Followers: follower.NewRegistry(st, 0),
		Gate:      risk.NewGate(st, br, nil, nil),
		Mapper:    broker.NewInstrumentMapper(st),
		Adapter:   br,
	}, cfg)

	return &Runner{Store: st, Broker: br, Dispatcher: d, scenario: sc}, nil
}

// Run 依次派发主单并聚合封口事件；百分位取跨主单最大值。
func (r *Runner) Run(ctx context.Context) (Report, error) {
	sc := r.scenario
	rep := Report{Scenario: sc.Name, Masters: sc.Orders}

	start := time.Now()
	for i := 1; i <= sc.Orders; i++ {
		master, err := r.Store.CreateOrder(ctx, store.Order{
			ID:         fmt.Sprintf("master-%03d", i),
			Account:    "MASTER",
			Side:       store.SideBuy,
			Type:       store.TypeLimit,
			Symbol:     "RELIANCE",
			Exchange:   "NSE",
			Quantity:   sc.MasterQty,
			LimitPrice: 2500,
			Product:    "CNC",
			Validity:   "DAY",
			Status:     store.StatusSubmitted,
		})
		if err != nil {
			return rep, fmt.Errorf("create master order: %w", err)
		}
		ev, err := r.Dispatcher.Dispatch(ctx, master.ID)
		if err != nil {
			return rep, fmt.Errorf("dispatch %s: %w", master.ID, err)
		}

		rep.Total += ev.Total
		rep.Dispatched += ev.Dispatched
		rep.Failed += ev.BrokerErrored + ev.TimedOut
		rep.Skipped += ev.PolicySkipped + ev.Unmapped + ev.RiskDenied
		if ev.P50Ms > rep.P50Ms {
			rep.P50Ms = ev.P50Ms
		}
		if ev.P95Ms > rep.P95Ms {
			rep.P95Ms = ev.P95Ms
		}
		if ev.P99Ms > rep.P99Ms {
			rep.P99Ms = ev.P99Ms
		}
	}
	rep.Elapsed = time.Since(start)
	rep.PlaceCalls = r.Broker.Statistics()["place_count"]
	return rep, nil
}

// Close 释放底层数据库。
func (r *Runner) Close() error {
	return r.Store.Close()
}
