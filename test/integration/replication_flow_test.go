package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"copy-trader-go/broker"
	"copy-trader-go/config"
	"copy-trader-go/follower"
	"copy-trader-go/replicator"
	"copy-trader-go/risk"
	"copy-trader-go/store"
)

type harness struct {
	st     *store.Store
	broker *scriptedBroker
	disp   *replicator.Dispatcher
}

func newHarness(t *testing.T, cfg config.ReplicationConfig, links []store.FollowerLink) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.SeedScripCodes(ctx, []store.ScripCode{
		{Symbol: "RELIANCE", Exchange: "NSE", Segment: "C", Code: 2885, LotSize: 1, Active: true},
	}); err != nil {
		t.Fatalf("seed scrips: %v", err)
	}
	for _, l := range links {
		if err := st.UpsertLink(ctx, l); err != nil {
			t.Fatalf("seed link %s: %v", l.FollowerAccount, err)
		}
	}

	br := newScriptedBroker()
	d := replicator.New(replicator.Deps{
		Store:     st,
		Followers: follower.NewRegistry(st, 0),
		Gate:      risk.NewGate(st, br, nil, nil),
		Mapper:    broker.NewInstrumentMapper(st),
		Adapter:   br,
	}, cfg)
	return &harness{st: st, broker: br, disp: d}
}

func fastCfg() config.ReplicationConfig {
	cfg := config.Defaults()
	cfg.RetryBaseMs = 1
	cfg.RetryCapMs = 5
	cfg.RetryJitterPct = 0
	return cfg
}

func ratioLinks(n int, ratio float64) []store.FollowerLink {
	links := make([]store.FollowerLink, n)
	for i := range links {
		links[i] = store.FollowerLink{
			MasterAccount:   "MA",
			FollowerAccount: fmt.Sprintf("F%03d", i+1),
			Active:          true,
			Policy:          store.PolicyFixedRatio,
			Ratio:           ratio,
		}
	}
	return links
}

func seedMaster(t *testing.T, st *store.Store, id string, qty int64) store.Order {
	t.Helper()
	master, err := st.CreateOrder(context.Background(), store.Order{
		ID: id, Account: "MA",
		Side: store.SideBuy, Type: store.TypeMarket,
		Symbol: "RELIANCE", Exchange: "NSE",
		Quantity: qty, LimitPrice: 2500,
		Product: "CNC", Validity: "DAY",
		Status: store.StatusSubmitted,
	})
	if err != nil {
		t.Fatalf("seed master: %v", err)
	}
	return master
}

func TestCleanFanoutDispatchesEveryFollower(t *testing.T) {
	h := newHarness(t, fastCfg(), ratioLinks(10, 1.0))
	master := seedMaster(t, h.st, "m-1", 100)

	ev, err := h.disp.Dispatch(context.Background(), master.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ev.Total != 10 || ev.Dispatched != 10 {
		t.Fatalf("expected 10/10 dispatched, got %d/%d", ev.Dispatched, ev.Total)
	}
	if ev.P95Ms >= 1000 {
		t.Fatalf("p95 %.1fms breaches the 1s budget", ev.P95Ms)
	}
	for i := 1; i <= 10; i++ {
		o, err := h.st.GetFollowerOrder(context.Background(), master.ID, fmt.Sprintf("F%03d", i))
		if err != nil {
			t.Fatalf("follower %d order missing: %v", i, err)
		}
		if o.Quantity != 100 || o.Status != store.StatusSubmitted {
			t.Fatalf("follower %d order qty=%d status=%s", i, o.Quantity, o.Status)
		}
		if o.BrokerOrderID == "" {
			t.Fatalf("follower %d order has no broker id", i)
		}
	}
}

func TestTinyRatioFloorsToPolicySkip(t *testing.T) {
	links := ratioLinks(10, 1.0)
	links[4].Ratio = 0.0049
	h := newHarness(t, fastCfg(), links)
	master := seedMaster(t, h.st, "m-1", 100)

	ev, err := h.disp.Dispatch(context.Background(), master.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ev.Dispatched != 9 || ev.PolicySkipped != 1 {
		t.Fatalf("expected 9 dispatched 1 skipped, got %d/%d", ev.Dispatched, ev.PolicySkipped)
	}
	if got := h.broker.Attempts(links[4].FollowerAccount); got != 0 {
		t.Fatalf("floored follower must not reach broker, got %d attempts", got)
	}
}

// seedDailyLoss 给账户造一笔当日已成交买单，形成已实现亏损。
func seedDailyLoss(t *testing.T, st *store.Store, account string, loss float64) {
	t.Helper()
	ctx := context.Background()
	parent := seedMaster(t, st, "seed-"+account, 100)
	o, err := st.CreateOrder(ctx, store.Order{
		Account: account, ParentID: parent.ID,
		Side: store.SideBuy, Type: store.TypeMarket,
		Symbol: "RELIANCE", Exchange: "NSE",
		Quantity: 100, Status: store.StatusPending,
	})
	if err != nil {
		t.Fatalf("seed loss order: %v", err)
	}
	if _, err := st.AppendStatus(ctx, o.ID, store.StatusSubmitted, "B-seed", "", ""); err != nil {
		t.Fatalf("seed loss submit: %v", err)
	}
	if _, err := st.AppendStatus(ctx, o.ID, store.StatusFilled, "", "", ""); err != nil {
		t.Fatalf("seed loss fill: %v", err)
	}
	if err := st.SetAvgFillPrice(ctx, o.ID, loss/100); err != nil {
		t.Fatalf("seed loss price: %v", err)
	}
}

func TestDailyLossBreachedDeniesWithoutBrokerCall(t *testing.T) {
	links := ratioLinks(10, 1.0)
	for i := 0; i < 3; i++ {
		links[i].MaxDailyLoss = 50000
	}
	h := newHarness(t, fastCfg(), links)
	for i := 0; i < 3; i++ {
		seedDailyLoss(t, h.st, links[i].FollowerAccount, 60000)
	}
	master := seedMaster(t, h.st, "m-1", 100)

	ev, err := h.disp.Dispatch(context.Background(), master.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ev.Dispatched != 7 || ev.RiskDenied != 3 {
		t.Fatalf("expected 7 dispatched 3 denied, got %d/%d", ev.Dispatched, ev.RiskDenied)
	}
	for i := 0; i < 3; i++ {
		if got := h.broker.Attempts(links[i].FollowerAccount); got != 0 {
			t.Fatalf("denied follower %s reached broker %d times", links[i].FollowerAccount, got)
		}
	}
}

func TestTransient429RetriedOncePerOddFollower(t *testing.T) {
	links := ratioLinks(10, 1.0)
	h := newHarness(t, fastCfg(), links)
	for i, l := range links {
		if i%2 == 1 {
			h.broker.FailFirstAttempt(l.FollowerAccount, &broker.APIError{
				Kind: broker.ErrTransient, HTTPStatus: 429, Message: "rate limited",
			})
		}
	}
	master := seedMaster(t, h.st, "m-1", 100)

	ev, err := h.disp.Dispatch(context.Background(), master.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ev.Dispatched != 10 {
		t.Fatalf("expected all dispatched after retry, got %d", ev.Dispatched)
	}
	for i, l := range links {
		want := 1
		if i%2 == 1 {
			want = 2
		}
		if got := h.broker.Attempts(l.FollowerAccount); got != want {
			t.Fatalf("follower %s attempts=%d want %d", l.FollowerAccount, got, want)
		}
	}
}

func TestSlowBrokerTimesOutAndReconcilerResolves(t *testing.T) {
	cfg := fastCfg()
	cfg.DispatchTimeoutMs = 500
	links := ratioLinks(10, 1.0)
	h := newHarness(t, cfg, links)
	slow := links[6].FollowerAccount
	h.broker.ReplyLate(slow, 2*time.Second)

	master := seedMaster(t, h.st, "m-1", 100)
	start := time.Now()
	ev, err := h.disp.Dispatch(context.Background(), master.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Fatalf("seal came before the slow pipeline deadline: %s", elapsed)
	}
	if ev.Dispatched != 9 || ev.TimedOut != 1 {
		t.Fatalf("expected 9 dispatched 1 timed out, got %d/%d", ev.Dispatched, ev.TimedOut)
	}

	ctx := context.Background()
	o, err := h.st.GetFollowerOrder(ctx, master.ID, slow)
	if err != nil {
		t.Fatalf("slow follower order missing: %v", err)
	}
	if o.Status != store.StatusUnknown {
		t.Fatalf("expected UNKNOWN for slow follower, got %s", o.Status)
	}

	// 券商侧实际已受理；成交后对账应解析悬置态并回填成交价。
	h.broker.FillAll()
	rec := replicator.NewReconciler(h.st, h.broker, broker.NewInstrumentMapper(h.st), nil, nil, time.Minute)
	if err := rec.ForceReconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	o, err = h.st.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("reread slow order: %v", err)
	}
	if o.Status != store.StatusFilled {
		t.Fatalf("expected reconciled FILLED, got %s", o.Status)
	}
	if o.AvgFillPrice <= 0 {
		t.Fatalf("fill price not backfilled: %f", o.AvgFillPrice)
	}
}

func TestBackToBackMastersKeepPerFollowerOrder(t *testing.T) {
	links := ratioLinks(3, 1.0)
	h := newHarness(t, fastCfg(), links)
	h.broker.SetLatency(100 * time.Millisecond)

	m1 := seedMaster(t, h.st, "m-1", 100)
	m2 := seedMaster(t, h.st, "m-2", 100)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := h.disp.Dispatch(ctx, m1.ID)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if _, err := h.disp.Dispatch(ctx, m2.ID); err != nil {
		t.Fatalf("dispatch m2: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("dispatch m1: %v", err)
	}

	// 对每个跟单账户，M1 派生单必须先于 M2 派生单到达券商。
	firstSeen := make(map[string]string)
	for _, r := range h.broker.Records() {
		o, err := h.st.GetOrder(ctx, r.Token)
		if err != nil {
			t.Fatalf("lookup placed order %s: %v", r.Token, err)
		}
		if _, ok := firstSeen[r.Account]; !ok {
			firstSeen[r.Account] = o.ParentID
		}
	}
	for _, l := range links {
		if got := firstSeen[l.FollowerAccount]; got != m1.ID {
			t.Fatalf("follower %s saw %s first, want %s", l.FollowerAccount, got, m1.ID)
		}
	}
}
