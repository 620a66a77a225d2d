package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"copy-trader-go/config"
	"copy-trader-go/sim"
)

// 一个极简的本地扇出模拟：内存券商 + 临时 SQLite 库，驱动完整的
// 复制管道并打印每场景延迟聚合。仅用于演示，不连接真实券商。
func main() {
	followers := flag.Int("followers", 10, "number of active follower links")
	ratio := flag.Float64("ratio", 1.0, "fixed-ratio policy value for every link")
	qty := flag.Int64("qty", 100, "master order quantity")
	orders := flag.Int("orders", 1, "number of back-to-back master orders")
	latencyMs := flag.Int("latencyMs", 20, "simulated broker latency in ms")
	failRate := flag.Float64("failRate", 0, "broker transient failure probability (0.0-1.0)")
	timeoutMs := flag.Int("timeoutMs", 0, "dispatch timeout override in ms (0 keeps default)")
	suite := flag.Bool("suite", false, "run the canonical scenario suite instead of flags")
	flag.Parse()

	cfg := config.Defaults()
	if *timeoutMs > 0 {
		cfg.DispatchTimeoutMs = *timeoutMs
	}

	scenarios := []sim.Scenario{{
		Name:          "custom",
		Followers:     *followers,
		Ratio:         *ratio,
		MasterQty:     *qty,
		Orders:        *orders,
		BrokerLatency: time.Duration(*latencyMs) * time.Millisecond,
		FailureRate:   *failRate,
	}}
	if *suite {
		scenarios = []sim.Scenario{
			{Name: "clean-fanout", Followers: 10, Ratio: 1.0, MasterQty: 100, BrokerLatency: 20 * time.Millisecond},
			{Name: "tiny-ratio", Followers: 10, Ratio: 0.0049, MasterQty: 100, BrokerLatency: 20 * time.Millisecond},
			{Name: "flaky-broker", Followers: 10, Ratio: 1.0, MasterQty: 100, BrokerLatency: 20 * time.Millisecond, FailureRate: 0.3},
			{Name: "burst", Followers: 10, Ratio: 1.0, MasterQty: 100, Orders: 5, BrokerLatency: 20 * time.Millisecond},
		}
	}

	tmp, err := os.MkdirTemp("", "ct-sim-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmp)

	for i, sc := range scenarios {
		runner, err := sim.BuildRunner(filepath.Join(tmp, fmt.Sprintf("sim-%d.db", i)), cfg, sc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scenario %s: %v\n", sc.Name, err)
			os.Exit(1)
		}
		rep, err := runner.Run(context.Background())
		runner.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "scenario %s: %v\n", sc.Name, err)
			os.Exit(1)
		}
		fmt.Printf("%-14s masters=%d followers=%d dispatched=%d skipped=%d failed=%d place_calls=%d p50=%.1fms p95=%.1fms p99=%.1fms elapsed=%s\n",
			rep.Scenario, rep.Masters, rep.Total, rep.Dispatched, rep.Skipped, rep.Failed,
			rep.PlaceCalls, rep.P50Ms, rep.P95Ms, rep.P99Ms, rep.Elapsed.Round(time.Millisecond))
	}
}
