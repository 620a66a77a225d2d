package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copy-trader-go/metrics"
)

// 指标探针：起一个独立的 Prometheus 端点并周期性写入合成的复制指标，
// 用于验证抓取配置和 Grafana 面板，不接任何真实管道。
func main() {
	addr := flag.String("addr", ":9100", "指标监听地址")
	interval := flag.Duration("interval", 2*time.Second, "合成样本间隔")
	flag.Parse()

	prom := metrics.New(metrics.DefaultConfig())
	prom.StartMetricsServer(*addr)
	fmt.Printf("指标探针已启动: http://localhost%s/metrics\n", *addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	outcomes := []string{"dispatched", "policy_skipped", "risk_denied", "broker_errored", "timed_out"}
	for {
		select {
		case <-stop:
			fmt.Println("指标探针退出")
			return
		case <-ticker.C:
			total := 5 + rand.Intn(10)
			dispatched := total - rand.Intn(3)
			prom.FanoutSealed(total, dispatched)
			for i := 0; i < total; i++ {
				kind := "dispatched"
				if i >= dispatched {
					kind = outcomes[1+rand.Intn(len(outcomes)-1)]
				}
				prom.FollowerOutcome(kind)
				prom.ObserveFollowerLatency(0.02 + rand.Float64()*0.3)
			}
			prom.BrokerInFlightAdd(float64(rand.Intn(5)))
			prom.BrokerInFlightAdd(-float64(rand.Intn(5)))
			prom.ReconcileRun(rand.Intn(2))
			prom.WSClientsSet(rand.Intn(8))
		}
	}
}
