package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"copy-trader-go/store"
)

// 按账户统计当日已实现盈亏的运维工具。直接读复制库，不访问券商。
// 账户列表可以显式给出，也可以从主账户的活跃跟单链路推导。
func main() {
	dbPath := flag.String("db", "data/replicator.db", "订单库路径")
	master := flag.String("master", "", "主账户；为空时必须显式给 -accounts")
	accounts := flag.String("accounts", "", "逗号分隔的跟单账户列表")
	day := flag.String("day", "", "统计日 (YYYY-MM-DD, UTC)；默认今天")
	flag.Parse()

	refDay := time.Now().UTC()
	if *day != "" {
		parsed, err := time.Parse("2006-01-02", *day)
		if err != nil {
			fmt.Fprintf(os.Stderr, "无效日期 %q: %v\n", *day, err)
			os.Exit(1)
		}
		refDay = parsed
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开订单库失败: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	var targets []string
	if *accounts != "" {
		for _, a := range strings.Split(*accounts, ",") {
			if a = strings.TrimSpace(a); a != "" {
				targets = append(targets, a)
			}
		}
	} else if *master != "" {
		links, err := st.ActiveLinks(ctx, *master)
		if err != nil {
			fmt.Fprintf(os.Stderr, "查询跟单链路失败: %v\n", err)
			os.Exit(1)
		}
		for _, l := range links {
			targets = append(targets, l.FollowerAccount)
		}
	}
	if len(targets) == 0 {
		fmt.Fprintln(os.Stderr, "需要 -accounts 或 -master（且存在活跃链路）")
		os.Exit(1)
	}

	fmt.Printf("=== 当日已实现盈亏 %s ===\n", refDay.Format("2006-01-02"))
	var total float64
	for _, account := range targets {
		pnl, err := st.DailyRealizedPnL(ctx, account, refDay)
		if err != nil {
			fmt.Fprintf(os.Stderr, "账户 %s 统计失败: %v\n", account, err)
			os.Exit(1)
		}
		total += pnl
		fmt.Printf("%-16s %12.2f\n", account, pnl)
	}
	fmt.Printf("%-16s %12.2f\n", "合计", total)
}
