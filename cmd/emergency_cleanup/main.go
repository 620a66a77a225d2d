package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"copy-trader-go/broker"
	"copy-trader-go/config"
	"copy-trader-go/store"
)

// 紧急撤单工具：撤掉指定账户所有未终态的跟单派生单。
// 没有交易所回报单号的订单无法撤，只能留给对账器解析，这里逐笔报告。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	account := flag.String("account", "", "目标跟单账户")
	yes := flag.Bool("yes", false, "确认执行；缺省只列出将要撤的单")
	flag.Parse()

	if *account == "" {
		fmt.Fprintln(os.Stderr, "需要 -account")
		os.Exit(1)
	}

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开订单库失败: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	vault, err := broker.NewVault(st, cfg.Vault.CredentialKey,
		cfg.BrokerEndpoint()+"/auth/login", nil,
		time.Duration(cfg.Broker.SessionRefreshGuardMs)*time.Millisecond)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化凭据保险库失败: %v\n", err)
		os.Exit(1)
	}
	adapter := broker.NewClient(cfg.BrokerEndpoint(), cfg.Broker.SubscriptionKey,
		cfg.Broker.AppSource, vault)
	mapper := broker.NewInstrumentMapper(st)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	open, err := st.ListOpenByAccount(ctx, *account)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询在途订单失败: %v\n", err)
		os.Exit(1)
	}
	if len(open) == 0 {
		fmt.Printf("账户 %s 没有在途订单\n", *account)
		return
	}

	fmt.Printf("账户 %s 在途订单 %d 笔:\n", *account, len(open))
	for _, o := range open {
		fmt.Printf("  %s %s %s %s qty=%d status=%s exchOrderID=%q\n",
			o.ID, o.Side, o.Symbol, o.Exchange, o.Quantity, o.Status, o.ExchangeOrderID)
	}
	if !*yes {
		fmt.Println("（预览模式，加 -yes 执行撤单）")
		return
	}

	var cancelled, skipped, failed int
	for _, o := range open {
		if o.ExchangeOrderID == "" {
			fmt.Printf("跳过 %s: 无交易所单号（状态 %s，待对账）\n", o.ID, o.Status)
			skipped++
			continue
		}
		inst, err := mapper.Resolve(ctx, o.Symbol, o.Exchange)
		if err != nil {
			fmt.Fprintf(os.Stderr, "解析代码 %s/%s 失败: %v\n", o.Symbol, o.Exchange, err)
			failed++
			continue
		}
		spec := broker.OrderSpec{
			Account:          o.Account,
			Exchange:         inst.Exchange,
			Segment:          inst.Segment,
			ScripCode:        inst.Code,
			Side:             o.Side,
			Type:             o.Type,
			Quantity:         o.Quantity,
			Price:            o.LimitPrice,
			TriggerPrice:     o.TriggerPrice,
			Product:          o.Product,
			Validity:         o.Validity,
			IdempotencyToken: o.ID,
		}
		res, err := adapter.CancelOrder(ctx, spec, o.ExchangeOrderID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "撤单 %s 失败: %v\n", o.ID, err)
			failed++
			continue
		}
		if _, err := st.AppendStatus(ctx, o.ID, store.StatusCancelled,
			res.BrokerOrderID, res.ExchangeOrderID, "emergency cleanup"); err != nil {
			fmt.Fprintf(os.Stderr, "落库 %s 失败: %v\n", o.ID, err)
			failed++
			continue
		}
		fmt.Printf("已撤 %s\n", o.ID)
		cancelled++
	}

	fmt.Printf("完成: 撤单=%d 跳过=%d 失败=%d\n", cancelled, skipped, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
