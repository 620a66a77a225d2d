package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"copy-trader-go/broker"
	"copy-trader-go/config"
	"copy-trader-go/events"
	"copy-trader-go/follower"
	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/metrics"
	"copy-trader-go/replicator"
	"copy-trader-go/risk"
	"copy-trader-go/store"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zl, err := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Outputs:    cfg.Logger.Outputs,
		OutputFile: cfg.Logger.OutputFile,
		ErrorFile:  cfg.Logger.ErrorFile,
	})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zl.Close()

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		log.Fatalf("打开订单库失败: %v", err)
	}
	defer st.Close()

	vault, err := broker.NewVault(st, cfg.Vault.CredentialKey,
		cfg.BrokerEndpoint()+"/auth/login", nil,
		time.Duration(cfg.Broker.SessionRefreshGuardMs)*time.Millisecond)
	if err != nil {
		log.Fatalf("初始化凭据保险库失败: %v", err)
	}

	var clientOpts []broker.ClientOption
	if cfg.Broker.RequestRatePerSec > 0 {
		clientOpts = append(clientOpts,
			broker.WithRateLimiter(broker.NewTokenBucketLimiter(cfg.Broker.RequestRatePerSec, cfg.Broker.RequestBurst)))
	}
	adapter := broker.NewClient(cfg.BrokerEndpoint(), cfg.Broker.SubscriptionKey,
		cfg.Broker.AppSource, vault, clientOpts...)

	mapper := broker.NewInstrumentMapper(st)
	registry := follower.NewRegistry(st,
		time.Duration(cfg.Replication.FollowerSnapshotTTLMs)*time.Millisecond)
	gate := risk.NewGate(st, adapter, nil, nil)

	prom := metrics.New(metrics.DefaultConfig())
	pub := events.NewPublisher()
	hub := events.NewHub(pub.Subscribe(
		replicator.TopicMasterAccepted,
		replicator.TopicOrderUpdate,
		replicator.TopicReplicationSealed,
	), zl)

	dispatcher := replicator.New(replicator.Deps{
		Store:     st,
		Followers: registry,
		Gate:      gate,
		Mapper:    mapper,
		Adapter:   adapter,
		Marks:     nil,
		Events:    pub,
		Metrics:   prom,
		Logger:    zl,
	}, cfg.Replication)
	ingress := replicator.NewIngress(dispatcher, pub, zl)
	reconciler := replicator.NewReconciler(st, adapter, mapper, pub, zl,
		time.Duration(cfg.Replication.ReconcileIntervalMs)*time.Millisecond)

	reloader, err := config.NewReloader(*cfgPath, 0, func(rc config.ReplicationConfig) {
		dispatcher.UpdateConfig(rc)
		registry.SetTTL(time.Duration(rc.FollowerSnapshotTTLMs) * time.Millisecond)
		zl.LogReplication("config_reloaded", "", map[string]interface{}{
			"dispatchTimeoutMs": rc.DispatchTimeoutMs, "maxRetries": rc.MaxRetries,
		})
	})
	if err != nil {
		log.Fatalf("初始化配置热更新失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if len(cfg.Events.Kafka.Brokers) > 0 {
		audit := events.NewAuditSink(cfg.Events.Kafka,
			pub.Subscribe(replicator.TopicReplicationSealed, replicator.TopicOrderUpdate), zl)
		g.Go(func() error {
			audit.Run(gctx)
			return audit.Close()
		})
	}

	if err := reconciler.Start(gctx); err != nil {
		log.Fatalf("启动对账器失败: %v", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		return reconciler.Stop()
	})

	if err := reloader.Start(gctx); err != nil {
		zl.LogError(err, map[string]interface{}{"stage": "config_watch"})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			return reloader.Stop()
		})
	}

	if cfg.MetricsAddr != "" {
		prom.StartMetricsServer(cfg.MetricsAddr)
	}

	if cfg.Events.WSAddr != "" {
		g.Go(func() error {
			return runEventServer(gctx, cfg.Events.WSAddr, hub, ingress, st, zl)
		})
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	zl.LogReplication("replicator_started", "", map[string]interface{}{
		"broker": cfg.BrokerEndpoint(), "db": cfg.Store.DBPath,
	})

	<-gctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// 先停止受理，再等在途扇出封口
	if !ingress.Drain(15 * time.Second) {
		zl.LogReplication("drain_timeout", "", nil)
	}
	pub.Close()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		zl.LogError(err, map[string]interface{}{"stage": "shutdown"})
	}
}

// runEventServer 承载 websocket 推送与进程内复制触发入口。
// 对外的业务 API 不在本进程；/internal/replicate 只供同机编排组件调用。
func runEventServer(ctx context.Context, addr string, hub *events.Hub, ingress *replicator.Ingress, st *store.Store, zl *logger.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/internal/replicate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			OrderID string `json:"orderId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
			http.Error(w, "orderId required", http.StatusBadRequest)
			return
		}
		master, err := st.GetOrder(r.Context(), req.OrderID)
		if err != nil {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		if !ingress.Accept(r.Context(), master) {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		err := <-serverErr
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.LogError(err, map[string]interface{}{"stage": "event_server"})
			return err
		}
		return nil
	}
}
