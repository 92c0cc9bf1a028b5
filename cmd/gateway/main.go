// Package main 是服务函数网关的入口点。
// 网关接收 /{service.function} 调用，经分发器完成授权、校验、缓存和事务安全检查后执行服务函数。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/courier/internal/api"
	"github.com/oriys/courier/internal/audit"
	"github.com/oriys/courier/internal/authz"
	"github.com/oriys/courier/internal/cache"
	"github.com/oriys/courier/internal/config"
	"github.com/oriys/courier/internal/datastore"
	"github.com/oriys/courier/internal/dispatch"
	"github.com/oriys/courier/internal/events"
	"github.com/oriys/courier/internal/metrics"
	"github.com/oriys/courier/internal/registry"
	"github.com/oriys/courier/internal/remote"
	"github.com/oriys/courier/internal/scheduler"
	"github.com/oriys/courier/internal/services/orders"
	"github.com/oriys/courier/internal/services/users"
	"github.com/oriys/courier/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "/etc/courier/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	logger := telemetry.NewLogger(cfg.Logging, os.Stdout)
	logger.WithField("namespace", cfg.Dispatch.Namespace).Info("Starting Courier Gateway")

	// 遥测初始化失败不影响主服务运行
	tel, err := telemetry.New(context.Background(), cfg.Telemetry)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
	} else {
		defer tel.Shutdown(context.Background())
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace, promReg)
	}

	// 数据存储：配置了 PostgreSQL 时使用数据库，否则使用内存存储
	storeOpts := datastore.Options{}
	var store datastore.Store
	if cfg.Storage.Postgres.Host != "" {
		pg, err := datastore.NewPostgresStore(cfg.Storage.Postgres, storeOpts)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to PostgreSQL")
		}
		store = pg
	} else {
		logger.Warn("No PostgreSQL configured, using in-memory data store")
		store = datastore.NewMemoryStore(cfg.Storage.Postgres.MaxConnections, storeOpts)
	}
	defer store.Close()

	// 事件总线
	var bus *events.EventBus
	if cfg.Events.NatsURL != "" {
		bus, err = events.NewEventBus(cfg.Events.NatsURL, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer bus.Close()
	}

	// 审计目标
	var sinks audit.MultiSink
	if cfg.Audit.Postgres {
		sink, pool, err := audit.NewPostgresSink(context.Background(), cfg.Storage.Postgres.URL())
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize audit table")
		}
		defer pool.Close()
		sinks = append(sinks, sink)
	}
	if cfg.Audit.Events {
		if bus == nil {
			logger.Fatal("audit.events requires events.nats_url")
		}
		sinks = append(sinks, &audit.EventSink{Publisher: bus})
	}
	if cfg.Audit.Log {
		sinks = append(sinks, &audit.LogSink{Logger: logger})
	}

	gateway := remote.NewHTTPGateway(cfg.Remote.Services, cfg.Remote.Timeout, logger)

	// 服务注册
	usersSvc := users.New(store)
	var ordersOpts []orders.Option
	if _, ok := cfg.Remote.Services["notifications"]; ok {
		ordersOpts = append(ordersOpts, orders.WithNotifier(gateway))
	}
	reg, err := buildRegistry(usersSvc, orders.New(store, ordersOpts...))
	if err != nil {
		logger.WithError(err).Fatal("Failed to register services")
	}
	if m != nil {
		m.RegisteredFunctions.Set(float64(countFunctions(reg)))
	}

	var auth authz.AuthorizationService
	if cfg.Auth.Enabled {
		auth = authz.NewJWTService(cfg.Auth)
	} else {
		logger.Warn("Authentication disabled, all external calls are authorized")
	}
	gate := authz.NewGate(auth, usersSvc, logger)

	dispatchOpts := []dispatch.Option{
		dispatch.WithRemoteGateway(gateway),
		dispatch.WithAuditSink(sinks),
		dispatch.WithMetrics(m),
	}
	if cfg.Auth.CaptchaVerifyURL != "" {
		dispatchOpts = append(dispatchOpts, dispatch.WithCaptchaVerifier(authz.NewCaptchaService(cfg.Auth.CaptchaVerifyURL, cfg.Auth.CaptchaSecret)))
	}
	if cfg.Cache.Enabled {
		rc, err := cache.NewRedisCache(cfg.Storage.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rc.Close()
		dispatchOpts = append(dispatchOpts, dispatch.WithResponseCache(rc, cfg.Cache.DefaultTTL))
	}

	// 定时任务：任务通过保留路由提交，或来自函数声明的 cron 表达式
	var jobs *scheduler.JobScheduler
	if cfg.Scheduler.Enabled {
		schedOpts := []scheduler.Option{scheduler.WithMetrics(m)}
		if bus != nil {
			schedOpts = append(schedOpts, scheduler.WithPublisher(bus))
		}
		jobs = scheduler.NewJobScheduler(logger, schedOpts...)
		dispatchOpts = append(dispatchOpts, dispatch.WithJobScheduler(jobs))
	}

	dispatcher, err := dispatch.New(reg, gate, cfg.Dispatch, logger, dispatchOpts...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create dispatcher")
	}

	if jobs != nil {
		if err := jobs.LoadRecurring(reg); err != nil {
			logger.WithError(err).Fatal("Failed to load recurring jobs")
		}
		jobs.Start(dispatcher)
		defer jobs.Stop()
	}

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = promReg
	}
	router := api.NewRouter(&api.RouterConfig{
		Handler:     api.NewHandler(dispatcher, logger, cfg.Server.MaxRequestBytes),
		Server:      cfg.Server,
		Gatherer:    gatherer,
		ServiceName: cfg.Telemetry.ServiceName,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// 等待关闭信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}
	logger.Info("Server stopped")
}

// serviceProvider 可注册到网关的服务
type serviceProvider interface {
	Register() (*registry.Service, error)
}

// buildRegistry 注册所有服务并冻结注册表
func buildRegistry(providers ...serviceProvider) (*registry.Registry, error) {
	reg := registry.New()
	for _, p := range providers {
		svc, err := p.Register()
		if err != nil {
			return nil, err
		}
		if err := reg.Add(svc); err != nil {
			return nil, err
		}
	}
	reg.Freeze()
	return reg, nil
}

func countFunctions(reg *registry.Registry) int {
	n := 0
	for _, s := range reg.Services() {
		n += len(s.Functions())
	}
	return n
}
