package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/tokligence/tokligence-canvas/internal/auth"
	"github.com/tokligence/tokligence-canvas/internal/backend"
	"github.com/tokligence/tokligence-canvas/internal/clock"
	"github.com/tokligence/tokligence-canvas/internal/config"
	"github.com/tokligence/tokligence-canvas/internal/health"
	"github.com/tokligence/tokligence-canvas/internal/hooks"
	"github.com/tokligence/tokligence-canvas/internal/httpserver"
	"github.com/tokligence/tokligence-canvas/internal/logging"
	"github.com/tokligence/tokligence-canvas/internal/metrics"
	"github.com/tokligence/tokligence-canvas/internal/orchestrator"
	"github.com/tokligence/tokligence-canvas/internal/pricing"
	"github.com/tokligence/tokligence-canvas/internal/provider"
	"github.com/tokligence/tokligence-canvas/internal/provider/httpapi"
	"github.com/tokligence/tokligence-canvas/internal/provider/loopback"
	"github.com/tokligence/tokligence-canvas/internal/ratelimit"
	"github.com/tokligence/tokligence-canvas/internal/version"
)

func main() {
	root := flag.String("root", ".", "directory containing config/")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.FullInfo())
		return
	}

	cfg, err := config.LoadCanvasConfig(*root)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	rootLogger, logCloser, err := logging.Setup("[canvasd] ", cfg.LogFile, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer logCloser.Close()
	logger := rootLogger.Logger
	logger.Printf("%s starting env=%s", version.FullInfo(), cfg.Environment)

	ctx := context.Background()
	stores, err := backend.Open(ctx, cfg, rootLogger.Component("[canvasd/store] ").Logger)
	if err != nil {
		logger.Fatalf("open storage: %v", err)
	}
	defer stores.Close()

	prices, err := loadPricing(cfg)
	if err != nil {
		logger.Fatalf("pricing: %v", err)
	}

	imageProvider, providerProbe, err := buildProvider(cfg)
	if err != nil {
		logger.Fatalf("provider: %v", err)
	}
	logger.Printf("provider=%s submit_rps=%.2f submit_burst=%d", imageProvider.Name(), cfg.SubmitRPS, cfg.SubmitBurst)

	collector := metrics.NewCollector()
	dispatcher := &hooks.Dispatcher{}
	if handler := cfg.Hooks.BuildScriptHandler(); handler != nil {
		dispatcher.Register(handler)
		logger.Printf("hooks dispatcher enabled script=%s", cfg.Hooks.ScriptPath)
	}

	pipelineLogger := rootLogger.Component("[canvasd/pipeline] ").Logger
	orch, err := orchestrator.New(orchestrator.Deps{
		Ledger:   stores.Ledger,
		Jobs:     stores.Jobs,
		Results:  stores.Results,
		Provider: imageProvider,
		Pricing:  prices,
		Clock:    clock.System{},
		Metrics:  collector,
		Hooks:    dispatcher,
		Logger:   pipelineLogger,
	}, orchestrator.Config{
		PollInterval:        cfg.PollInterval,
		PollTimeout:         cfg.PollTimeout,
		PollMaxAttempts:     cfg.PollMaxAttempts,
		Workers:             int64(cfg.Workers),
		RefundAlertAttempts: cfg.RefundAlertAttempts,
		RetryMaxBackoff:     cfg.RetryMaxBackoff,
		MaxImages:           cfg.MaxImagesPerRequest,
		MaxPromptLength:     cfg.MaxPromptLength,
		OrphanGrace:         cfg.OrphanGrace,
	})
	if err != nil {
		logger.Fatalf("orchestrator: %v", err)
	}

	recoverCtx, cancelRecover := context.WithTimeout(ctx, time.Minute)
	report, err := orch.Recover(recoverCtx)
	cancelRecover()
	if err != nil {
		// Unswept orphans are retried on the next start; serving continues.
		logger.Printf("recovery incomplete: %v", err)
	}
	logger.Printf("recovery resumed=%d refunding=%d orphans=%d", report.Resumed, report.Refunding, report.Orphans)

	var authManager *auth.Manager
	if !cfg.AuthDisabled {
		authManager, err = auth.NewManager(cfg.AuthSecret)
		if err != nil {
			logger.Fatalf("auth: %v", err)
		}
	} else {
		logger.Printf("authorization disabled: every request runs as user 1")
	}
	authenticator := &auth.Authenticator{
		Manager:       authManager,
		TrustedHeader: cfg.TrustedUserHeader,
		Disabled:      cfg.AuthDisabled,
		DevUserID:     1,
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiterCfg := ratelimit.Config{
			RequestsPerSecond: cfg.UserRPS,
			Burst:             cfg.UserBurst,
			Logger:            rootLogger.Component("[canvasd/ratelimit] ").Logger,
		}
		if stores.Redis != nil {
			limiterCfg.Store = ratelimit.NewRedisStore(stores.Redis)
		}
		limiter = ratelimit.NewLimiter(limiterCfg)
		defer limiter.Close()
	}

	probes := append([]health.Probe(nil), stores.Probes...)
	if providerProbe != nil {
		probes = append(probes, *providerProbe)
	}

	httpSrv, err := httpserver.New(httpserver.Deps{
		Orchestrator:     orch,
		Ledger:           stores.Ledger,
		Authenticator:    authenticator,
		Limiter:          limiter,
		Health:           health.New(health.Config{Probes: probes}),
		Metrics:          collector,
		Hooks:            dispatcher,
		FulfilmentSecret: cfg.FulfilmentSecret,
		Logger:           rootLogger.Component("[canvasd/http] ").Logger,
		LogLevel:         cfg.LogLevel,
	})
	if err != nil {
		logger.Fatalf("http server: %v", err)
	}
	if cfg.FulfilmentSecret == "" {
		logger.Printf("fulfilment_secret unset: POST /internal/credits disabled")
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("canvas server listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	// In-flight jobs stay in submitted/polling and are resumed by Recover on
	// the next start.
	orch.Close()
	logger.Printf("stopped")
}

func loadPricing(cfg config.CanvasConfig) (*pricing.Calculator, error) {
	table := pricing.DefaultTable()
	if cfg.PricingFile != "" {
		loaded, err := pricing.LoadFile(cfg.PricingFile)
		if err != nil {
			return nil, err
		}
		table = loaded
	}
	if cfg.DefaultImagePrice > 0 {
		table.DefaultPerImage = cfg.DefaultImagePrice
	}
	return pricing.New(table)
}

func buildProvider(cfg config.CanvasConfig) (provider.Client, *health.Probe, error) {
	var (
		client provider.Client
		probe  *health.Probe
	)
	switch cfg.Provider {
	case config.ProviderHTTP:
		hc, err := httpapi.New(httpapi.Config{
			BaseURL:    cfg.ProviderBaseURL,
			APIKey:     cfg.ProviderAPIKey,
			SubmitPath: cfg.ProviderSubmitPath,
			PollPath:   cfg.ProviderPollPath,
			Timeout:    cfg.ProviderTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		client = hc
		p := health.HTTPProbe("provider", cfg.ProviderBaseURL, &http.Client{Timeout: 2 * time.Second})
		probe = &p
	default:
		client = loopback.New(cfg.LoopbackPolls)
	}
	if cfg.SubmitRPS > 0 {
		burst := cfg.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		client = provider.WithRateLimit(client, rate.NewLimiter(rate.Limit(cfg.SubmitRPS), burst))
	}
	return client, probe, nil
}
