package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wedding-dispatch/internal/api"
	"wedding-dispatch/internal/config"
	"wedding-dispatch/internal/dedup"
	"wedding-dispatch/internal/dispatch"
	"wedding-dispatch/internal/handler"
	"wedding-dispatch/internal/logging"
	"wedding-dispatch/internal/metrics"
	"wedding-dispatch/internal/providers"
	"wedding-dispatch/internal/quota"
	"wedding-dispatch/internal/scheduler"
	"wedding-dispatch/internal/storage"
	"wedding-dispatch/internal/templates"
	"wedding-dispatch/internal/whatsapp"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	fmt.Println("🎉 Wedding Guest Dispatcher")
	fmt.Println("===========================")

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Printf("Error configuring logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Dispatcher failed")
	}
	fmt.Println("Goodbye! 👋")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	metrics.Init()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	store, err := storage.NewStorage(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	guardCfg := providers.GuardConfig{
		RatePerSecond:   cfg.Guard.RatePerSecond,
		Burst:           cfg.Guard.Burst,
		BreakerFailures: cfg.Guard.BreakerFailures,
		BreakerTimeout:  cfg.Guard.BreakerTimeout,
	}

	var (
		channelProviders []providers.Provider
		wa               *whatsapp.Service
	)
	if cfg.WhatsApp.Enabled {
		wa, err = whatsapp.NewService(ctx, whatsapp.Config{DataDir: cfg.WhatsApp.DataDir}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize WhatsApp service: %w", err)
		}
		defer wa.Disconnect()
		channelProviders = append(channelProviders, providers.Guard(wa, guardCfg, log))
	}
	if cfg.SNS.Enabled {
		client, err := providers.NewSNSClient(ctx, cfg.SNS.Region)
		if err != nil {
			return err
		}
		channelProviders = append(channelProviders, providers.Guard(providers.NewSMSProvider(client, cfg.SNS.SenderID), guardCfg, log))
	}
	if cfg.Voice.BaseURL != "" {
		voice := providers.NewVoiceProvider(cfg.Voice.BaseURL, cfg.Voice.APIKey, cfg.Voice.CallerID, nil)
		channelProviders = append(channelProviders, providers.Guard(voice, guardCfg, log))
	}
	providerSet := providers.NewSet(channelProviders...)
	if len(providerSet.Channels()) == 0 {
		log.Warn().Msg("No channel providers configured; every send will fail with CONFIG_MISSING")
	}

	var approvals templates.ApprovalClient
	if cfg.ContentAPI.AccountSID != "" {
		approvals = templates.NewContentAPI(cfg.ContentAPI.BaseURL, cfg.ContentAPI.AccountSID, cfg.ContentAPI.AuthToken, nil)
	}
	registry := templates.NewRegistry(store, approvals, cfg.Style, cfg.Locale, log)

	plans, err := cfg.PlanLimits()
	if err != nil {
		return err
	}
	var counter quota.Counter = quota.NewSQLCounter(store)
	if cfg.Quota.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Quota.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		counter = quota.NewRedisCounter(rdb, cfg.Quota.RedisPrefix, 0)
	}
	ledger := quota.NewLedger(&quota.PlanTiers{Tenants: store, Plans: plans, DefaultPlan: cfg.Quota.DefaultPlan}, counter, log)

	dispatcher := dispatch.New(dispatch.Deps{
		Directory: store,
		Templates: registry,
		Quota:     ledger,
		Dedup:     dedup.NewGuard(store, cfg.Dispatch.PendingLiveness, log),
		Providers: providerSet,
	}, dispatch.Config{
		Workers:         cfg.Dispatch.Workers,
		BatchSize:       cfg.Dispatch.BatchSize,
		ProviderTimeout: cfg.Dispatch.ProviderTimeout,
		MaxErrors:       cfg.Dispatch.MaxErrors,
		Location:        loc,
	}, log)

	sched := scheduler.New(store, dispatcher, scheduler.Config{
		Interval:    cfg.Scheduler.Interval,
		Lateness:    cfg.Scheduler.Lateness,
		CountryCode: cfg.CountryCode,
		Location:    loc,
	}, log)

	var replier handler.Replier = logReplier{log: log}
	if wa != nil {
		replier = wa
	}
	rsvp := handler.NewRSVPHandler(store, sched, replier, dispatcher, handler.Config{CountryCode: cfg.CountryCode}, log)

	if wa != nil {
		wa.SetMessageHandler(rsvp.HandleMessage)
		fmt.Println("Connecting to WhatsApp...")
		if err := wa.Connect(ctx, os.Stdout); err != nil {
			return fmt.Errorf("failed to connect to WhatsApp: %w", err)
		}
		fmt.Println("\n✅ Connected to WhatsApp!")
	}

	if cfg.Scheduler.Enabled {
		go sched.Run(ctx)
	}
	if approvals != nil {
		go syncApprovals(ctx, registry, cfg.Scheduler.Interval*5, log)
	}

	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(api.Deps{
			Directory:  store,
			Dispatcher: dispatcher,
			Scheduler:  sched,
			Templates:  registry,
			Flows:      store,
			Quota:      ledger,
			Inviter:    rsvp,
			Providers:  providerSet,
		}, cfg.HTTP.APIToken, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	cli := &operatorCLI{
		store:      store,
		dispatcher: dispatcher,
		scheduler:  sched,
		registry:   registry,
		ledger:     ledger,
		rsvp:       rsvp,
		in:         os.Stdin,
		out:        os.Stdout,
	}
	go cli.run(ctx)

	<-ctx.Done()
	fmt.Println("\n\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	return nil
}

// syncApprovals polls the provider for templates awaiting a review decision.
func syncApprovals(ctx context.Context, registry *templates.Registry, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := registry.SyncAll(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Template approval sweep failed")
				continue
			}
			if changed > 0 {
				log.Info().Int("changed", changed).Msg("Template approval statuses updated")
			}
		}
	}
}

// logReplier stands in for the chat channel when WhatsApp is disabled.
type logReplier struct {
	log zerolog.Logger
}

func (r logReplier) Reply(ctx context.Context, phone, text string) error {
	r.log.Info().Str("phone", phone).Str("text", text).Msg("Reply not sent, WhatsApp disabled")
	return nil
}
