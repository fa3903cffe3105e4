package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/groupbuy/internal/auth"
	"github.com/iurnickita/groupbuy/internal/cache"
	"github.com/iurnickita/groupbuy/internal/config"
	"github.com/iurnickita/groupbuy/internal/handler"
	"github.com/iurnickita/groupbuy/internal/logger"
	"github.com/iurnickita/groupbuy/internal/notify"
	"github.com/iurnickita/groupbuy/internal/payment"
	"github.com/iurnickita/groupbuy/internal/ratelimit"
	"github.com/iurnickita/groupbuy/internal/service"
	"github.com/iurnickita/groupbuy/internal/store"
	"github.com/iurnickita/groupbuy/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier, err := notify.NewDispatcher(cfg.Notify, zaplog)
	if err != nil {
		return err
	}
	defer notifier.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// Возвраты: без шлюза строки копятся в outbox
	var refunds service.RefundDeliverer
	if cfg.Payment.GatewayAddr != "" {
		relay := worker.NewRefundRelay(cfg.Worker, store, payment.NewClient(cfg.Payment, zaplog), zaplog)
		refunds = relay
		g.Go(func() error { return relay.Start(ctx) })
	} else {
		zaplog.Warn("payment gateway is not configured, refunds stay queued")
	}

	// Redis: кэш закупок и ограничение частоты вступлений
	rdb, err := cache.NewClient(cfg.Cache)
	if err != nil {
		return err
	}
	var opts []service.Option
	var invalidator worker.Invalidator
	var limiter handler.Limiter
	if rdb != nil {
		defer rdb.Close()
		campaignCache := cache.NewCampaignCache(rdb, cfg.Cache.TTL, zaplog)
		opts = append(opts, service.WithCache(campaignCache))
		invalidator = campaignCache
		if cfg.Handler.JoinRateLimit > 0 {
			limiter = ratelimit.NewLimiter(rdb, "join", cfg.Handler.JoinRateLimit, cfg.Handler.JoinRateWindow, zaplog)
		}
	}

	service, err := service.NewService(cfg.Service, store, notifier, refunds, zaplog, opts...)
	if err != nil {
		return err
	}

	sweeper := worker.NewExpirySweeper(cfg.Worker, store, notifier, invalidator, zaplog)
	g.Go(func() error { return sweeper.Start(ctx) })

	auth := auth.NewAuth(cfg.Handler.TokenSecret)
	g.Go(func() error { return handler.Serve(ctx, cfg.Handler, auth, limiter, service, zaplog) })

	err = g.Wait()
	zaplog.Info("shutdown complete", zap.Error(err))
	return err
}
