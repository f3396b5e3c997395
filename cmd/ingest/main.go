package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bridgekit/walletbridge/internal/auth"
	"github.com/bridgekit/walletbridge/internal/config"
	"github.com/bridgekit/walletbridge/internal/db"
	"github.com/bridgekit/walletbridge/internal/delivery"
	"github.com/bridgekit/walletbridge/internal/health"
	"github.com/bridgekit/walletbridge/internal/httpapi"
	"github.com/bridgekit/walletbridge/internal/ingest"
	"github.com/bridgekit/walletbridge/internal/ledger"
	"github.com/bridgekit/walletbridge/internal/logging"
	"github.com/bridgekit/walletbridge/internal/metrics"
	"github.com/bridgekit/walletbridge/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("walletbridge-ingest")

	shutdown, err := tracing.InitTracing(ctx, "walletbridge-ingest")
	if err != nil {
		logger.Plain().WithError(err).Fatal("tracing init failed")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer failed")
	}
	defer prod.Stop()

	store := ledger.NewPgStore(pool)
	records := delivery.NewPgRecordStore(pool)
	svc := ingest.NewService(store, records, prod, cfg.NSQ.DeliveriesTopic, cfg.Webhooks, logger)
	api := httpapi.NewServer(store, records, svc, prod, cfg.NSQ.DeliveriesTopic, logger)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// operator routes sit behind JWT auth; the hook endpoint and health
	// surfaces are exempt
	var validator *auth.JWTValidator
	if cfg.Auth.PublicKeyPEM != "" {
		validator, err = auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("auth public key invalid")
		}
	} else {
		logger.Plain().Warn("AUTH_PUBLIC_KEY_PEM not set, operator API is unauthenticated")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", validator.HTTPMiddleware(api.Routes()))

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("ingest HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down ingest")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("ingest stopped")
}
