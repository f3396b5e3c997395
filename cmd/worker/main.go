package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bridgekit/walletbridge/internal/config"
	"github.com/bridgekit/walletbridge/internal/db"
	"github.com/bridgekit/walletbridge/internal/delivery"
	"github.com/bridgekit/walletbridge/internal/health"
	"github.com/bridgekit/walletbridge/internal/logging"
	"github.com/bridgekit/walletbridge/internal/metrics"
	"github.com/bridgekit/walletbridge/internal/tracing"
)

// maxRequeueDelay is the longest deferred requeue the queue will hold. The
// backoff table's long steps exceed it; the persisted next_attempt_at is the
// source of truth, and early redeliveries come back as not-due and get
// requeued again until the record is actually due.
const maxRequeueDelay = 30 * time.Minute

func clampDelay(d time.Duration) time.Duration {
	if d > maxRequeueDelay {
		return maxRequeueDelay
	}
	if d < 0 {
		return 0
	}
	return d
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("walletbridge-worker")

	shutdown, err := tracing.InitTracing(ctx, "walletbridge-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("tracing init failed")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	records := delivery.NewPgRecordStore(pool)
	backoff := delivery.NewBackoff(cfg.Worker.BackoffSchedule, cfg.Worker.MaxAttempts)
	executor := delivery.NewExecutor(records, delivery.ExecutorConfig{
		Backoff:         backoff,
		AttemptTimeout:  cfg.Worker.AttemptTimeout,
		SigningSecret:   cfg.Webhooks.SigningSecret,
		SignatureHeader: cfg.Webhooks.SignatureHeader,
		TimestampHeader: cfg.Webhooks.TimestampHeader,
	}, logger)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	nsqConf := nsq.NewConfig()
	nsqConf.MaxInFlight = 100
	nsqConf.MaxRequeueDelay = maxRequeueDelay
	// not-due requeues poll the long backoff steps, so the consumer must not
	// cap message attempts; the record's own attempt budget governs
	nsqConf.MaxAttempts = 0
	consumer, err := nsq.NewConsumer(cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel, nsqConf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer prod.Stop()

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // we manually requeue or finish
		defer func() {
			if !m.HasResponded() {
				m.Finish()
			}
		}()

		var t delivery.Task
		if err := json.Unmarshal(m.Body, &t); err != nil {
			logger.Plain().WithError(err).Error("bad task payload")
			m.Finish() // terminal: never retry unparseable tasks
			return nil
		}

		taskCtx := tracing.ExtractTraceFromNSQ(ctx, t.TraceHeaders)
		res, err := executor.Attempt(taskCtx, t)
		if err != nil {
			// store unavailable: put the message back, the record is intact
			logger.WithContext(taskCtx).WithEventKey(t.EventKey).WithError(err).Error("attempt infrastructure failure")
			m.Requeue(30 * time.Second)
			return nil
		}

		switch res.Outcome {
		case delivery.OutcomeRetry, delivery.OutcomeNotDue:
			m.Requeue(clampDelay(res.Delay))
		default:
			m.Finish()
		}
		return nil
	}))

	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	go runSweep(sweepCtx, executor, prod, cfg, logger)

	logger.Plain().Info("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker")
	cancelSweep()
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker stopped")
}

// runSweep periodically rescues pending records whose queue timer was lost
// to a restart. The grace window is twice the sweep interval so a record
// with a live requeue timer is never double-sent; run one worker instance
// per deployment so the sweep has a single owner.
func runSweep(ctx context.Context, executor *delivery.Executor, prod *nsq.Producer, cfg config.Config, logger *logging.Logger) {
	grace := 2 * cfg.Worker.SweepInterval
	ticker := time.NewTicker(cfg.Worker.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := executor.Sweep(ctx, prod, cfg.NSQ.DeliveriesTopic, grace, 200)
			if err != nil {
				logger.Plain().WithError(err).Error("sweep failed")
				continue
			}
			if n > 0 {
				logger.Plain().WithField("republished", n).Info("sweep recovered deliveries")
			}
		}
	}
}
