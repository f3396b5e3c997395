package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bridgekit/walletbridge/internal/logging"
	"github.com/bridgekit/walletbridge/internal/metrics"
	"github.com/bridgekit/walletbridge/internal/tracing"
)

// Outcome of one delivery attempt.
type Outcome int

const (
	// OutcomeSkipped means the record was already terminal or out of
	// attempts, so nothing was sent. Duplicate queue messages land here.
	OutcomeSkipped Outcome = iota
	OutcomeAcknowledged
	// OutcomeNotDue means the record's next attempt time is still in the
	// future, so nothing was sent; the caller should wait Result.Delay.
	// Queue redeliveries that land early end up here.
	OutcomeNotDue
	// OutcomeRetry means the attempt failed and another is scheduled after
	// Result.Delay.
	OutcomeRetry
	// OutcomeExhausted means the attempt failed and the budget is spent.
	OutcomeExhausted
)

// Result describes what an attempt did.
type Result struct {
	Outcome    Outcome
	Delay      time.Duration
	HTTPStatus int
	Latency    time.Duration
	Reason     string
}

// dueSlack tolerates clock skew between the queue timer and the persisted
// next attempt time.
const dueSlack = 2 * time.Second

// Publisher is the queue side the executor re-publishes swept tasks on.
// *nsq.Producer satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Executor drives delivery attempts: claim the record, sign and send the
// request, settle the record according to the response.
type Executor struct {
	store     RecordStore
	backoff   Backoff
	client    *http.Client
	secret    []byte
	sigHeader string
	tsHeader  string
	logger    *logging.Logger
}

type ExecutorConfig struct {
	Backoff         Backoff
	AttemptTimeout  time.Duration
	SigningSecret   string
	SignatureHeader string
	TimestampHeader string
}

func NewExecutor(store RecordStore, cfg ExecutorConfig, logger *logging.Logger) *Executor {
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Executor{
		store:     store,
		backoff:   cfg.Backoff,
		client:    &http.Client{Timeout: timeout},
		secret:    []byte(cfg.SigningSecret),
		sigHeader: cfg.SignatureHeader,
		tsHeader:  cfg.TimestampHeader,
		logger:    logger,
	}
}

// Attempt performs one delivery attempt for the task's record. The attempt
// counter and the next attempt time are persisted before the request goes
// out, so a crash mid-send costs at most one duplicate send, never a lost
// record.
func (e *Executor) Attempt(ctx context.Context, t Task) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("event_key", t.EventKey),
		attribute.String("target_url", t.TargetURL),
	)
	defer span.End()

	before, err := e.store.Get(ctx, t.EventKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Result{Outcome: OutcomeSkipped, Reason: "record_missing"}, nil
		}
		return Result{}, err
	}
	if before.Terminal() {
		return Result{Outcome: OutcomeSkipped, Reason: "not_attemptable"}, nil
	}
	// a crash between the final claimed attempt and its settlement leaves
	// the record pending with the budget spent; close the chain here so the
	// sweep stops republishing it
	if e.backoff.Exhausted(before.Attempts) {
		lastErr := before.LastError
		if lastErr == "" {
			lastErr = "attempt budget exhausted"
		}
		if err := e.store.MarkFailed(ctx, before.ID, lastErr); err != nil {
			tracing.SetSpanError(ctx, err)
			return Result{}, err
		}
		metrics.RecordExhausted()
		e.logger.WithContext(ctx).WithEventKey(t.EventKey).WithField("attempts", before.Attempts).Error("delivery failed permanently")
		return Result{Outcome: OutcomeExhausted, Reason: "budget_exhausted"}, nil
	}
	// long backoff steps outlive what the queue will hold on a timer, so
	// redeliveries can arrive early; honor the persisted schedule
	if before.NextAttemptAt != nil {
		if wait := time.Until(*before.NextAttemptAt); wait > dueSlack {
			tracing.AddSpanEvent(ctx, "delivery.not_due")
			return Result{Outcome: OutcomeNotDue, Delay: wait}, nil
		}
	}
	nextDelay := e.backoff.Delay(before.Attempts + 1)

	rec, err := e.store.BeginAttempt(ctx, before.ID, e.backoff.MaxAttempts(), time.Now().Add(nextDelay))
	if err != nil {
		if errors.Is(err, ErrNotAttemptable) {
			tracing.AddSpanEvent(ctx, "delivery.skipped")
			return Result{Outcome: OutcomeSkipped, Reason: "not_attemptable"}, nil
		}
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("attempt", rec.Attempts))

	status, latency, doErr := e.send(ctx, rec)
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	// strictly 200; 201, 204, or a redirect is not an acknowledgement
	if doErr == nil && status == http.StatusOK {
		if err := e.store.MarkAcknowledged(ctx, rec.ID); err != nil {
			tracing.SetSpanError(ctx, err)
			return Result{}, err
		}
		metrics.RecordDelivery(StatusAcknowledged, latency)
		e.logger.WithContext(ctx).WithEventKey(t.EventKey).WithFields(map[string]any{
			"attempt": rec.Attempts,
			"status":  status,
		}).Info("delivery acknowledged")
		return Result{Outcome: OutcomeAcknowledged, HTTPStatus: status, Latency: latency}, nil
	}

	reason := classifyReason(doErr, status)
	lastErr := "http status " + strconv.Itoa(status)
	if doErr != nil {
		lastErr = doErr.Error()
	}
	span.SetAttributes(attribute.String("failure_reason", reason))
	metrics.RecordDelivery(StatusFailed, latency)

	if e.backoff.Exhausted(rec.Attempts) {
		if err := e.store.MarkFailed(ctx, rec.ID, lastErr); err != nil {
			tracing.SetSpanError(ctx, err)
			return Result{}, err
		}
		metrics.RecordExhausted()
		e.logger.WithContext(ctx).WithEventKey(t.EventKey).WithFields(map[string]any{
			"attempt": rec.Attempts,
			"reason":  reason,
		}).Error("delivery failed permanently")
		return Result{Outcome: OutcomeExhausted, HTTPStatus: status, Latency: latency, Reason: reason}, nil
	}

	if err := e.store.RecordFailure(ctx, rec.ID, lastErr); err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}
	metrics.RecordRetry(reason)
	e.logger.WithContext(ctx).WithEventKey(t.EventKey).WithFields(map[string]any{
		"attempt": rec.Attempts,
		"reason":  reason,
		"delay":   nextDelay.String(),
	}).Warn("delivery attempt failed, retrying")
	return Result{Outcome: OutcomeRetry, Delay: nextDelay, HTTPStatus: status, Latency: latency, Reason: reason}, nil
}

// send posts the record payload, signed HMAC-SHA256 over body||timestamp.
func (e *Executor) send(ctx context.Context, rec *Record) (int, time.Duration, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, e.secret)
	mac.Write(rec.Payload)
	mac.Write([]byte(ts))
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.TargetURL, bytes.NewReader(rec.Payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(e.tsHeader, ts)
	req.Header.Set(e.sigHeader, "sha256="+sig)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, doErr := e.client.Do(req)
	latency := time.Since(start)
	status := 0
	if doErr == nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	return status, latency, doErr
}

// Sweep re-publishes pending records whose next attempt time passed the
// grace cutoff. The grace keeps the sweep from racing a requeue timer that
// is still live on the queue; only records the queue has visibly dropped
// (process restart, nsqd loss) come back through here.
func (e *Executor) Sweep(ctx context.Context, pub Publisher, topic string, grace time.Duration, limit int) (int, error) {
	due, err := e.store.Due(ctx, time.Now().Add(-grace), limit)
	if err != nil {
		return 0, err
	}
	republished := 0
	for _, rec := range due {
		t := Task{
			RecordID:     rec.ID,
			EventKey:     rec.EventKey,
			TargetURL:    rec.TargetURL,
			ResourceType: rec.ResourceType,
			ResourceID:   rec.ResourceID,
			PublishedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		body, err := json.Marshal(t)
		if err != nil {
			continue
		}
		if err := pub.Publish(topic, body); err != nil {
			e.logger.WithContext(ctx).WithEventKey(rec.EventKey).WithError(err).Error("sweep republish failed")
			return republished, err
		}
		e.logger.WithContext(ctx).WithEventKey(rec.EventKey).WithField("attempts", rec.Attempts).Info("sweep republished delivery")
		republished++
	}
	if n, err := e.store.CountPending(ctx); err == nil {
		metrics.UpdateSchedulerBacklog(float64(n))
	}
	return republished, nil
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "http_non_200"
}
