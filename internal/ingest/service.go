// Package ingest consumes upstream exchange notifications, applies them to
// the mirrored ledger, and registers the outbound delivery obligations.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bridgekit/walletbridge/internal/config"
	"github.com/bridgekit/walletbridge/internal/delivery"
	"github.com/bridgekit/walletbridge/internal/ledger"
	"github.com/bridgekit/walletbridge/internal/logging"
	"github.com/bridgekit/walletbridge/internal/metrics"
	"github.com/bridgekit/walletbridge/internal/tracing"
)

// Notification is the envelope every upstream webhook carries.
type Notification struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type entityRef struct {
	ID string `json:"id"`
}

type paymentAddressRef struct {
	ID             string `json:"id"`
	Currency       string `json:"currency"`
	Network        string `json:"network"`
	Address        string `json:"address"`
	DestinationTag string `json:"destination_tag"`
}

// depositPayload is the data block of deposit.* notifications.
type depositPayload struct {
	ID                    string            `json:"id"`
	Currency              string            `json:"currency"`
	Network               string            `json:"network"`
	Amount                string            `json:"amount"`
	Fee                   string            `json:"fee"`
	TxID                  string            `json:"txid"`
	Confirmations         int               `json:"confirmations"`
	RequiredConfirmations int               `json:"required_confirmations"`
	User                  entityRef         `json:"user"`
	Wallet                entityRef         `json:"wallet"`
	PaymentAddress        paymentAddressRef `json:"payment_address"`
}

// addressPayload is the data block of wallet.address.generated.
type addressPayload struct {
	ID             string    `json:"id"`
	Currency       string    `json:"currency"`
	Network        string    `json:"network"`
	Address        string    `json:"address"`
	DestinationTag string    `json:"destination_tag"`
	User           entityRef `json:"user"`
}

// Service applies upstream notifications to the ledger and hands the
// outbound leg to the delivery queue.
type Service struct {
	store    ledger.Store
	records  delivery.RecordStore
	prod     delivery.Publisher
	topic    string
	webhooks config.Webhooks
	logger   *logging.Logger

	// seen is a fast-path replay filter in front of the durable guards. It
	// only saves round trips; correctness never depends on it.
	seen    map[string]time.Time
	seenTTL time.Duration
	mu      sync.Mutex
}

func NewService(store ledger.Store, records delivery.RecordStore, prod delivery.Publisher, topic string, webhooks config.Webhooks, logger *logging.Logger) *Service {
	return &Service{
		store:    store,
		records:  records,
		prod:     prod,
		topic:    topic,
		webhooks: webhooks,
		logger:   logger,
		seen:     make(map[string]time.Time),
		seenTTL:  5 * time.Minute,
	}
}

// HandleNotification processes one upstream webhook body. Unprocessable
// notifications are dropped with a counted reason; only infrastructure
// failures surface as errors. The HTTP layer responds 200 either way.
func (s *Service) HandleNotification(ctx context.Context, body []byte) error {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		metrics.RecordDropped("malformed_payload")
		s.logger.WithContext(ctx).WithError(err).Warn("malformed upstream notification")
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "ingest.notification",
		attribute.String("event", n.Event),
	)
	defer span.End()

	metrics.RecordNotification(n.Event)

	switch n.Event {
	case ledger.EventAddressGenerated:
		return s.handleAddress(ctx, n)
	default:
		return s.handleDeposit(ctx, n)
	}
}

func (s *Service) handleDeposit(ctx context.Context, n Notification) error {
	var p depositPayload
	if err := json.Unmarshal(n.Data, &p); err != nil || p.ID == "" {
		metrics.RecordDropped("malformed_payload")
		s.logger.WithContext(ctx).WithEvent(n.Event).WithError(err).Warn("malformed deposit payload")
		return nil
	}

	log := s.logger.WithContext(ctx).WithEvent(n.Event).WithDeposit(p.ID)

	if s.replayed("deposit:" + p.ID + ":" + n.Event) {
		metrics.RecordDuplicate()
		log.Info("duplicate notification, fast-path skip")
		return nil
	}

	acct, err := s.store.AccountByUpstreamID(ctx, p.User.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			metrics.RecordDropped("unresolved_entity")
			log.WithField("upstream_account_id", p.User.ID).Warn("deposit for unknown account dropped")
			return nil
		}
		return fmt.Errorf("resolve account: %w", err)
	}

	wallet, err := s.store.WalletByUpstreamID(ctx, p.Wallet.ID, acct.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			metrics.RecordDropped("unresolved_entity")
			log.WithField("upstream_wallet_id", p.Wallet.ID).Warn("deposit for unknown wallet dropped")
			return nil
		}
		return fmt.Errorf("resolve wallet: %w", err)
	}

	var paymentAddressID string
	if p.PaymentAddress.ID != "" {
		pa, err := s.store.UpsertPaymentAddress(ctx, ledger.PaymentAddress{
			UpstreamAddressID: p.PaymentAddress.ID,
			AccountID:         acct.ID,
			Currency:          firstNonEmpty(p.PaymentAddress.Currency, p.Currency),
			Network:           firstNonEmpty(p.PaymentAddress.Network, p.Network),
			Address:           p.PaymentAddress.Address,
			DestinationTag:    p.PaymentAddress.DestinationTag,
		})
		if err != nil {
			return fmt.Errorf("upsert payment address: %w", err)
		}
		paymentAddressID = pa.ID
	}

	current, found, err := s.store.DepositStatus(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("deposit status: %w", err)
	}
	if !found {
		current = ""
	}

	next, err := ledger.Transition(current, n.Event)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrUnknownEvent):
			metrics.RecordDropped("unknown_event")
			log.Warn("unknown event type dropped")
		case errors.Is(err, ledger.ErrInvalidTransition):
			metrics.RecordDropped("invalid_transition")
			log.WithField("current_status", string(current)).Warn("out-of-order notification dropped")
		default:
			return err
		}
		return nil
	}
	if found && current == next {
		metrics.RecordDuplicate()
		log.Info("replayed notification, status unchanged")
	}

	amount := firstNonEmpty(p.Amount, "0")
	fee := firstNonEmpty(p.Fee, "0")
	dep, err := s.store.UpsertDeposit(ctx, ledger.DepositUpsert{
		UpstreamDepositID:     p.ID,
		AccountID:             acct.ID,
		WalletID:              wallet.ID,
		PaymentAddressID:      paymentAddressID,
		Currency:              firstNonEmpty(p.Currency, wallet.Currency),
		Network:               p.Network,
		Amount:                amount,
		Fee:                   fee,
		TxID:                  p.TxID,
		Status:                next,
		Confirmations:         p.Confirmations,
		RequiredConfirmations: p.RequiredConfirmations,
		RawPayload:            n.Data,
	})
	if err != nil {
		// the write re-checks the transition against the live row, so a
		// racing notification that settled the deposit after our status read
		// surfaces here rather than regressing the row
		if errors.Is(err, ledger.ErrInvalidTransition) {
			metrics.RecordDropped("invalid_transition")
			log.Warn("deposit settled concurrently, stale notification dropped")
			return nil
		}
		return fmt.Errorf("upsert deposit: %w", err)
	}

	if next == ledger.StatusSuccessful {
		credited, err := s.store.CreditDepositOnce(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("credit deposit: %w", err)
		}
		if credited {
			metrics.RecordCredit(dep.Currency)
			log.WithWallet(wallet.ID).WithField("amount", dep.Amount).Info("wallet credited")
			tracing.AddSpanEvent(ctx, "ledger.credited",
				attribute.String("currency", dep.Currency))
		}
	}

	if err := s.enqueue(ctx, log, delivery.Enqueue{
		EventKey:     "deposit:" + p.ID,
		TargetURL:    s.webhooks.DepositURL,
		Payload:      outboundPayload(n.Event, n.Data),
		ResourceType: "deposit",
		ResourceID:   p.ID,
	}); err != nil {
		return err
	}
	s.markSeen("deposit:" + p.ID + ":" + n.Event)
	return nil
}

func (s *Service) handleAddress(ctx context.Context, n Notification) error {
	var p addressPayload
	if err := json.Unmarshal(n.Data, &p); err != nil || p.ID == "" || p.Address == "" {
		metrics.RecordDropped("malformed_payload")
		s.logger.WithContext(ctx).WithEvent(n.Event).WithError(err).Warn("malformed address payload")
		return nil
	}

	log := s.logger.WithContext(ctx).WithEvent(n.Event).WithField("address", p.Address)

	if s.replayed("address:" + p.ID) {
		metrics.RecordDuplicate()
		log.Info("duplicate notification, fast-path skip")
		return nil
	}

	acct, err := s.store.AccountByUpstreamID(ctx, p.User.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			metrics.RecordDropped("unresolved_entity")
			log.WithField("upstream_account_id", p.User.ID).Warn("address for unknown account dropped")
			return nil
		}
		return fmt.Errorf("resolve account: %w", err)
	}

	// destination tag defaults to "0" for chains that have none
	if _, err := s.store.UpsertPaymentAddress(ctx, ledger.PaymentAddress{
		UpstreamAddressID: p.ID,
		AccountID:         acct.ID,
		Currency:          p.Currency,
		Network:           p.Network,
		Address:           p.Address,
		DestinationTag:    firstNonEmpty(p.DestinationTag, "0"),
	}); err != nil {
		return fmt.Errorf("upsert payment address: %w", err)
	}

	if err := s.enqueue(ctx, log, delivery.Enqueue{
		EventKey:     "address:" + p.ID,
		TargetURL:    s.webhooks.AddressURL,
		Payload:      outboundPayload(n.Event, n.Data),
		ResourceType: "payment_address",
		ResourceID:   p.ID,
	}); err != nil {
		return err
	}
	s.markSeen("address:" + p.ID)
	return nil
}

// enqueue registers the durable delivery record and publishes the queue task.
// The record is written first; if the publish fails, the sweep picks the
// record up later.
func (s *Service) enqueue(ctx context.Context, log *logging.LogEntry, e delivery.Enqueue) error {
	if e.TargetURL == "" {
		metrics.RecordDropped("no_target_url")
		log.Warn("no downstream URL configured, delivery skipped")
		return nil
	}

	rec, err := s.records.Upsert(ctx, e)
	if err != nil {
		return fmt.Errorf("register delivery: %w", err)
	}

	task := delivery.Task{
		RecordID:     rec.ID,
		EventKey:     rec.EventKey,
		TargetURL:    rec.TargetURL,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		PublishedAt:  time.Now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
	}
	body, _ := json.Marshal(task)
	if err := s.prod.Publish(s.topic, body); err != nil {
		// record is durable; the sweep will republish it
		log.WithEventKey(rec.EventKey).WithError(err).Error("queue publish failed, sweep will recover")
		return nil
	}
	log.WithEventKey(rec.EventKey).Info("delivery enqueued")
	return nil
}

// replayed reports whether the key was processed within the TTL window.
func (s *Service) replayed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.seen[key]
	return ok && time.Since(t) < s.seenTTL
}

// markSeen records a successfully processed key. Failed notifications are
// never marked, so an upstream retry gets a full pass.
func (s *Service) markSeen(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, t := range s.seen {
		if now.Sub(t) >= s.seenTTL {
			delete(s.seen, k)
		}
	}
	s.seen[key] = now
}

func outboundPayload(event string, data json.RawMessage) []byte {
	b, _ := json.Marshal(map[string]any{
		"event":        event,
		"data":         data,
		"forwarded_at": time.Now().UTC().Format(time.RFC3339),
	})
	return b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
