// Package httpapi is the ingest process's HTTP surface: the inbound upstream
// hook endpoint plus the operator API over the ledger and delivery state.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/bridgekit/walletbridge/internal/delivery"
	"github.com/bridgekit/walletbridge/internal/ledger"
	"github.com/bridgekit/walletbridge/internal/logging"
)

// maxHookBody caps inbound notification bodies at 1 MiB.
const maxHookBody = 1 << 20

// Notifier is the ingestion entry point the hook endpoint feeds.
type Notifier interface {
	HandleNotification(ctx context.Context, body []byte) error
}

type Server struct {
	store   ledger.Store
	records delivery.RecordStore
	ingest  Notifier
	prod    delivery.Publisher
	topic   string
	logger  *logging.Logger
}

func NewServer(store ledger.Store, records delivery.RecordStore, ingest Notifier, prod delivery.Publisher, topic string, logger *logging.Logger) *Server {
	return &Server{
		store:   store,
		records: records,
		ingest:  ingest,
		prod:    prod,
		topic:   topic,
		logger:  logger,
	}
}

// Routes registers all handlers on a fresh router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/hooks/upstream", s.handleUpstreamHook).Methods(http.MethodPost)

	r.HandleFunc("/v1/accounts", s.handleCreateAccount).Methods(http.MethodPost)
	r.HandleFunc("/v1/accounts/{id}/wallets", s.handleListWallets).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{id}/wallets/{currency}/addresses", s.handleGenerateAddress).Methods(http.MethodPost)

	r.HandleFunc("/v1/deposits", s.handleListDeposits).Methods(http.MethodGet)
	r.HandleFunc("/v1/deposits/{id}", s.handleGetDeposit).Methods(http.MethodGet)

	r.HandleFunc("/v1/deliveries", s.handleListDeliveries).Methods(http.MethodGet)
	r.HandleFunc("/v1/deliveries/{eventKey}", s.handleGetDelivery).Methods(http.MethodGet)
	r.HandleFunc("/v1/deliveries/{eventKey}/replay", s.handleReplayDelivery).Methods(http.MethodPost)
	return r
}

// handleUpstreamHook receives upstream notifications. The upstream retries on
// anything but 200, and our own retry machinery handles every downstream
// failure, so this endpoint acknowledges unconditionally.
func (s *Server) handleUpstreamHook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Warn("hook body read failed")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if err := s.ingest.HandleNotification(r.Context(), body); err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("notification processing failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createAccountRequest struct {
	UpstreamAccountID string `json:"upstream_account_id"`
	Email             string `json:"email"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Reference         string `json:"reference"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UpstreamAccountID == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "upstream_account_id and email are required")
		return
	}

	acct, err := s.store.CreateAccount(r.Context(), ledger.Account{
		UpstreamAccountID: req.UpstreamAccountID,
		Email:             req.Email,
		FirstName:         req.FirstName,
		LastName:          req.LastName,
		Reference:         req.Reference,
	}, provisionWallets(req.UpstreamAccountID))
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("create account failed")
		writeError(w, http.StatusInternalServerError, "create account failed")
		return
	}
	writeJSON(w, http.StatusCreated, accountDTO(acct))
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.resolveAccount(w, r)
	if !ok {
		return
	}
	wallets, err := s.store.WalletsByAccount(r.Context(), acct.ID)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("list wallets failed")
		writeError(w, http.StatusInternalServerError, "list wallets failed")
		return
	}
	out := make([]walletResponse, 0, len(wallets))
	for i := range wallets {
		out = append(out, walletDTO(&wallets[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGenerateAddress stands in for the upstream address-generation round
// trip: it synthesizes the wallet.address.generated notification the real
// exchange would deliver and runs it through the same ingestion path.
func (s *Server) handleGenerateAddress(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.resolveAccount(w, r)
	if !ok {
		return
	}
	currency := mux.Vars(r)["currency"]
	if !currencySupported(currency) {
		writeError(w, http.StatusBadRequest, "unsupported currency")
		return
	}
	if isFiat(currency) {
		writeError(w, http.StatusBadRequest, "fiat wallets have no deposit address")
		return
	}

	addr := make([]byte, 16)
	if _, err := rand.Read(addr); err != nil {
		writeError(w, http.StatusInternalServerError, "address generation failed")
		return
	}
	destinationTag := "0"
	if currency == "xrp" {
		destinationTag = uuid.NewString()[:8]
	}
	data := map[string]any{
		"id":              uuid.NewString(),
		"currency":        currency,
		"network":         networkFor[currency],
		"address":         hex.EncodeToString(addr),
		"destination_tag": destinationTag,
		"user":            map[string]string{"id": acct.UpstreamAccountID},
	}
	body, _ := json.Marshal(map[string]any{
		"event": ledger.EventAddressGenerated,
		"data":  data,
	})

	if err := s.ingest.HandleNotification(r.Context(), body); err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("synthesized address notification failed")
		writeError(w, http.StatusInternalServerError, "address generation failed")
		return
	}
	writeJSON(w, http.StatusAccepted, data)
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	dep, err := s.store.DepositByUpstreamID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deposit not found")
			return
		}
		s.logger.WithContext(r.Context()).WithError(err).Error("get deposit failed")
		writeError(w, http.StatusInternalServerError, "get deposit failed")
		return
	}
	writeJSON(w, http.StatusOK, depositDTO(dep))
}

func (s *Server) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	status := ledger.Status(r.URL.Query().Get("status"))
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown or missing status")
		return
	}
	deposits, err := s.store.DepositsByStatus(r.Context(), status, queryLimit(r))
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("list deposits failed")
		writeError(w, http.StatusInternalServerError, "list deposits failed")
		return
	}
	out := make([]depositResponse, 0, len(deposits))
	for i := range deposits {
		out = append(out, depositDTO(&deposits[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), mux.Vars(r)["eventKey"])
	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			writeError(w, http.StatusNotFound, "delivery record not found")
			return
		}
		s.logger.WithContext(r.Context()).WithError(err).Error("get delivery failed")
		writeError(w, http.StatusInternalServerError, "get delivery failed")
		return
	}
	writeJSON(w, http.StatusOK, recordDTO(rec))
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case delivery.StatusPending, delivery.StatusAcknowledged, delivery.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown or missing status")
		return
	}
	recs, err := s.records.ByStatus(r.Context(), status, queryLimit(r))
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("list deliveries failed")
		writeError(w, http.StatusInternalServerError, "list deliveries failed")
		return
	}
	out := make([]recordResponse, 0, len(recs))
	for i := range recs {
		out = append(out, recordDTO(&recs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReplayDelivery resets a record to a fresh pending chain and
// republishes its task. Meant for chains that exhausted their budget while
// the receiver was down.
func (s *Server) handleReplayDelivery(w http.ResponseWriter, r *http.Request) {
	eventKey := mux.Vars(r)["eventKey"]
	rec, err := s.records.Replay(r.Context(), eventKey)
	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			writeError(w, http.StatusNotFound, "delivery record not found")
			return
		}
		s.logger.WithContext(r.Context()).WithError(err).Error("replay failed")
		writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}

	task := delivery.Task{
		RecordID:     rec.ID,
		EventKey:     rec.EventKey,
		TargetURL:    rec.TargetURL,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		PublishedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	body, _ := json.Marshal(task)
	if err := s.prod.Publish(s.topic, body); err != nil {
		// record is already pending; the sweep will pick it up
		s.logger.WithContext(r.Context()).WithEventKey(eventKey).WithError(err).Error("replay publish failed, sweep will recover")
	}
	s.logger.WithContext(r.Context()).WithEventKey(eventKey).Info("delivery replayed")
	writeJSON(w, http.StatusAccepted, recordDTO(rec))
}

func (s *Server) resolveAccount(w http.ResponseWriter, r *http.Request) (*ledger.Account, bool) {
	acct, err := s.store.AccountByUpstreamID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return nil, false
		}
		s.logger.WithContext(r.Context()).WithError(err).Error("resolve account failed")
		writeError(w, http.StatusInternalServerError, "resolve account failed")
		return nil, false
	}
	return acct, true
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 50
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
