package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bridgekit/walletbridge/internal/logging"
)

func testSchedule() []time.Duration {
	return []time.Duration{0, time.Minute, 30 * time.Minute, time.Hour, 24 * time.Hour}
}

func TestBackoffDelayTable(t *testing.T) {
	b := NewBackoff(testSchedule(), 0)

	tests := []struct {
		attemptsSoFar int
		want          time.Duration
	}{
		{0, 0},
		{1, time.Minute},
		{2, 30 * time.Minute},
		{3, time.Hour},
		{4, 24 * time.Hour},
		{5, 24 * time.Hour},  // clamped
		{99, 24 * time.Hour}, // clamped
		{-1, 0},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attemptsSoFar); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attemptsSoFar, got, tt.want)
		}
	}
}

func TestBackoffMaxAttempts(t *testing.T) {
	b := NewBackoff(testSchedule(), 0)
	if b.MaxAttempts() != 5 {
		t.Errorf("MaxAttempts = %d, want 5", b.MaxAttempts())
	}
	if b.Exhausted(4) {
		t.Error("4 attempts should not be exhausted")
	}
	if !b.Exhausted(5) {
		t.Error("5 attempts should be exhausted")
	}

	// explicit cap below the schedule length
	b3 := NewBackoff(testSchedule(), 3)
	if b3.MaxAttempts() != 3 {
		t.Errorf("MaxAttempts = %d, want 3", b3.MaxAttempts())
	}

	// cap above the schedule length falls back to the schedule
	b9 := NewBackoff(testSchedule(), 9)
	if b9.MaxAttempts() != 5 {
		t.Errorf("MaxAttempts = %d, want 5", b9.MaxAttempts())
	}
}

// memStore is an in-memory RecordStore for executor tests.
type memStore struct {
	mu      sync.Mutex
	byKey   map[string]*Record
	nextID  int
	nowFunc func() time.Time
}

func newMemStore() *memStore {
	return &memStore{byKey: make(map[string]*Record), nowFunc: time.Now}
}

func (m *memStore) Upsert(_ context.Context, e Enqueue) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	if r, ok := m.byKey[e.EventKey]; ok {
		r.TargetURL = e.TargetURL
		r.Payload = e.Payload
		r.ResourceType = e.ResourceType
		r.ResourceID = e.ResourceID
		if r.Terminal() {
			r.Attempts = 0
			r.LastError = ""
			r.NextAttemptAt = &now
		}
		r.Status = StatusPending
		r.AcknowledgedAt = nil
		r.FailedAt = nil
		r.UpdatedAt = now
		cp := *r
		return &cp, nil
	}
	m.nextID++
	r := &Record{
		ID:            "rec-" + strconv.Itoa(m.nextID),
		EventKey:      e.EventKey,
		TargetURL:     e.TargetURL,
		Payload:       e.Payload,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		Status:        StatusPending,
		NextAttemptAt: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.byKey[e.EventKey] = r
	cp := *r
	return &cp, nil
}

func (m *memStore) Get(_ context.Context, eventKey string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byKey[eventKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ByStatus(_ context.Context, status string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.byKey {
		if r.Status == status {
			out = append(out, *r)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) BeginAttempt(_ context.Context, recordID string, maxAttempts int, nextAttemptAt time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byKey {
		if r.ID != recordID {
			continue
		}
		if r.Status != StatusPending || r.Attempts >= maxAttempts {
			return nil, ErrNotAttemptable
		}
		now := m.nowFunc()
		r.Attempts++
		r.LastAttemptAt = &now
		r.NextAttemptAt = &nextAttemptAt
		r.UpdatedAt = now
		cp := *r
		return &cp, nil
	}
	return nil, ErrNotAttemptable
}

func (m *memStore) MarkAcknowledged(_ context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byKey {
		if r.ID == recordID {
			now := m.nowFunc()
			r.Status = StatusAcknowledged
			r.AcknowledgedAt = &now
			r.LastError = ""
			r.NextAttemptAt = nil
			r.UpdatedAt = now
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) RecordFailure(_ context.Context, recordID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byKey {
		if r.ID == recordID && r.Status == StatusPending {
			r.LastError = lastError
			r.UpdatedAt = m.nowFunc()
		}
	}
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, recordID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byKey {
		if r.ID == recordID {
			now := m.nowFunc()
			r.Status = StatusFailed
			r.FailedAt = &now
			r.LastError = lastError
			r.NextAttemptAt = nil
			r.UpdatedAt = now
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) Due(_ context.Context, cutoff time.Time, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.byKey {
		if r.Status == StatusPending && r.NextAttemptAt != nil && !r.NextAttemptAt.After(cutoff) {
			out = append(out, *r)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) Replay(_ context.Context, eventKey string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byKey[eventKey]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.nowFunc()
	r.Status = StatusPending
	r.Attempts = 0
	r.LastError = ""
	r.NextAttemptAt = &now
	r.AcknowledgedAt = nil
	r.FailedAt = nil
	r.UpdatedAt = now
	cp := *r
	return &cp, nil
}

// backdate marks a record due now, standing in for elapsed backoff time.
func (m *memStore) backdate(eventKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byKey[eventKey]; ok {
		past := time.Now().Add(-time.Second)
		r.NextAttemptAt = &past
	}
}

func (m *memStore) CountPending(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.byKey {
		if r.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func newTestExecutor(store RecordStore) *Executor {
	return NewExecutor(store, ExecutorConfig{
		Backoff:         NewBackoff(testSchedule(), 5),
		AttemptTimeout:  2 * time.Second,
		SigningSecret:   "test-secret",
		SignatureHeader: "X-WalletBridge-Signature",
		TimestampHeader: "X-WalletBridge-Timestamp",
	}, logging.New("test"))
}

func enqueueTask(t *testing.T, store RecordStore, url string) Task {
	t.Helper()
	rec, err := store.Upsert(context.Background(), Enqueue{
		EventKey:     "deposit:D100",
		TargetURL:    url,
		Payload:      []byte(`{"event":"deposit.successful","data":{"id":"D100"}}`),
		ResourceType: "deposit",
		ResourceID:   "D100",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return Task{
		RecordID:     rec.ID,
		EventKey:     rec.EventKey,
		TargetURL:    rec.TargetURL,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
	}
}

func TestAttemptAcknowledgedAfterRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 4 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	ex := newTestExecutor(store)
	task := enqueueTask(t, store, srv.URL)

	var res Result
	var err error
	for i := 0; i < 5; i++ {
		res, err = ex.Attempt(context.Background(), task)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if res.Outcome != OutcomeRetry {
			break
		}
		store.backdate(task.EventKey)
	}
	if res.Outcome != OutcomeAcknowledged {
		t.Fatalf("outcome = %v, want acknowledged", res.Outcome)
	}

	rec, _ := store.Get(context.Background(), task.EventKey)
	if rec.Status != StatusAcknowledged {
		t.Errorf("status = %s, want acknowledged", rec.Status)
	}
	if rec.Attempts != 5 {
		t.Errorf("attempts = %d, want 5", rec.Attempts)
	}
	if rec.AcknowledgedAt == nil {
		t.Error("acknowledged_at not set")
	}
	if rec.LastError != "" {
		t.Errorf("last_error = %q, want cleared", rec.LastError)
	}
}

func TestAttemptExhaustsAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newMemStore()
	ex := newTestExecutor(store)
	task := enqueueTask(t, store, srv.URL)

	delays := []time.Duration{}
	for i := 0; i < 5; i++ {
		res, err := ex.Attempt(context.Background(), task)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if i < 4 {
			if res.Outcome != OutcomeRetry {
				t.Fatalf("attempt %d: outcome = %v, want retry", i+1, res.Outcome)
			}
			delays = append(delays, res.Delay)
			store.backdate(task.EventKey)
		} else if res.Outcome != OutcomeExhausted {
			t.Fatalf("attempt 5: outcome = %v, want exhausted", res.Outcome)
		}
	}

	wantDelays := []time.Duration{time.Minute, 30 * time.Minute, time.Hour, 24 * time.Hour}
	for i, want := range wantDelays {
		if delays[i] != want {
			t.Errorf("delay after attempt %d = %v, want %v", i+1, delays[i], want)
		}
	}

	rec, _ := store.Get(context.Background(), task.EventKey)
	if rec.Status != StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.Attempts != 5 {
		t.Errorf("attempts = %d, want 5", rec.Attempts)
	}
	if rec.FailedAt == nil {
		t.Error("failed_at not set")
	}
	if rec.LastError == "" {
		t.Error("last_error not set")
	}

	// a sixth task delivery is refused, the chain is closed
	res, err := ex.Attempt(context.Background(), task)
	if err != nil {
		t.Fatalf("attempt 6: %v", err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Errorf("attempt 6: outcome = %v, want skipped", res.Outcome)
	}
}

func TestAttemptFinalizesInterruptedExhaustedChain(t *testing.T) {
	store := newMemStore()
	ex := newTestExecutor(store)
	task := enqueueTask(t, store, "http://example.com/hook")

	// a crash after the fifth claimed attempt but before its settlement
	// leaves the record pending with the budget already spent
	store.mu.Lock()
	r := store.byKey[task.EventKey]
	r.Attempts = 5
	past := time.Now().Add(-time.Minute)
	r.NextAttemptAt = &past
	r.LastError = "http status 502"
	store.mu.Unlock()

	res, err := ex.Attempt(context.Background(), task)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if res.Outcome != OutcomeExhausted {
		t.Fatalf("outcome = %v, want exhausted", res.Outcome)
	}

	rec, _ := store.Get(context.Background(), task.EventKey)
	if rec.Status != StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.FailedAt == nil {
		t.Error("failed_at not set")
	}
	if rec.LastError != "http status 502" {
		t.Errorf("last_error = %q, want the pre-crash error preserved", rec.LastError)
	}

	// the closed chain must not keep cycling through the sweep
	pub := &memPublisher{}
	for i := 0; i < 3; i++ {
		n, err := ex.Sweep(context.Background(), pub, "deliveries", time.Second, 100)
		if err != nil {
			t.Fatalf("Sweep %d: %v", i+1, err)
		}
		if n != 0 {
			t.Fatalf("sweep %d republished %d chains, want 0", i+1, n)
		}
	}
}

func TestAttemptNon200IsNotAcknowledgement(t *testing.T) {
	for _, status := range []int{http.StatusCreated, http.StatusAccepted, http.StatusNoContent, http.StatusFound} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			store := newMemStore()
			ex := newTestExecutor(store)
			task := enqueueTask(t, store, srv.URL)

			res, err := ex.Attempt(context.Background(), task)
			if err != nil {
				t.Fatalf("Attempt: %v", err)
			}
			if res.Outcome != OutcomeRetry {
				t.Errorf("outcome for %d = %v, want retry", status, res.Outcome)
			}
		})
	}
}

func TestAttemptSignsRequest(t *testing.T) {
	var gotSig, gotTS string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-WalletBridge-Signature")
		gotTS = r.Header.Get("X-WalletBridge-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	ex := newTestExecutor(store)
	task := enqueueTask(t, store, srv.URL)

	if _, err := ex.Attempt(context.Background(), task); err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	if gotTS == "" {
		t.Fatal("timestamp header missing")
	}
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write(gotBody)
	mac.Write([]byte(gotTS))
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
}

func TestAttemptRefusedBeforeNextAttemptTime(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newMemStore()
	ex := newTestExecutor(store)
	task := enqueueTask(t, store, srv.URL)

	// first attempt fails, next is a minute out
	if res, err := ex.Attempt(context.Background(), task); err != nil || res.Outcome != OutcomeRetry {
		t.Fatalf("first attempt: %v, %v", res.Outcome, err)
	}

	// an early redelivery must not burn an attempt
	res, err := ex.Attempt(context.Background(), task)
	if err != nil {
		t.Fatalf("early redelivery: %v", err)
	}
	if res.Outcome != OutcomeNotDue {
		t.Fatalf("outcome = %v, want not due", res.Outcome)
	}
	if res.Delay <= 0 || res.Delay > time.Minute {
		t.Errorf("remaining delay = %v", res.Delay)
	}
	if calls != 1 {
		t.Errorf("HTTP calls = %d, want 1", calls)
	}
	rec, _ := store.Get(context.Background(), task.EventKey)
	if rec.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", rec.Attempts)
	}
}

func TestAttemptNetworkErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused

	store := newMemStore()
	ex := newTestExecutor(store)
	task := enqueueTask(t, store, srv.URL)

	res, err := ex.Attempt(context.Background(), task)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if res.Outcome != OutcomeRetry {
		t.Errorf("outcome = %v, want retry", res.Outcome)
	}
	if res.Reason != "connection_refused" {
		t.Errorf("reason = %q, want connection_refused", res.Reason)
	}
}

type memPublisher struct {
	mu    sync.Mutex
	tasks []Task
}

func (p *memPublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return err
	}
	p.tasks = append(p.tasks, t)
	return nil
}

func TestSweepRepublishesOverdueOnly(t *testing.T) {
	store := newMemStore()
	ex := newTestExecutor(store)

	overdue, err := store.Upsert(context.Background(), Enqueue{
		EventKey: "deposit:OLD", TargetURL: "http://example.com/hook",
		Payload: []byte(`{}`), ResourceType: "deposit", ResourceID: "OLD",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	past := time.Now().Add(-10 * time.Minute)
	store.byKey[overdue.EventKey].NextAttemptAt = &past

	// fresh record: its queue timer is presumed live, the sweep must skip it
	if _, err := store.Upsert(context.Background(), Enqueue{
		EventKey: "deposit:NEW", TargetURL: "http://example.com/hook",
		Payload: []byte(`{}`), ResourceType: "deposit", ResourceID: "NEW",
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	pub := &memPublisher{}
	n, err := ex.Sweep(context.Background(), pub, "deliveries", time.Minute, 100)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("republished = %d, want 1", n)
	}
	if len(pub.tasks) != 1 || pub.tasks[0].EventKey != "deposit:OLD" {
		t.Errorf("published tasks = %+v, want only deposit:OLD", pub.tasks)
	}
}

func TestUpsertReplayKeepsPendingChainResetsTerminal(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	e := Enqueue{
		EventKey: "deposit:D1", TargetURL: "http://example.com/hook",
		Payload: []byte(`{"v":1}`), ResourceType: "deposit", ResourceID: "D1",
	}
	rec, err := store.Upsert(ctx, e)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// attempt, then replay while still pending: attempts and the scheduled
	// next attempt both preserved
	due := time.Now().Add(30 * time.Minute)
	if _, err := store.BeginAttempt(ctx, rec.ID, 5, due); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	e.Payload = []byte(`{"v":2}`)
	rec2, err := store.Upsert(ctx, e)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if rec2.Attempts != 1 {
		t.Errorf("attempts after pending replay = %d, want 1", rec2.Attempts)
	}
	if string(rec2.Payload) != `{"v":2}` {
		t.Errorf("payload not refreshed: %s", rec2.Payload)
	}
	if rec2.NextAttemptAt == nil || !rec2.NextAttemptAt.Equal(due) {
		t.Errorf("next attempt = %v, want the scheduled %v", rec2.NextAttemptAt, due)
	}

	// finish the chain, replay again: fresh chain
	if err := store.MarkAcknowledged(ctx, rec.ID); err != nil {
		t.Fatalf("MarkAcknowledged: %v", err)
	}
	rec3, err := store.Upsert(ctx, e)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if rec3.Attempts != 0 || rec3.Status != StatusPending || rec3.AcknowledgedAt != nil {
		t.Errorf("terminal replay did not reset: %+v", rec3)
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{"server error", nil, 502, "http_5xx"},
		{"rate limited", nil, 429, "http_429"},
		{"client error", nil, 404, "http_4xx"},
		{"created", nil, 201, "http_non_200"},
		{"timeout", errTimeout{}, 0, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.err, tt.status); got != tt.want {
				t.Errorf("classifyReason = %q, want %q", got, tt.want)
			}
		})
	}
}

type errTimeout struct{}

func (errTimeout) Error() string { return "context deadline exceeded (Client.Timeout exceeded)" }
