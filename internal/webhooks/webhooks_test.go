package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mishablank/treasury-sentinel/internal/escalation"
)

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventTransition},
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	sub.Active = false
	if err := store.Update(ctx, sub); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	if err := store.Delete(ctx, "wh_test1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_test1"); err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStore_GetByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Create(ctx, &Subscription{ID: "wh1", Events: []EventType{EventTransition, EventBudgetBlocked}})
	_ = store.Create(ctx, &Subscription{ID: "wh2", Events: []EventType{EventPaymentSent}})
	_ = store.Create(ctx, &Subscription{ID: "wh3", Events: []EventType{EventTransition}})

	subs, _ := store.GetByEvent(ctx, EventTransition)
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for transition.applied, got %d", len(subs))
	}
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSign(t *testing.T) {
	d := NewDispatcher(NewMemoryStore())

	payload := []byte(`{"type":"transition.applied","data":{}}`)
	secret := "test_secret_key"

	sig := d.sign(payload, secret)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("Signature mismatch: got %s, want %s", sig, expected)
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	d := NewDispatcher(NewMemoryStore())

	payload := []byte(`{"test": true}`)
	if d.sign(payload, "secret1") == d.sign(payload, "secret2") {
		t.Error("Different secrets should produce different signatures")
	}
}

// ---------------------------------------------------------------------------
// Dispatch tests
// ---------------------------------------------------------------------------

func TestDispatch_SendsToSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventTransition},
		Active: true,
	})

	d := NewDispatcher(store)
	if err := d.Dispatch(ctx, &Event{
		Type:      EventTransition,
		Timestamp: time.Now(),
		Data:      map[string]any{"from": "L1_MONITOR", "to": "L2_ALERT"},
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Wait for async delivery
	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 webhook delivery, got %d", received.Load())
	}
}

func TestDispatch_SkipsInactiveSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventTransition},
		Active: false,
	})

	d := NewDispatcher(store)
	_ = d.Dispatch(ctx, &Event{Type: EventTransition, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for inactive sub, got %d", received.Load())
	}
}

func TestDispatch_MinLevelFilters(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID:       "wh1",
		URL:      server.URL,
		Events:   []EventType{EventTransition},
		MinLevel: "L4_CRITICAL",
		Active:   true,
	})

	d := NewDispatcher(store)

	low := escalation.L2Alert
	_ = d.Dispatch(ctx, &Event{Type: EventTransition, Timestamp: time.Now(), Level: &low})
	time.Sleep(200 * time.Millisecond)
	if received.Load() != 0 {
		t.Fatalf("Expected L2 event suppressed below min level, got %d deliveries", received.Load())
	}

	high := escalation.L5Emergency
	_ = d.Dispatch(ctx, &Event{Type: EventTransition, Timestamp: time.Now(), Level: &high})
	time.Sleep(200 * time.Millisecond)
	if received.Load() != 1 {
		t.Errorf("Expected L5 event delivered, got %d deliveries", received.Load())
	}

	// Events without a level always pass the floor.
	_ = d.Dispatch(ctx, &Event{Type: EventTransition, Timestamp: time.Now()})
	time.Sleep(200 * time.Millisecond)
	if received.Load() != 2 {
		t.Errorf("Expected unleveled event delivered, got %d deliveries", received.Load())
	}
}

func TestDispatch_IncludesSignature(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotSig string
	var gotBody []byte
	secret := "test_webhook_secret"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Sentinel-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventPaymentSent},
		Active: true,
		Secret: secret,
	})

	d := NewDispatcher(store)
	_ = d.Dispatch(ctx, &Event{
		Type:      EventPaymentSent,
		Timestamp: time.Now(),
		Data:      map[string]any{"amount_micro_usdc": 250000},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotSig == "" {
		t.Fatal("Expected signature header")
	}

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(gotBody)
	expected := hex.EncodeToString(h.Sum(nil))

	if gotSig != expected {
		t.Errorf("Signature mismatch: %s != %s", gotSig, expected)
	}
}

func TestDispatch_IncludesEventHeaders(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotEventType string
	var gotTimestamp string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotEventType = r.Header.Get("X-Sentinel-Event")
		gotTimestamp = r.Header.Get("X-Sentinel-Timestamp")
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventBudgetBlocked},
		Active: true,
	})

	d := NewDispatcher(store)
	_ = d.Dispatch(ctx, &Event{Type: EventBudgetBlocked, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotEventType != "budget.blocked" {
		t.Errorf("Expected event type budget.blocked, got %s", gotEventType)
	}
	if gotTimestamp == "" {
		t.Error("Expected timestamp header")
	}
}

func TestDispatch_PayloadFormat(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventRunFailed},
		Active: true,
	})

	d := NewDispatcher(store)
	_ = d.Dispatch(ctx, &Event{
		ID:        "evt_1",
		Type:      EventRunFailed,
		Timestamp: time.Now(),
		Data:      map[string]any{"run_id": "run_abc", "error": "snapshot fleet: rpc_unavailable"},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	var parsed Event
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("Failed to parse webhook payload: %v", err)
	}
	if parsed.Type != EventRunFailed {
		t.Errorf("Expected type run.failed, got %s", parsed.Type)
	}
	if parsed.Data["run_id"] != "run_abc" {
		t.Errorf("Expected run_id in payload, got %v", parsed.Data)
	}
}

func TestDispatch_ErrorUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventTransition},
		Active: true,
	})

	d := NewDispatcher(store)
	_ = d.Dispatch(ctx, &Event{Type: EventTransition, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastError == "" {
		t.Error("Expected lastError to be set after 500 response")
	}
	if sub.ConsecutiveFailures != 1 {
		t.Errorf("Expected 1 consecutive failure, got %d", sub.ConsecutiveFailures)
	}
}

func TestDispatch_SuccessUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventTransition},
		Active: true,
	})

	d := NewDispatcher(store)
	_ = d.Dispatch(ctx, &Event{Type: EventTransition, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastSuccess == nil {
		t.Error("Expected lastSuccess to be set after successful delivery")
	}
	if sub.LastError != "" {
		t.Errorf("Expected no error after success, got %s", sub.LastError)
	}
}

func TestDispatch_DeactivatesAfterRepeatedFailures(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventTransition},
		Active: true,
	})

	d := NewDispatcher(store)
	for i := 0; i < maxConsecutiveFailures; i++ {
		_ = d.Dispatch(ctx, &Event{Type: EventTransition, Timestamp: time.Now()})
		time.Sleep(50 * time.Millisecond)
	}

	sub, _ := store.Get(ctx, "wh1")
	if sub.Active {
		t.Errorf("Expected subscription deactivated after %d failures, got %d failures and still active",
			maxConsecutiveFailures, sub.ConsecutiveFailures)
	}
}

// ---------------------------------------------------------------------------
// Notifier tests
// ---------------------------------------------------------------------------

func testNotifier(store Store) *Notifier {
	return NewNotifier(NewDispatcher(store), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNotifier_OnTransition(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var got []Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev Event
		_ = json.Unmarshal(body, &ev)
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventTransition, EventBudgetBlocked},
		Active: true,
	})

	n := testNotifier(store)

	// Failed attempts never leave the process.
	n.OnTransition(&escalation.Transition{
		From: escalation.L2Alert, To: escalation.L3MarketData,
		Trigger: escalation.TriggerNeedMarketData, Successful: false,
	})

	n.OnTransition(&escalation.Transition{
		ID: "txn_1", From: escalation.L1Monitor, To: escalation.L2Alert,
		Trigger: escalation.TriggerRiskThreshold, Successful: true,
	})
	n.OnTransition(&escalation.Transition{
		ID: "txn_2", From: escalation.L3MarketData, To: escalation.LevelBudgetBlocked,
		Trigger: escalation.TriggerBudgetExhausted, Successful: true,
	})

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(got) != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", len(got))
	}
	types := map[EventType]bool{}
	for _, ev := range got {
		types[ev.Type] = true
	}
	if !types[EventTransition] {
		t.Error("Expected a transition.applied event")
	}
	if !types[EventBudgetBlocked] {
		t.Error("Expected a budget.blocked event for the BUDGET_BLOCKED redirect")
	}
}
