package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mishablank/treasury-sentinel/internal/escalation"
	"github.com/mishablank/treasury-sentinel/internal/payment"
	"github.com/mishablank/treasury-sentinel/internal/store"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventTransition, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventTransition, EventBudget},
	}}

	transition := &Event{Type: EventTransition}
	budgetEvent := &Event{Type: EventBudget}
	runEvent := &Event{Type: EventRun}

	if !h.shouldSend(client, transition) {
		t.Error("Should receive transition events")
	}
	if !h.shouldSend(client, budgetEvent) {
		t.Error("Should receive budget events")
	}
	if h.shouldSend(client, runEvent) {
		t.Error("Should NOT receive run events")
	}
}

func TestShouldSend_LevelFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Levels: []string{"L3_MARKET_DATA"},
	}}

	matching := &Event{
		Type: EventTransition,
		Data: &escalation.Transition{From: escalation.L2Alert, To: escalation.L3MarketData},
	}
	notMatching := &Event{
		Type: EventTransition,
		Data: &escalation.Transition{From: escalation.L0Idle, To: escalation.L1Monitor},
	}
	matchingRun := &Event{
		Type: EventRun,
		Data: &store.Run{LevelAfter: "L3_MARKET_DATA"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on transition destination level")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated levels")
	}
	if !h.shouldSend(client, matchingRun) {
		t.Error("Should match on run level_after")
	}
}

func TestShouldSend_MinCostFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinCost: 100_000,
	}}

	large := &Event{
		Type: EventTransition,
		Data: &escalation.Transition{Cost: 250_000},
	}
	small := &Event{
		Type: EventTransition,
		Data: &escalation.Transition{Cost: 50_000},
	}
	smallPayment := &Event{
		Type: EventPayment,
		Data: &payment.Record{Amount: 10_000},
	}
	budgetEvent := &Event{Type: EventBudget}

	if !h.shouldSend(client, large) {
		t.Error("Should receive transitions above the cost floor")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive transitions below the cost floor")
	}
	if h.shouldSend(client, smallPayment) {
		t.Error("Should NOT receive payments below the cost floor")
	}
	if !h.shouldSend(client, budgetEvent) {
		t.Error("MinCost filter should only apply to spend-carrying events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventTransition}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_LevelFilterPassesUnleveledEvents(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Levels: []string{"L5_EMERGENCY"},
	}}

	// Budget events carry no level, so the filter does not apply.
	event := &Event{Type: EventBudget}
	if !h.shouldSend(client, event) {
		t.Error("Events without a level should pass through the level filter")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventTransition, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_ObserverBroadcastsTransition(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.OnTransition(&escalation.Transition{
		ID:   "tr_1",
		From: escalation.L0Idle,
		To:   escalation.L1Monitor,
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants run outcomes
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventRun}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a transition event (should be filtered out)
	h.Broadcast(&Event{Type: EventTransition, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive transition event")
	default:
		// Good - filtered out
	}

	// Send a run event (should be received)
	h.Broadcast(&Event{Type: EventRun, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive run event")
	}
}
