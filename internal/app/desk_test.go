package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"locates-desk/internal/config"
	"locates-desk/internal/pipeline"
	"locates-desk/internal/queue"
	"locates-desk/internal/register"
	"locates-desk/internal/session"
	"locates-desk/internal/venue"
)

type mockAuth struct {
	mu        sync.Mutex
	ensureErr error
	resets    int
	logins    int
	codes     []string
}

func (m *mockAuth) EnsureAuthenticated(context.Context, bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureErr == nil, m.ensureErr
}

func (m *mockAuth) Login(context.Context) (session.LoginResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins++
	return session.LoginResult{Authenticated: true}, nil
}

func (m *mockAuth) SubmitChallengeCode(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, code)
	if code == "000000" {
		return false, session.ErrChallengeFailed
	}
	return true, nil
}

func (m *mockAuth) Reset() {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
}

func (m *mockAuth) Snapshot() session.Status {
	return session.Status{State: session.StateAuthenticated, Authenticated: true}
}

type mockPipeline struct {
	mu          sync.Mutex
	quoteErr    map[string]error
	quoteGates  map[string]chan struct{}
	confirmGate chan struct{}
	quotes      []string
	finished    int
	confirms    []string
	cancels     []string
	staged      map[string]pipeline.Quote
}

func newMockPipeline() *mockPipeline {
	return &mockPipeline{
		quoteErr:   make(map[string]error),
		quoteGates: make(map[string]chan struct{}),
		staged:     make(map[string]pipeline.Quote),
	}
}

func (m *mockPipeline) Quote(_ context.Context, req pipeline.QuoteRequest) (pipeline.Quote, error) {
	m.mu.Lock()
	m.quotes = append(m.quotes, req.Trader)
	gate := m.quoteGates[req.Trader]
	delete(m.quoteGates, req.Trader)
	err := m.quoteErr[req.Trader]
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	m.finished++
	m.mu.Unlock()
	if err != nil {
		return pipeline.Quote{}, err
	}
	return pipeline.Quote{
		Trader:        req.Trader,
		Symbol:        req.Symbol + ".NQ",
		Quantity:      req.Quantity,
		TotalCost:     1.5,
		PricePerShare: 0.015,
	}, nil
}

func (m *mockPipeline) Stage(quote pipeline.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged[quote.Trader] = quote
}

func (m *mockPipeline) Confirm(_ context.Context, trader string) (venue.Prices, error) {
	m.mu.Lock()
	m.confirms = append(m.confirms, trader)
	_, ok := m.staged[trader]
	delete(m.staged, trader)
	gate := m.confirmGate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !ok {
		return venue.Prices{}, pipeline.ErrNoPendingQuote
	}
	return venue.Prices{TotalCost: 1.5, PricePerShare: 0.015}, nil
}

func (m *mockPipeline) Cancel(trader string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, trader)
	_, existed := m.staged[trader]
	delete(m.staged, trader)
	return existed
}

func (m *mockPipeline) stagedQuote(trader string) (pipeline.Quote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.staged[trader]
	return q, ok
}

func (m *mockPipeline) finishedQuotes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

func (m *mockPipeline) KnownTraders() []pipeline.Trader {
	return []pipeline.Trader{{ID: "7", Name: "alice"}}
}

func (m *mockPipeline) Office() string { return "42" }

func (m *mockPipeline) snapshot() (quotes, confirms, cancels []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.quotes...), append([]string(nil), m.confirms...), append([]string(nil), m.cancels...)
}

type mockHistory struct{}

func (mockHistory) History(_ context.Context, trader string) ([]register.Purchase, error) {
	return []register.Purchase{{Trader: trader, Ticker: "TSLA.NQ", Quantity: 100}}, nil
}

func (mockHistory) HistoryAll(context.Context) (map[string][]register.Purchase, error) {
	return map[string][]register.Purchase{"alice": {{Trader: "alice", Ticker: "TSLA.NQ", Quantity: 100}}}, nil
}

func newTestDesk(t *testing.T, eviction time.Duration) (*Desk, *mockAuth, *mockPipeline) {
	t.Helper()
	auth := &mockAuth{}
	pipe := newMockPipeline()
	cfg := config.DeskConfig{
		RequestTimeout:  5 * time.Second,
		PipelineTimeout: 5 * time.Second,
		EvictionTimeout: eviction,
	}
	return NewDesk(cfg, auth, pipe, queue.New(eviction, nil), mockHistory{}, nil, nil), auth, pipe
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestDesk_SecondTraderWaitsForConfirm(t *testing.T) {
	desk, _, pipe := newTestDesk(t, 5*time.Second)
	ctx := context.Background()

	alice, err := desk.RequestQuote(ctx, "alice", "tsla", 100)
	if err != nil {
		t.Fatalf("alice quote: %v", err)
	}
	if alice.Symbol != "TSLA.NQ" || alice.TotalCost != 1.5 {
		t.Fatalf("unexpected quote %+v", alice)
	}

	type result struct {
		resp QuoteResponse
		err  error
	}
	bobDone := make(chan result, 1)
	go func() {
		resp, err := desk.RequestQuote(ctx, "bob", "AAPL", 50)
		bobDone <- result{resp, err}
	}()

	waitUntil(t, func() bool {
		pos, ok := desk.QueuePosition("bob", "aapl", 50)
		return ok && pos == 1
	})
	select {
	case <-bobDone:
		t.Fatalf("bob must wait until alice confirms")
	case <-time.After(50 * time.Millisecond):
	}

	prices, err := desk.ConfirmOrder(ctx, "alice", alice.RequestID)
	if err != nil {
		t.Fatalf("alice confirm: %v", err)
	}
	if prices.TotalCost != 1.5 {
		t.Fatalf("unexpected prices %+v", prices)
	}

	select {
	case r := <-bobDone:
		if r.err != nil {
			t.Fatalf("bob quote: %v", r.err)
		}
		if r.resp.RequestID == alice.RequestID {
			t.Fatalf("bob should get a new request id")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("bob quote did not run after alice released")
	}

	quotes, confirms, _ := pipe.snapshot()
	if len(quotes) != 2 || quotes[0] != "alice" || quotes[1] != "bob" {
		t.Fatalf("quotes should run in order, got %v", quotes)
	}
	if len(confirms) != 1 || confirms[0] != "alice" {
		t.Fatalf("unexpected confirms %v", confirms)
	}
}

func TestDesk_ConfirmRequiresOwner(t *testing.T) {
	desk, _, pipe := newTestDesk(t, 5*time.Second)
	ctx := context.Background()

	alice, err := desk.RequestQuote(ctx, "alice", "TSLA", 100)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	if _, err := desk.ConfirmOrder(ctx, "mallory", alice.RequestID); !errors.Is(err, queue.ErrQueueEntryNotFound) {
		t.Fatalf("expected ErrQueueEntryNotFound, got %v", err)
	}
	if _, confirms, _ := pipe.snapshot(); len(confirms) != 0 {
		t.Fatalf("foreign confirm must not reach the venue")
	}
	if _, err := desk.ConfirmOrder(ctx, "ALICE", alice.RequestID); err != nil {
		t.Fatalf("owner confirm: %v", err)
	}
	if _, err := desk.ConfirmOrder(ctx, "alice", alice.RequestID); !errors.Is(err, queue.ErrQueueEntryNotFound) {
		t.Fatalf("second confirm should find nothing, got %v", err)
	}
}

func TestDesk_FailedQuoteReleasesQueue(t *testing.T) {
	desk, _, pipe := newTestDesk(t, 5*time.Second)
	pipe.quoteErr["alice"] = venue.ErrTraderNotFound
	ctx := context.Background()

	if _, err := desk.RequestQuote(ctx, "alice", "TSLA", 100); !errors.Is(err, venue.ErrTraderNotFound) {
		t.Fatalf("expected ErrTraderNotFound, got %v", err)
	}
	if desk.queue.Len() != 0 {
		t.Fatalf("failed quote should leave the queue empty")
	}
	if _, err := desk.RequestQuote(ctx, "bob", "TSLA", 100); err != nil {
		t.Fatalf("bob quote: %v", err)
	}

	status := desk.Status()
	if status.Counters.QuotesFailed != 1 || status.Counters.QuotesOK != 1 {
		t.Fatalf("unexpected counters %+v", status.Counters)
	}
}

func TestDesk_AuthFailureSurfaces(t *testing.T) {
	desk, auth, pipe := newTestDesk(t, 5*time.Second)
	auth.ensureErr = session.ErrChallengeRequired

	if _, err := desk.RequestQuote(context.Background(), "alice", "TSLA", 100); !errors.Is(err, session.ErrChallengeRequired) {
		t.Fatalf("expected ErrChallengeRequired, got %v", err)
	}
	if quotes, _, _ := pipe.snapshot(); len(quotes) != 0 {
		t.Fatalf("quote must not run without a session")
	}
}

func TestDesk_InvalidRequest(t *testing.T) {
	desk, _, pipe := newTestDesk(t, 5*time.Second)

	if _, err := desk.RequestQuote(context.Background(), "alice", " ", 100); !errors.Is(err, pipeline.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := desk.RequestQuote(context.Background(), "alice", "TSLA", 0); !errors.Is(err, pipeline.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if quotes, _, _ := pipe.snapshot(); len(quotes) != 0 {
		t.Fatalf("invalid requests must not be enqueued")
	}
}

func TestDesk_CancelReleases(t *testing.T) {
	desk, _, pipe := newTestDesk(t, 5*time.Second)
	ctx := context.Background()

	alice, err := desk.RequestQuote(ctx, "alice", "TSLA", 100)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if desk.CancelOrder("bob", alice.RequestID) {
		t.Fatalf("cancel by another trader must fail")
	}
	if !desk.CancelOrder("alice", alice.RequestID) {
		t.Fatalf("cancel should succeed")
	}
	if desk.CancelOrder("alice", alice.RequestID) {
		t.Fatalf("second cancel should report not found")
	}
	if _, _, cancels := pipe.snapshot(); len(cancels) != 1 || cancels[0] != "alice" {
		t.Fatalf("unexpected pipeline cancels %v", cancels)
	}
	if _, err := desk.ConfirmOrder(ctx, "alice", alice.RequestID); !errors.Is(err, queue.ErrQueueEntryNotFound) {
		t.Fatalf("confirm after cancel should fail, got %v", err)
	}
	if desk.Status().Counters.Cancels != 1 {
		t.Fatalf("cancel counter should be 1")
	}
}

func TestDesk_EvictionDropsQuote(t *testing.T) {
	desk, _, pipe := newTestDesk(t, 30*time.Millisecond)
	ctx := context.Background()

	alice, err := desk.RequestQuote(ctx, "alice", "TSLA", 100)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	waitUntil(t, func() bool { return desk.queue.Len() == 0 })
	waitUntil(t, func() bool {
		_, _, cancels := pipe.snapshot()
		return len(cancels) == 1
	})

	if _, err := desk.ConfirmOrder(ctx, "alice", alice.RequestID); !errors.Is(err, queue.ErrQueueEntryNotFound) {
		t.Fatalf("confirm after eviction should fail, got %v", err)
	}
	if desk.Status().Counters.Evicted != 1 {
		t.Fatalf("eviction should be counted")
	}
}

func TestDesk_RestartSessionClearsQueue(t *testing.T) {
	desk, auth, _ := newTestDesk(t, 5*time.Second)
	ctx := context.Background()

	alice, err := desk.RequestQuote(ctx, "alice", "TSLA", 100)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	res, err := desk.RestartSession(ctx)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !res.Authenticated {
		t.Fatalf("restart should report the login result")
	}
	if auth.resets != 1 || auth.logins != 1 {
		t.Fatalf("expected one reset and one login, got %d/%d", auth.resets, auth.logins)
	}
	if desk.queue.Len() != 0 {
		t.Fatalf("restart should clear the queue")
	}
	if _, err := desk.ConfirmOrder(ctx, "alice", alice.RequestID); !errors.Is(err, queue.ErrQueueEntryNotFound) {
		t.Fatalf("confirm after restart should fail, got %v", err)
	}
}

func TestDesk_SubmitChallengeCode(t *testing.T) {
	desk, auth, _ := newTestDesk(t, 5*time.Second)

	ok, err := desk.SubmitChallengeCode(context.Background(), "alice", " 123456 ")
	if err != nil || !ok {
		t.Fatalf("expected accepted code, got %v %v", ok, err)
	}
	if _, err := desk.SubmitChallengeCode(context.Background(), "alice", "000000"); !errors.Is(err, session.ErrChallengeFailed) {
		t.Fatalf("expected ErrChallengeFailed, got %v", err)
	}
	if len(auth.codes) != 2 || auth.codes[0] != "123456" {
		t.Fatalf("codes should be trimmed before forwarding, got %v", auth.codes)
	}
}

func TestDesk_TraderNameIgnoresCase(t *testing.T) {
	desk, _, pipe := newTestDesk(t, 5*time.Second)
	ctx := context.Background()

	quote, err := desk.RequestQuote(ctx, " Alice ", "TSLA", 100)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Trader != "alice" {
		t.Fatalf("trader should be normalized, got %q", quote.Trader)
	}
	if pos, ok := desk.QueuePosition("ALICE", "tsla", 100); !ok || pos != 0 {
		t.Fatalf("position lookup should ignore case, got %d %v", pos, ok)
	}
	if _, err := desk.ConfirmOrder(ctx, "alice", quote.RequestID); err != nil {
		t.Fatalf("confirm with different case: %v", err)
	}
	if _, confirms, _ := pipe.snapshot(); len(confirms) != 1 || confirms[0] != "alice" {
		t.Fatalf("unexpected confirms %v", confirms)
	}

	second, err := desk.RequestQuote(ctx, "ALICE", "AAPL", 10)
	if err != nil {
		t.Fatalf("second quote: %v", err)
	}
	if !desk.CancelOrder("Alice", second.RequestID) {
		t.Fatalf("cancel with different case should succeed")
	}
	if _, ok := pipe.stagedQuote("alice"); ok {
		t.Fatalf("cancel should drop the staged quote")
	}
}

func TestDesk_AbandonedQuoteDoesNotOverwriteNewer(t *testing.T) {
	desk, _, pipe := newTestDesk(t, 5*time.Second)

	gate := make(chan struct{})
	pipe.quoteGates["alice"] = gate

	ctx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := desk.RequestQuote(ctx, "alice", "TSLA", 100)
		firstDone <- err
	}()

	waitUntil(t, func() bool {
		quotes, _, _ := pipe.snapshot()
		return len(quotes) == 1
	})
	cancel()
	select {
	case err := <-firstDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("abandoned request did not return")
	}

	second, err := desk.RequestQuote(context.Background(), "alice", "AAPL", 50)
	if err != nil {
		t.Fatalf("second quote: %v", err)
	}

	close(gate)
	waitUntil(t, func() bool { return pipe.finishedQuotes() == 2 })
	time.Sleep(20 * time.Millisecond)

	staged, ok := pipe.stagedQuote("alice")
	if !ok || staged.Symbol != "AAPL.NQ" || staged.Quantity != 50 {
		t.Fatalf("late result must not replace the newer quote, staged %+v", staged)
	}
	if _, err := desk.ConfirmOrder(context.Background(), "alice", second.RequestID); err != nil {
		t.Fatalf("confirm newer quote: %v", err)
	}
}

func TestDesk_ConfirmInFlightIsNotEvicted(t *testing.T) {
	desk, _, pipe := newTestDesk(t, 80*time.Millisecond)
	ctx := context.Background()

	gate := make(chan struct{})
	pipe.confirmGate = gate

	alice, err := desk.RequestQuote(ctx, "alice", "TSLA", 100)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	confirmDone := make(chan error, 1)
	go func() {
		_, err := desk.ConfirmOrder(ctx, "alice", alice.RequestID)
		confirmDone <- err
	}()
	waitUntil(t, func() bool {
		_, confirms, _ := pipe.snapshot()
		return len(confirms) == 1
	})

	bobDone := make(chan error, 1)
	go func() {
		_, err := desk.RequestQuote(ctx, "bob", "AAPL", 50)
		bobDone <- err
	}()

	time.Sleep(200 * time.Millisecond)
	if st := desk.Status().Counters; st.Evicted != 0 {
		t.Fatalf("entry must not be evicted while its confirm is in flight, %+v", st)
	}
	if quotes, _, _ := pipe.snapshot(); len(quotes) != 1 {
		t.Fatalf("bob must not reach the venue during alice's confirm, quotes %v", quotes)
	}

	close(gate)
	if err := <-confirmDone; err != nil {
		t.Fatalf("confirm: %v", err)
	}
	select {
	case err := <-bobDone:
		if err != nil {
			t.Fatalf("bob quote: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("bob did not run after alice confirmed")
	}
}
