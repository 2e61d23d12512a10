package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"locates-desk/internal/pipeline"
	"locates-desk/internal/queue"
	"locates-desk/internal/session"
	"locates-desk/internal/venue"
)

func newTestRouter(t *testing.T) (http.Handler, *mockPipeline) {
	t.Helper()
	desk, _, pipe := newTestDesk(t, 5*time.Second)
	return newRouter(desk, nil, nil), pipe
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHTTP_QuoteConfirmFlow(t *testing.T) {
	h, pipe := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/quotes", `{"trader":"alice","symbol":"tsla","quantity":100}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("quote status %d: %s", rec.Code, rec.Body.String())
	}
	var quote QuoteResponse
	decodeBody(t, rec, &quote)
	if quote.RequestID == 0 || quote.Symbol != "TSLA.NQ" {
		t.Fatalf("unexpected quote %+v", quote)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/queue/position?trader=alice&symbol=TSLA&quantity=100", "")
	var pos map[string]interface{}
	decodeBody(t, rec, &pos)
	if pos["found"] != true || pos["position"] != float64(0) {
		t.Fatalf("unexpected position %v", pos)
	}

	path := fmt.Sprintf("/api/v1/quotes/%d/confirm", quote.RequestID)
	rec = doJSON(t, h, http.MethodPost, path, `{"trader":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status %d: %s", rec.Code, rec.Body.String())
	}
	if _, confirms, _ := pipe.snapshot(); len(confirms) != 1 {
		t.Fatalf("confirm should reach the pipeline once")
	}

	rec = doJSON(t, h, http.MethodPost, path, `{"trader":"alice"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("repeat confirm should be 404, got %d", rec.Code)
	}
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	if errResp.ErrorKind != "queue_entry_not_found" {
		t.Fatalf("unexpected error kind %q", errResp.ErrorKind)
	}
}

func TestHTTP_CancelUnknownRequest(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/quotes/99/cancel", `{"trader":"alice"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHTTP_BadRequests(t *testing.T) {
	h, pipe := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/quotes", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body should be 400, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/quotes", `{"trader":"alice","symbol":"TSLA","quantity":-1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative quantity should be 400, got %d", rec.Code)
	}
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	if errResp.ErrorKind != "invalid_request" {
		t.Fatalf("unexpected error kind %q", errResp.ErrorKind)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/queue/position?trader=alice&symbol=TSLA&quantity=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric quantity should be 400, got %d", rec.Code)
	}

	if quotes, _, _ := pipe.snapshot(); len(quotes) != 0 {
		t.Fatalf("bad requests must not reach the pipeline")
	}
}

func TestHTTP_StatusAndHistory(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d", rec.Code)
	}
	var status ServerStatus
	decodeBody(t, rec, &status)
	if !status.Authenticated || status.Office != "42" || len(status.Traders) != 1 {
		t.Fatalf("unexpected status %+v", status)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/purchases/bob", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"bob"`) {
		t.Fatalf("unexpected history response %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/purchases", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"alice"`) {
		t.Fatalf("unexpected history response %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health code %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/events", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("events without monitor should be 503, got %d", rec.Code)
	}
}

func TestHTTP_ChallengeCode(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/session/code", `{"trader":"alice","code":"123456"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"authenticated":true`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/session/code", `{"trader":"alice","code":"000000"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("rejected code should be 401, got %d", rec.Code)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("wrap: %w", pipeline.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{session.ErrInvalidCode, http.StatusBadRequest, "invalid_code"},
		{session.ErrChallengeRequired, http.StatusUnauthorized, "challenge_required"},
		{venue.ErrNotAuthenticated, http.StatusUnauthorized, "not_authenticated"},
		{session.ErrChallengeTimeout, http.StatusUnauthorized, "challenge_failed"},
		{session.ErrNoPendingChallenge, http.StatusConflict, "no_pending_challenge"},
		{pipeline.ErrNoPendingQuote, http.StatusConflict, "no_pending_quote"},
		{queue.ErrQueueEntryNotFound, http.StatusNotFound, "queue_entry_not_found"},
		{venue.ErrTraderNotFound, http.StatusNotFound, "trader_not_found"},
		{venue.ErrTransportTimeout, http.StatusGatewayTimeout, "timeout"},
		{&venue.StatusError{Step: "accept", Status: 500}, http.StatusBadGateway, "venue_rejected"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tc := range cases {
		status, kind := classify(tc.err)
		if status != tc.status || kind != tc.kind {
			t.Errorf("classify(%v) = %d %s, want %d %s", tc.err, status, kind, tc.status, tc.kind)
		}
	}
}
