package venue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"locates-desk/internal/config"
)

func newTestClient(t *testing.T, srv *httptest.Server, timeout time.Duration) *Client {
	t.Helper()
	c, err := NewClient(config.VenueConfig{
		BaseURL:        srv.URL,
		LandingPath:    "/metro/",
		UserAgent:      "locates-test",
		RequestTimeout: timeout,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return c
}

func TestClientDo_DoesNotFollowRedirects(t *testing.T) {
	var gotCookie, gotForm, gotUA, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/next" {
			t.Errorf("redirect must not be followed")
			return
		}
		_ = r.ParseForm()
		gotCookie = r.Header.Get("Cookie")
		gotForm = r.PostForm.Get("name")
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		http.SetCookie(w, &http.Cookie{Name: "SESSabc", Value: "xyz", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: "stale", Value: "deleted", MaxAge: -1})
		w.Header().Set("Location", "/next")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, time.Second)
	resp, err := c.Do(context.Background(), Request{
		Step:    "login",
		Method:  http.MethodPost,
		Path:    "/metro/node?destination=node",
		Form:    url.Values{"name": {"desk"}},
		Cookies: []string{"has_js=1", "a=b"},
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}

	if resp.Status != http.StatusFound || !resp.IsRedirect() {
		t.Fatalf("expected 302, got %d", resp.Status)
	}
	if resp.Location != "/next" {
		t.Errorf("unexpected location %q", resp.Location)
	}
	if len(resp.SetCookies) != 1 || resp.SetCookies[0] != "SESSabc=xyz" {
		t.Errorf("unexpected set cookies %v", resp.SetCookies)
	}
	if gotCookie != "has_js=1; a=b" {
		t.Errorf("unexpected cookie header %q", gotCookie)
	}
	if gotForm != "desk" {
		t.Errorf("form not submitted, got %q", gotForm)
	}
	if gotUA != "locates-test" {
		t.Errorf("unexpected user agent %q", gotUA)
	}
	if gotReferer != srv.URL+"/metro/" {
		t.Errorf("unexpected referer %q", gotReferer)
	}
}

func TestClientDo_TimeoutIsClassified(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, Request{Step: "probe", Path: "/metro/"})
	if !errors.Is(err, ErrTransportTimeout) {
		t.Fatalf("expected ErrTransportTimeout, got %v", err)
	}
	if !IsTimeout(err) {
		t.Errorf("IsTimeout should report true")
	}
}

func TestClientURL_ResolvesAbsoluteAndRelative(t *testing.T) {
	c, err := NewClient(config.VenueConfig{BaseURL: "https://venue.example"}, nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	if got := c.URL("/metro/"); got != "https://venue.example/metro/" {
		t.Errorf("unexpected relative url %q", got)
	}
	if got := c.URL("https://venue.example/metro/tfa?x=1"); got != "https://venue.example/metro/tfa?x=1" {
		t.Errorf("unexpected absolute url %q", got)
	}
}

func TestStatusError_WrapsRejected(t *testing.T) {
	err := error(&StatusError{Step: "office", Status: 500})
	if !errors.Is(err, ErrVenueRejected) {
		t.Fatalf("StatusError should unwrap to ErrVenueRejected")
	}
}
