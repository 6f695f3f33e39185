package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSendReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		if r.Header.Get("X-Test") != "1" {
			t.Errorf("header not forwarded")
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := NewHTTP(Config{})
	resp, err := tr.Send(context.Background(), &Request{URL: srv.URL, Header: http.Header{"X-Test": []string{"1"}}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != `{"ok":true}` {
		t.Errorf("resp = %d %q", resp.Status, resp.Body)
	}
}

func TestSendNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewHTTP(Config{}).Send(context.Background(), &Request{URL: srv.URL})
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *HTTPStatusError", err)
	}
	if statusErr.Status != http.StatusForbidden {
		t.Errorf("status = %d", statusErr.Status)
	}
}

func TestSendHonoursTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := NewHTTP(Config{}).Send(context.Background(), &Request{URL: srv.URL, Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout not applied")
	}
}

func TestSendEmptyURL(t *testing.T) {
	if _, err := NewHTTP(Config{}).Send(context.Background(), &Request{}); !errors.Is(err, ErrEmptyURL) {
		t.Errorf("err = %v", err)
	}
}
