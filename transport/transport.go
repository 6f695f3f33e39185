// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package transport sends resolution and schedule-center requests over HTTP(S).
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	defaultConnectTimeout = 3 * time.Second
	maxResponseBytes      = 1 << 20
	userAgent             = "httpdns-go/1.0"
)

// ErrEmptyURL is returned for a request without a URL.
var ErrEmptyURL = errors.New("transport: empty url")

// HTTPStatusError is returned for non-2xx responses.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: http status %d", e.Status)
	}
	return fmt.Sprintf("transport: http status %d: %s", e.Status, e.Body)
}

// Request is one outgoing call. Method defaults to GET.
type Request struct {
	URL     string
	Method  string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Response is the status and full body of a 2xx reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport sends bytes and gets bytes back.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Config defines the HTTP client. TLSServerName is checked against the
// certificate when requests address resolvers by IP.
type Config struct {
	TLSServerName  string
	ConnectTimeout time.Duration
	Dialer         func(ctx context.Context, network, addr string) (net.Conn, error)
}

// HTTPTransport implements Transport with net/http.
type HTTPTransport struct {
	cfg        Config
	client     *http.Client
	clientLock sync.RWMutex
}

// NewHTTP returns a transport with its own connection pool.
func NewHTTP(cfg Config) *HTTPTransport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	t := &HTTPTransport{cfg: cfg}
	t.refreshClient()
	return t
}

func (t *HTTPTransport) refreshClient() {
	t.clientLock.Lock()
	defer t.clientLock.Unlock()

	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	dial := t.cfg.Dialer
	if dial == nil {
		dial = (&net.Dialer{Timeout: t.cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	}
	tr := &http.Transport{
		DialContext: dial,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: t.cfg.TLSServerName,
		},
		IdleConnTimeout:     1 * time.Minute,
		TLSHandshakeTimeout: t.cfg.ConnectTimeout,
		MaxIdleConnsPerHost: 4,
	}
	t.client = &http.Client{Transport: tr}
}

// Reset drops pooled connections, e.g. after a network change.
func (t *HTTPTransport) Reset() {
	t.refreshClient()
}

// Send performs req. Non-2xx replies return *HTTPStatusError.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == "" {
		return nil, ErrEmptyURL
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", userAgent)
	}

	t.clientLock.RLock()
	client := t.client
	t.clientLock.RUnlock()

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("transport: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(data)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &HTTPStatusError{Status: resp.StatusCode, Body: snippet}
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
