// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"

	"httpdns/daemon"
	"httpdns/hostrecord"
	"httpdns/netinfo"
	"httpdns/resolver"
	"httpdns/serverpool"
	"httpdns/service"
)

const (
	sdnsQueryPrefix   = "sdns-"
	shutdownTimeout   = 5 * time.Second
	maxRequestTimeout = resolver.SyncCeiling
)

// ErrAlreadyRunning is returned by Start when the API is up.
var ErrAlreadyRunning = errors.New("api: server already running")

// RouteRegistrar registers extra HTTP routes on the supplied Gin engine.
type RouteRegistrar func(*gin.Engine)

// Server is the REST front end of one service.
type Server struct {
	svc    *service.Service
	state  *daemon.State
	logger *slog.Logger

	mu   sync.Mutex
	http *http.Server
}

// New returns a server for svc. state may be nil outside the daemon.
func New(svc *service.Service, state *daemon.State, logger *slog.Logger) *Server {
	if state == nil {
		state = daemon.NewState()
	}
	return &Server{svc: svc, state: state, logger: logger}
}

// Handler builds the Gin engine with the default routes and any extra ones.
func (s *Server) Handler(registrars ...RouteRegistrar) *gin.Engine {
	router := gin.Default()
	s.RegisterRoutes(router)
	for _, r := range registrars {
		if r != nil {
			r(router)
		}
	}
	return router
}

// Start launches the REST API asynchronously on listen and updates the daemon
// state when it stops.
func (s *Server) Start(listen string, registrars ...RouteRegistrar) error {
	trimmed := strings.TrimSpace(listen)
	if trimmed == "" {
		s.logWarn("invalid listen address; refusing to start")
		return errors.New("api: empty listen address")
	}
	if !strings.Contains(trimmed, ":") {
		trimmed = ":" + trimmed
	}
	s.mu.Lock()
	if s.http != nil || s.state.APIRunning() {
		s.mu.Unlock()
		s.logInfo("API server already running; skipping start")
		return ErrAlreadyRunning
	}
	ln, err := net.Listen("tcp", trimmed)
	if err != nil {
		s.mu.Unlock()
		s.logError("API server failed to listen", "listen", trimmed, "error", err)
		return err
	}
	srv := &http.Server{Handler: s.Handler(registrars...), ReadHeaderTimeout: 10 * time.Second}
	s.http = srv
	s.mu.Unlock()

	s.state.SetAPIRunning(true)
	s.state.UpdateListener(func(l *daemon.ListenerSettings) {
		l.APIListen = ln.Addr().String()
		l.APIEnabled = true
	})
	s.logInfo("API server starting", "listen", ln.Addr().String())
	go func() {
		defer s.state.SetAPIRunning(false)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logError("API server stopped with error", "error", err)
		}
	}()
	return nil
}

// Addr is the address the API listens on, empty when stopped.
func (s *Server) Addr() string {
	if !s.state.APIRunning() {
		return ""
	}
	return s.state.ListenerSnapshot().APIListen
}

// Shutdown stops the API and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
	}
	err := srv.Shutdown(ctx)
	s.state.SetAPIRunning(false)
	return err
}

func (s *Server) logInfo(msg string, keyValues ...any) {
	if s.logger != nil {
		s.logger.Info(msg, keyValues...)
	}
}

func (s *Server) logWarn(msg string, keyValues ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, keyValues...)
	}
}

func (s *Server) logError(msg string, keyValues ...any) {
	if s.logger != nil {
		s.logger.Error(msg, keyValues...)
	}
}

// RegisterRoutes wires up the resolution REST handlers.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	if router == nil {
		return
	}
	router.GET("/", s.dashboardHandler)
	router.GET("/health", s.healthHandler)
	router.GET("/ready", s.readyHandler)
	router.GET("/metrics", s.metricsHandler)
	router.GET("/resolve", s.resolveHandler)
	router.POST("/prefetch", s.prefetchHandler)
	router.GET("/cache", s.listCacheHandler)
	router.DELETE("/cache", s.clearCacheHandler)
	router.GET("/servers", s.serversHandler)
	router.POST("/servers/refresh", s.refreshServersHandler)
	router.PUT("/region", s.regionHandler)
	router.GET("/network", s.networkHandler)
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session": s.svc.SessionID()})
}

func (s *Server) readyHandler(c *gin.Context) {
	if !s.state.ServiceStatus() || !s.svc.Started() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) metricsHandler(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")
	c.Status(http.StatusOK)
	s.svc.Telemetry().WritePrometheus(c.Writer)
}

func (s *Server) resolveHandler(c *gin.Context) {
	host := strings.TrimSpace(c.Query("host"))
	if host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host is required"})
		return
	}
	q, ok := hostrecord.ParseQueryType(c.Query("query"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query must be 4, 6, 4,6 or auto"})
		return
	}
	req := resolver.Request{
		Host:       host,
		Query:      q,
		CacheKey:   c.Query("cache_key"),
		SDNSParams: sdnsParams(c.Request.URL.Query()),
	}
	if v := c.Query("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_ms must be a positive integer"})
			return
		}
		req.Timeout = min(time.Duration(ms)*time.Millisecond, maxRequestTimeout)
	}

	res := s.svc.Resolver()
	switch strings.ToLower(c.DefaultQuery("mode", "sync")) {
	case "sync":
		result, err := res.ResolveSync(c.Request.Context(), req)
		if err != nil {
			c.JSON(resolveErrorStatus(err), gin.H{"error": err.Error(), "host": host})
			return
		}
		c.JSON(http.StatusOK, result)
	case "nonblocking", "non-blocking", "async":
		result := res.ResolveNonBlocking(req)
		if result == nil {
			c.JSON(http.StatusAccepted, gin.H{"host": host, "status": "resolving"})
			return
		}
		c.JSON(http.StatusOK, result)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be sync or nonblocking"})
	}
}

func sdnsParams(values map[string][]string) map[string]string {
	var out map[string]string
	for k, v := range values {
		if !strings.HasPrefix(k, sdnsQueryPrefix) || len(v) == 0 {
			continue
		}
		name := strings.TrimPrefix(k, sdnsQueryPrefix)
		if name == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[name] = v[0]
	}
	return out
}

func resolveErrorStatus(err error) int {
	switch {
	case errors.Is(err, resolver.ErrInvalidHost):
		return http.StatusBadRequest
	case errors.Is(err, resolver.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, resolver.ErrNoResolvers), errors.Is(err, resolver.ErrServiceDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// PrefetchRequest is the body of POST /prefetch.
type PrefetchRequest struct {
	Hosts []string `json:"hosts" binding:"required"`
	Query string   `json:"query,omitempty"`
}

func (s *Server) prefetchHandler(c *gin.Context) {
	var request PrefetchRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Hosts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input"})
		return
	}
	q, ok := hostrecord.ParseQueryType(request.Query)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query must be 4, 6, 4,6 or auto"})
		return
	}
	accepted := min(len(request.Hosts), resolver.MaxPreResolveHosts)
	err := s.svc.Resolver().PreResolve(c.Request.Context(), request.Hosts, q)
	resp := gin.H{"requested": len(request.Hosts), "accepted": accepted}
	if err != nil {
		resp["errors"] = errorMessages(err)
	}
	c.JSON(http.StatusOK, resp)
}

func errorMessages(err error) []string {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		out := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// CacheEntry is one cached key as shown by GET /cache.
type CacheEntry struct {
	Key       string            `json:"key"`
	Host      string            `json:"host"`
	IPs       []string          `json:"ips,omitempty"`
	IPv6s     []string          `json:"ipv6s,omitempty"`
	V4TTL     int64             `json:"v4_ttl,omitempty"`
	V6TTL     int64             `json:"v6_ttl,omitempty"`
	V4Expired bool              `json:"v4_expired"`
	V6Expired bool              `json:"v6_expired"`
	FromStore bool              `json:"from_store"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// CacheEntries flattens a cache snapshot, sorted by key.
func CacheEntries(records []*hostrecord.HostRecord, now time.Time) []CacheEntry {
	out := make([]CacheEntry, 0, len(records))
	for _, rec := range records {
		e := CacheEntry{
			Key:       rec.CacheKey,
			Host:      rec.Host,
			IPs:       rec.IPs(hostrecord.FamilyV4),
			IPv6s:     rec.IPs(hostrecord.FamilyV6),
			V4TTL:     rec.V4TTL,
			V6TTL:     rec.V6TTL,
			FromStore: rec.LoadedFromStore,
			Extra:     rec.Extra,
		}
		if len(e.IPs) > 0 {
			e.V4Expired = rec.FamilyExpired(hostrecord.FamilyV4, now)
		}
		if len(e.IPv6s) > 0 {
			e.V6Expired = rec.FamilyExpired(hostrecord.FamilyV6, now)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Server) listCacheHandler(c *gin.Context) {
	entries := CacheEntries(s.svc.Cache().Snapshot(), time.Now())
	if filter := strings.ToLower(strings.TrimSpace(c.Query("filter"))); filter != "" {
		kept := entries[:0]
		for _, e := range entries {
			if strings.Contains(e.Key, filter) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "entries": entries})
}

func (s *Server) clearCacheHandler(c *gin.Context) {
	hosts := c.QueryArray("host")
	removed := s.svc.Resolver().ClearCache(hosts...)
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) serversHandler(c *gin.Context) {
	pool := s.svc.Pool()
	c.JSON(http.StatusOK, gin.H{"status": pool.Status(), "refreshing": pool.Refreshing()})
}

func (s *Server) refreshServersHandler(c *gin.Context) {
	pool := s.svc.Pool()
	err := pool.ForceRefresh(c.Request.Context())
	switch {
	case errors.Is(err, serverpool.ErrRefreshThrottled):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": pool.Status()})
	}
}

// RegionRequest is the body of PUT /region.
type RegionRequest struct {
	Region string `json:"region" binding:"required"`
}

func (s *Server) regionHandler(c *gin.Context) {
	var request RegionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input"})
		return
	}
	err := s.svc.SetRegion(c.Request.Context(), request.Region)
	switch {
	case errors.Is(err, serverpool.ErrUnknownRegion):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, service.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		// the switch happened, only the refresh failed
		c.JSON(http.StatusOK, gin.H{"region": s.svc.Pool().Region(), "warning": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"region": s.svc.Pool().Region()})
}

func (s *Server) networkHandler(c *gin.Context) {
	d := s.svc.Detector()
	resp := gin.H{"stack": netinfo.StackName(d.Stack())}
	if fp, err := d.Fingerprint(); err == nil {
		resp["fingerprint"] = fp
	}
	c.JSON(http.StatusOK, resp)
}
