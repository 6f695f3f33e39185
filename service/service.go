// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package service builds the resolution engine from a config.Config and owns
// its background work: schedule-center refreshes, region source reloads,
// network change handling and start-up pre-resolution.
//
// A Service is an explicit context object. Nothing in this module is a
// process-wide singleton; two services with different accounts can run side
// by side.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/tevino/abool"

	"httpdns/coalescer"
	"httpdns/config"
	"httpdns/hostcache"
	"httpdns/hostrecord"
	"httpdns/localdns"
	"httpdns/logger"
	"httpdns/netinfo"
	"httpdns/prober"
	"httpdns/regions"
	"httpdns/resolver"
	"httpdns/serverpool"
	"httpdns/store"
	"httpdns/telemetry"
	"httpdns/transport"
)

// SDKVersion is reported to the schedule center.
const SDKVersion = "1.0.0"

const (
	sessionIDLength    = 12
	refreshCheckPeriod = time.Minute
	closeTimeout       = 5 * time.Second
)

// ErrClosed is returned by operations on a closed service.
var ErrClosed = errors.New("service: closed")

// Options configure New. Everything except Config is optional.
type Options struct {
	Config config.Config
	// Logger replaces the file logger built from Config.Log.
	Logger *slog.Logger
	// Transport replaces the HTTP transport.
	Transport transport.Transport
	// Detector replaces the default network detector.
	Detector *netinfo.Detector
	Now      func() time.Time
}

// Service is one configured resolution engine.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	sessionID string

	store     *store.Store
	cache     *hostcache.Cache
	regions   *regions.Source
	transport transport.Transport
	resetter  interface{ Reset() }
	telemetry *telemetry.Sink
	pool      *serverpool.Pool
	detector  *netinfo.Detector
	prober    *prober.Prober
	fallback  *localdns.Client
	resolver  *resolver.Resolver

	started   abool.AtomicBool
	closed    abool.AtomicBool
	startedAt time.Time
	cancel    context.CancelFunc
	ctx       context.Context
	wg        sync.WaitGroup
}

// NewSessionID returns 12 random alphanumeric characters.
func NewSessionID() string {
	id, err := uuid.NewV4()
	if err != nil {
		id = uuid.NewV5(uuid.NamespaceOID, time.Now().String())
	}
	return strings.ReplaceAll(id.String(), "-", "")[:sessionIDLength]
}

// New validates cfg and wires every component. The region source is loaded
// before the pool is built so an override applies to the bootstrap list.
// Nothing runs in the background until Start.
func New(ctx context.Context, opts Options) (*Service, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("service: invalid config: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewServiceLogger(logger.ResolverLog, cfg.Log.Dir, cfg.Log)
	}
	s := &Service{
		cfg:       cfg,
		logger:    log,
		sessionID: NewSessionID(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.openCache(opts.Now); err != nil {
		s.cancel()
		return nil, err
	}

	s.regions = regions.NewSource(cfg.FileLocations.RegionSource, regionCacheDir(cfg), log)
	if _, err := s.regions.Load(ctx); err != nil {
		log.Warn("service: region source unavailable, using built-in table", "error", err)
	}

	s.transport = opts.Transport
	if s.transport == nil {
		ht := transport.NewHTTP(transport.Config{
			TLSServerName:  cfg.TLSServerName,
			ConnectTimeout: cfg.Timeout(),
		})
		s.transport = ht
		s.resetter = ht
	} else if r, ok := opts.Transport.(interface{ Reset() }); ok {
		s.resetter = r
	}

	s.telemetry = telemetry.New(telemetry.Config{SessionID: s.sessionID, Logger: log})

	poolCfg := serverpool.Config{
		AccountID:       cfg.AccountID,
		Region:          cfg.Region,
		Regions:         s.regions.Table,
		Transport:       s.transport,
		HTTPS:           cfg.HTTPS,
		CoolDown:        cfg.CoolDown(),
		RefreshInterval: cfg.RefreshInterval(),
		RequestTimeout:  cfg.Timeout(),
		SDKVersion:      SDKVersion,
		Logger:          log,
		OnRefresh:       s.telemetry.Refreshed,
		Now:             opts.Now,
	}
	if s.store != nil {
		poolCfg.State = s.store
	}
	pool, err := serverpool.New(poolCfg)
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("service: %w", err)
	}
	s.pool = pool

	s.detector = opts.Detector
	if s.detector == nil {
		s.detector = netinfo.New(netinfo.Config{Logger: log})
	}
	s.prober = prober.New(prober.Config{Concurrency: cfg.ProbeConcurrency, Logger: log})

	resCfg := resolver.Config{
		AccountID:      cfg.AccountID,
		SecretKey:      cfg.SecretKey,
		Cache:          s.cache,
		Locker:         coalescer.New(0),
		Pool:           s.pool,
		Transport:      s.transport,
		Timeout:        cfg.Timeout(),
		MaxRetries:     cfg.MaxRetries,
		ReuseExpiredIP: cfg.ReuseExpiredIP,
		IPv6Enabled:    cfg.IPv6Enabled,
		SDNSGlobal:     cfg.SDNSGlobalParams,
		TTLOverride:    ttlOverrides(cfg.TTLOverrides),
		ProbePorts:     cfg.ProbePorts,
		Prober:         s.prober,
		Stack:          s.detector.Stack,
		Observer:       s.telemetry,
		Logger:         log,
		Now:            opts.Now,
	}
	if cfg.DegradeToLocalDNS {
		fb, err := localdns.New(localdns.Config{Server: cfg.LocalDNSServer, Timeout: cfg.Timeout(), Logger: log})
		if err != nil {
			log.Warn("service: local dns fallback disabled", "error", err)
		} else {
			s.fallback = fb
			resCfg.Fallback = fb
		}
	}
	res, err := resolver.New(resCfg)
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("service: %w", err)
	}
	s.resolver = res

	log.Info("service: ready", "account", cfg.AccountID, "region", s.pool.Region(), "session", s.sessionID,
		"persistent_cache", s.store != nil, "cached", s.cache.Len())
	return s, nil
}

// openCache builds the memory cache and, when enabled, the durable store
// behind it. A store that cannot be opened leaves the cache memory-only.
func (s *Service) openCache(now func() time.Time) error {
	cacheCfg := hostcache.Config{Capacity: s.cfg.CacheCapacity, Logger: s.logger, Now: now}
	if s.cfg.PersistentCache {
		st, err := store.Open(s.cfg.FileLocations.Database, s.logger)
		if err != nil {
			s.logger.Warn("service: persistent cache disabled", "path", s.cfg.FileLocations.Database, "error", err)
		} else {
			s.store = st
			cacheCfg.Store = st
		}
	}
	cache, err := hostcache.New(cacheCfg)
	if err != nil {
		if s.store != nil {
			_ = s.store.Close()
		}
		return fmt.Errorf("service: %w", err)
	}
	s.cache = cache
	if s.store != nil {
		n, err := cache.Warm(s.cfg.DiscardWindow())
		if err != nil {
			s.logger.Warn("service: cache warm-up incomplete", "loaded", n, "error", err)
		} else {
			s.logger.Info("service: cache warmed", "loaded", n)
		}
	}
	return nil
}

func regionCacheDir(cfg config.Config) string {
	if cfg.FileLocations.Database == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(cfg.FileLocations.Database), "regions-git")
}

func ttlOverrides(m map[string]int64) resolver.TTLOverride {
	if len(m) == 0 {
		return nil
	}
	overrides := make(map[string]int64, len(m))
	for host, ttl := range m {
		if h := hostrecord.NormalizeHost(host); h != "" {
			overrides[h] = ttl
		}
	}
	return func(host string, _ hostrecord.Family, ttl int64) int64 {
		if v, ok := overrides[host]; ok && v > 0 {
			return v
		}
		return ttl
	}
}

// Start launches the background loops and pre-resolves the configured hosts.
// It returns at once; Close stops everything.
func (s *Service) Start() error {
	if s.closed.IsSet() {
		return ErrClosed
	}
	if !s.started.SetToIf(false, true) {
		return nil
	}
	s.startedAt = time.Now()
	s.goFunc(s.refreshLoop)
	s.goFunc(func(ctx context.Context) {
		s.regions.Watch(ctx, s.onRegionTable)
	})
	s.goFunc(func(ctx context.Context) {
		s.detector.Watch(ctx, s.cfg.NetworkCheckInterval(), s.onNetworkChange)
	})
	if len(s.cfg.PreResolveHosts) > 0 {
		s.goFunc(func(ctx context.Context) {
			if err := s.resolver.PreResolve(ctx, s.cfg.PreResolveHosts, hostrecord.QueryAuto); err != nil {
				s.logger.Warn("service: pre-resolve incomplete", "error", err)
			}
		})
	}
	return nil
}

func (s *Service) goFunc(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Service) refreshLoop(ctx context.Context) {
	check := func() {
		if err := s.pool.RefreshIfNeeded(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("service: endpoint refresh failed", "error", err)
		}
	}
	check()
	ticker := time.NewTicker(refreshCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func (s *Service) onRegionTable(t regions.Table) {
	s.logger.Info("service: region table reloaded", "regions", strings.Join(t.Names(), ","))
}

// onNetworkChange drops pooled connections, refreshes the endpoint list and,
// when enabled, re-resolves every cached host.
func (s *Service) onNetworkChange(ch netinfo.Change) {
	s.telemetry.NetworkChanged(netinfo.StackName(ch.Previous), netinfo.StackName(ch.Current))
	if s.resetter != nil {
		s.resetter.Reset()
	}
	ctx := s.ctx
	if err := s.pool.ForceRefresh(ctx); err != nil && !errors.Is(err, serverpool.ErrRefreshThrottled) && ctx.Err() == nil {
		s.logger.Warn("service: endpoint refresh after network change failed", "error", err)
	}
	if !s.cfg.PreResolveAfterNetworkChange {
		return
	}
	if err := s.resolver.RefreshAll(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("service: re-resolve after network change incomplete", "error", err)
	}
}

// SetRegion switches the account to region. Cached answers from the old
// region are treated as misses from now on.
func (s *Service) SetRegion(ctx context.Context, region string) error {
	if s.closed.IsSet() {
		return ErrClosed
	}
	return s.pool.ResetRegion(ctx, region)
}

// Close stops the background loops, waits for in-flight refreshes and
// releases the store. It is safe to call more than once.
func (s *Service) Close() error {
	if !s.closed.SetToIf(false, true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	var result *multierror.Error
	if err := s.resolver.Wait(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("service: background refreshes: %w", err))
	}
	if err := s.closeResources(); err != nil {
		result = multierror.Append(result, err)
	}
	s.logger.Info("service: closed", "session", s.sessionID)
	return result.ErrorOrNil()
}

func (s *Service) closeResources() error {
	s.cancel()
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.telemetry != nil {
		s.telemetry.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return fmt.Errorf("service: close store: %w", err)
		}
	}
	return nil
}

// Resolver returns the resolution scheduler.
func (s *Service) Resolver() *resolver.Resolver { return s.resolver }

// Pool returns the resolver endpoint pool.
func (s *Service) Pool() *serverpool.Pool { return s.pool }

// Cache returns the host cache.
func (s *Service) Cache() *hostcache.Cache { return s.cache }

// Telemetry returns the metrics sink.
func (s *Service) Telemetry() *telemetry.Sink { return s.telemetry }

// Detector returns the network detector.
func (s *Service) Detector() *netinfo.Detector { return s.detector }

// Regions returns the active region table.
func (s *Service) Regions() regions.Table { return s.regions.Table() }

// Fallback returns the local DNS client, or nil when degrading is off.
func (s *Service) Fallback() *localdns.Client { return s.fallback }

// Config returns the configuration the service was built with.
func (s *Service) Config() config.Config { return s.cfg }

// SessionID identifies this service instance.
func (s *Service) SessionID() string { return s.sessionID }

// Logger returns the service logger.
func (s *Service) Logger() *slog.Logger { return s.logger }

// Started reports whether Start ran.
func (s *Service) Started() bool { return s.started.IsSet() }

// StartedAt is when Start ran, zero before.
func (s *Service) StartedAt() time.Time { return s.startedAt }
