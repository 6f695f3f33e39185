// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package resolver answers host lookups from the cache and, when needed,
// from the HTTPDNS resolvers of the server pool.
//
// Lookup flow: cache hit (fresh) returns at once; a stale hit returns at once
// when expired addresses may be reused and refreshes in the background;
// anything else coalesces with concurrent lookups of the same key, fetches
// with bounded retries and failover, merges the answer into the cache and
// returns the merged record.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"httpdns/coalescer"
	"httpdns/hostcache"
	"httpdns/hostrecord"
	"httpdns/logger"
	"httpdns/netinfo"
	"httpdns/serverpool"
	"httpdns/transport"
)

const (
	// SyncCeiling caps every synchronous lookup regardless of the configured timeout.
	SyncCeiling = 5 * time.Second
	// MaxPreResolveHosts is the largest batch PreResolve accepts per call.
	MaxPreResolveHosts = 100

	defaultTimeout      = 3 * time.Second
	defaultTTL          = 60
	preResolveParallel  = 8
	sdnsParamPrefix     = "sdns-"
	sdnsCacheKeyPrefix  = "sdns:"
	backgroundSlack     = 2 * time.Second
	signatureExpiration = 10 * time.Minute
)

var (
	// ErrTimeout is returned when a synchronous lookup ran out of time and
	// nothing was cached for the host.
	ErrTimeout = errors.New("resolver: timed out")
	// ErrNoResolvers means every resolver endpoint is unavailable. It wraps
	// serverpool.ErrNoResolvers.
	ErrNoResolvers = fmt.Errorf("resolver: %w", serverpool.ErrNoResolvers)
	// ErrResolveFailed means the retries for one host were exhausted.
	ErrResolveFailed = errors.New("resolver: resolve failed")
	// ErrMalformedResponse is returned for replies that are not a resolution answer.
	ErrMalformedResponse = errors.New("resolver: malformed response")
	// ErrInvalidHost is returned for names that are not valid domain names.
	ErrInvalidHost = errors.New("resolver: invalid host")
	// ErrServiceDisabled means the schedule center switched the account off.
	ErrServiceDisabled = errors.New("resolver: service disabled by schedule center")
)

// Outcome classifies a cache lookup.
type Outcome int

const (
	OutcomeHit Outcome = iota
	OutcomeStale
	OutcomeMiss
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeStale:
		return "stale"
	default:
		return "miss"
	}
}

// Observer receives resolution events. Implementations must not block.
type Observer interface {
	CacheLookup(host string, outcome Outcome)
	Fetched(host, server string, elapsed time.Duration, err error)
	Degraded(host string, err error)
}

// Prober measures address quality in the background.
type Prober interface {
	Schedule(cacheKey, ip string, port int, cb func(cacheKey, ip string, rt int))
}

// Fallback resolves through the system resolver when HTTPDNS cannot.
type Fallback interface {
	Lookup(ctx context.Context, host string, q hostrecord.QueryType) (v4, v6 []string, err error)
}

// TTLOverride may replace the ttl the server returned for host.
type TTLOverride func(host string, f hostrecord.Family, ttl int64) int64

// Config defines the resolver dependencies. Cache, Pool and Transport are required.
type Config struct {
	AccountID      string
	SecretKey      string
	Cache          *hostcache.Cache
	Locker         *coalescer.Locker
	Pool           *serverpool.Pool
	Transport      transport.Transport
	Timeout        time.Duration
	MaxRetries     int
	ReuseExpiredIP bool
	IPv6Enabled    bool
	SDNSGlobal     map[string]string
	TTLOverride    TTLOverride
	ProbePorts     map[string]int
	Prober         Prober
	Fallback       Fallback
	Stack          func() hostrecord.QueryType
	Observer       Observer
	Logger         *slog.Logger
	Now            func() time.Time
}

// Request is one lookup. A zero Query means QueryAuto.
type Request struct {
	Host       string
	Query      hostrecord.QueryType
	SDNSParams map[string]string
	// CacheKey scopes custom resolutions; derived from SDNSParams when empty.
	CacheKey string
	Timeout  time.Duration
}

// Result is a copy of the addresses known for a host.
type Result struct {
	Host      string            `json:"host"`
	CacheKey  string            `json:"cache_key"`
	IPs       []string          `json:"ips"`
	IPv6s     []string          `json:"ipv6s"`
	V4TTL     int64             `json:"v4_ttl"`
	V6TTL     int64             `json:"v6_ttl"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
	Expired   bool              `json:"expired"`
	FromStore bool              `json:"from_store"`
	Degraded  bool              `json:"degraded"`
}

// Empty reports whether the result carries no address.
func (r *Result) Empty() bool {
	return r == nil || (len(r.IPs) == 0 && len(r.IPv6s) == 0)
}

// Resolver is safe for concurrent use.
type Resolver struct {
	cfg      Config
	cache    *hostcache.Cache
	locker   *coalescer.Locker
	pool     *serverpool.Pool
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	pendingMu sync.Mutex
	pending   map[string]struct{}
	bg        sync.WaitGroup
}

// New constructs a Resolver using the provided configuration.
func New(cfg Config) (*Resolver, error) {
	if cfg.Cache == nil || cfg.Pool == nil || cfg.Transport == nil {
		return nil, errors.New("resolver: cache, pool and transport are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	locker := cfg.Locker
	if locker == nil {
		locker = coalescer.New(0)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		cfg:      cfg,
		cache:    cfg.Cache,
		locker:   locker,
		pool:     cfg.Pool,
		observer: observer,
		logger:   logger.OrDiscard(cfg.Logger),
		now:      now,
		pending:  make(map[string]struct{}),
	}, nil
}

type nopObserver struct{}

func (nopObserver) CacheLookup(string, Outcome)                  {}
func (nopObserver) Fetched(string, string, time.Duration, error) {}
func (nopObserver) Degraded(string, error)                       {}

// job is a normalized request.
type job struct {
	host   string
	key    string
	query  hostrecord.QueryType
	params map[string]string
}

func (r *Resolver) prepare(req Request) (job, error) {
	host := hostrecord.NormalizeHost(req.Host)
	if host == "" {
		return job{}, fmt.Errorf("%w: %q", ErrInvalidHost, req.Host)
	}
	params := r.mergeParams(req.SDNSParams)
	custom := req.CacheKey
	if custom == "" && len(req.SDNSParams) > 0 {
		custom = paramsKey(req.SDNSParams)
	}
	return job{
		host:   host,
		key:    hostrecord.CacheKey(host, custom),
		query:  r.effectiveQuery(req.Query),
		params: params,
	}, nil
}

func (r *Resolver) mergeParams(req map[string]string) map[string]string {
	if len(req) == 0 && len(r.cfg.SDNSGlobal) == 0 {
		return nil
	}
	out := make(map[string]string, len(req)+len(r.cfg.SDNSGlobal))
	for k, v := range r.cfg.SDNSGlobal {
		out[k] = v
	}
	for k, v := range req {
		out[k] = v
	}
	return out
}

func paramsKey(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return sdnsCacheKeyPrefix + strings.Join(parts, "&")
}

// paramsFromKey recovers the custom parameters encoded in a cache key. Keys
// scoped by a caller-chosen custom key cannot be replayed and report false.
func paramsFromKey(key string) (map[string]string, bool) {
	_, custom, scoped := strings.Cut(key, "|")
	if !scoped {
		return nil, true
	}
	encoded, ok := strings.CutPrefix(custom, sdnsCacheKeyPrefix)
	if !ok {
		return nil, false
	}
	out := make(map[string]string)
	for _, part := range strings.Split(encoded, "&") {
		k, v, _ := strings.Cut(part, "=")
		if k != "" {
			out[k] = v
		}
	}
	return out, true
}

// effectiveQuery turns QueryAuto into the families the local stack can use.
func (r *Resolver) effectiveQuery(q hostrecord.QueryType) hostrecord.QueryType {
	if q != hostrecord.QueryAuto {
		return q
	}
	q = hostrecord.QueryV4
	if r.cfg.Stack != nil {
		if detected := r.cfg.Stack(); detected != hostrecord.QueryAuto {
			q = detected
		}
	}
	if !r.cfg.IPv6Enabled {
		q &^= hostrecord.QueryV6
	}
	if q == 0 {
		q = hostrecord.QueryV4
	}
	return q
}

// need returns the families of q that require a fetch. A family served by a
// region other than the pool's current one counts as a miss.
func (r *Resolver) need(rec *hostrecord.HostRecord, q hostrecord.QueryType, now time.Time) hostrecord.QueryType {
	if rec == nil {
		return q
	}
	out := rec.FamiliesToFetch(q, now)
	region := r.pool.Region()
	for _, f := range q.Families() {
		if rec.NoRecord(f) {
			continue
		}
		if reg := rec.Region(f); reg != "" && reg != region {
			out |= hostrecord.QueryFor(f)
		}
	}
	return out
}

func (r *Resolver) regionMatches(rec *hostrecord.HostRecord, q hostrecord.QueryType) bool {
	region := r.pool.Region()
	for _, f := range q.Families() {
		if reg := rec.Region(f); reg != "" && reg != region {
			return false
		}
	}
	return true
}

func toResult(rec *hostrecord.HostRecord, q hostrecord.QueryType, expired bool) *Result {
	res := &Result{
		Host:      rec.Host,
		CacheKey:  rec.CacheKey,
		ClientIP:  rec.ClientIP,
		Expired:   expired,
		FromStore: rec.LoadedFromStore,
		IPs:       []string{},
		IPv6s:     []string{},
	}
	if q.Has(hostrecord.FamilyV4) {
		res.IPs = rec.IPs(hostrecord.FamilyV4)
		res.V4TTL = rec.V4TTL
	}
	if q.Has(hostrecord.FamilyV6) {
		res.IPv6s = rec.IPs(hostrecord.FamilyV6)
		res.V6TTL = rec.V6TTL
	}
	if len(rec.Extra) > 0 {
		res.Extra = make(map[string]string, len(rec.Extra))
		for k, v := range rec.Extra {
			res.Extra[k] = v
		}
	}
	return res
}

// lookup classifies the cache state for j. The record is nil on a miss.
func (r *Resolver) lookup(j job) (*hostrecord.HostRecord, hostrecord.QueryType, Outcome) {
	rec, ok := r.cache.Get(j.key)
	if !ok {
		r.observer.CacheLookup(j.host, OutcomeMiss)
		return nil, j.query, OutcomeMiss
	}
	need := r.need(rec, j.query, r.now())
	switch {
	case need == 0:
		r.observer.CacheLookup(j.host, OutcomeHit)
		return rec, 0, OutcomeHit
	case r.cfg.ReuseExpiredIP && !rec.IsEmpty(j.query) && r.regionMatches(rec, j.query):
		r.observer.CacheLookup(j.host, OutcomeStale)
		return rec, need, OutcomeStale
	default:
		r.observer.CacheLookup(j.host, OutcomeMiss)
		return rec, need, OutcomeMiss
	}
}

// ResolveSync blocks until the host is resolved, bounded by the request
// timeout (capped at SyncCeiling). On timeout the best cached value is
// returned, or ErrTimeout when there is none.
func (r *Resolver) ResolveSync(ctx context.Context, req Request) (*Result, error) {
	if res, ok := literalResult(req.Host); ok {
		return res, nil
	}
	j, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	if timeout > SyncCeiling {
		timeout = SyncCeiling
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec, need, outcome := r.lookup(j)
	switch outcome {
	case OutcomeHit:
		return toResult(rec, j.query, false), nil
	case OutcomeStale:
		r.refreshInBackground(j, need)
		return toResult(rec, j.query, true), nil
	}

	fetchErr := r.fetchCoalesced(ctx, j, need, false)
	if ctx.Err() != nil {
		return r.bestCached(j)
	}
	if rec, ok := r.cache.Get(j.key); ok && r.need(rec, j.query, r.now()) == 0 {
		return toResult(rec, j.query, false), nil
	}
	if fetchErr == nil {
		// another caller held the fetch and it did not produce an answer
		fetchErr = fmt.Errorf("%w: %s: coalesced fetch returned no answer", ErrResolveFailed, j.host)
	}
	return r.degrade(ctx, j, fetchErr)
}

// literalResult answers an address literal with itself.
func literalResult(host string) (*Result, bool) {
	host = strings.TrimSpace(host)
	res := &Result{Host: host, CacheKey: host, IPs: []string{}, IPv6s: []string{}}
	switch netinfo.Classify(host) {
	case netinfo.IPv4:
		res.IPs = []string{host}
	case netinfo.IPv6:
		res.IPv6s = []string{host}
	default:
		return nil, false
	}
	return res, true
}

func (r *Resolver) bestCached(j job) (*Result, error) {
	if rec, ok := r.cache.Get(j.key); ok && !rec.IsEmpty(j.query) {
		return toResult(rec, j.query, r.need(rec, j.query, r.now()) != 0), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTimeout, j.host)
}

// degrade answers from the fallback resolver when one is configured.
func (r *Resolver) degrade(ctx context.Context, j job, cause error) (*Result, error) {
	if r.cfg.Fallback == nil {
		return nil, cause
	}
	v4, v6, err := r.cfg.Fallback.Lookup(ctx, j.host, j.query)
	if err != nil {
		r.observer.Degraded(j.host, err)
		return nil, multierror.Append(cause, fmt.Errorf("local dns: %w", err))
	}
	r.observer.Degraded(j.host, nil)
	r.logger.Info("resolver: answered from local dns", "host", j.host, "cause", cause)
	res := &Result{Host: j.host, CacheKey: j.key, IPs: []string{}, IPv6s: []string{}, Degraded: true}
	if j.query.Has(hostrecord.FamilyV4) && v4 != nil {
		res.IPs = v4
	}
	if j.query.Has(hostrecord.FamilyV6) && v6 != nil {
		res.IPv6s = v6
	}
	return res, nil
}

// ResolveAsync resolves in the background and calls cb with the outcome.
func (r *Resolver) ResolveAsync(req Request, cb func(*Result, error)) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		res, err := r.ResolveSync(context.Background(), req)
		if cb != nil {
			cb(res, err)
		}
	}()
}

// ResolveNonBlocking returns what the cache holds right now and schedules a
// refresh when it is stale or missing. Stale addresses are only returned when
// expired addresses may be reused.
func (r *Resolver) ResolveNonBlocking(req Request) *Result {
	if res, ok := literalResult(req.Host); ok {
		return res
	}
	j, err := r.prepare(req)
	if err != nil {
		r.logger.Debug("resolver: rejected lookup", "host", req.Host, "error", err)
		return nil
	}
	rec, need, outcome := r.lookup(j)
	switch outcome {
	case OutcomeHit:
		return toResult(rec, j.query, false)
	case OutcomeStale:
		r.refreshInBackground(j, need)
		return toResult(rec, j.query, true)
	default:
		r.refreshInBackground(j, need)
		return nil
	}
}

// refreshInBackground starts at most one refresh per cache key.
func (r *Resolver) refreshInBackground(j job, need hostrecord.QueryType) {
	r.pendingMu.Lock()
	if _, busy := r.pending[j.key]; busy {
		r.pendingMu.Unlock()
		return
	}
	r.pending[j.key] = struct{}{}
	r.pendingMu.Unlock()

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		defer func() {
			r.pendingMu.Lock()
			delete(r.pending, j.key)
			r.pendingMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.backgroundBudget())
		defer cancel()
		if err := r.fetchCoalesced(ctx, j, need, false); err != nil {
			r.logger.Warn("resolver: background refresh failed", "host", j.host, "error", err)
		}
	}()
}

func (r *Resolver) backgroundBudget() time.Duration {
	return r.cfg.Timeout*time.Duration(r.cfg.MaxRetries+1) + backgroundSlack
}

// fetchCoalesced fetches the families of q this caller wins and waits for
// those fetched by others. Waiters re-read the cache afterwards. Unless force
// is set, families that turned fresh in the meantime are skipped.
func (r *Resolver) fetchCoalesced(ctx context.Context, j job, q hostrecord.QueryType, force bool) error {
	lease := r.locker.AcquireOrWait(j.key, q)
	defer lease.Release()

	var fetchErr error
	if owned := lease.Owned(); owned != 0 {
		// the cache may have been refreshed between lookup and acquire
		if rec, ok := r.cache.Get(j.key); ok && !force {
			owned &= r.need(rec, owned, r.now())
		}
		if owned != 0 {
			fetchErr = r.fetch(ctx, j, owned)
		}
		lease.Release()
	}
	if lease.Waiting() {
		if err := lease.Wait(ctx); err != nil {
			return err
		}
	}
	return fetchErr
}

// PreResolve warms the cache for hosts. Hosts beyond MaxPreResolveHosts are
// skipped. Errors of individual hosts are aggregated.
func (r *Resolver) PreResolve(ctx context.Context, hosts []string, q hostrecord.QueryType) error {
	if len(hosts) > MaxPreResolveHosts {
		r.logger.Warn("resolver: pre-resolve batch truncated", "requested", len(hosts), "limit", MaxPreResolveHosts)
		hosts = hosts[:MaxPreResolveHosts]
	}
	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(preResolveParallel)
	seen := make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		j, err := r.prepare(Request{Host: host, Query: q})
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if _, dup := seen[j.key]; dup {
			continue
		}
		seen[j.key] = struct{}{}
		g.Go(func() error {
			rec, _ := r.cache.Get(j.key)
			need := r.need(rec, j.query, r.now())
			if need == 0 {
				return nil
			}
			fctx, cancel := context.WithTimeout(ctx, r.backgroundBudget())
			defer cancel()
			if err := r.fetchCoalesced(fctx, j, need, false); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", j.host, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// RefreshAll re-fetches every cached key, e.g. after a network change.
func (r *Resolver) RefreshAll(ctx context.Context) error {
	var result *multierror.Error
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(preResolveParallel)
	var mu sync.Mutex
	for _, rec := range r.cache.Snapshot() {
		var q hostrecord.QueryType
		for _, f := range []hostrecord.Family{hostrecord.FamilyV4, hostrecord.FamilyV6} {
			if rec.LastLookup(f) != 0 && !rec.NoRecord(f) {
				q |= hostrecord.QueryFor(f)
			}
		}
		params, ok := paramsFromKey(rec.CacheKey)
		if q == 0 || !ok {
			continue
		}
		j := job{host: rec.Host, key: rec.CacheKey, query: q, params: r.mergeParams(params)}
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, r.backgroundBudget())
			defer cancel()
			if err := r.fetchCoalesced(fctx, j, q, true); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", j.host, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// ClearCache drops hosts from memory and the durable store, including their
// custom-key variants. No hosts clears everything.
func (r *Resolver) ClearCache(hosts ...string) int {
	if len(hosts) == 0 {
		n := r.cache.Len()
		r.cache.RemoveAll()
		return n
	}
	wanted := make(map[string]struct{}, len(hosts))
	var keys []string
	for _, h := range hosts {
		host := hostrecord.NormalizeHost(h)
		if host == "" {
			continue
		}
		wanted[host] = struct{}{}
		keys = append(keys, host)
	}
	for _, key := range r.cache.Keys() {
		host, _, custom := strings.Cut(key, "|")
		if _, ok := wanted[host]; ok && custom {
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		r.cache.Remove(keys...)
	}
	return len(keys)
}

// Wait blocks until background lookups finish or ctx ends.
func (r *Resolver) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
