// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package serverpool tracks the ranked resolver endpoints of one account,
// fails over between them and refreshes the list from the schedule center.
//
// Endpoint lifecycle: active -> disabled (request failed) -> eligible again
// once the cool-down has passed. An eligible endpoint ranked ahead of the
// active one is handed out once per cool-down window to detect recovery.
package serverpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tevino/abool"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"httpdns/hostrecord"
	"httpdns/logger"
	"httpdns/regions"
	"httpdns/transport"
)

const (
	// DefaultCoolDown is how long a failed endpoint stays disabled.
	DefaultCoolDown = 30 * time.Second
	// DefaultRefreshInterval spaces periodic schedule-center refreshes.
	DefaultRefreshInterval = 24 * time.Hour
	// DefaultMinForceGap throttles forced refreshes.
	DefaultMinForceGap = 5 * time.Minute

	defaultRequestTimeout = 5 * time.Second
	scheduleCenterPath    = "/sc/httpdns_config"
	stateKeyPrefix        = "serverpool/"
)

var (
	// ErrNoResolvers means the list is empty or every endpoint is cooling down.
	ErrNoResolvers = errors.New("serverpool: no resolvers available")
	// ErrRefreshThrottled is returned by ForceRefresh inside the minimum gap.
	ErrRefreshThrottled = errors.New("serverpool: forced refresh throttled")
	// ErrUnknownRegion is returned for regions missing from the table.
	ErrUnknownRegion = errors.New("serverpool: unknown region")
)

// Endpoint is one resolver address.
type Endpoint struct {
	IP         string            `json:"ip"`
	Family     hostrecord.Family `json:"family"`
	Disabled   bool              `json:"disabled"`
	DisabledAt time.Time         `json:"disabled_at"`
	Region     string            `json:"region"`
}

// StateStore persists pool state between runs.
type StateStore interface {
	GetState(key string) ([]byte, error)
	PutState(key string, value []byte) error
}

// RefreshObserver is told about every schedule-center refresh attempt.
type RefreshObserver func(region string, forced bool, err error)

// Config defines the pool dependencies.
type Config struct {
	AccountID       string
	Region          string
	Regions         func() regions.Table
	Transport       transport.Transport
	HTTPS           bool
	CoolDown        time.Duration
	RefreshInterval time.Duration
	MinForceGap     time.Duration
	RequestTimeout  time.Duration
	SDKVersion      string
	State           StateStore
	Logger          *slog.Logger
	OnRefresh       RefreshObserver
	Now             func() time.Time
}

type ring struct {
	eps    []Endpoint
	active int
}

// Pool is safe for concurrent use. Every transition happens under mu, so
// readers never see an index that does not match its list.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu             sync.RWMutex
	region         string
	rings          map[hostrecord.Family]*ring
	update         map[hostrecord.Family][]string
	updateIdx      int
	lastRefresh    time.Time
	serviceEnabled bool

	refreshGroup singleflight.Group
	forceLimiter *rate.Limiter
	refreshing   *abool.AtomicBool
}

// New builds a pool for cfg.Region, restoring persisted state when it matches.
func New(cfg Config) (*Pool, error) {
	if cfg.CoolDown < 0 {
		cfg.CoolDown = 0
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.MinForceGap <= 0 {
		cfg.MinForceGap = DefaultMinForceGap
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Regions == nil {
		cfg.Regions = regions.Builtin
	}
	if cfg.Region == "" {
		cfg.Region = regions.DefaultRegion
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	p := &Pool{
		cfg:            cfg,
		logger:         logger.OrDiscard(cfg.Logger),
		now:            now,
		serviceEnabled: true,
		forceLimiter:   rate.NewLimiter(rate.Every(cfg.MinForceGap), 1),
		refreshing:     abool.New(),
	}
	if err := p.loadBootstrap(cfg.Region); err != nil {
		return nil, err
	}
	p.restore()
	return p, nil
}

// loadBootstrap resets lists and indices to the region's built-in endpoints.
// Caller holds mu or owns p exclusively.
func (p *Pool) loadBootstrap(region string) error {
	e, ok := p.cfg.Regions().Lookup(region)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}
	p.region = region
	p.rings = map[hostrecord.Family]*ring{
		hostrecord.FamilyV4: {eps: endpointsFrom(e.ServiceV4, hostrecord.FamilyV4, region)},
		hostrecord.FamilyV6: {eps: endpointsFrom(e.ServiceV6, hostrecord.FamilyV6, region)},
	}
	p.update = map[hostrecord.Family][]string{
		hostrecord.FamilyV4: e.UpdateV4,
		hostrecord.FamilyV6: e.UpdateV6,
	}
	p.updateIdx = 0
	p.lastRefresh = time.Time{}
	p.serviceEnabled = true
	return nil
}

func endpointsFrom(ips []string, f hostrecord.Family, region string) []Endpoint {
	out := make([]Endpoint, 0, len(ips))
	for _, ip := range ips {
		if ip == "" {
			continue
		}
		out = append(out, Endpoint{IP: ip, Family: f, Region: region})
	}
	return out
}

func (p *Pool) eligible(ep Endpoint, now time.Time) bool {
	return !ep.Disabled || !now.Before(ep.DisabledAt.Add(p.cfg.CoolDown))
}

// Eligible reports whether ep may be used at now.
func (p *Pool) Eligible(ep Endpoint, now time.Time) bool {
	return p.eligible(ep, now)
}

// Region returns the region the pool currently serves.
func (p *Pool) Region() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.region
}

// ServiceEnabled is false once the schedule center has switched the account off.
func (p *Pool) ServiceEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.serviceEnabled
}

// Scheme is "https" or "http" for resolution requests.
func (p *Pool) Scheme() string {
	if p.cfg.HTTPS {
		return "https"
	}
	return "http"
}

// ActiveEndpoint returns the endpoint to use for family f and its index.
// A cooled-down endpoint ranked ahead of the active one is returned instead
// (a sniff); its cool-down is re-armed so concurrent callers do not all sniff.
func (p *Pool) ActiveEndpoint(f hostrecord.Family) (Endpoint, int, error) {
	now := p.now()
	p.mu.Lock()
	r := p.rings[f]
	if r == nil || len(r.eps) == 0 {
		p.mu.Unlock()
		return Endpoint{}, -1, ErrNoResolvers
	}
	for i := 0; i < r.active; i++ {
		ep := &r.eps[i]
		if ep.Disabled && p.eligible(*ep, now) {
			ep.DisabledAt = now
			out := *ep
			p.mu.Unlock()
			p.logger.Debug("serverpool: sniffing disabled endpoint", "ip", out.IP, "family", f.String())
			return out, i, nil
		}
	}
	idx, ok := p.nextEligible(r, r.active, now, true)
	if !ok {
		p.mu.Unlock()
		p.triggerForceRefresh()
		return Endpoint{}, -1, ErrNoResolvers
	}
	r.active = idx
	out := r.eps[idx]
	p.mu.Unlock()
	return out, idx, nil
}

// nextEligible scans the ring from start (inclusive when includeStart, else
// start is checked last) and wraps once. Caller holds mu.
func (p *Pool) nextEligible(r *ring, start int, now time.Time, includeStart bool) (int, bool) {
	n := len(r.eps)
	first, last := 0, n-1
	if !includeStart {
		first, last = 1, n
	}
	for step := first; step <= last; step++ {
		i := (start + step) % n
		if p.eligible(r.eps[i], now) {
			return i, true
		}
	}
	return 0, false
}

// OnFailure disables the endpoint at fromIndex and, when it was the active one,
// moves the index to the next eligible endpoint in ring order. When none is
// left a forced refresh is started in the background.
func (p *Pool) OnFailure(f hostrecord.Family, fromIndex int) {
	now := p.now()
	p.mu.Lock()
	r := p.rings[f]
	if r == nil || fromIndex < 0 || fromIndex >= len(r.eps) {
		p.mu.Unlock()
		return
	}
	r.eps[fromIndex].Disabled = true
	r.eps[fromIndex].DisabledAt = now
	exhausted := false
	if r.active == fromIndex {
		if idx, ok := p.nextEligible(r, fromIndex, now, false); ok {
			r.active = idx
		} else {
			exhausted = true
		}
	}
	ip := r.eps[fromIndex].IP
	active := r.active
	state := p.snapshotLocked()
	p.mu.Unlock()

	p.logger.Warn("serverpool: endpoint disabled", "ip", ip, "family", f.String(), "active", active)
	p.persist(state)
	if exhausted {
		p.triggerForceRefresh()
	}
}

// OnSuccess re-enables a sniffed endpoint and makes index the active one.
func (p *Pool) OnSuccess(f hostrecord.Family, index int) {
	p.mu.Lock()
	r := p.rings[f]
	if r == nil || index < 0 || index >= len(r.eps) {
		p.mu.Unlock()
		return
	}
	changed := r.eps[index].Disabled || r.active != index
	if r.eps[index].Disabled {
		r.eps[index].Disabled = false
		r.eps[index].DisabledAt = time.Time{}
		p.logger.Info("serverpool: endpoint recovered", "ip", r.eps[index].IP, "family", f.String())
	}
	r.active = index
	var state persistedState
	if changed {
		state = p.snapshotLocked()
	}
	p.mu.Unlock()
	if changed {
		p.persist(state)
	}
}

func (p *Pool) triggerForceRefresh() {
	if !p.refreshing.SetToIf(false, true) {
		return
	}
	go func() {
		defer p.refreshing.UnSet()
		ctx, cancel := context.WithTimeout(context.Background(), 2*p.cfg.RequestTimeout*time.Duration(p.updateHostCount()+1))
		defer cancel()
		if err := p.ForceRefresh(ctx); err != nil && !errors.Is(err, ErrRefreshThrottled) {
			p.logger.Warn("serverpool: forced refresh failed", "error", err)
		}
	}()
}

// Refreshing reports whether a background forced refresh is running.
func (p *Pool) Refreshing() bool {
	return p.refreshing.IsSet()
}

func (p *Pool) updateHostCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.update[hostrecord.FamilyV4]) + len(p.update[hostrecord.FamilyV6])
}

// Status is a copy of the pool state.
type Status struct {
	Region         string     `json:"region"`
	ServiceEnabled bool       `json:"service_enabled"`
	LastRefresh    time.Time  `json:"last_refresh"`
	V4             []Endpoint `json:"v4"`
	V6             []Endpoint `json:"v6"`
	ActiveV4       int        `json:"active_v4"`
	ActiveV6       int        `json:"active_v6"`
}

// Status returns a consistent copy of the pool.
func (p *Pool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Status{
		Region:         p.region,
		ServiceEnabled: p.serviceEnabled,
		LastRefresh:    p.lastRefresh,
		V4:             append([]Endpoint(nil), p.rings[hostrecord.FamilyV4].eps...),
		V6:             append([]Endpoint(nil), p.rings[hostrecord.FamilyV6].eps...),
		ActiveV4:       p.rings[hostrecord.FamilyV4].active,
		ActiveV6:       p.rings[hostrecord.FamilyV6].active,
	}
}

type persistedState struct {
	Region         string     `json:"region"`
	ServiceEnabled bool       `json:"service_enabled"`
	LastRefresh    int64      `json:"last_refresh"`
	UpdateIndex    int        `json:"update_index"`
	V4             []Endpoint `json:"v4"`
	V6             []Endpoint `json:"v6"`
	ActiveV4       int        `json:"active_v4"`
	ActiveV6       int        `json:"active_v6"`
}

func (p *Pool) snapshotLocked() persistedState {
	var last int64
	if !p.lastRefresh.IsZero() {
		last = p.lastRefresh.Unix()
	}
	return persistedState{
		Region:         p.region,
		ServiceEnabled: p.serviceEnabled,
		LastRefresh:    last,
		UpdateIndex:    p.updateIdx,
		V4:             append([]Endpoint(nil), p.rings[hostrecord.FamilyV4].eps...),
		V6:             append([]Endpoint(nil), p.rings[hostrecord.FamilyV6].eps...),
		ActiveV4:       p.rings[hostrecord.FamilyV4].active,
		ActiveV6:       p.rings[hostrecord.FamilyV6].active,
	}
}

func (p *Pool) stateKey() string {
	return stateKeyPrefix + p.cfg.AccountID
}

func (p *Pool) persist(s persistedState) {
	if p.cfg.State == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		p.logger.Warn("serverpool: encode state", "error", err)
		return
	}
	if err := p.cfg.State.PutState(p.stateKey(), data); err != nil {
		p.logger.Warn("serverpool: persist state", "error", err)
	}
}

// restore applies persisted state recorded for the same region.
func (p *Pool) restore() {
	if p.cfg.State == nil {
		return
	}
	data, err := p.cfg.State.GetState(p.stateKey())
	if err != nil || len(data) == 0 {
		return
	}
	var s persistedState
	if err := json.Unmarshal(data, &s); err != nil {
		p.logger.Warn("serverpool: discarding unreadable state", "error", err)
		return
	}
	if s.Region != p.region {
		return
	}
	p.serviceEnabled = s.ServiceEnabled
	if s.LastRefresh > 0 {
		p.lastRefresh = time.Unix(s.LastRefresh, 0)
	}
	p.updateIdx = s.UpdateIndex
	if len(s.V4) > 0 {
		p.rings[hostrecord.FamilyV4] = &ring{eps: s.V4, active: clampIndex(s.ActiveV4, len(s.V4))}
	}
	if len(s.V6) > 0 {
		p.rings[hostrecord.FamilyV6] = &ring{eps: s.V6, active: clampIndex(s.ActiveV6, len(s.V6))}
	}
	p.logger.Debug("serverpool: restored state", "region", s.Region, "v4", len(s.V4), "v6", len(s.V6))
}

func clampIndex(i, n int) int {
	if i < 0 || i >= n {
		return 0
	}
	return i
}
