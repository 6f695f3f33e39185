// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package serverpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/tidwall/gjson"

	"httpdns/hostrecord"
	"httpdns/transport"
)

// ErrMalformedSchedule is returned when the schedule center replies with
// something that is not a usable endpoint list.
var ErrMalformedSchedule = errors.New("serverpool: malformed schedule-center response")

// errRegionSwitched drops a refresh whose region is no longer current.
var errRegionSwitched = errors.New("serverpool: region switched during refresh")

const (
	serviceEnabledValue  = "enable"
	serviceDisabledValue = "disable"
)

type scheduleResult struct {
	enabled bool
	v4      []string
	v6      []string
}

// RefreshIfNeeded refreshes the endpoint list when the refresh interval has
// passed since the last successful refresh.
func (p *Pool) RefreshIfNeeded(ctx context.Context) error {
	p.mu.RLock()
	due := p.lastRefresh.IsZero() || p.now().Sub(p.lastRefresh) >= p.cfg.RefreshInterval
	p.mu.RUnlock()
	if !due {
		return nil
	}
	return p.refresh(ctx, false)
}

// ForceRefresh refreshes regardless of the interval, at most once per
// minimum gap.
func (p *Pool) ForceRefresh(ctx context.Context) error {
	if !p.forceLimiter.Allow() {
		return ErrRefreshThrottled
	}
	return p.refresh(ctx, true)
}

// ResetRegion switches to region: lists and indices are replaced by the
// region's built-in endpoints and a refresh runs immediately.
func (p *Pool) ResetRegion(ctx context.Context, region string) error {
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" {
		return fmt.Errorf("%w: empty", ErrUnknownRegion)
	}
	p.mu.Lock()
	if err := p.loadBootstrap(region); err != nil {
		p.mu.Unlock()
		return err
	}
	state := p.snapshotLocked()
	p.mu.Unlock()
	p.persist(state)
	p.logger.Info("serverpool: region switched", "region", region)
	return p.refresh(ctx, true)
}

// refresh runs one schedule-center round for the current region; concurrent
// callers for the same region share it.
func (p *Pool) refresh(ctx context.Context, forced bool) error {
	region := p.Region()
	ch := p.refreshGroup.DoChan("refresh|"+region, func() (interface{}, error) {
		return nil, p.doRefresh(ctx, region)
	})
	select {
	case res := <-ch:
		if p.cfg.OnRefresh != nil {
			p.cfg.OnRefresh(region, forced, res.Err)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) doRefresh(ctx context.Context, region string) error {
	if p.cfg.Transport == nil {
		return errors.New("serverpool: no transport configured")
	}
	p.mu.RLock()
	if p.region != region {
		p.mu.RUnlock()
		return fmt.Errorf("%w: %s", errRegionSwitched, region)
	}
	hosts := append(append([]string(nil), p.update[hostrecord.FamilyV4]...), p.update[hostrecord.FamilyV6]...)
	start := p.updateIdx
	p.mu.RUnlock()
	if len(hosts) == 0 {
		return fmt.Errorf("serverpool: no schedule-center hosts for region %s", region)
	}

	var result *multierror.Error
	for i := 0; i < len(hosts); i++ {
		idx := (start + i) % len(hosts)
		res, err := p.querySchedule(ctx, hosts[idx])
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", hosts[idx], err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !p.apply(region, idx, res) {
			return fmt.Errorf("%w: %s", errRegionSwitched, region)
		}
		return nil
	}
	p.mu.Lock()
	p.updateIdx = (start + 1) % len(hosts)
	p.mu.Unlock()
	return result.ErrorOrNil()
}

func (p *Pool) querySchedule(ctx context.Context, host string) (scheduleResult, error) {
	q := url.Values{}
	q.Set("account_id", p.cfg.AccountID)
	q.Set("platform", "go")
	if p.cfg.SDKVersion != "" {
		q.Set("sdk_version", p.cfg.SDKVersion)
	}
	u := url.URL{
		Scheme:   p.Scheme(),
		Host:     hostForURL(host),
		Path:     scheduleCenterPath,
		RawQuery: q.Encode(),
	}
	resp, err := p.cfg.Transport.Send(ctx, &transport.Request{URL: u.String(), Timeout: p.cfg.RequestTimeout})
	if err != nil {
		return scheduleResult{}, err
	}
	return parseSchedule(resp.Body)
}

// parseSchedule reads {"service":"enable","service_ip":[...],"service_ipv6":[...]}.
func parseSchedule(body []byte) (scheduleResult, error) {
	if !gjson.ValidBytes(body) {
		return scheduleResult{}, ErrMalformedSchedule
	}
	doc := gjson.ParseBytes(body)
	out := scheduleResult{enabled: true}
	if svc := doc.Get("service"); svc.Exists() {
		switch strings.ToLower(svc.String()) {
		case serviceDisabledValue:
			out.enabled = false
		case serviceEnabledValue:
		default:
			return scheduleResult{}, fmt.Errorf("%w: service=%q", ErrMalformedSchedule, svc.String())
		}
	}
	out.v4 = ipList(doc.Get("service_ip"), false)
	out.v6 = ipList(doc.Get("service_ipv6"), true)
	if out.enabled && len(out.v4) == 0 && len(out.v6) == 0 {
		return scheduleResult{}, fmt.Errorf("%w: empty service list", ErrMalformedSchedule)
	}
	return out, nil
}

func ipList(v gjson.Result, v6 bool) []string {
	if !v.IsArray() {
		return nil
	}
	var out []string
	for _, item := range v.Array() {
		ip := net.ParseIP(strings.TrimSpace(item.String()))
		if ip == nil || (ip.To4() == nil) != v6 {
			continue
		}
		out = append(out, ip.String())
	}
	return out
}

func hostForURL(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "[" + host + "]"
	}
	return host
}

// apply installs a fresh list and reports false when region is no longer
// current. A family missing from the reply keeps its current endpoints.
func (p *Pool) apply(region string, hostIdx int, res scheduleResult) bool {
	p.mu.Lock()
	if p.region != region {
		p.mu.Unlock()
		return false
	}
	p.serviceEnabled = res.enabled
	if len(res.v4) > 0 {
		p.rings[hostrecord.FamilyV4] = &ring{eps: endpointsFrom(res.v4, hostrecord.FamilyV4, region)}
	}
	if len(res.v6) > 0 {
		p.rings[hostrecord.FamilyV6] = &ring{eps: endpointsFrom(res.v6, hostrecord.FamilyV6, region)}
	}
	p.updateIdx = hostIdx
	p.lastRefresh = p.now()
	state := p.snapshotLocked()
	p.mu.Unlock()

	p.persist(state)
	p.logger.Info("serverpool: endpoint list refreshed", "region", region, "v4", len(res.v4), "v6", len(res.v6), "service", res.enabled)
	return true
}
