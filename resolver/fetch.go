// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package resolver

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"httpdns/hostrecord"
	"httpdns/serverpool"
	"httpdns/transport"
)

// answer is one decoded resolution reply.
type answer struct {
	host     string
	v4       []string
	v6       []string
	ttl      int64
	clientIP string
	extra    map[string]string
}

// fetch resolves the families of q over the active endpoint, failing over up
// to MaxRetries times. A successful answer is merged into the cache.
func (r *Resolver) fetch(ctx context.Context, j job, q hostrecord.QueryType) error {
	if !r.pool.ServiceEnabled() {
		return ErrServiceDisabled
	}
	var lastErr error
	family := r.serverFamily()
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		ep, idx, err := r.pool.ActiveEndpoint(family)
		if errors.Is(err, serverpool.ErrNoResolvers) {
			// no usable endpoint of the preferred family, try the other one
			other := otherFamily(family)
			if ep2, idx2, err2 := r.pool.ActiveEndpoint(other); err2 == nil {
				family, ep, idx, err = other, ep2, idx2, nil
			}
		}
		if err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %s: %w", ErrNoResolvers, j.host, lastErr)
			}
			return fmt.Errorf("%w: %s", ErrNoResolvers, j.host)
		}

		start := r.now()
		ans, err := r.query(ctx, ep.IP, j, q)
		r.observer.Fetched(j.host, ep.IP, r.now().Sub(start), err)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("resolver: request failed", "host", j.host, "server", ep.IP, "attempt", attempt+1, "error", err)
			r.pool.OnFailure(family, idx)
			continue
		}
		r.pool.OnSuccess(family, idx)
		r.store(j, q, ans)
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrResolveFailed, j.host, lastErr)
}

func otherFamily(f hostrecord.Family) hostrecord.Family {
	if f == hostrecord.FamilyV6 {
		return hostrecord.FamilyV4
	}
	return hostrecord.FamilyV6
}

// serverFamily picks the resolver address family the local stack can reach.
func (r *Resolver) serverFamily() hostrecord.Family {
	if r.cfg.Stack != nil && r.cfg.Stack() == hostrecord.QueryV6 {
		return hostrecord.FamilyV6
	}
	return hostrecord.FamilyV4
}

func (r *Resolver) query(ctx context.Context, server string, j job, q hostrecord.QueryType) (answer, error) {
	resp, err := r.cfg.Transport.Send(ctx, &transport.Request{
		URL:     r.buildURL(server, j, q),
		Timeout: r.cfg.Timeout,
	})
	if err != nil {
		return answer{}, err
	}
	return parseAnswer(resp.Body)
}

// buildURL returns scheme://server/{account}/d?host=...&query=4,6, or the
// signed sign_d variant when a secret key is configured.
func (r *Resolver) buildURL(server string, j job, q hostrecord.QueryType) string {
	v := url.Values{}
	v.Set("host", j.host)
	v.Set("query", queryParam(q))
	path := "/" + r.cfg.AccountID + "/d"
	if r.cfg.SecretKey != "" {
		expiry := strconv.FormatInt(r.now().Add(signatureExpiration).Unix(), 10)
		v.Set("t", expiry)
		v.Set("s", Sign(j.host, r.cfg.SecretKey, expiry))
		path = "/" + r.cfg.AccountID + "/sign_d"
	}
	for k, val := range j.params {
		v.Set(sdnsParamPrefix+k, val)
	}
	u := url.URL{
		Scheme:   r.pool.Scheme(),
		Host:     bracketHost(server),
		Path:     path,
		RawQuery: v.Encode(),
	}
	return u.String()
}

// Sign returns the request signature md5("host-secret-expiry") in hex.
func Sign(host, secret, expiry string) string {
	sum := md5.Sum([]byte(host + "-" + secret + "-" + expiry))
	return hex.EncodeToString(sum[:])
}

func queryParam(q hostrecord.QueryType) string {
	switch {
	case q.Has(hostrecord.FamilyV4) && q.Has(hostrecord.FamilyV6):
		return "4,6"
	case q.Has(hostrecord.FamilyV6):
		return "6"
	default:
		return "4"
	}
}

func bracketHost(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "[" + host + "]"
	}
	return host
}

// parseAnswer reads {"host":..,"ips":[..],"ipsv6":[..],"ttl":..,"client_ip":..,"extra":..}.
// A reply without either address list is malformed.
func parseAnswer(body []byte) (answer, error) {
	if !gjson.ValidBytes(body) {
		return answer{}, ErrMalformedResponse
	}
	doc := gjson.ParseBytes(body)
	ips, ipsv6 := doc.Get("ips"), doc.Get("ipsv6")
	if !ips.IsArray() && !ipsv6.IsArray() {
		if code := doc.Get("code"); code.Exists() {
			return answer{}, fmt.Errorf("%w: code %s", ErrMalformedResponse, code.String())
		}
		return answer{}, fmt.Errorf("%w: no address list", ErrMalformedResponse)
	}
	ans := answer{
		host:     doc.Get("host").String(),
		v4:       addressList(ips, false),
		v6:       addressList(ipsv6, true),
		ttl:      defaultTTL,
		clientIP: doc.Get("client_ip").String(),
	}
	// an explicit ttl <= 0 is kept: such records never expire
	if ttl := doc.Get("ttl"); ttl.Exists() {
		ans.ttl = ttl.Int()
	}
	if extra := doc.Get("extra"); extra.Exists() {
		ans.extra = make(map[string]string)
		if extra.IsObject() {
			extra.ForEach(func(k, v gjson.Result) bool {
				ans.extra[k.String()] = v.String()
				return true
			})
		} else if s := extra.String(); s != "" {
			ans.extra["extra"] = s
		}
	}
	return ans, nil
}

func addressList(v gjson.Result, v6 bool) []string {
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

// store merges ans into the cache for the families of q and schedules probes.
// A family the server returned empty is memoized as absent.
func (r *Resolver) store(j job, q hostrecord.QueryType, ans answer) {
	now := r.now().Unix()
	region := r.pool.Region()
	update := hostrecord.New(j.host, j.key)
	update.ClientIP = ans.clientIP
	update.Extra = ans.extra
	if q.Has(hostrecord.FamilyV4) {
		update.V4 = hostrecord.EntriesFromStrings(ans.v4)
		update.V4TTL = r.ttlFor(j.host, hostrecord.FamilyV4, ans.ttl)
		update.V4LastLookup = now
		update.V4Region = region
		update.NoV4Record = len(ans.v4) == 0
	}
	if q.Has(hostrecord.FamilyV6) {
		update.V6 = hostrecord.EntriesFromStrings(ans.v6)
		update.V6TTL = r.ttlFor(j.host, hostrecord.FamilyV6, ans.ttl)
		update.V6LastLookup = now
		update.V6Region = region
		update.NoV6Record = len(ans.v6) == 0
	}
	merged := r.cache.Put(update, q)
	r.logger.Debug("resolver: resolved", "host", j.host, "key", j.key, "query", q.String(), "v4", len(ans.v4), "v6", len(ans.v6), "ttl", ans.ttl)
	r.scheduleProbes(merged, q)
}

func (r *Resolver) ttlFor(host string, f hostrecord.Family, ttl int64) int64 {
	if r.cfg.TTLOverride == nil {
		return ttl
	}
	if v := r.cfg.TTLOverride(host, f, ttl); v > 0 {
		return v
	}
	return ttl
}

func (r *Resolver) scheduleProbes(rec *hostrecord.HostRecord, q hostrecord.QueryType) {
	if r.cfg.Prober == nil || rec == nil {
		return
	}
	port, ok := r.cfg.ProbePorts[rec.Host]
	if !ok || port <= 0 {
		return
	}
	for _, f := range q.Families() {
		for _, ip := range rec.IPs(f) {
			r.cfg.Prober.Schedule(rec.CacheKey, ip, port, func(key, ip string, rt int) {
				r.cache.UpdateRT(key, ip, rt)
			})
		}
	}
}
