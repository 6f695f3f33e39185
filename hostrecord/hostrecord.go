// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package hostrecord holds the cached resolution result for one host and the
// rules deciding when it is stale.
package hostrecord

import (
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Family is a single IP protocol family.
type Family int

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

// QueryType is the set of families a lookup asks for.
type QueryType int

const (
	// QueryAuto lets the resolver pick families from the detected IP stack.
	QueryAuto QueryType = 0
	QueryV4   QueryType = 1 << 0
	QueryV6   QueryType = 1 << 1
	QueryBoth           = QueryV4 | QueryV6
)

// Has reports whether q asks for family f.
func (q QueryType) Has(f Family) bool {
	switch f {
	case FamilyV4:
		return q&QueryV4 != 0
	case FamilyV6:
		return q&QueryV6 != 0
	}
	return false
}

// Families lists the families in q, v4 first.
func (q QueryType) Families() []Family {
	out := make([]Family, 0, 2)
	if q.Has(FamilyV4) {
		out = append(out, FamilyV4)
	}
	if q.Has(FamilyV6) {
		out = append(out, FamilyV6)
	}
	return out
}

// QueryFor returns the single-family query type for f.
func QueryFor(f Family) QueryType {
	if f == FamilyV6 {
		return QueryV6
	}
	return QueryV4
}

func (q QueryType) String() string {
	switch q {
	case QueryV4:
		return "4"
	case QueryV6:
		return "6"
	case QueryBoth:
		return "4,6"
	default:
		return "auto"
	}
}

// ParseQueryType accepts "4", "6", "64"/"4,6"/"both" and "auto".
func ParseQueryType(s string) (QueryType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return QueryAuto, true
	case "4", "v4", "a", "ipv4":
		return QueryV4, true
	case "6", "v6", "aaaa", "ipv6":
		return QueryV6, true
	case "64", "4,6", "both", "dual":
		return QueryBoth, true
	}
	return QueryAuto, false
}

// RTUnreachable marks an address whose probe could not connect.
const RTUnreachable = -1

// IPEntry is one resolved address with its optional probe result.
type IPEntry struct {
	IP     string `json:"ip"`
	RT     int    `json:"rt,omitempty"`
	Probed bool   `json:"probed,omitempty"`
}

// HostRecord is the resolution state of one cache key. v4 and v6 age independently.
type HostRecord struct {
	Host     string
	CacheKey string
	ClientIP string

	V4 []IPEntry
	V6 []IPEntry

	V4TTL        int64
	V6TTL        int64
	V4LastLookup int64
	V6LastLookup int64

	// Only valid for the running process; never persisted.
	NoV4Record bool
	NoV6Record bool

	V4Region string
	V6Region string

	Extra map[string]string

	LoadedFromStore bool
}

// NormalizeHost lowercases the name and strips the trailing dot. Returns "" for
// names that are not valid domain names.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	for strings.HasSuffix(host, ".") {
		host = strings.TrimSuffix(host, ".")
	}
	if host == "" {
		return ""
	}
	if _, ok := dns.IsDomainName(host); !ok {
		return ""
	}
	for _, c := range host {
		if !validHostChar(c) {
			return ""
		}
	}
	return host
}

func validHostChar(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.'
}

// CacheKey builds the cache key for host, optionally scoped by a custom key.
func CacheKey(host, custom string) string {
	host = NormalizeHost(host)
	custom = strings.TrimSpace(custom)
	if custom == "" {
		return host
	}
	return host + "|" + custom
}

// New returns an empty record for host under key.
func New(host, key string) *HostRecord {
	return &HostRecord{Host: host, CacheKey: key}
}

// Clone returns a deep copy.
func (r *HostRecord) Clone() *HostRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.V4 = cloneEntries(r.V4)
	c.V6 = cloneEntries(r.V6)
	if r.Extra != nil {
		c.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

func cloneEntries(in []IPEntry) []IPEntry {
	if in == nil {
		return nil
	}
	out := make([]IPEntry, len(in))
	copy(out, in)
	return out
}

// Entries returns the address list of family f.
func (r *HostRecord) Entries(f Family) []IPEntry {
	if f == FamilyV6 {
		return r.V6
	}
	return r.V4
}

// IPs returns the addresses of family f in ranked order.
func (r *HostRecord) IPs(f Family) []string {
	entries := r.Entries(f)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.IP)
	}
	return out
}

// TTL returns the ttl of family f in seconds.
func (r *HostRecord) TTL(f Family) int64 {
	if f == FamilyV6 {
		return r.V6TTL
	}
	return r.V4TTL
}

// LastLookup returns the epoch seconds of the last refresh of family f.
func (r *HostRecord) LastLookup(f Family) int64 {
	if f == FamilyV6 {
		return r.V6LastLookup
	}
	return r.V4LastLookup
}

// NoRecord reports whether the server said family f does not exist for this host.
func (r *HostRecord) NoRecord(f Family) bool {
	if f == FamilyV6 {
		return r.NoV6Record
	}
	return r.NoV4Record
}

// Region returns the resolver region that served family f.
func (r *HostRecord) Region(f Family) string {
	if f == FamilyV6 {
		return r.V6Region
	}
	return r.V4Region
}

// FamilyExpired applies the ttl rule to a single family. A ttl <= 0 never expires.
func (r *HostRecord) FamilyExpired(f Family, now time.Time) bool {
	ttl := r.TTL(f)
	if ttl <= 0 {
		return false
	}
	return now.Unix()-r.LastLookup(f) > ttl
}

// IsExpired reports whether any family requested by q has outlived its ttl.
// Families memoized as absent are skipped.
func (r *HostRecord) IsExpired(q QueryType, now time.Time) bool {
	for _, f := range q.Families() {
		if r.NoRecord(f) {
			continue
		}
		if r.FamilyExpired(f, now) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether none of the families requested by q has an address.
func (r *HostRecord) IsEmpty(q QueryType) bool {
	for _, f := range q.Families() {
		if len(r.Entries(f)) > 0 {
			return false
		}
	}
	return true
}

// FamiliesToFetch returns the requested families that need a network round trip:
// those never looked up or expired, minus families known to be absent.
func (r *HostRecord) FamiliesToFetch(q QueryType, now time.Time) QueryType {
	var out QueryType
	for _, f := range q.Families() {
		if r.NoRecord(f) {
			continue
		}
		if r.LastLookup(f) == 0 || r.FamilyExpired(f, now) {
			out |= QueryFor(f)
		}
	}
	return out
}

// Merge copies the fields of the families in q from update into r. The other
// family is left untouched.
func (r *HostRecord) Merge(update *HostRecord, q QueryType) {
	if update == nil {
		return
	}
	if update.Host != "" {
		r.Host = update.Host
	}
	if update.CacheKey != "" {
		r.CacheKey = update.CacheKey
	}
	if update.ClientIP != "" {
		r.ClientIP = update.ClientIP
	}
	if len(update.Extra) > 0 {
		r.Extra = make(map[string]string, len(update.Extra))
		for k, v := range update.Extra {
			r.Extra[k] = v
		}
	}
	if q.Has(FamilyV4) {
		r.V4 = cloneEntries(update.V4)
		r.V4TTL = update.V4TTL
		r.V4LastLookup = update.V4LastLookup
		r.V4Region = update.V4Region
		r.NoV4Record = update.NoV4Record
	}
	if q.Has(FamilyV6) {
		r.V6 = cloneEntries(update.V6)
		r.V6TTL = update.V6TTL
		r.V6LastLookup = update.V6LastLookup
		r.V6Region = update.V6Region
		r.NoV6Record = update.NoV6Record
	}
	r.LoadedFromStore = false
}

// UpdateRT sets the probe result for ip and re-ranks its family. Returns false
// when ip is not part of the record.
func (r *HostRecord) UpdateRT(ip string, rt int) bool {
	for _, list := range []*[]IPEntry{&r.V4, &r.V6} {
		for i := range *list {
			if (*list)[i].IP != ip {
				continue
			}
			(*list)[i].RT = rt
			(*list)[i].Probed = true
			sortByRT(*list)
			return true
		}
	}
	return false
}

func rankOf(e IPEntry) (int, bool) {
	if !e.Probed || e.RT < 0 {
		return 0, false
	}
	return e.RT, true
}

func sortByRT(list []IPEntry) {
	sort.SliceStable(list, func(i, j int) bool {
		ri, okI := rankOf(list[i])
		rj, okJ := rankOf(list[j])
		switch {
		case okI && okJ:
			return ri < rj
		case okI:
			return true
		default:
			return false
		}
	})
}

// EntriesFromStrings wraps plain addresses as unmeasured entries.
func EntriesFromStrings(ips []string) []IPEntry {
	out := make([]IPEntry, 0, len(ips))
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		out = append(out, IPEntry{IP: ip})
	}
	return out
}
