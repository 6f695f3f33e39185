// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package regions holds the per-region resolver and schedule-center
// endpoints, and loads overrides from a file, URL or git repository.
package regions

import (
	"sort"
	"strings"
)

// DefaultRegion is used when the configured region is empty.
const DefaultRegion = "cn"

// Endpoints are the bootstrap addresses of one region. Service lists are the
// resolvers queried before the first schedule-center refresh; Update lists are
// the schedule-center hosts asked for fresh service lists.
type Endpoints struct {
	ServiceV4 []string `json:"service_v4"`
	ServiceV6 []string `json:"service_v6,omitempty"`
	UpdateV4  []string `json:"update_v4"`
	UpdateV6  []string `json:"update_v6,omitempty"`
}

func (e Endpoints) clone() Endpoints {
	return Endpoints{
		ServiceV4: append([]string(nil), e.ServiceV4...),
		ServiceV6: append([]string(nil), e.ServiceV6...),
		UpdateV4:  append([]string(nil), e.UpdateV4...),
		UpdateV6:  append([]string(nil), e.UpdateV6...),
	}
}

func (e Endpoints) empty() bool {
	return len(e.ServiceV4) == 0 && len(e.ServiceV6) == 0 && len(e.UpdateV4) == 0 && len(e.UpdateV6) == 0
}

// Table maps region name to its endpoints.
type Table map[string]Endpoints

var builtin = Table{
	"cn": {
		ServiceV4: []string{"203.107.1.1", "203.107.1.33", "203.107.1.34", "203.107.1.65", "203.107.1.66"},
		ServiceV6: []string{"2401:b180:2000:20::10", "2401:b180:2000:30::1c"},
		UpdateV4:  []string{"203.107.1.97", "203.107.1.100", "httpdns-sc.aliyuncs.com"},
		UpdateV6:  []string{"2401:b180:7001:1::5", "2401:b180:7001:1::8"},
	},
	"hk": {
		ServiceV4: []string{"47.56.234.194", "47.56.119.115"},
		ServiceV6: []string{"240b:4000:f10::178", "240b:4000:f10::188"},
		UpdateV4:  []string{"47.56.234.194", "47.56.119.115"},
		UpdateV6:  []string{"240b:4000:f10::178", "240b:4000:f10::188"},
	},
	"sg": {
		ServiceV4: []string{"161.117.200.122", "47.74.222.190"},
		ServiceV6: []string{"240b:4000:f10::178"},
		UpdateV4:  []string{"161.117.200.122", "47.74.222.190"},
		UpdateV6:  []string{"240b:4000:f10::178"},
	},
	"de": {
		ServiceV4: []string{"47.89.80.182", "47.246.146.77"},
		ServiceV6: []string{"2404:2280:3000::176", "2404:2280:3000::188"},
		UpdateV4:  []string{"47.89.80.182", "47.246.146.77"},
		UpdateV6:  []string{"2404:2280:3000::176", "2404:2280:3000::188"},
	},
	"us": {
		ServiceV4: []string{"47.246.131.175", "47.246.131.141"},
		ServiceV6: []string{"2404:2280:4000::2bb", "2404:2280:4000::23e"},
		UpdateV4:  []string{"47.246.131.175", "47.246.131.141"},
		UpdateV6:  []string{"2404:2280:4000::2bb", "2404:2280:4000::23e"},
	},
}

// Builtin returns a copy of the compiled-in table.
func Builtin() Table {
	out := make(Table, len(builtin))
	for k, v := range builtin {
		out[k] = v.clone()
	}
	return out
}

// Lookup returns the endpoints of region. An empty region means DefaultRegion.
func (t Table) Lookup(region string) (Endpoints, bool) {
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" {
		region = DefaultRegion
	}
	e, ok := t[region]
	if !ok {
		return Endpoints{}, false
	}
	return e.clone(), true
}

// Merge returns t with every non-empty list of override replacing its counterpart.
func (t Table) Merge(override Table) Table {
	out := make(Table, len(t)+len(override))
	for k, v := range t {
		out[k] = v.clone()
	}
	for k, v := range override {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || v.empty() {
			continue
		}
		cur := out[k]
		if len(v.ServiceV4) > 0 {
			cur.ServiceV4 = append([]string(nil), v.ServiceV4...)
		}
		if len(v.ServiceV6) > 0 {
			cur.ServiceV6 = append([]string(nil), v.ServiceV6...)
		}
		if len(v.UpdateV4) > 0 {
			cur.UpdateV4 = append([]string(nil), v.UpdateV4...)
		}
		if len(v.UpdateV6) > 0 {
			cur.UpdateV6 = append([]string(nil), v.UpdateV6...)
		}
		out[k] = cur
	}
	return out
}

// Names lists the regions in t, sorted.
func (t Table) Names() []string {
	out := make([]string, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
