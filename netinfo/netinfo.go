// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package netinfo classifies the local IP stack and notices network changes.
// Results are advisory: they pick default query families, nothing more.
package netinfo

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"httpdns/hostrecord"
	"httpdns/logger"
)

const (
	defaultProbeV4 = "203.107.1.1:53"
	defaultProbeV6 = "[2401:b180:2000:30::1c]:53"
)

// Config defines how the stack is probed. Dial and Addrs default to the net
// package; tests replace them.
type Config struct {
	ProbeV4 string
	ProbeV6 string
	Dial    func(network, addr string) (net.Conn, error)
	Addrs   func() ([]net.Addr, error)
	Logger  *slog.Logger
}

// Detector caches the last stack classification.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	stack       hostrecord.QueryType
	detected    bool
	fingerprint string
}

// New returns a Detector. Nothing is probed until Stack or Detect is called.
func New(cfg Config) *Detector {
	if cfg.ProbeV4 == "" {
		cfg.ProbeV4 = defaultProbeV4
	}
	if cfg.ProbeV6 == "" {
		cfg.ProbeV6 = defaultProbeV6
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: time.Second}
		cfg.Dial = d.Dial
	}
	if cfg.Addrs == nil {
		cfg.Addrs = net.InterfaceAddrs
	}
	return &Detector{cfg: cfg, logger: logger.OrDiscard(cfg.Logger)}
}

// Stack returns the cached classification, detecting on first use.
func (d *Detector) Stack() hostrecord.QueryType {
	d.mu.Lock()
	if d.detected {
		s := d.stack
		d.mu.Unlock()
		return s
	}
	d.mu.Unlock()
	return d.Detect()
}

// Detect probes both families. A UDP "connect" only selects a route, so no
// packet leaves the host. QueryAuto means neither family has a usable route.
func (d *Detector) Detect() hostrecord.QueryType {
	var s hostrecord.QueryType
	if d.routable("udp4", d.cfg.ProbeV4) {
		s |= hostrecord.QueryV4
	}
	if d.routable("udp6", d.cfg.ProbeV6) {
		s |= hostrecord.QueryV6
	}
	d.mu.Lock()
	d.stack = s
	d.detected = true
	d.mu.Unlock()
	d.logger.Debug("netinfo: stack detected", "stack", StackName(s))
	return s
}

func (d *Detector) routable(network, addr string) bool {
	conn, err := d.cfg.Dial(network, addr)
	if err != nil {
		return false
	}
	defer func() {
		_ = conn.Close()
	}()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP == nil {
		return false
	}
	return local.IP.IsGlobalUnicast() || local.IP.IsPrivate()
}

// StackName is a human label for a detected stack.
func StackName(s hostrecord.QueryType) string {
	switch s {
	case hostrecord.QueryV4:
		return "ipv4-only"
	case hostrecord.QueryV6:
		return "ipv6-only"
	case hostrecord.QueryBoth:
		return "dual-stack"
	default:
		return "unknown"
	}
}

// Fingerprint summarizes the non-loopback interface addresses. It changes
// when the host joins another network.
func (d *Detector) Fingerprint() (string, error) {
	addrs, err := d.cfg.Addrs()
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		parts = append(parts, ip.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ","), nil
}

// Change describes a detected network change.
type Change struct {
	Previous hostrecord.QueryType
	Current  hostrecord.QueryType
}

// Watch polls the interface fingerprint every interval and calls onChange
// after re-detecting the stack. It returns when ctx ends.
func (d *Detector) Watch(ctx context.Context, interval time.Duration, onChange func(Change)) {
	if interval <= 0 {
		return
	}
	if fp, err := d.Fingerprint(); err == nil {
		d.mu.Lock()
		d.fingerprint = fp
		d.mu.Unlock()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ch, changed := d.Check(); changed && onChange != nil {
				onChange(ch)
			}
		}
	}
}

// Check compares the fingerprint with the last one seen and re-detects the
// stack when it differs.
func (d *Detector) Check() (Change, bool) {
	fp, err := d.Fingerprint()
	if err != nil {
		d.logger.Debug("netinfo: read interfaces", "error", err)
		return Change{}, false
	}
	d.mu.Lock()
	if fp == d.fingerprint {
		d.mu.Unlock()
		return Change{}, false
	}
	d.fingerprint = fp
	prev := d.stack
	d.mu.Unlock()

	cur := d.Detect()
	d.logger.Info("netinfo: network changed", "previous", StackName(prev), "current", StackName(cur))
	return Change{Previous: prev, Current: cur}, true
}
