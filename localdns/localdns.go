// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package localdns resolves through a plain DNS server. It answers when the
// HTTPDNS resolvers cannot and degrading is enabled.
package localdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"httpdns/hostrecord"
	"httpdns/logger"
)

const (
	defaultTimeout    = 2 * time.Second
	defaultResolvConf = "/etc/resolv.conf"
)

// ErrNoServers is returned when neither a server nor resolv.conf is available.
var ErrNoServers = errors.New("localdns: no dns servers configured")

// Config defines the client. Server ("ip" or "ip:port") wins over ResolvConf.
type Config struct {
	Server     string
	ResolvConf string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client implements the resolver fallback using github.com/miekg/dns.
type Client struct {
	client  *dns.Client
	servers []string
	logger  *slog.Logger
}

// New builds a client for the configured server or the system resolvers.
func New(cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	servers, err := serverList(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		client:  &dns.Client{Timeout: timeout},
		servers: servers,
		logger:  logger.OrDiscard(cfg.Logger),
	}, nil
}

func serverList(cfg Config) ([]string, error) {
	if cfg.Server != "" {
		return []string{withPort(cfg.Server, "53")}, nil
	}
	path := cfg.ResolvConf
	if path == "" {
		path = defaultResolvConf
	}
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("localdns: %w", err)
	}
	if len(cc.Servers) == 0 {
		return nil, ErrNoServers
	}
	out := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		out = append(out, net.JoinHostPort(s, cc.Port))
	}
	return out, nil
}

func withPort(server, port string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, port)
}

// Servers returns the servers queried, in order.
func (c *Client) Servers() []string {
	return append([]string(nil), c.servers...)
}

// Lookup queries A and/or AAAA for host, both families in parallel.
func (c *Client) Lookup(ctx context.Context, host string, q hostrecord.QueryType) (v4, v6 []string, err error) {
	g, ctx := errgroup.WithContext(ctx)
	if q.Has(hostrecord.FamilyV4) {
		g.Go(func() error {
			var err error
			v4, err = c.query(ctx, host, dns.TypeA)
			return err
		})
	}
	if q.Has(hostrecord.FamilyV6) {
		g.Go(func() error {
			var err error
			v6, err = c.query(ctx, host, dns.TypeAAAA)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if len(v4) == 0 && len(v6) == 0 {
		return nil, nil, fmt.Errorf("localdns: %s: no addresses", host)
	}
	return v4, v6, nil
}

// query asks each server in turn until one answers.
func (c *Client) query(ctx context.Context, host string, qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range c.servers {
		resp, _, err := c.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			c.logger.Debug("localdns: query failed", "server", server, "host", host, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
			lastErr = fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
			continue
		}
		return addresses(resp, qtype), nil
	}
	return nil, fmt.Errorf("localdns: %s %s: %w", host, dns.TypeToString[qtype], lastErr)
}

func addresses(resp *dns.Msg, qtype uint16) []string {
	var out []string
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				out = append(out, v.A.String())
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				out = append(out, v.AAAA.String())
			}
		}
	}
	return out
}
