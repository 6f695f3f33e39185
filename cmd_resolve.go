// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"httpdns/hostrecord"
	"httpdns/resolver"
)

type resolveFlags struct {
	query       string
	sdns        []string
	cacheKey    string
	timeout     time.Duration
	nonBlocking bool
}

var resolveOpts resolveFlags

var resolveCmd = &cobra.Command{
	Use:   "resolve HOST...",
	Short: "Resolve host names",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runResolve,
}

func init() {
	f := resolveCmd.Flags()
	f.StringVarP(&resolveOpts.query, "query", "q", "auto", "address families: 4, 6, 4,6 or auto")
	f.StringArrayVar(&resolveOpts.sdns, "sdns", nil, "custom resolution parameter key=value (repeatable)")
	f.StringVar(&resolveOpts.cacheKey, "cache-key", "", "cache key for custom resolutions")
	f.DurationVar(&resolveOpts.timeout, "timeout", 0, "per-lookup timeout (default from config)")
	f.BoolVar(&resolveOpts.nonBlocking, "cached", false, "only print what the cache holds right now")
}

// parseSDNS turns key=value pairs into a parameter map.
func parseSDNS(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid sdns parameter %q, want key=value", p)
		}
		out[strings.TrimPrefix(k, "sdns-")] = strings.TrimSpace(v)
	}
	return out, nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	q, ok := hostrecord.ParseQueryType(resolveOpts.query)
	if !ok {
		return fmt.Errorf("invalid --query %q", resolveOpts.query)
	}
	params, err := parseSDNS(resolveOpts.sdns)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	svc, _, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	res := svc.Resolver()
	var (
		results []*resolver.Result
		failed  *multierror.Error
	)
	for _, host := range args {
		req := resolver.Request{
			Host:       host,
			Query:      q,
			SDNSParams: params,
			CacheKey:   resolveOpts.cacheKey,
			Timeout:    resolveOpts.timeout,
		}
		if resolveOpts.nonBlocking {
			if r := res.ResolveNonBlocking(req); r != nil {
				results = append(results, r)
			} else {
				failed = multierror.Append(failed, fmt.Errorf("%s: not cached", host))
			}
			continue
		}
		r, err := res.ResolveSync(ctx, req)
		if err != nil {
			failed = multierror.Append(failed, err)
			continue
		}
		results = append(results, r)
	}

	if flags.jsonOutput {
		if err := printJSON(os.Stdout, results); err != nil {
			return err
		}
	} else {
		width := termWidth()
		for _, r := range results {
			fmt.Println(formatResult(r, width))
		}
	}
	return failed.ErrorOrNil()
}
