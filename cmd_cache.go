// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"httpdns/api"
	"httpdns/hostrecord"
)

var prefetchQuery string

var prefetchCmd = &cobra.Command{
	Use:   "prefetch HOST...",
	Short: "Resolve hosts ahead of use and store them in the cache",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, ok := hostrecord.ParseQueryType(prefetchQuery)
		if !ok {
			return fmt.Errorf("invalid --query %q", prefetchQuery)
		}
		ctx := commandContext(cmd)
		svc, _, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()
		err = svc.Resolver().PreResolve(ctx, args, q)
		fmt.Printf("prefetched %d of %d hosts\n", svc.Cache().Len(), len(args))
		return err
	},
}

var listCache bool

var clearCmd = &cobra.Command{
	Use:   "clear [HOST...]",
	Short: "Remove hosts from the cache (all hosts when none are given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService(commandContext(cmd))
		if err != nil {
			return err
		}
		defer svc.Close()
		if listCache {
			return printCache(svc.Cache().Snapshot(), "")
		}
		n := svc.Resolver().ClearCache(args...)
		fmt.Printf("removed %d cache entries\n", n)
		return nil
	},
}

func init() {
	prefetchCmd.Flags().StringVarP(&prefetchQuery, "query", "q", "auto", "address families: 4, 6, 4,6 or auto")
	clearCmd.Flags().BoolVarP(&listCache, "list", "l", false, "list the cache instead of clearing it")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printCache(records []*hostrecord.HostRecord, filter string) error {
	entries := api.CacheEntries(records, time.Now())
	if filter != "" {
		kept := entries[:0]
		for _, e := range entries {
			if strings.Contains(e.Key, filter) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if flags.jsonOutput {
		return printJSON(os.Stdout, entries)
	}
	if len(entries) == 0 {
		fmt.Println("cache is empty")
		return nil
	}
	for _, e := range entries {
		state := "fresh"
		if e.V4Expired || e.V6Expired {
			state = "expired"
		}
		fmt.Printf("%-40s %-7s v4=%s v6=%s\n", e.Key, state, strings.Join(e.IPs, ","), strings.Join(e.IPv6s, ","))
	}
	return nil
}
