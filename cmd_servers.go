// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"httpdns/serverpool"
)

var (
	serversRefresh   bool
	serversSetRegion string
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Show the resolver endpoints of the account",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		svc, _, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		pool := svc.Pool()
		switch {
		case serversSetRegion != "":
			if err := svc.SetRegion(ctx, serversSetRegion); err != nil {
				if errors.Is(err, serverpool.ErrUnknownRegion) {
					return err
				}
				fmt.Fprintln(os.Stderr, "warning: refresh after region switch failed:", err)
			}
		case serversRefresh:
			if err := pool.ForceRefresh(ctx); err != nil {
				return err
			}
		default:
			if err := pool.RefreshIfNeeded(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "warning: endpoint refresh failed:", err)
			}
		}
		return printStatus(pool.Status(), time.Now())
	},
}

func init() {
	serversCmd.Flags().BoolVarP(&serversRefresh, "refresh", "r", false, "refresh the list from the schedule center first")
	serversCmd.Flags().StringVar(&serversSetRegion, "switch", "", "switch to another region before listing")
}

func printStatus(st serverpool.Status, now time.Time) error {
	if flags.jsonOutput {
		return printJSON(os.Stdout, st)
	}
	last := "never"
	if !st.LastRefresh.IsZero() {
		last = st.LastRefresh.Format(time.RFC3339)
	}
	service := "enabled"
	if !st.ServiceEnabled {
		service = "disabled"
	}
	fmt.Printf("region %s, service %s, last refresh %s\n", st.Region, service, last)
	printEndpoints("v4", st.V4, st.ActiveV4, now)
	printEndpoints("v6", st.V6, st.ActiveV6, now)
	return nil
}

func printEndpoints(label string, eps []serverpool.Endpoint, active int, now time.Time) {
	for i, ep := range eps {
		marker := " "
		if i == active {
			marker = "*"
		}
		state := "ok"
		if ep.Disabled {
			state = fmt.Sprintf("disabled %s ago", now.Sub(ep.DisabledAt).Round(time.Second))
		}
		fmt.Printf("%s %s %-40s %s\n", marker, label, ep.IP, state)
	}
}
