// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"httpdns/api"
	"httpdns/cliutil"
	"httpdns/daemon"
	"httpdns/hostrecord"
	"httpdns/logger"
	"httpdns/netinfo"
	"httpdns/resolver"
	"httpdns/service"
)

var shellConnect string

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive resolver console",
	RunE: func(cmd *cobra.Command, args []string) error {
		if shellConnect != "" {
			return connectControlSocket(shellConnect)
		}
		ctx := commandContext(cmd)
		svc, _, err := openService(ctx)
		if err != nil {
			return err
		}
		if err := svc.Start(); err != nil {
			_ = svc.Close()
			return err
		}
		state := daemon.NewState()
		state.SetServiceStatus(true)
		sh := newShell(ctx, svc, state, os.Stdout)
		defer sh.close()

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return sh.runScript(os.Stdin)
		}
		return sh.runInteractive()
	},
}

func init() {
	shellCmd.Flags().StringVar(&shellConnect, "connect", "", "attach to the control socket of a running daemon")
}

// shell is one console session. Commands either run at the top level
// ("cache list") or switch into a context ("cache" then "list").
type shell struct {
	ctx     context.Context
	svc     *service.Service
	state   *daemon.State
	out     io.Writer
	api     *api.Server
	context string
	rl      *readline.Instance
	// owner sessions close the service when they end
	owner bool
}

func newShell(ctx context.Context, svc *service.Service, state *daemon.State, out io.Writer) *shell {
	return &shell{ctx: ctx, svc: svc, state: state, out: out, owner: true}
}

func (s *shell) close() {
	if s.api != nil {
		_ = s.api.Shutdown(context.Background())
	}
	if !s.owner {
		return
	}
	s.state.SetServiceStatus(false)
	_ = s.svc.Close()
}

func (s *shell) runInteractive() error {
	cfg := readline.Config{
		Prompt:          "> ",
		HistoryFile:     filepath.Join(os.TempDir(), "httpdns.history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	}
	rl, err := readline.NewEx(&cfg)
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()
	s.rl = rl
	s.setupAutocomplete()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && line != "" {
				continue
			}
			return nil
		}
		if s.handleLine(line) {
			return nil
		}
	}
}

// runScript reads commands from r, e.g. when stdin is a pipe.
func (s *shell) runScript(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if s.handleLine(sc.Text()) {
			return nil
		}
	}
	return sc.Err()
}

func (s *shell) setupAutocomplete() {
	if s.rl == nil {
		return
	}
	s.updatePrompt()
	cacheItems := []readline.PrefixCompleterInterface{
		readline.PcItem("list"), readline.PcItem("clear"), readline.PcItem("?"),
	}
	serverItems := []readline.PrefixCompleterInterface{
		readline.PcItem("list"), readline.PcItem("refresh"), readline.PcItem("region"), readline.PcItem("?"),
	}
	var completer *readline.PrefixCompleter
	switch s.context {
	case "cache":
		completer = readline.NewPrefixCompleter(append(cacheItems, readline.PcItem("/"))...)
	case "servers":
		completer = readline.NewPrefixCompleter(append(serverItems, readline.PcItem("/"))...)
	default:
		completer = readline.NewPrefixCompleter(
			readline.PcItem("resolve"),
			readline.PcItem("cached"),
			readline.PcItem("prefetch"),
			readline.PcItem("cache", cacheItems...),
			readline.PcItem("servers", serverItems...),
			readline.PcItem("stats"),
			readline.PcItem("status"),
			readline.PcItem("stop"),
			readline.PcItem("network"),
			readline.PcItem("api", readline.PcItem("start"), readline.PcItem("stop")),
			readline.PcItem("exit"),
			readline.PcItem("?"),
		)
	}
	s.rl.Config.AutoComplete = completer
}

func (s *shell) updatePrompt() {
	if s.rl == nil {
		return
	}
	if s.context == "" {
		s.rl.SetPrompt("> ")
	} else {
		s.rl.SetPrompt(fmt.Sprintf("(%s) > ", s.context))
	}
	s.rl.Refresh()
}

func (s *shell) setContext(c string) {
	s.context = c
	s.setupAutocomplete()
}

// handleLine runs one command and reports whether the session should end.
func (s *shell) handleLine(line string) bool {
	args := strings.Fields(strings.TrimSpace(line))
	if len(args) == 0 {
		return false
	}
	switch strings.ToLower(args[0]) {
	case "exit", "quit", "q":
		fmt.Fprintln(s.out, "Shutting down.")
		return true
	case "stop":
		return s.handleStop()
	}
	if s.context != "" {
		if args[0] == "/" {
			s.setContext("")
			return false
		}
		args = append([]string{s.context}, args...)
	}
	s.handleGlobal(args)
	return false
}

func (s *shell) handleGlobal(args []string) {
	switch strings.ToLower(args[0]) {
	case "resolve":
		s.handleResolve(args[1:], false)
	case "cached":
		s.handleResolve(args[1:], true)
	case "prefetch":
		s.handlePrefetch(args[1:])
	case "cache":
		if len(args) == 1 {
			s.setContext("cache")
			return
		}
		s.handleCache(args[1:])
	case "servers", "server":
		if len(args) == 1 {
			s.setContext("servers")
			return
		}
		s.handleServers(args[1:])
	case "stats":
		s.handleStats()
	case "status":
		s.handleStatus()
	case "network":
		d := s.svc.Detector()
		fmt.Fprintf(s.out, "stack: %s\n", netinfo.StackName(d.Stack()))
	case "api":
		s.handleAPI(args[1:])
	case "help", "h", "?":
		s.help()
	default:
		fmt.Fprintln(s.out, "Unknown command:", args[0])
	}
}

func (s *shell) handleResolve(args []string, cachedOnly bool) {
	pos, params := cliutil.SplitHostArgs(args)
	if len(pos) == 0 || cliutil.ContainsHelpToken(pos) {
		fmt.Fprintln(s.out, "Usage: resolve HOST [4|6|4,6|auto] [key=value...] [cache_key=KEY]")
		return
	}
	req := resolver.Request{Host: pos[0]}
	if len(pos) > 1 {
		q, ok := hostrecord.ParseQueryType(pos[1])
		if !ok {
			fmt.Fprintf(s.out, "invalid query type %q\n", pos[1])
			return
		}
		req.Query = q
	}
	if key, ok := params["cache_key"]; ok {
		req.CacheKey = key
		delete(params, "cache_key")
	}
	if len(params) > 0 {
		req.SDNSParams = make(map[string]string, len(params))
		for k, v := range params {
			req.SDNSParams[strings.TrimPrefix(k, "sdns-")] = v
		}
	}
	if cachedOnly {
		res := s.svc.Resolver().ResolveNonBlocking(req)
		if res == nil {
			fmt.Fprintf(s.out, "%s: not cached, resolving in background\n", pos[0])
			return
		}
		fmt.Fprintln(s.out, formatResult(res, termWidth()))
		return
	}
	res, err := s.svc.Resolver().ResolveSync(s.ctx, req)
	if err != nil {
		fmt.Fprintln(s.out, "Error:", err)
		return
	}
	fmt.Fprintln(s.out, formatResult(res, termWidth()))
}

func (s *shell) handlePrefetch(hosts []string) {
	if len(hosts) == 0 || cliutil.ContainsHelpToken(hosts) {
		fmt.Fprintln(s.out, "Usage: prefetch HOST...")
		return
	}
	if err := s.svc.Resolver().PreResolve(s.ctx, hosts, hostrecord.QueryAuto); err != nil {
		fmt.Fprintln(s.out, "Error:", err)
	}
	fmt.Fprintf(s.out, "cache holds %d entries\n", s.svc.Cache().Len())
}

func (s *shell) handleCache(args []string) {
	switch strings.ToLower(args[0]) {
	case "list":
		filter := ""
		if len(args) > 1 {
			filter = strings.ToLower(args[1])
		}
		entries := api.CacheEntries(s.svc.Cache().Snapshot(), time.Now())
		n := 0
		for _, e := range entries {
			if filter != "" && !strings.Contains(e.Key, filter) {
				continue
			}
			fmt.Fprintf(s.out, "%-40s v4=%s v6=%s\n", e.Key, strings.Join(e.IPs, ","), strings.Join(e.IPv6s, ","))
			n++
		}
		fmt.Fprintf(s.out, "%d entries\n", n)
	case "clear":
		n := s.svc.Resolver().ClearCache(args[1:]...)
		fmt.Fprintf(s.out, "removed %d cache entries\n", n)
	default:
		if !cliutil.IsHelpRequest(args) {
			fmt.Fprintln(s.out, "Unknown cache command:", args[0])
		}
		fmt.Fprintln(s.out, "Cache commands: list [FILTER], clear [HOST...], / (up)")
	}
}

func (s *shell) handleServers(args []string) {
	pool := s.svc.Pool()
	switch strings.ToLower(args[0]) {
	case "list", "status":
		st := pool.Status()
		fmt.Fprintf(s.out, "region %s, service enabled %t\n", st.Region, st.ServiceEnabled)
		for i, ep := range append(st.V4, st.V6...) {
			active := (ep.Family == hostrecord.FamilyV4 && i == st.ActiveV4) ||
				(ep.Family == hostrecord.FamilyV6 && i-len(st.V4) == st.ActiveV6)
			mark := " "
			if active {
				mark = "*"
			}
			fmt.Fprintf(s.out, "%s %-40s disabled=%t\n", mark, ep.IP, ep.Disabled)
		}
	case "refresh":
		if err := pool.ForceRefresh(s.ctx); err != nil {
			fmt.Fprintln(s.out, "Error:", err)
			return
		}
		fmt.Fprintln(s.out, "endpoint list refreshed")
	case "region":
		if len(args) < 2 {
			fmt.Fprintf(s.out, "region: %s (available: %s)\n", pool.Region(), strings.Join(s.svc.Regions().Names(), ", "))
			return
		}
		if err := s.svc.SetRegion(s.ctx, args[1]); err != nil {
			fmt.Fprintln(s.out, "Error:", err)
			return
		}
		fmt.Fprintln(s.out, "region:", pool.Region())
	default:
		if !cliutil.IsHelpRequest(args) {
			fmt.Fprintln(s.out, "Unknown servers command:", args[0])
		}
		fmt.Fprintln(s.out, "Servers commands: list, refresh, region [NAME], / (up)")
	}
}

func (s *shell) handleStats() {
	counts := s.svc.Telemetry().Counts()
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(s.out, "%-16s %s\n", "session", s.svc.SessionID())
	fmt.Fprintf(s.out, "%-16s %d\n", "cache_entries", s.svc.Cache().Len())
	for _, k := range keys {
		fmt.Fprintf(s.out, "%-16s %d\n", k, counts[k])
	}
}

// handleStop asks a daemon to shut down and ends the session when it does.
func (s *shell) handleStop() bool {
	if !s.state.DaemonMode() {
		fmt.Fprintln(s.out, "Not attached to a daemon, use exit to leave the shell.")
		return false
	}
	if s.state.SignalStop() {
		fmt.Fprintln(s.out, "Daemon stopping.")
	} else {
		fmt.Fprintln(s.out, "Daemon is already stopping.")
	}
	return true
}

func (s *shell) handleStatus() {
	l := s.state.ListenerSnapshot()
	mode := "console"
	if s.state.DaemonMode() {
		mode = "daemon"
	}
	fmt.Fprintf(s.out, "%-16s %s\n", "mode", mode)
	fmt.Fprintf(s.out, "%-16s %t\n", "service_up", s.state.ServiceStatus())
	if l.ConfigPath != "" {
		fmt.Fprintf(s.out, "%-16s %s\n", "config", l.ConfigPath)
	}
	if s.state.APIRunning() {
		fmt.Fprintf(s.out, "%-16s %s\n", "api", l.APIListen)
	} else {
		fmt.Fprintf(s.out, "%-16s %s\n", "api", "stopped")
	}
	if l.SocketPath != "" {
		fmt.Fprintf(s.out, "%-16s %s\n", "socket", l.SocketPath)
	}
}

func (s *shell) handleAPI(args []string) {
	if len(args) == 0 || cliutil.IsHelpRequest(args) {
		fmt.Fprintln(s.out, "Usage: api start [ADDR] | api stop")
		return
	}
	switch strings.ToLower(args[0]) {
	case "start":
		cfg := s.svc.Config()
		listen := cfg.APIListen
		if len(args) > 1 {
			listen = args[1]
		}
		if s.api == nil {
			s.api = api.New(s.svc, s.state, logger.NewServiceLogger(logger.APIServerLog, cfg.Log.Dir, cfg.Log))
		}
		if err := s.api.Start(listen); err != nil {
			fmt.Fprintln(s.out, "Error:", err)
			return
		}
		fmt.Fprintln(s.out, "API listening on", s.api.Addr())
	case "stop":
		if s.api == nil {
			fmt.Fprintln(s.out, "API is not running")
			return
		}
		if err := s.api.Shutdown(s.ctx); err != nil {
			fmt.Fprintln(s.out, "Error:", err)
			return
		}
		fmt.Fprintln(s.out, "API stopped")
	default:
		fmt.Fprintln(s.out, "Unknown api command:", args[0])
	}
}

func (s *shell) help() {
	fmt.Fprintln(s.out, "Available commands:")
	fmt.Fprintf(s.out, "%-15s %s\n", "resolve", "- Resolve a host (HOST [4|6|4,6] [key=value...])")
	fmt.Fprintf(s.out, "%-15s %s\n", "cached", "- Show what the cache holds for a host")
	fmt.Fprintf(s.out, "%-15s %s\n", "prefetch", "- Resolve hosts into the cache")
	fmt.Fprintf(s.out, "%-15s %s\n", "cache", "- Cache Management")
	fmt.Fprintf(s.out, "%-15s %s\n", "servers", "- Resolver endpoint Management")
	fmt.Fprintf(s.out, "%-15s %s\n", "stats", "- Show counters")
	fmt.Fprintf(s.out, "%-15s %s\n", "status", "- Show the daemon and listener state")
	fmt.Fprintf(s.out, "%-15s %s\n", "stop", "- Stop the daemon (control socket only)")
	fmt.Fprintf(s.out, "%-15s %s\n", "network", "- Show the detected IP stack")
	fmt.Fprintf(s.out, "%-15s %s\n", "api", "- Start or stop the REST API")
	fmt.Fprintf(s.out, "%-15s %s\n", "/", "- Go up one level")
	fmt.Fprintf(s.out, "%-15s %s\n", "exit, quit, q", "- Leave the shell")
	fmt.Fprintf(s.out, "%-15s %s\n", "help, h, ?", "- Show help")
}
