// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"httpdns/api"
	"httpdns/daemon"
	"httpdns/logger"
	"httpdns/service"
)

const shutdownGrace = 5 * time.Second

var (
	serveAPIListen string
	serveNoAPI     bool
	serveSocket    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the resolver as a daemon with the REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		state := daemon.NewState()
		state.SetDaemonMode(true)
		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, state, daemonOptions{listen: serveAPIListen, noAPI: serveNoAPI, socket: serveSocket})
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAPIListen, "api-listen", "", "REST API listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "do not start the REST API")
	serveCmd.Flags().StringVar(&serveSocket, "socket", "", "unix socket for remote consoles (default from config)")
}

type daemonOptions struct {
	listen string
	noAPI  bool
	socket string
}

// runDaemon starts the service and the API and blocks until ctx ends or the
// state is told to stop.
func runDaemon(ctx context.Context, state *daemon.State, opts daemonOptions) error {
	loaded, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := loaded.Config
	svc, err := service.New(ctx, service.Options{Config: cfg, Logger: commandLogger()})
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		_ = svc.Close()
		return err
	}
	state.SetServiceStatus(true)
	state.UpdateListener(func(l *daemon.ListenerSettings) {
		l.ConfigPath = loaded.Path
	})

	listen := opts.listen
	var srv *api.Server
	if !opts.noAPI && (cfg.APIEnabled || listen != "") {
		if listen == "" {
			listen = cfg.APIListen
		}
		srv = api.New(svc, state, logger.NewServiceLogger(logger.APIServerLog, cfg.Log.Dir, cfg.Log))
		if err := srv.Start(listen); err != nil {
			state.SetServiceStatus(false)
			_ = svc.Close()
			return fmt.Errorf("start api: %w", err)
		}
		fmt.Fprintf(os.Stderr, "httpdns %s serving, API on %s\n", appversion, srv.Addr())
	} else {
		fmt.Fprintf(os.Stderr, "httpdns %s serving\n", appversion)
	}

	socket := opts.socket
	if socket == "" {
		socket = cfg.ControlSocket
	}
	var ctl *controlSocket
	if socket != "" {
		ctl, err = listenControlSocket(ctx, socket, svc, state)
		if err != nil {
			svc.Logger().Warn("control socket disabled", "error", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-state.StopChannel():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			svc.Logger().Warn("api shutdown", "error", err)
		}
	}
	if ctl != nil {
		_ = ctl.Close()
	}
	state.SetServiceStatus(false)
	return svc.Close()
}
