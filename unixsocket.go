// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"

	"httpdns/daemon"
	"httpdns/service"
)

// endOfReply terminates the output of one command on the control socket.
const endOfReply = "\x04"

// controlSocket serves console sessions against a running service.
type controlSocket struct {
	listener net.Listener
	svc      *service.Service
	state    *daemon.State
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func listenControlSocket(ctx context.Context, path string, svc *service.Service, state *daemon.State) (*controlSocket, error) {
	if err := syscall.Unlink(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	cs := &controlSocket{listener: ln, svc: svc, state: state, logger: svc.Logger(), conns: make(map[net.Conn]struct{})}
	state.UpdateListener(func(l *daemon.ListenerSettings) {
		l.SocketPath = path
	})
	cs.logger.Info("control socket listening", "path", path)

	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		cs.acceptLoop(ctx)
	}()
	return cs, nil
}

func (cs *controlSocket) acceptLoop(ctx context.Context) {
	for {
		conn, err := cs.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			cs.logger.Warn("control socket accept", "error", err)
			continue
		}
		cs.mu.Lock()
		if cs.closed {
			cs.mu.Unlock()
			conn.Close()
			return
		}
		cs.conns[conn] = struct{}{}
		cs.wg.Add(1)
		cs.mu.Unlock()
		go func(c net.Conn) {
			defer cs.wg.Done()
			defer func() {
				cs.mu.Lock()
				delete(cs.conns, c)
				cs.mu.Unlock()
				c.Close()
			}()
			cs.serveSession(ctx, c)
		}(conn)
	}
}

// serveSession runs one console over conn. Each command's output is followed
// by an endOfReply line.
func (cs *controlSocket) serveSession(ctx context.Context, conn net.Conn) {
	sh := &shell{ctx: ctx, svc: cs.svc, state: cs.state, out: conn}
	defer sh.close()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		cs.logger.Debug("control socket command", "command", line)
		quit := sh.handleLine(line)
		if _, err := io.WriteString(conn, endOfReply+"\n"); err != nil || quit {
			return
		}
	}
}

// Close stops accepting, waits for open sessions and removes the socket file.
func (cs *controlSocket) Close() error {
	err := cs.listener.Close()
	cs.mu.Lock()
	cs.closed = true
	for c := range cs.conns {
		_ = c.Close()
	}
	cs.mu.Unlock()
	cs.wg.Wait()
	cs.state.UpdateListener(func(l *daemon.ListenerSettings) {
		l.SocketPath = ""
	})
	return err
}

// connectControlSocket attaches a readline console to a daemon's socket.
func connectControlSocket(path string) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", path, err)
	}
	defer conn.Close()
	fmt.Println("Connected to", path)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "(remote) > ",
		HistoryFile:     filepath.Join(os.TempDir(), "httpdns-remote.history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	replies := bufio.NewReader(conn)
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && line != "" {
				continue
			}
			line = "exit"
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := io.WriteString(conn, line+"\n"); err != nil {
			return err
		}
		if err := copyReply(os.Stdout, replies); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "exit", "quit", "q", "stop":
			return nil
		}
	}
}

// copyReply copies lines from r to w up to the next endOfReply line.
func copyReply(w io.Writer, r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if strings.TrimRight(line, "\n") == endOfReply {
			return nil
		}
		if line != "" {
			if _, werr := io.WriteString(w, line); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}
