// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package daemon holds the runtime state shared by the daemon's surfaces:
// the signal handler, the REST API and the control socket.
package daemon

import (
	"sync"

	"github.com/tevino/abool"
)

// ListenerSettings describes where the running daemon can be reached.
type ListenerSettings struct {
	ConfigPath string
	APIListen  string
	APIEnabled bool
	SocketPath string
}

// State is safe for concurrent use.
type State struct {
	stopOnce sync.Once
	stopCh   chan struct{}

	serviceUp  *abool.AtomicBool
	daemonMode *abool.AtomicBool
	apiRunning *abool.AtomicBool

	listenerMu sync.RWMutex
	listener   ListenerSettings
}

func NewState() *State {
	return &State{
		stopCh:     make(chan struct{}),
		serviceUp:  abool.New(),
		daemonMode: abool.New(),
		apiRunning: abool.New(),
	}
}

// SignalStop asks the daemon to shut down. It reports false when a stop was
// already requested.
func (s *State) SignalStop() bool {
	first := false
	s.stopOnce.Do(func() {
		close(s.stopCh)
		first = true
	})
	return first
}

// StopChannel is closed by the first SignalStop.
func (s *State) StopChannel() <-chan struct{} {
	return s.stopCh
}

// Stopping reports whether SignalStop has been called.
func (s *State) Stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *State) SetServiceStatus(up bool) { s.serviceUp.SetTo(up) }

// ServiceStatus reports whether the resolution service is running.
func (s *State) ServiceStatus() bool { return s.serviceUp.IsSet() }

// SetDaemonMode marks the process as a daemon; consoles attached to it may
// then stop it.
func (s *State) SetDaemonMode(enabled bool) { s.daemonMode.SetTo(enabled) }

func (s *State) DaemonMode() bool { return s.daemonMode.IsSet() }

// UpdateListener applies update to the listener settings under the lock.
func (s *State) UpdateListener(update func(*ListenerSettings)) {
	s.listenerMu.Lock()
	update(&s.listener)
	s.listenerMu.Unlock()
}

// ListenerSnapshot returns a copy of the listener settings.
func (s *State) ListenerSnapshot() ListenerSettings {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	return s.listener
}

func (s *State) SetAPIRunning(running bool) { s.apiRunning.SetTo(running) }

// APIRunning reports whether the API server is serving.
func (s *State) APIRunning() bool { return s.apiRunning.IsSet() }
