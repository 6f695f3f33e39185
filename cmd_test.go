package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"httpdns/config"
	"httpdns/daemon"
	"httpdns/logger"
	"httpdns/netinfo"
	"httpdns/resolver"
	"httpdns/service"
	"httpdns/transport"
)

type stubTransport struct{}

func (stubTransport) Send(_ context.Context, req *transport.Request) (*transport.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasPrefix(u.Path, "/sc/"):
		return &transport.Response{Status: 200, Body: []byte(`{"service":"enable","service_ip":["10.9.0.1"]}`)}, nil
	case strings.HasSuffix(u.Path, "/d"):
		host := u.Query().Get("host")
		body := fmt.Sprintf(`{"host":%q,"ips":["192.0.2.44"],"ttl":90}`, host)
		if r := u.Query().Get("sdns-region"); r != "" {
			body = fmt.Sprintf(`{"host":%q,"ips":["192.0.2.45"],"ttl":90,"extra":{"region":%q}}`, host, r)
		}
		return &transport.Response{Status: 200, Body: []byte(body)}, nil
	}
	return nil, errors.New("unexpected " + u.Path)
}

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	var cfg config.Config
	cfg.AccountID = "100000"
	cfg.FileLocations.Database = filepath.Join(dir, "httpdns.db")
	cfg.Log.Severity = logger.SeverityNone
	cfg.Normalize(dir)

	svc, err := service.New(context.Background(), service.Options{
		Config:    cfg,
		Logger:    logger.Discard(),
		Transport: stubTransport{},
		Detector: netinfo.New(netinfo.Config{
			Dial:  func(string, string) (net.Conn, error) { return nil, errors.New("offline") },
			Addrs: func() ([]net.Addr, error) { return nil, nil },
		}),
	})
	require.NoError(t, err)
	out := &bytes.Buffer{}
	sh := newShell(context.Background(), svc, daemon.NewState(), out)
	t.Cleanup(sh.close)
	return sh, out
}

func TestParseSDNS(t *testing.T) {
	got, err := parseSDNS([]string{"region=north", "sdns-tier= gold "})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"region": "north", "tier": "gold"}, got)

	got, err = parseSDNS(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseSDNS([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseSDNS([]string{"=x"})
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Config{AccountID: "1", Region: "cn"}
	applyOverrides(&cfg, globalFlags{accountID: " 42 ", region: "SG"})
	assert.Equal(t, "42", cfg.AccountID)
	assert.Equal(t, "sg", cfg.Region)
	assert.Empty(t, cfg.SecretKey)
}

func TestFormatResult(t *testing.T) {
	res := &resolver.Result{Host: "www.example.com", IPs: []string{"192.0.2.1"}, V4TTL: 60, Expired: true}
	line := formatResult(res, 200)
	assert.Contains(t, line, "A 192.0.2.1 (ttl 60)")
	assert.Contains(t, line, "[expired]")

	assert.Contains(t, formatResult(&resolver.Result{Host: "x.example.com"}, 200), "no addresses")
	assert.Len(t, formatResult(res, 20), 20)
}

func TestShellResolveAndCache(t *testing.T) {
	sh, out := newTestShell(t)

	assert.False(t, sh.handleLine("resolve www.example.com 4"))
	assert.Contains(t, out.String(), "192.0.2.44")

	out.Reset()
	sh.handleLine("resolve www.example.com 4 sdns-region=north")
	assert.Contains(t, out.String(), "192.0.2.45")

	out.Reset()
	sh.handleLine("cache list")
	assert.Contains(t, out.String(), "2 entries")

	out.Reset()
	sh.handleLine("cache")
	assert.Equal(t, "cache", sh.context)
	sh.handleLine("clear www.example.com")
	assert.Contains(t, out.String(), "removed 2 cache entries")
	sh.handleLine("/")
	assert.Equal(t, "", sh.context)
}

func TestShellServersAndStats(t *testing.T) {
	sh, out := newTestShell(t)

	sh.handleLine("servers region")
	assert.Contains(t, out.String(), "region: cn")

	out.Reset()
	sh.handleLine("servers region hk")
	assert.Contains(t, out.String(), "region: hk")

	out.Reset()
	sh.handleLine("servers list")
	assert.Contains(t, out.String(), "10.9.0.1")

	out.Reset()
	sh.handleLine("stats")
	assert.Contains(t, out.String(), "session")
	assert.Contains(t, out.String(), "cache_entries")
}

func TestShellUnknownAndExit(t *testing.T) {
	sh, out := newTestShell(t)
	assert.False(t, sh.handleLine("frobnicate"))
	assert.Contains(t, out.String(), "Unknown command: frobnicate")
	assert.False(t, sh.handleLine("   "))
	assert.True(t, sh.handleLine("exit"))
}

func TestShellScript(t *testing.T) {
	sh, out := newTestShell(t)
	script := "resolve a.example.com\nprefetch b.example.com c.example.com\nquit\nresolve never.example.com\n"
	require.NoError(t, sh.runScript(strings.NewReader(script)))
	assert.Contains(t, out.String(), "cache holds 3 entries")
	assert.NotContains(t, out.String(), "never.example.com")
}

func TestControlSocketSession(t *testing.T) {
	sh, _ := newTestShell(t)
	state := daemon.NewState()
	path := filepath.Join(t.TempDir(), "ctl.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cs, err := listenControlSocket(ctx, path, sh.svc, state)
	require.NoError(t, err)
	defer cs.Close()
	assert.Equal(t, path, state.ListenerSnapshot().SocketPath)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	replies := bufio.NewReader(conn)

	var out bytes.Buffer
	_, err = conn.Write([]byte("resolve www.example.com 4\n"))
	require.NoError(t, err)
	require.NoError(t, copyReply(&out, replies))
	assert.Contains(t, out.String(), "192.0.2.44")

	out.Reset()
	_, err = conn.Write([]byte("cache list\n"))
	require.NoError(t, err)
	require.NoError(t, copyReply(&out, replies))
	assert.Contains(t, out.String(), "1 entries")

	out.Reset()
	_, err = conn.Write([]byte("exit\n"))
	require.NoError(t, err)
	require.NoError(t, copyReply(&out, replies))
	assert.Contains(t, out.String(), "Shutting down.")

	// the session ending must not close the shared service
	res, err := sh.svc.Resolver().ResolveSync(context.Background(), resolver.Request{Host: "www.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.44"}, res.IPs)
}

func TestCopyReplyStopsAtMarker(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("one\ntwo\n" + endOfReply + "\nthree\n"))
	var out bytes.Buffer
	require.NoError(t, copyReply(&out, r))
	assert.Equal(t, "one\ntwo\n", out.String())
}

func TestShellStopOutsideDaemon(t *testing.T) {
	sh, out := newTestShell(t)
	assert.False(t, sh.handleLine("stop"))
	assert.Contains(t, out.String(), "Not attached to a daemon")
	assert.False(t, sh.state.Stopping())

	out.Reset()
	sh.handleLine("status")
	assert.Contains(t, out.String(), "console")
	assert.Contains(t, out.String(), "stopped")
}

func TestControlSocketStopsDaemon(t *testing.T) {
	sh, _ := newTestShell(t)
	state := daemon.NewState()
	state.SetDaemonMode(true)
	state.UpdateListener(func(l *daemon.ListenerSettings) { l.ConfigPath = "/etc/httpdns/httpdns.json" })
	path := filepath.Join(t.TempDir(), "ctl.sock")

	cs, err := listenControlSocket(context.Background(), path, sh.svc, state)
	require.NoError(t, err)
	defer cs.Close()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	replies := bufio.NewReader(conn)

	var out bytes.Buffer
	_, err = conn.Write([]byte("status\n"))
	require.NoError(t, err)
	require.NoError(t, copyReply(&out, replies))
	assert.Contains(t, out.String(), "daemon")
	assert.Contains(t, out.String(), "/etc/httpdns/httpdns.json")
	assert.Contains(t, out.String(), path)

	out.Reset()
	_, err = conn.Write([]byte("stop\n"))
	require.NoError(t, err)
	require.NoError(t, copyReply(&out, replies))
	assert.Contains(t, out.String(), "Daemon stopping.")

	select {
	case <-state.StopChannel():
	case <-time.After(2 * time.Second):
		t.Fatal("stop command did not signal the daemon")
	}
}
