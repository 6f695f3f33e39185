package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"httpdns/config"
	"httpdns/hostrecord"
	"httpdns/logger"
	"httpdns/netinfo"
	"httpdns/resolver"
	"httpdns/serverpool"
	"httpdns/transport"
)

const (
	testWait = 2 * time.Second
	testTick = 10 * time.Millisecond
)

// fakeTransport answers schedule-center and resolve requests by path.
type fakeTransport struct {
	mu       sync.Mutex
	paths    []string
	resets   int
	resolved map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{resolved: make(map[string]int)}
}

func (f *fakeTransport) Send(_ context.Context, req *transport.Request) (*transport.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, u.Path)
	switch {
	case strings.HasPrefix(u.Path, "/sc/"):
		return &transport.Response{Status: 200, Body: []byte(`{"service":"enable","service_ip":["10.9.0.1","10.9.0.2"]}`)}, nil
	case strings.HasSuffix(u.Path, "/d"):
		host := u.Query().Get("host")
		f.resolved[host]++
		return &transport.Response{Status: 200, Body: []byte(fmt.Sprintf(`{"host":%q,"ips":["192.0.2.10"],"ttl":300}`, host))}, nil
	}
	return nil, errors.New("unexpected request " + u.Path)
}

func (f *fakeTransport) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeTransport) count(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved[host]
}

func (f *fakeTransport) scheduleCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.paths {
		if strings.HasPrefix(p, "/sc/") {
			n++
		}
	}
	return n
}

func offlineDetector() *netinfo.Detector {
	return netinfo.New(netinfo.Config{
		Dial: func(string, string) (net.Conn, error) { return nil, errors.New("offline") },
		Addrs: func() ([]net.Addr, error) {
			return nil, nil
		},
	})
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	var cfg config.Config
	cfg.AccountID = "100000"
	cfg.Region = "cn"
	cfg.PersistentCache = true
	cfg.FileLocations.Database = filepath.Join(dir, "httpdns.db")
	cfg.Log.Severity = logger.SeverityNone
	cfg.Normalize(dir)
	return cfg
}

func newService(t *testing.T, cfg config.Config, tr *fakeTransport) *Service {
	t.Helper()
	s, err := New(context.Background(), Options{
		Config:    cfg,
		Logger:    logger.Discard(),
		Transport: tr,
		Detector:  offlineDetector(),
	})
	require.NoError(t, err)
	return s
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.AccountID = ""
	_, err := New(context.Background(), Options{Config: cfg, Logger: logger.Discard(), Transport: newFakeTransport()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account_id")
}

func TestSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, b)
	for _, c := range a {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'), "unexpected char %q", c)
	}
}

func TestResolveAndPersistAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	tr := newFakeTransport()

	s := newService(t, cfg, tr)
	res, err := s.Resolver().ResolveSync(context.Background(), resolver.Request{Host: "www.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.10"}, res.IPs)
	assert.False(t, res.FromStore)
	require.NoError(t, s.Close())

	s2 := newService(t, cfg, tr)
	defer s2.Close()
	assert.Equal(t, 1, s2.Cache().Len())
	res, err = s2.Resolver().ResolveSync(context.Background(), resolver.Request{Host: "www.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.10"}, res.IPs)
	assert.True(t, res.FromStore)
	assert.Equal(t, 1, tr.count("www.example.com"), "second run must answer from the warmed cache")
}

func TestMemoryOnlyCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.PersistentCache = false
	tr := newFakeTransport()
	s := newService(t, cfg, tr)
	_, err := s.Resolver().ResolveSync(context.Background(), resolver.Request{Host: "a.example.com"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := newService(t, cfg, tr)
	defer s2.Close()
	assert.Equal(t, 0, s2.Cache().Len())
}

func TestTTLOverrideFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTLOverrides = map[string]int64{"WWW.Example.com": 5}
	s := newService(t, cfg, newFakeTransport())
	defer s.Close()

	res, err := s.Resolver().ResolveSync(context.Background(), resolver.Request{Host: "www.example.com", Query: hostrecord.QueryV4})
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.V4TTL)

	res, err = s.Resolver().ResolveSync(context.Background(), resolver.Request{Host: "other.example.com", Query: hostrecord.QueryV4})
	require.NoError(t, err)
	assert.EqualValues(t, 300, res.V4TTL)
}

func TestStartRefreshesAndPreResolves(t *testing.T) {
	cfg := testConfig(t)
	cfg.PreResolveHosts = []string{"pre1.example.com", "pre2.example.com"}
	tr := newFakeTransport()
	s := newService(t, cfg, tr)
	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second Start is a no-op")

	require.Eventually(t, func() bool {
		return tr.count("pre1.example.com") == 1 && tr.count("pre2.example.com") == 1
	}, testWait, testTick)
	require.Eventually(t, func() bool { return tr.scheduleCalls() >= 1 }, testWait, testTick)
	require.NoError(t, s.Close())

	st := s.Pool().Status()
	require.Len(t, st.V4, 2)
	assert.Equal(t, "10.9.0.1", st.V4[0].IP)
	assert.ErrorIs(t, s.Start(), ErrClosed)
}

func TestNetworkChangeReResolves(t *testing.T) {
	cfg := testConfig(t)
	cfg.PreResolveAfterNetworkChange = true
	tr := newFakeTransport()
	s := newService(t, cfg, tr)
	defer s.Close()

	_, err := s.Resolver().ResolveSync(context.Background(), resolver.Request{Host: "www.example.com"})
	require.NoError(t, err)

	s.onNetworkChange(netinfo.Change{Previous: hostrecord.QueryV4, Current: hostrecord.QueryBoth})
	assert.Equal(t, 2, tr.count("www.example.com"))
	assert.Equal(t, 1, tr.resets)
	assert.EqualValues(t, 1, s.Telemetry().Counts()["network_changes"])
}

func TestNetworkChangeWithoutReResolve(t *testing.T) {
	cfg := testConfig(t)
	tr := newFakeTransport()
	s := newService(t, cfg, tr)
	defer s.Close()

	_, err := s.Resolver().ResolveSync(context.Background(), resolver.Request{Host: "www.example.com"})
	require.NoError(t, err)
	s.onNetworkChange(netinfo.Change{Previous: hostrecord.QueryV4, Current: hostrecord.QueryV6})
	assert.Equal(t, 1, tr.count("www.example.com"))
}

func TestRepeatedNetworkChangeRefreshIsThrottled(t *testing.T) {
	cfg := testConfig(t)
	tr := newFakeTransport()
	s := newService(t, cfg, tr)
	defer s.Close()

	before := tr.scheduleCalls()
	s.onNetworkChange(netinfo.Change{Previous: hostrecord.QueryV4, Current: hostrecord.QueryBoth})
	first := tr.scheduleCalls()
	assert.Equal(t, before+1, first)

	s.onNetworkChange(netinfo.Change{Previous: hostrecord.QueryBoth, Current: hostrecord.QueryV4})
	assert.Equal(t, first, tr.scheduleCalls())
	assert.Equal(t, 2, tr.resets)
	assert.EqualValues(t, 2, s.Telemetry().Counts()["network_changes"])
}

func TestSetRegion(t *testing.T) {
	cfg := testConfig(t)
	s := newService(t, cfg, newFakeTransport())
	defer s.Close()

	require.NoError(t, s.SetRegion(context.Background(), "sg"))
	assert.Equal(t, "sg", s.Pool().Region())

	err := s.SetRegion(context.Background(), "mars")
	assert.ErrorIs(t, err, serverpool.ErrUnknownRegion)
	assert.Equal(t, "sg", s.Pool().Region())
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newService(t, testConfig(t), newFakeTransport())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.SetRegion(context.Background(), "hk"), ErrClosed)
}
