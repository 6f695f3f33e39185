package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"httpdns/hostcache"
	"httpdns/hostrecord"
	"httpdns/regions"
	"httpdns/serverpool"
	"httpdns/transport"
)

// fakeServer answers resolution and schedule-center requests in process.
type fakeServer struct {
	mu     sync.Mutex
	calls  []*url.URL
	handle func(ctx context.Context, u *url.URL) (*transport.Response, error)
}

func (f *fakeServer) Send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, u)
	handle := f.handle
	f.mu.Unlock()
	return handle(ctx, u)
}

// resolves returns the resolution requests, skipping schedule-center calls.
func (f *fakeServer) resolves() []*url.URL {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*url.URL
	for _, u := range f.calls {
		if strings.HasSuffix(u.Path, "/d") || strings.HasSuffix(u.Path, "/sign_d") {
			out = append(out, u)
		}
	}
	return out
}

func reply(body string) (*transport.Response, error) {
	return &transport.Response{Status: 200, Body: []byte(body)}, nil
}

func answerWith(body string) func(context.Context, *url.URL) (*transport.Response, error) {
	return func(context.Context, *url.URL) (*transport.Response, error) {
		return reply(body)
	}
}

func testRegions() regions.Table {
	return regions.Table{
		"t": {
			ServiceV4: []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"},
			UpdateV4:  []string{"192.0.2.1"},
		},
	}
}

type fixture struct {
	r     *Resolver
	pool  *serverpool.Pool
	cache *hostcache.Cache
	srv   *fakeServer
}

func newFixture(t *testing.T, srv *fakeServer, mutate func(*Config)) fixture {
	t.Helper()
	pool, err := serverpool.New(serverpool.Config{
		AccountID: "100000",
		Region:    "t",
		Regions:   testRegions,
		Transport: srv,
		CoolDown:  30 * time.Second,
	})
	require.NoError(t, err)
	cache, err := hostcache.New(hostcache.Config{Capacity: 256})
	require.NoError(t, err)
	cfg := Config{
		AccountID:  "100000",
		Cache:      cache,
		Pool:       pool,
		Transport:  srv,
		Timeout:    time.Second,
		MaxRetries: 1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Wait(ctx)
	})
	return fixture{r: r, pool: pool, cache: cache, srv: srv}
}

func seed(c *hostcache.Cache, host string, v4 []string, ttl int64, age time.Duration, region string) {
	rec := hostrecord.New(host, host)
	rec.V4 = hostrecord.EntriesFromStrings(v4)
	rec.V4TTL = ttl
	rec.V4LastLookup = time.Now().Add(-age).Unix()
	rec.V4Region = region
	c.Put(rec, hostrecord.QueryV4)
}

func TestConcurrentResolveSyncSharesOneFetch(t *testing.T) {
	srv := &fakeServer{handle: func(context.Context, *url.URL) (*transport.Response, error) {
		time.Sleep(100 * time.Millisecond)
		return reply(`{"host":"example.com","ips":["1.2.3.4"],"ttl":60}`)
	}}
	f := newFixture(t, srv, nil)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []string{"1.2.3.4"}, results[i].IPs)
	}
	assert.Len(t, srv.resolves(), 1)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{"host":"example.com","ips":["1.1.1.1"],"ttl":0}`)}
	f := newFixture(t, srv, nil)

	res, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1"}, res.IPs)

	rec, ok := f.cache.Get("example.com")
	require.True(t, ok)
	assert.Equal(t, int64(0), rec.V4TTL)
	assert.False(t, rec.IsExpired(hostrecord.QueryV4, time.Now().Add(365*24*time.Hour)))

	_, err = f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.NoError(t, err)
	assert.Len(t, srv.resolves(), 1)
}

func TestFailoverToThirdEndpoint(t *testing.T) {
	srv := &fakeServer{handle: func(_ context.Context, u *url.URL) (*transport.Response, error) {
		switch u.Hostname() {
		case "10.0.0.1", "10.0.0.2":
			return nil, errors.New("connection refused")
		}
		return reply(`{"host":"example.com","ips":["1.2.3.4"],"ttl":60}`)
	}}
	f := newFixture(t, srv, func(c *Config) { c.MaxRetries = 3 })

	res, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4"}, res.IPs)

	var hosts []string
	for _, u := range srv.resolves() {
		hosts = append(hosts, u.Hostname())
	}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, hosts)

	st := f.pool.Status()
	assert.Equal(t, 2, st.ActiveV4)
	for i := 0; i < 2; i++ {
		assert.True(t, st.V4[i].Disabled)
		assert.False(t, st.V4[i].DisabledAt.IsZero())
	}
	assert.False(t, st.V4[2].Disabled)
}

func TestRetryCeilingSurfacesError(t *testing.T) {
	srv := &fakeServer{handle: func(context.Context, *url.URL) (*transport.Response, error) {
		return nil, &transport.HTTPStatusError{Status: 502}
	}}
	f := newFixture(t, srv, nil)

	_, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResolveFailed)
	assert.Len(t, srv.resolves(), 2, "one attempt plus one retry")
	_, ok := f.cache.Get("example.com")
	assert.False(t, ok, "failed fetch must not create a record")
}

func TestMalformedResponseFailsOver(t *testing.T) {
	srv := &fakeServer{handle: func(_ context.Context, u *url.URL) (*transport.Response, error) {
		if u.Hostname() == "10.0.0.1" {
			return reply(`<html>gateway</html>`)
		}
		return reply(`{"ips":["1.2.3.4"],"ttl":60}`)
	}}
	f := newFixture(t, srv, nil)

	res, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4"}, res.IPs)
	assert.True(t, f.pool.Status().V4[0].Disabled)
}

func TestReuseExpiredTriggersOneBackgroundRefresh(t *testing.T) {
	release := make(chan struct{})
	srv := &fakeServer{handle: func(context.Context, *url.URL) (*transport.Response, error) {
		<-release
		return reply(`{"ips":["1.2.3.4"],"ttl":60}`)
	}}
	f := newFixture(t, srv, func(c *Config) { c.ReuseExpiredIP = true })
	seed(f.cache, "example.com", []string{"9.9.9.9"}, 60, 2*time.Minute, "t")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.r.ResolveNonBlocking(Request{Host: "example.com", Query: hostrecord.QueryV4})
			if assert.NotNil(t, res) {
				assert.Equal(t, []string{"9.9.9.9"}, res.IPs)
				assert.True(t, res.Expired)
			}
		}()
	}
	wg.Wait()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.r.Wait(ctx))
	assert.Len(t, srv.resolves(), 1)

	res := f.r.ResolveNonBlocking(Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.NotNil(t, res)
	assert.Equal(t, []string{"1.2.3.4"}, res.IPs)
	assert.False(t, res.Expired)
}

func TestResolveNonBlockingMissStartsRefresh(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{"ips":["1.2.3.4"],"ttl":60}`)}
	f := newFixture(t, srv, nil)

	assert.Nil(t, f.r.ResolveNonBlocking(Request{Host: "example.com", Query: hostrecord.QueryV4}))
	require.Eventually(t, func() bool {
		res := f.r.ResolveNonBlocking(Request{Host: "example.com", Query: hostrecord.QueryV4})
		return res != nil && len(res.IPs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResolveSyncTimeout(t *testing.T) {
	srv := &fakeServer{handle: func(ctx context.Context, _ *url.URL) (*transport.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, srv, nil)

	start := time.Now()
	_, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4, Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	seed(f.cache, "stale.example.com", []string{"9.9.9.9"}, 60, 2*time.Minute, "t")
	res, err := f.r.ResolveSync(context.Background(), Request{Host: "stale.example.com", Query: hostrecord.QueryV4, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, []string{"9.9.9.9"}, res.IPs)
	assert.True(t, res.Expired)

	assert.False(t, f.pool.Status().V4[0].Disabled, "a caller timeout is not an endpoint failure")
}

func TestMergeKeepsOtherFamily(t *testing.T) {
	srv := &fakeServer{handle: func(_ context.Context, u *url.URL) (*transport.Response, error) {
		if q := u.Query().Get("query"); q != "4" {
			return nil, fmt.Errorf("unexpected query %q", q)
		}
		return reply(`{"ips":["1.2.3.4"],"ttl":60}`)
	}}
	f := newFixture(t, srv, nil)

	rec := hostrecord.New("example.com", "example.com")
	rec.V6 = hostrecord.EntriesFromStrings([]string{"2001:db8::1"})
	rec.V6TTL = 600
	rec.V6LastLookup = time.Now().Unix()
	rec.V6Region = "t"
	f.cache.Put(rec, hostrecord.QueryV6)

	_, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.NoError(t, err)

	got, ok := f.cache.Get("example.com")
	require.True(t, ok)
	assert.Equal(t, []string{"2001:db8::1"}, got.IPs(hostrecord.FamilyV6))
	assert.Equal(t, int64(600), got.V6TTL)
	assert.Equal(t, rec.V6LastLookup, got.V6LastLookup)

	res, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryBoth})
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4"}, res.IPs)
	assert.Equal(t, []string{"2001:db8::1"}, res.IPv6s)
	assert.Len(t, srv.resolves(), 1)
}

func TestAbsentFamilyIsMemoized(t *testing.T) {
	srv := &fakeServer{handle: func(_ context.Context, u *url.URL) (*transport.Response, error) {
		assert.Equal(t, "4,6", u.Query().Get("query"))
		return reply(`{"ips":["1.2.3.4"],"ipsv6":[],"ttl":60}`)
	}}
	f := newFixture(t, srv, nil)

	for i := 0; i < 2; i++ {
		res, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryBoth})
		require.NoError(t, err)
		assert.Equal(t, []string{"1.2.3.4"}, res.IPs)
		assert.Empty(t, res.IPv6s)
	}
	assert.Len(t, srv.resolves(), 1)
	rec, _ := f.cache.Get("example.com")
	assert.True(t, rec.NoV6Record)
}

func TestRecordFromOtherRegionIsAMiss(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{"ips":["1.2.3.4"],"ttl":60}`)}
	f := newFixture(t, srv, func(c *Config) { c.ReuseExpiredIP = true })
	seed(f.cache, "example.com", []string{"9.9.9.9"}, 600, 0, "elsewhere")

	res, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4"}, res.IPs)
	assert.Len(t, srv.resolves(), 1)
}

func TestSignedRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	srv := &fakeServer{handle: answerWith(`{"ips":["1.2.3.4"],"ttl":60}`)}
	f := newFixture(t, srv, func(c *Config) {
		c.SecretKey = "secret"
		c.Now = func() time.Time { return now }
	})

	_, err := f.r.ResolveSync(context.Background(), Request{Host: "Example.COM.", Query: hostrecord.QueryV4})
	require.NoError(t, err)
	calls := srv.resolves()
	require.Len(t, calls, 1)
	u := calls[0]
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "/100000/sign_d", u.Path)
	assert.Equal(t, "example.com", u.Query().Get("host"))
	assert.Equal(t, "1700000600", u.Query().Get("t"))
	assert.Equal(t, "feeffd71995ad9e4b2fc78930510bcce", u.Query().Get("s"))
}

func TestUnsignedRequestPath(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{"ips":["1.2.3.4"],"ttl":60}`)}
	f := newFixture(t, srv, nil)
	_, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV6})
	require.NoError(t, err)
	u := srv.resolves()[0]
	assert.Equal(t, "/100000/d", u.Path)
	assert.Equal(t, "6", u.Query().Get("query"))
	assert.Empty(t, u.Query().Get("s"))
}

func TestCustomParamsUseTheirOwnCacheKey(t *testing.T) {
	srv := &fakeServer{handle: func(_ context.Context, u *url.URL) (*transport.Response, error) {
		q := u.Query()
		if q.Get("sdns-app") != "shop" {
			return nil, errors.New("missing global param")
		}
		return reply(fmt.Sprintf(`{"ips":["1.2.3.4"],"ttl":60,"extra":{"zone":%q}}`, q.Get("sdns-zone")))
	}}
	f := newFixture(t, srv, func(c *Config) { c.SDNSGlobal = map[string]string{"app": "shop"} })

	res, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4, SDNSParams: map[string]string{"zone": "eu"}})
	require.NoError(t, err)
	assert.Equal(t, "example.com|sdns:zone=eu", res.CacheKey)
	assert.Equal(t, "eu", res.Extra["zone"])

	res, err = f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4, SDNSParams: map[string]string{"zone": "us"}})
	require.NoError(t, err)
	assert.Equal(t, "us", res.Extra["zone"])
	assert.Len(t, srv.resolves(), 2)
}

type fakeFallback struct {
	v4 []string
}

func (f fakeFallback) Lookup(context.Context, string, hostrecord.QueryType) ([]string, []string, error) {
	return f.v4, nil, nil
}

func TestDegradeToFallback(t *testing.T) {
	srv := &fakeServer{handle: func(context.Context, *url.URL) (*transport.Response, error) {
		return nil, errors.New("unreachable")
	}}
	f := newFixture(t, srv, func(c *Config) { c.Fallback = fakeFallback{v4: []string{"5.5.5.5"}} })

	res, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"5.5.5.5"}, res.IPs)
	_, cached := f.cache.Get("example.com")
	assert.False(t, cached, "local answers are not cached")
}

func TestServiceDisabledBySchedule(t *testing.T) {
	srv := &fakeServer{handle: func(_ context.Context, u *url.URL) (*transport.Response, error) {
		if strings.HasPrefix(u.Path, "/sc/") {
			return reply(`{"service":"disable"}`)
		}
		return reply(`{"ips":["1.2.3.4"],"ttl":60}`)
	}}
	f := newFixture(t, srv, nil)
	require.NoError(t, f.pool.RefreshIfNeeded(context.Background()))

	_, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
	assert.ErrorIs(t, err, ErrServiceDisabled)
	assert.Empty(t, srv.resolves())
}

func TestNoResolversIsDistinct(t *testing.T) {
	srv := &fakeServer{handle: func(context.Context, *url.URL) (*transport.Response, error) {
		return nil, errors.New("unreachable")
	}}
	f := newFixture(t, srv, func(c *Config) { c.MaxRetries = 10 })

	_, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResolvers)
	assert.ErrorIs(t, err, serverpool.ErrNoResolvers)
	assert.NotErrorIs(t, err, ErrResolveFailed)
	assert.Len(t, srv.resolves(), 4)
}

func TestTTLOverride(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{"ips":["1.2.3.4"],"ttl":60}`)}
	f := newFixture(t, srv, func(c *Config) {
		c.TTLOverride = func(host string, _ hostrecord.Family, ttl int64) int64 {
			if host == "example.com" {
				return ttl * 10
			}
			return ttl
		}
	})
	res, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.NoError(t, err)
	assert.Equal(t, int64(600), res.V4TTL)
}

type instantProber struct {
	rt map[string]int
}

func (p instantProber) Schedule(key, ip string, _ int, cb func(string, string, int)) {
	cb(key, ip, p.rt[ip])
}

func TestProbeResultsReorderAddresses(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{"ips":["1.1.1.1","2.2.2.2"],"ttl":60}`)}
	f := newFixture(t, srv, func(c *Config) {
		c.ProbePorts = map[string]int{"example.com": 443}
		c.Prober = instantProber{rt: map[string]int{"1.1.1.1": 80, "2.2.2.2": 12}}
	})
	_, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.NoError(t, err)

	res := f.r.ResolveNonBlocking(Request{Host: "example.com", Query: hostrecord.QueryV4})
	require.NotNil(t, res)
	assert.Equal(t, []string{"2.2.2.2", "1.1.1.1"}, res.IPs)
}

func TestPreResolve(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{"ips":["1.2.3.4"],"ttl":60}`)}
	f := newFixture(t, srv, nil)

	err := f.r.PreResolve(context.Background(), []string{"a.example.com", "b.example.com", "a.example.com", "bad host!"}, hostrecord.QueryV4)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidHost)
	assert.Len(t, srv.resolves(), 2)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, f.cache.Keys())
}

func TestPreResolveBatchLimit(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{"ips":["1.2.3.4"],"ttl":60}`)}
	f := newFixture(t, srv, nil)

	hosts := make([]string, 0, 150)
	for i := 0; i < 150; i++ {
		hosts = append(hosts, fmt.Sprintf("h%d.example.com", i))
	}
	require.NoError(t, f.r.PreResolve(context.Background(), hosts, hostrecord.QueryV4))
	assert.Len(t, srv.resolves(), MaxPreResolveHosts)
}

func TestClearCache(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{"ips":["1.2.3.4"],"ttl":60}`)}
	f := newFixture(t, srv, nil)
	seed(f.cache, "example.com", []string{"1.1.1.1"}, 60, 0, "t")
	seed(f.cache, "other.com", []string{"1.1.1.1"}, 60, 0, "t")
	custom := hostrecord.New("example.com", "example.com|sdns:zone=eu")
	custom.V4 = hostrecord.EntriesFromStrings([]string{"3.3.3.3"})
	f.cache.Put(custom, hostrecord.QueryV4)

	f.r.ClearCache("Example.com")
	assert.Equal(t, []string{"other.com"}, f.cache.Keys())

	f.r.ClearCache()
	assert.Zero(t, f.cache.Len())
}

func TestRefreshAll(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{"ips":["1.2.3.4"],"ttl":60}`)}
	f := newFixture(t, srv, nil)
	seed(f.cache, "example.com", []string{"9.9.9.9"}, 60, 0, "t")
	seed(f.cache, "other.com", []string{"9.9.9.9"}, 60, 0, "t")

	require.NoError(t, f.r.RefreshAll(context.Background()))
	assert.Len(t, srv.resolves(), 2)
	rec, _ := f.cache.Get("other.com")
	assert.Equal(t, []string{"1.2.3.4"}, rec.IPs(hostrecord.FamilyV4))
}

func TestInvalidHost(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{}`)}
	f := newFixture(t, srv, nil)
	_, err := f.r.ResolveSync(context.Background(), Request{Host: ""})
	assert.ErrorIs(t, err, ErrInvalidHost)
	assert.Nil(t, f.r.ResolveNonBlocking(Request{Host: "bad host!"}))
}

func TestAutoQueryFollowsStack(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{"ips":["1.2.3.4"],"ipsv6":["2001:db8::2"],"ttl":60}`)}
	f := newFixture(t, srv, func(c *Config) {
		c.IPv6Enabled = true
		c.Stack = func() hostrecord.QueryType { return hostrecord.QueryBoth }
	})
	res, err := f.r.ResolveSync(context.Background(), Request{Host: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2001:db8::2"}, res.IPv6s)
	assert.Equal(t, "4,6", srv.resolves()[0].Query().Get("query"))
}

func TestResolveAsync(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{"ips":["1.2.3.4"],"ttl":60}`)}
	f := newFixture(t, srv, nil)
	done := make(chan *Result, 1)
	f.r.ResolveAsync(Request{Host: "example.com", Query: hostrecord.QueryV4}, func(res *Result, err error) {
		assert.NoError(t, err)
		done <- res
	})
	select {
	case res := <-done:
		assert.Equal(t, []string{"1.2.3.4"}, res.IPs)
	case <-time.After(3 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestParseAnswer(t *testing.T) {
	ans, err := parseAnswer([]byte(`{"host":"a.com","ips":["1.2.3.4","::1","bogus"],"ipsv6":["2001:db8::1"],"client_ip":"8.8.8.8","extra":"blob"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4"}, ans.v4)
	assert.Equal(t, []string{"2001:db8::1"}, ans.v6)
	assert.Equal(t, int64(defaultTTL), ans.ttl)
	assert.Equal(t, "8.8.8.8", ans.clientIP)
	assert.Equal(t, "blob", ans.extra["extra"])

	ans, err = parseAnswer([]byte(`{"ips":["1.2.3.4"],"ttl":0}`))
	require.NoError(t, err)
	assert.Equal(t, int64(0), ans.ttl)

	_, err = parseAnswer([]byte(`{"code":"InvalidAccount"}`))
	assert.ErrorIs(t, err, ErrMalformedResponse)
	_, err = parseAnswer([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestAddressLiteralIsReturnedAsIs(t *testing.T) {
	srv := &fakeServer{handle: answerWith(`{}`)}
	f := newFixture(t, srv, nil)
	res, err := f.r.ResolveSync(context.Background(), Request{Host: "192.0.2.7"})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.7"}, res.IPs)
	res = f.r.ResolveNonBlocking(Request{Host: "2001:db8::7"})
	require.NotNil(t, res)
	assert.Equal(t, []string{"2001:db8::7"}, res.IPv6s)
	assert.Empty(t, srv.resolves())
}
