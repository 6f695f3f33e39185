package localdns

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"

	"httpdns/hostrecord"
)

func startServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() {
		_ = server.ActivateAndServe()
	}()
	<-started
	t.Cleanup(func() {
		_ = server.Shutdown()
	})
	return pc.LocalAddr().String()
}

func answering(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	q := r.Question[0]
	hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: 60}
	switch q.Qtype {
	case dns.TypeA:
		m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: net.ParseIP("192.0.2.10")})
	case dns.TypeAAAA:
		m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP("2001:db8::10")})
	}
	_ = w.WriteMsg(m)
}

func TestLookupBothFamilies(t *testing.T) {
	addr := startServer(t, answering)
	c, err := New(Config{Server: addr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v4, v6, err := c.Lookup(context.Background(), "example.com", hostrecord.QueryBoth)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(v4) != 1 || v4[0] != "192.0.2.10" {
		t.Errorf("v4 = %v", v4)
	}
	if len(v6) != 1 || v6[0] != "2001:db8::10" {
		t.Errorf("v6 = %v", v6)
	}
}

func TestLookupNoAddresses(t *testing.T) {
	addr := startServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeNameError)
		_ = w.WriteMsg(m)
	})
	c, err := New(Config{Server: addr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := c.Lookup(context.Background(), "missing.example.com", hostrecord.QueryV4); err == nil {
		t.Fatal("expected error for empty answer")
	}
}

func TestServersFromResolvConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(path, []byte("nameserver 192.0.2.53\nnameserver 2001:db8::53\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(Config{ResolvConf: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := c.Servers()
	want := []string{"192.0.2.53:53", "[2001:db8::53]:53"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Servers() = %v, want %v", got, want)
	}
}

func TestServerWithoutPort(t *testing.T) {
	c, err := New(Config{Server: "192.0.2.1"})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Servers(); got[0] != "192.0.2.1:53" {
		t.Errorf("Servers() = %v", got)
	}
}
