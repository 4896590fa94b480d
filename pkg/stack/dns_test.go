package stack

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func startDNS(t *testing.T, records map[string]string) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		ip, ok := records[q.Name]
		if !ok {
			m.Rcode = dns.RcodeNameError
		} else if q.Qtype == dns.TypeA {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip).To4(),
			})
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ActivateAndServe()
	}()
	<-started
	t.Cleanup(func() {
		_ = srv.Shutdown()
		<-done
	})
	return pc.LocalAddr().String()
}

func TestResolverNameServer(t *testing.T) {
	ns := startDNS(t, map[string]string{"sip.example.com.": "10.0.0.7"})
	r := &Resolver{NameServer: ns, Timeout: time.Second}

	addr, err := r.ResolveUDPAddr(context.Background(), "sip.example.com", 5060)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.7:5060", addr.String())

	_, err = r.LookupIPv4(context.Background(), "missing.example.com")
	var dnsErr *net.DNSError
	require.ErrorAs(t, err, &dnsErr)
	require.True(t, dnsErr.IsNotFound)
}

func TestResolverLiteral(t *testing.T) {
	r := &Resolver{NameServer: "127.0.0.1:1"}
	ips, err := r.LookupIPv4(context.Background(), "192.168.1.10")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	require.Equal(t, "192.168.1.10", ips[0].String())
}

func TestResolverNameServerPort(t *testing.T) {
	require.Equal(t, "10.0.0.1:53", (&Resolver{NameServer: "10.0.0.1"}).nameserver())
	require.Equal(t, "10.0.0.1:5353", (&Resolver{NameServer: "10.0.0.1:5353"}).nameserver())
}
