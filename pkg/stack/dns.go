package stack

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Resolver looks up the registrar host. With a NameServer it asks that
// server for A records directly, otherwise the system resolver is used.
type Resolver struct {
	// NameServer is host or host:port of the DNS server, port 53 by default.
	NameServer string
	// Timeout of one query, 5 seconds when zero.
	Timeout time.Duration
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() string {
	if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
		return net.JoinHostPort(r.NameServer, "53")
	}
	return r.NameServer
}

// LookupIPv4 resolves host to its IPv4 addresses. IP literals are returned
// as is.
func (r *Resolver) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if r == nil || r.NameServer == "" {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
		if err != nil {
			return nil, errors.Wrapf(err, "lookup %s", host)
		}
		return ips, nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	client := &dns.Client{Net: "udp", Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, r.nameserver())
	if err != nil {
		return nil, errors.Wrapf(err, "lookup %s at %s", host, r.NameServer)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			Server:     r.NameServer,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		}
	}
	var ips []net.IP
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no A records", Name: host, Server: r.NameServer, IsNotFound: true}
	}
	return ips, nil
}

// ResolveUDPAddr resolves host:port to the first IPv4 address of host.
func (r *Resolver) ResolveUDPAddr(ctx context.Context, host string, port int) (*net.UDPAddr, error) {
	ips, err := r.LookupIPv4(ctx, host)
	if err != nil {
		return nil, err
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(ips[0].String(), strconv.Itoa(port)))
}
