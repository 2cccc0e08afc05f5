// Package resolve provides the shared DNS resolution helper used by the
// whitelist (§4.B) and attack grammar (§4.F) components: both need to turn
// a hostname into a set of addresses, trying A before AAAA, and both must
// drop (not fail) on resolution failure.
package resolve

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/go-sshguard/sshguardd/internal/address"
)

// DefaultTimeout bounds a single resolver round trip. §5 notes DNS
// resolution uses "the platform's default resolver timeout"; we make that
// timeout explicit rather than relying on an unbounded stdlib default.
const DefaultTimeout = 5 * time.Second

// Resolver looks up hostnames via the system's configured nameservers using
// a direct DNS client, rather than the platform's getaddrinfo, so lookup
// behaviour (timeout, A-then-AAAA ordering) is fully within our control.
type Resolver struct {
	servers []string
	client  *dns.Client
	timeout time.Duration
}

// New builds a Resolver from /etc/resolv.conf. If that file cannot be
// read, it falls back to the public servers 9.9.9.9 and 1.1.1.1 so that the
// daemon still functions on minimal containers without a resolv.conf.
func New() *Resolver {
	var servers []string
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, s := range cfg.Servers {
			servers = append(servers, fmt.Sprintf("%s:%s", s, cfg.Port))
		}
	}
	if len(servers) == 0 {
		servers = []string{"9.9.9.9:53", "1.1.1.1:53"}
	}
	return &Resolver{
		servers: servers,
		client:  &dns.Client{Timeout: DefaultTimeout},
		timeout: DefaultTimeout,
	}
}

// Lookup resolves host to its A records, then (if none) its AAAA records,
// per §4.F: "Resolution tries A first, then AAAA; failure of both drops the
// line." Returns an empty, non-error slice when DNS is healthy but name
// does not resolve; returns an error only on transport failure.
func (r *Resolver) Lookup(ctx context.Context, host string) ([]address.Address, error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addrs, err := r.query(ctx, host, qtype)
		if err != nil {
			continue // try the next record type / server before giving up
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}
	return nil, nil
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]address.Address, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		reply, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("resolve: %s returned rcode %d for %s", server, reply.Rcode, host)
			continue
		}
		var out []address.Address
		for _, rr := range reply.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				if ip, ok := netip.AddrFromSlice(rec.A.To4()); ok {
					out = append(out, address.FromNetip(ip))
				}
			case *dns.AAAA:
				if ip, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
					out = append(out, address.FromNetip(ip))
				}
			}
		}
		return out, nil
	}
	return nil, lastErr
}
