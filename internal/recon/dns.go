package recon

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/pulsemon/pulse/internal/logging"
)

// reverseLookupTimeout bounds each PTR query so a slow resolver
// cannot stall reconciliation.
const reverseLookupTimeout = 2 * time.Second

// hostnameResolver fills in hostnames for hosts the scan did not name.
type hostnameResolver interface {
	Reverse(ctx context.Context, addr string) string
}

// dnsResolver answers reverse lookups against a configured DNS
// server, or the system default when none is set.
type dnsResolver struct {
	client *dns.Client
	server string
}

func newDNSResolver(server string) *dnsResolver {
	if server == "" {
		server = systemResolver()
	}
	if server != "" && !strings.Contains(server, ":") {
		server += ":53"
	}
	return &dnsResolver{
		client: &dns.Client{Timeout: reverseLookupTimeout},
		server: server,
	}
}

// systemResolver reads the first nameserver from resolv.conf.
func systemResolver() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return ""
	}
	return conf.Servers[0] + ":" + conf.Port
}

// Reverse resolves addr to a hostname via a PTR query. Failures are
// not errors; a host without a PTR record simply has no hostname.
func (r *dnsResolver) Reverse(ctx context.Context, addr string) string {
	if r.server == "" {
		return ""
	}

	arpa, err := dns.ReverseAddr(addr)
	if err != nil {
		return ""
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		logging.Debug("reverse lookup failed", "address", addr, "error", err)
		return ""
	}
	if resp.Rcode != dns.RcodeSuccess {
		return ""
	}

	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.ToLower(strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return ""
}
