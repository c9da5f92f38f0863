package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ifpj/netwatch/pkg/types"
)

// checkDomain is the name resolved when the target itself is a DNS server.
const checkDomain = "www.google.com"

// DNSProber checks name resolution.
//
// Two modes, picked per target:
//   - Host is an IP literal: the target is treated as a DNS server and
//     checkDomain is resolved through it on host:port.
//   - Host is a name: it is resolved as an A/AAAA lookup against the system
//     resolver; the port is ignored.
type DNSProber struct {
	resolver *net.Resolver
}

// NewDNSProber creates a DNS prober using the system resolver.
func NewDNSProber() *DNSProber {
	return &DNSProber{resolver: net.DefaultResolver}
}

// Protocol returns the protocol this prober handles.
func (p *DNSProber) Protocol() types.Protocol {
	return types.ProtocolDNS
}

// Probe resolves either the check domain through the target or the target's
// host through the system resolver. Success means at least one address came
// back; latency is the lookup wall time.
func (p *DNSProber) Probe(ctx context.Context, target types.Target) types.ProbeRecord {
	ctx, cancel := context.WithTimeout(ctx, target.TimeoutDuration())
	defer cancel()

	resolver := p.resolver
	name := target.Host
	if serverMode(target) {
		resolver = serverResolver(target.Addr())
		name = checkDomain
	}

	start := time.Now()
	addrs, err := resolver.LookupIPAddr(ctx, name)
	elapsed := time.Since(start)
	if err != nil {
		return failure(start, err.Error())
	}
	if len(addrs) == 0 {
		return failure(start, "no records returned")
	}
	return success(start, elapsed, fmt.Sprintf("%d records", len(addrs)))
}

// serverMode reports whether the target names a DNS server to query rather
// than a name to resolve.
func serverMode(target types.Target) bool {
	return net.ParseIP(target.Host) != nil
}

// serverResolver builds a resolver pinned to one server address.
func serverResolver(addr string) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}
