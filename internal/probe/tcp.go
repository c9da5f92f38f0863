package probe

import (
	"context"
	"net"
	"time"

	"github.com/ifpj/netwatch/pkg/types"
)

// TCPProber checks reachability by completing a TCP handshake.
type TCPProber struct {
	dialer *net.Dialer
}

// NewTCPProber creates a TCP connect prober.
func NewTCPProber() *TCPProber {
	return &TCPProber{dialer: &net.Dialer{}}
}

// Protocol returns the protocol this prober handles.
func (p *TCPProber) Protocol() types.Protocol {
	return types.ProtocolTCP
}

// Probe opens a TCP connection to host:port. Success means the connect
// completed before the deadline; latency is the connect wall time.
func (p *TCPProber) Probe(ctx context.Context, target types.Target) types.ProbeRecord {
	ctx, cancel := context.WithTimeout(ctx, target.TimeoutDuration())
	defer cancel()

	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", target.Addr())
	elapsed := time.Since(start)
	if err != nil {
		return failure(start, err.Error())
	}
	conn.Close()
	return success(start, elapsed, "")
}
