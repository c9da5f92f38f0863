// Package probe - ICMP echo prober over x/net/icmp.
//
// # Why datagram sockets first?
//
// Linux offers unprivileged ICMP through SOCK_DGRAM sockets (the
// net.ping_group_range sysctl). Opening one needs no capability, so the
// prober tries "udp4" first and falls back to a raw socket for hosts where
// the sysctl is closed but the process has CAP_NET_RAW. The capability
// check runs once at registration; when both socket types fail the prober
// is skipped and startup logs what to fix:
//
//	sysctl -w net.ipv4.ping_group_range="0 2147483647"
//	setcap cap_net_raw+ep netwatch
package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/ifpj/netwatch/pkg/types"
)

// icmpSeq numbers echo requests so replies can be matched to the probe
// that sent them. Shared across all ICMP probes in the process.
var icmpSeq atomic.Uint32

// ICMPProber sends one echo request per probe and waits for the matching
// reply.
type ICMPProber struct {
	// privileged selects raw IP sockets instead of datagram ICMP.
	// Decided once by Check.
	privileged bool
}

// NewICMPProber creates an ICMP echo prober.
func NewICMPProber() *ICMPProber {
	return &ICMPProber{}
}

// Protocol returns the protocol this prober handles.
func (p *ICMPProber) Protocol() types.Protocol {
	return types.ProtocolICMP
}

// Check verifies that some ICMP socket type can be opened. Prefers the
// unprivileged datagram socket; falls back to raw.
func (p *ICMPProber) Check() error {
	if conn, err := icmp.ListenPacket("udp4", "0.0.0.0"); err == nil {
		conn.Close()
		p.privileged = false
		return nil
	}
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return fmt.Errorf("no usable ICMP socket (need net.ipv4.ping_group_range or CAP_NET_RAW): %w", err)
	}
	conn.Close()
	p.privileged = true
	return nil
}

// Probe sends a single echo request. Success means a matching echo reply
// arrived before the deadline; latency is the round-trip time.
func (p *ICMPProber) Probe(ctx context.Context, target types.Target) types.ProbeRecord {
	ctx, cancel := context.WithTimeout(ctx, target.TimeoutDuration())
	defer cancel()

	start := time.Now()
	deadline, _ := ctx.Deadline()

	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", target.Host)
	if err != nil {
		return failure(start, err.Error())
	}
	if len(addrs) == 0 {
		return failure(start, "no IPv4 address for host")
	}
	ip := addrs[0]

	network := "udp4"
	var dst net.Addr = &net.UDPAddr{IP: ip}
	if p.privileged {
		network = "ip4:icmp"
		dst = &net.IPAddr{IP: ip}
	}

	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return failure(start, err.Error())
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	seq := int(icmpSeq.Add(1) & 0xffff)
	payload := []byte(fmt.Sprintf("netwatch %s %d", target.ID, seq))
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: payload,
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return failure(start, err.Error())
	}

	sent := time.Now()
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return failure(start, err.Error())
	}

	// Read until the matching reply or deadline. Datagram sockets can still
	// deliver replies for other probes in this process, so match on seq and
	// payload rather than the kernel-rewritten echo id.
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return failure(start, err.Error())
		}
		rtt := time.Since(sent)

		parsed, err := icmp.ParseMessage(protocolICMPv4, buf[:n])
		if err != nil {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok || parsed.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if echo.Seq != seq || string(echo.Data) != string(payload) {
			continue
		}
		return success(start, rtt, "")
	}
}

// protocolICMPv4 is the IANA protocol number for ICMPv4, needed by
// icmp.ParseMessage.
const protocolICMPv4 = 1
