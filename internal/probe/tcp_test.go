package probe

import (
	"context"
	"net"
	"testing"

	"github.com/ifpj/netwatch/internal/testutil"
	"github.com/ifpj/netwatch/pkg/types"
)

// listenTCP starts a throwaway listener and returns its target definition.
func listenTCP(t *testing.T) (types.Target, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	target := testutil.FixtureTarget(func(tg *types.Target) {
		tg.Host = "127.0.0.1"
		tg.Port = testutil.IntPtr(port)
		tg.Timeout = 2
	})
	return target, ln
}

func TestTCPProber_Success(t *testing.T) {
	target, ln := listenTCP(t)
	defer ln.Close()

	rec := NewTCPProber().Probe(context.Background(), target)
	if !rec.Success {
		t.Fatalf("probe failed against live listener: %s", rec.Message)
	}
	if rec.LatencyMs < 0 {
		t.Errorf("latency = %f, want >= 0", rec.LatencyMs)
	}
	if rec.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestTCPProber_ClosedPort(t *testing.T) {
	target, ln := listenTCP(t)
	ln.Close() // free the port so the connect is refused

	rec := NewTCPProber().Probe(context.Background(), target)
	if rec.Success {
		t.Fatal("probe succeeded against closed port")
	}
	if rec.Message == "" {
		t.Error("failure record must carry the dial error")
	}
	if rec.LatencyMs != 0 {
		t.Errorf("latency = %f on failure, want 0", rec.LatencyMs)
	}
}

func TestTCPProber_CancelledContext(t *testing.T) {
	target, ln := listenTCP(t)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := NewTCPProber().Probe(ctx, target)
	if rec.Success {
		t.Error("probe must fail under a cancelled context")
	}
}
