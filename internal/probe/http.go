package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ifpj/netwatch/pkg/types"
)

// maxRedirects is how many redirects a probe follows before settling on the
// last response it saw.
const maxRedirects = 3

// HTTPProber checks reachability with a GET request. One instance serves
// either HTTP or HTTPS; the scheme comes from the configured protocol.
type HTTPProber struct {
	proto  types.Protocol
	client *http.Client
}

// NewHTTPProber creates a prober for HTTP or HTTPS targets.
// TLS verification is on; certificate errors are failures, which is the
// point of monitoring an HTTPS endpoint.
func NewHTTPProber(proto types.Protocol) *HTTPProber {
	return &HTTPProber{
		proto: proto,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// via holds the original request plus every redirect
				// already followed.
				if len(via) > maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Protocol returns the protocol this prober handles.
func (p *HTTPProber) Protocol() types.Protocol {
	return p.proto
}

// Probe issues GET http(s)://host[:port]/ and follows up to three
// redirects. Success is a final 2xx or 3xx; latency is the wall time until
// response headers arrive.
func (p *HTTPProber) Probe(ctx context.Context, target types.Target) types.ProbeRecord {
	ctx, cancel := context.WithTimeout(ctx, target.TimeoutDuration())
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(target), nil)
	if err != nil {
		return failure(start, err.Error())
	}
	req.Header.Set("User-Agent", "netwatch/1.0")

	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return failure(start, err.Error())
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return success(start, elapsed, fmt.Sprintf("status %d", resp.StatusCode))
	}
	return failure(start, fmt.Sprintf("http error: status %d", resp.StatusCode))
}

// url builds the probe URL. Hosts that already carry a scheme are used
// verbatim so operators can point a target at a specific path.
func (p *HTTPProber) url(target types.Target) string {
	if strings.Contains(target.Host, "://") {
		return target.Host
	}
	scheme := "http"
	if p.proto == types.ProtocolHTTPS {
		scheme = "https"
	}
	portPart := ""
	if target.Port != nil {
		portPart = fmt.Sprintf(":%d", *target.Port)
	}
	return fmt.Sprintf("%s://%s%s/", scheme, target.Host, portPart)
}
