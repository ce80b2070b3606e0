// Package upstream implements the client for the session-oriented assist
// backend: credential transport, bearer token lifecycle, session creation,
// and the streaming assist call with its concatenated-JSON framing.
package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optionally HTTP/2. If resolver is non-nil, DialContext resolves hosts
// through the shared DNS cache.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// cookieTransport is an http.RoundTripper that injects the provider's cookie
// bag on every outbound request. The bearer token is set per-call by the
// client because it rotates.
type cookieTransport struct {
	cookies string
	base    http.RoundTripper
}

// RoundTrip clones the request and sets the Cookie header.
func (t *cookieTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set("Cookie", t.cookies)
	return t.getBase().RoundTrip(r2)
}

func (t *cookieTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
