package engine

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// External IP resolution modes (spec.md §4.10, Options.ExternalIPMode).
const (
	ExternalIPNone = iota
	ExternalIPStatic
	ExternalIPResolverHTTP
)

// ExternalIPResolver resolves the address to advertise in PORT/EPRT for
// active-mode data connections. At most one resolution may be in flight
// per session (spec.md §5); ExternalIPResolver itself only issues the
// blocking HTTP GET, so the Session schedules it on the IO worker pool.
type ExternalIPResolver struct {
	opts   *Options
	client *http.Client

	lastLocalAddr string
	lastResolved  string
}

// NewExternalIPResolver builds a resolver bound to opts. httpClient may
// be nil to use http.DefaultClient.
func NewExternalIPResolver(opts *Options, httpClient *http.Client) *ExternalIPResolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ExternalIPResolver{opts: opts, client: httpClient}
}

// isPrivateOrLoopback reports whether ip is not routable on the public
// internet (RFC 1918/4193/loopback/link-local).
func isPrivateOrLoopback(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// Resolve returns the IP to advertise for an active-mode data connection
// originating from localAddr, connecting to a peer at peerAddr.
//
// IPv6 active mode always uses the local address (EPRT) per spec.md
// §4.10. Otherwise: None mode returns the local IP; Static mode returns
// the configured address; Resolver mode performs (or reuses a cached)
// HTTP GET, falling back to the local IP on failure. The
// "no-external-on-local" option short-circuits to the local IP whenever
// peerAddr is itself non-routable (LAN testing scenario).
func (r *ExternalIPResolver) Resolve(localAddr, peerAddr net.IP) (string, error) {
	if localAddr.To4() == nil {
		return localAddr.String(), nil
	}

	if r.opts.NoExternalOnLocal && isPrivateOrLoopback(peerAddr) {
		return localAddr.String(), nil
	}

	switch r.opts.ExternalIPMode {
	case ExternalIPStatic:
		if r.opts.ExternalIP != "" {
			return r.opts.ExternalIP, nil
		}
		return localAddr.String(), nil

	case ExternalIPResolverHTTP:
		if r.lastLocalAddr == localAddr.String() && r.lastResolved != "" {
			return r.lastResolved, nil
		}
		ip, err := r.fetch()
		if err != nil {
			return localAddr.String(), nil
		}
		r.lastLocalAddr = localAddr.String()
		r.lastResolved = ip
		r.opts.LastResolvedIP = ip
		return ip, nil

	default:
		return localAddr.String(), nil
	}
}

func (r *ExternalIPResolver) fetch() (string, error) {
	req, err := http.NewRequest(http.MethodGet, r.opts.ExternalIPResolver, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", errInvalidResolverReply
	}
	return ip, nil
}

var errInvalidResolverReply = &EngineError{Op: "externalip", Msg: "resolver returned a non-IP body"}

// resolverTimeout bounds the HTTP resolver call so a hung proxy doesn't
// stall the IO worker pool indefinitely.
const resolverTimeout = 10 * time.Second
