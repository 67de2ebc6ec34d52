package solver

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/seantiz/cloudflyer/internal/model"
	"github.com/seantiz/cloudflyer/internal/tunnel"
)

// Route is the network path chosen for one task.
type Route struct {
	Proxy *url.URL
	Via   string
	close func()
}

// Release frees resources held by the route, such as a tunnel process.
func (r *Route) Release() {
	if r.close != nil {
		r.close()
	}
}

// RouteError is a routing failure reported back as a task outcome.
type RouteError struct {
	Code int
	Msg  string
}

func (e *RouteError) Error() string { return e.Msg }

// Router picks the network path for a task: the task's proxy, a tunnel
// opened for the task, or the default upstream.
type Router struct {
	Tunnels         tunnel.Connector
	Upstream        *url.URL
	AllowLocalProxy bool
}

// Resolve returns the route for req. When both a proxy and a tunnel are
// given, the proxy wins.
func (r *Router) Resolve(ctx context.Context, req model.Request) (*Route, error) {
	if p := req.Proxy; p != nil {
		if isLocalHost(p.Host) && !r.AllowLocalProxy {
			return nil, &RouteError{Code: model.CodeBadRequest, Msg: "Local proxies are disabled."}
		}
		return &Route{
			Proxy: &url.URL{Scheme: p.Scheme, Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port))},
			Via:   "proxy",
		}, nil
	}

	if ls := req.Linksocks; ls != nil {
		if r.Tunnels == nil {
			return nil, &RouteError{Code: model.CodeSolverError, Msg: "Tunnels are not configured."}
		}
		tun, err := r.Tunnels.Open(ctx, ls.URL, ls.Token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &RouteError{Code: model.CodeSolverError, Msg: "Fail to connect to the linksocks proxy."}
		}
		return &Route{
			Proxy: &url.URL{Scheme: "socks5", Host: tun.Addr()},
			Via:   "linksocks",
			close: func() { tun.Close() },
		}, nil
	}

	if r.Upstream != nil {
		u := *r.Upstream
		return &Route{Proxy: &u, Via: "upstream"}, nil
	}
	return &Route{Via: "direct"}, nil
}

func isLocalHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}
