package solver_test

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/seantiz/cloudflyer/internal/solver"
	"github.com/seantiz/cloudflyer/internal/tunnel"
)

// fakeBrowser hands out a single scripted page and records how it was opened.
type fakeBrowser struct {
	page   *fakePage
	newErr error

	mu     sync.Mutex
	opened []solver.PageOptions
}

func (b *fakeBrowser) Name() string { return "fake" }

func (b *fakeBrowser) NewPage(_ context.Context, opts solver.PageOptions) (solver.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.newErr != nil {
		return nil, b.newErr
	}
	b.opened = append(b.opened, opts)
	return b.page, nil
}

func (b *fakeBrowser) lastOptions() (solver.PageOptions, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.opened) == 0 {
		return solver.PageOptions{}, false
	}
	return b.opened[len(b.opened)-1], true
}

// fakePage scripts a challenge: Challenged reports true for the first
// challengedFor calls, and WidgetToken returns token after tokenAfter polls.
type fakePage struct {
	navErr        error
	challengedFor int
	cookies       []*http.Cookie
	html          string
	ua            string
	token         string
	tokenAfter    int
	widgetErr     error

	mu         sync.Mutex
	navigated  string
	challenged int
	clicks     int
	tokenPolls int
	closed     bool
}

func (p *fakePage) Navigate(_ context.Context, rawURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = rawURL
	return p.navErr
}

func (p *fakePage) Challenged(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenged++
	return p.challenged <= p.challengedFor, nil
}

func (p *fakePage) ClickVerify(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks++
	return nil
}

func (p *fakePage) Cookies(context.Context) ([]*http.Cookie, error) { return p.cookies, nil }

func (p *fakePage) HTML(context.Context) (string, error) { return p.html, nil }

func (p *fakePage) UserAgent() string { return p.ua }

func (p *fakePage) WidgetToken(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.widgetErr != nil {
		return "", p.widgetErr
	}
	p.tokenPolls++
	if p.tokenPolls > p.tokenAfter {
		return p.token, nil
	}
	return "", nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePage) clickCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clicks
}

func (p *fakePage) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeConnector opens in-memory tunnels.
type fakeConnector struct {
	addr string
	err  error

	mu      sync.Mutex
	opened  int
	tunnels []*fakeTunnel
}

func (c *fakeConnector) Open(_ context.Context, url, token string) (tunnel.Tunnel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.opened++
	t := &fakeTunnel{addr: c.addr, url: url, token: token}
	c.tunnels = append(c.tunnels, t)
	return t, nil
}

type fakeTunnel struct {
	addr, url, token string

	mu     sync.Mutex
	closed bool
}

func (t *fakeTunnel) Addr() string { return t.addr }

func (t *fakeTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTunnel) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

var errBoom = errors.New("boom")
