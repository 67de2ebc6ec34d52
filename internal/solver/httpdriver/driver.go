// Package httpdriver is a plain HTTP implementation of solver.Browser. It
// follows redirects and keeps cookies per page, so it passes hosts that issue
// clearance without script execution and reports challenge pages otherwise.
// It cannot render challenge widgets.
package httpdriver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/cloudflyer/internal/solver"
)

const (
	// DefaultUserAgent is sent when the task does not set one.
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	defaultTimeout = 30 * time.Second
	maxBodySize    = 32 << 20
)

var challengeMarkers = []string{
	"challenge-platform",
	"cf-chl",
	"Just a moment",
}

// Driver opens one HTTP client per page.
type Driver struct {
	UserAgent string
	Timeout   time.Duration
}

var _ solver.Browser = (*Driver)(nil)

// New returns a driver with default settings.
func New() *Driver {
	return &Driver{UserAgent: DefaultUserAgent, Timeout: defaultTimeout}
}

// Name identifies the driver in solver capabilities.
func (d *Driver) Name() string { return "http" }

// NewPage creates a page with its own cookie jar, routed through opts.Proxy.
func (d *Driver) NewPage(_ context.Context, opts solver.PageOptions) (solver.Page, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if opts.Proxy != nil {
		transport.Proxy = http.ProxyURL(opts.Proxy)
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = d.UserAgent
	}
	if ua == "" {
		ua = DefaultUserAgent
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &page{
		client:    &http.Client{Transport: transport, Jar: jar, Timeout: timeout},
		transport: transport,
		jar:       jar,
		ua:        ua,
	}, nil
}

type page struct {
	client    *http.Client
	transport *http.Transport
	jar       *cookiejar.Jar
	ua        string

	mu     sync.Mutex
	target *url.URL
	status int
	body   string
}

func (p *page) Navigate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	p.mu.Lock()
	p.target = u
	p.mu.Unlock()
	return p.fetch(ctx)
}

func (p *page) fetch(ctx context.Context) error {
	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target == nil {
		return errors.New("page has not navigated")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", p.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	p.mu.Lock()
	p.status = resp.StatusCode
	p.body = string(body)
	p.mu.Unlock()
	return nil
}

// Challenged reports a challenge when the last response was a 403 or 503
// carrying one of the interstitial markers.
func (p *page) Challenged(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != http.StatusForbidden && p.status != http.StatusServiceUnavailable {
		return false, nil
	}
	for _, m := range challengeMarkers {
		if strings.Contains(p.body, m) {
			return true, nil
		}
	}
	return false, nil
}

// ClickVerify reloads the page; cookies set by the challenge response are
// sent along.
func (p *page) ClickVerify(ctx context.Context) error {
	return p.fetch(ctx)
}

func (p *page) Cookies(context.Context) ([]*http.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.target == nil {
		return nil, nil
	}
	return p.jar.Cookies(p.target), nil
}

func (p *page) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.body, nil
}

func (p *page) UserAgent() string { return p.ua }

func (p *page) WidgetToken(context.Context) (string, error) {
	return "", solver.ErrWidgetUnsupported
}

func (p *page) Close() error {
	p.transport.CloseIdleConnections()
	return nil
}
