package solver

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/seantiz/cloudflyer/internal/model"
)

// ErrWidgetUnsupported is returned by pages that cannot render challenge
// widgets (Turnstile, reCAPTCHA).
var ErrWidgetUnsupported = errors.New("driver cannot render challenge widgets")

// Widget asks the driver to render a challenge widget on the target host in
// place of the original page.
type Widget struct {
	Kind    model.TaskType
	SiteKey string
	Action  string
}

// PageOptions configures a page for one task.
type PageOptions struct {
	// Proxy routes all page traffic; nil means direct.
	Proxy *url.URL
	// UserAgent overrides the driver's default when non-empty.
	UserAgent string
	// Widget is set for widget tasks.
	Widget *Widget
}

// Browser is the browser-automation driver. A Browser is shared by all worker
// slots; each task gets its own Page.
type Browser interface {
	Name() string
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
}

// Page is one task's browsing context.
type Page interface {
	// Navigate loads rawURL. An error means the URL could not be reached.
	Navigate(ctx context.Context, rawURL string) error
	// Challenged reports whether the interstitial challenge is still shown.
	Challenged(ctx context.Context) (bool, error)
	// ClickVerify interacts with the challenge's verification control.
	ClickVerify(ctx context.Context) error
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	HTML(ctx context.Context) (string, error)
	UserAgent() string
	// WidgetToken returns the widget's token, or "" while not yet issued.
	WidgetToken(ctx context.Context) (string, error)
	Close() error
}
