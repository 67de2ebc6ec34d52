package solver

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/cloudflyer/internal/model"
)

const (
	clearanceCookie = "cf_clearance"

	// maxContentSize caps the page HTML echoed back when content is requested.
	maxContentSize = 30 << 20
)

// CloudflareSolver clears the Cloudflare interstitial and returns the
// cf_clearance cookie together with the user agent it is bound to.
type CloudflareSolver struct {
	Browser Browser
	Router  *Router

	MaxRetries    int
	ClickInterval time.Duration
	ClearanceWait time.Duration
	PollInterval  time.Duration
}

// NewCloudflareSolver creates a solver with default pacing.
func NewCloudflareSolver(b Browser, r *Router) *CloudflareSolver {
	return &CloudflareSolver{
		Browser:       b,
		Router:        r,
		MaxRetries:    10,
		ClickInterval: 500 * time.Millisecond,
		ClearanceWait: 5 * time.Second,
		PollInterval:  100 * time.Millisecond,
	}
}

// Capabilities reports the solver's task type and driver.
func (s *CloudflareSolver) Capabilities() Capabilities {
	return Capabilities{Name: "cloudflare-challenge", TaskType: model.TypeCloudflareChallenge, Driver: s.Browser.Name()}
}

// Execute runs the interstitial bypass loop.
func (s *CloudflareSolver) Execute(ctx context.Context, req Request) (Outcome, error) {
	sess, out, err := openSession(ctx, s.Browser, s.Router, req, nil)
	if err != nil {
		return Outcome{}, err
	}
	if out != nil {
		return *out, nil
	}
	defer sess.close()
	page := sess.page

	for tries := 0; ; tries++ {
		challenged, err := page.Challenged(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("inspect page: %w", err)
		}
		if !challenged {
			break
		}
		if tries > s.MaxRetries {
			return Failed(model.CodeSolverError,
				"Cloudflare bypass failed after %d retries. The challenge may be too complex or network conditions poor.",
				s.MaxRetries), nil
		}
		req.progress("attempt %d: verification page detected", tries+1)
		if err := page.ClickVerify(ctx); err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			req.progress("click failed: %v", err)
		}
		if err := sleep(ctx, s.ClickInterval); err != nil {
			return Outcome{}, err
		}
	}
	req.progress("challenge cleared, waiting for %s", clearanceCookie)

	clearance, err := s.awaitClearance(ctx, page)
	if err != nil {
		return Outcome{}, err
	}
	if clearance == "" {
		return Failed(model.CodeSolverError,
			"No response, may be the url is not protected by cloudflare challenge, please retry later."), nil
	}

	ua := req.Task.UserAgent
	if ua == "" {
		ua = page.UserAgent()
	}
	response := map[string]any{
		"cookies": map[string]any{clearanceCookie: clearance},
		"headers": map[string]any{"User-Agent": ua},
	}
	if req.Task.Content {
		html, err := page.HTML(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("read page content: %w", err)
		}
		if len(html) < maxContentSize {
			response["content"] = html
		}
	}
	return Succeeded(response), nil
}

// awaitClearance polls the cookie jar for cf_clearance for up to ClearanceWait.
func (s *CloudflareSolver) awaitClearance(ctx context.Context, page Page) (string, error) {
	deadline := time.Now().Add(s.ClearanceWait)
	for {
		cookies, err := page.Cookies(ctx)
		if err != nil {
			return "", fmt.Errorf("read cookies: %w", err)
		}
		for _, c := range cookies {
			if c.Name == clearanceCookie && c.Value != "" {
				return c.Value, nil
			}
		}
		if time.Now().After(deadline) {
			return "", nil
		}
		if err := sleep(ctx, s.PollInterval); err != nil {
			return "", err
		}
	}
}
