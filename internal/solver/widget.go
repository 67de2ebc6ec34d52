package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/cloudflyer/internal/model"
)

// WidgetSolver obtains a token from a Turnstile or invisible reCAPTCHA
// widget rendered on the target host. It polls until the token appears or
// the context ends; the deadline is owned by the caller.
type WidgetSolver struct {
	Kind    model.TaskType
	Browser Browser
	Router  *Router

	PollInterval time.Duration
	// ClickEvery clicks the verification control every N polls; 0 never clicks.
	ClickEvery int
}

// NewTurnstileSolver polls for a Turnstile token, clicking the checkbox
// every fifth poll.
func NewTurnstileSolver(b Browser, r *Router) *WidgetSolver {
	return &WidgetSolver{
		Kind:         model.TypeTurnstile,
		Browser:      b,
		Router:       r,
		PollInterval: 100 * time.Millisecond,
		ClickEvery:   5,
	}
}

// NewRecaptchaSolver polls for an invisible reCAPTCHA token.
func NewRecaptchaSolver(b Browser, r *Router) *WidgetSolver {
	return &WidgetSolver{
		Kind:         model.TypeRecaptchaInvisible,
		Browser:      b,
		Router:       r,
		PollInterval: 100 * time.Millisecond,
	}
}

// Capabilities reports the solver's task type and driver.
func (s *WidgetSolver) Capabilities() Capabilities {
	name := "turnstile"
	if s.Kind == model.TypeRecaptchaInvisible {
		name = "recaptcha-invisible"
	}
	return Capabilities{Name: name, TaskType: s.Kind, Driver: s.Browser.Name()}
}

// Execute renders the widget and waits for its token.
func (s *WidgetSolver) Execute(ctx context.Context, req Request) (Outcome, error) {
	widget := &Widget{Kind: s.Kind, SiteKey: req.Task.SiteKey, Action: req.Task.Action}
	sess, out, err := openSession(ctx, s.Browser, s.Router, req, widget)
	if err != nil {
		return Outcome{}, err
	}
	if out != nil {
		return *out, nil
	}
	defer sess.close()
	page := sess.page

	for poll := 0; ; poll++ {
		token, err := page.WidgetToken(ctx)
		if errors.Is(err, ErrWidgetUnsupported) {
			return Failed(model.CodeSolverError, "Driver %s cannot solve %s tasks.", s.Browser.Name(), s.Kind), nil
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("read widget token: %w", err)
		}
		if token != "" {
			req.progress("token obtained after %d polls", poll+1)
			return Succeeded(map[string]any{"token": token}), nil
		}

		if s.ClickEvery > 0 && poll%s.ClickEvery == 0 {
			req.progress("attempt %d: clicking widget", poll/s.ClickEvery+1)
			if err := page.ClickVerify(ctx); err != nil {
				if ctx.Err() != nil {
					return Outcome{}, ctx.Err()
				}
				req.progress("click failed: %v", err)
			}
		}
		if err := sleep(ctx, s.PollInterval); err != nil {
			return Outcome{}, err
		}
	}
}
