package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/cloudflyer/internal/model"
)

// session is a routed, navigated page for one task.
type session struct {
	page  Page
	route *Route
}

func (s *session) close() {
	s.page.Close()
	s.route.Release()
}

// openSession resolves the route, opens a page, and navigates to the task
// URL. Handled failures come back as an Outcome; a non-nil error means the
// context ended or the driver broke.
func openSession(ctx context.Context, b Browser, r *Router, req Request, widget *Widget) (*session, *Outcome, error) {
	route, err := r.Resolve(ctx, req.Task)
	if err != nil {
		var rerr *RouteError
		if errors.As(err, &rerr) {
			out := Failed(rerr.Code, "%s", rerr.Msg)
			return nil, &out, nil
		}
		return nil, nil, err
	}
	req.progress("routing via %s", route.Via)

	page, err := b.NewPage(ctx, PageOptions{
		Proxy:     route.Proxy,
		UserAgent: req.Task.UserAgent,
		Widget:    widget,
	})
	if err != nil {
		route.Release()
		return nil, nil, fmt.Errorf("open page: %w", err)
	}
	sess := &session{page: page, route: route}

	req.progress("navigating to %s", req.Task.URL)
	if err := page.Navigate(ctx, req.Task.URL); err != nil {
		sess.close()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		out := Failed(model.CodeSolverError, "Can not connect to the provided url.")
		return nil, &out, nil
	}
	return sess, nil, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
