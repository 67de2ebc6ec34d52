// testserver starts a cloudflyer API server with stub solvers for E2E testing.
// It accepts the same flags and CLOUDFLYER_* variables as cloudflyer.
// Usage: go run ./cmd/testserver -K key
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/seantiz/cloudflyer/internal/api"
	"github.com/seantiz/cloudflyer/internal/config"
	"github.com/seantiz/cloudflyer/internal/engine"
	"github.com/seantiz/cloudflyer/internal/model"
	"github.com/seantiz/cloudflyer/internal/solver"
	"github.com/seantiz/cloudflyer/internal/store"
)

// stubSolver is a scripted solver for E2E tests. The task URL selects the
// behaviour: "hang" blocks until cancelled, "fail" reports a handled failure,
// anything else succeeds after delay.
type stubSolver struct {
	taskType model.TaskType
	delay    time.Duration
	response map[string]any
	logLines []string
}

func (s *stubSolver) Execute(ctx context.Context, req solver.Request) (solver.Outcome, error) {
	if strings.Contains(req.Task.URL, "hang") {
		<-ctx.Done()
		return solver.Outcome{}, ctx.Err()
	}

	for _, line := range s.logLines {
		if req.Progress != nil {
			req.Progress(line)
		}
	}

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return solver.Outcome{}, ctx.Err()
	}

	if strings.Contains(req.Task.URL, "fail") {
		return solver.Failed(model.CodeSolverError, "Can not connect to the provided url."), nil
	}
	return solver.Succeeded(s.response), nil
}

func (s *stubSolver) Capabilities() solver.Capabilities {
	return solver.Capabilities{Name: "stub", TaskType: s.taskType, Driver: "stub"}
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("testserver: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := store.NewMemoryStore()
	defer db.Close()

	reg := solver.NewRegistry()
	reg.Register(model.TypeCloudflareChallenge, &stubSolver{
		taskType: model.TypeCloudflareChallenge,
		delay:    300 * time.Millisecond,
		response: map[string]any{
			"cookies": map[string]any{"cf_clearance": "stub-clearance"},
			"headers": map[string]any{"User-Agent": "stub-agent"},
		},
		logLines: []string{"routing via direct", "challenge cleared"},
	})
	for _, t := range []model.TaskType{model.TypeTurnstile, model.TypeRecaptchaInvisible} {
		reg.Register(t, &stubSolver{
			taskType: t,
			delay:    300 * time.Millisecond,
			response: map[string]any{"token": "stub-token"},
			logLines: []string{"routing via direct", "token obtained after 1 polls"},
		})
	}

	eng := engine.New(db, reg, nil, logger, engine.Options{
		Slots:       cfg.MaxTasks,
		Timeout:     cfg.Timeout,
		CancelGrace: cfg.CancelGrace,
	})
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("testserver: start engine: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr(), cfg.ClientKey, db, reg, eng, logger)
	logger.Info("testserver: starting", "addr", cfg.ListenAddr())
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("testserver: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.CancelGrace)
	defer cancel()
	_ = eng.Stop(stopCtx)
}
