package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/TheSmallBoat/piper/piperlib"
)

type benchConfig struct {
	host     string
	port     int
	conns    int
	pipeline int
	rate     float64
	duration time.Duration
	timeout  time.Duration
	scenario *Scenario
	checks   []bodyCheck
	logger   *slog.Logger
}

type bodyCheck struct {
	path string
	want string
}

func parseChecks(specs []string) ([]bodyCheck, error) {
	checks := make([]bodyCheck, 0, len(specs))
	for _, spec := range specs {
		path, want, ok := strings.Cut(spec, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid check %q, want gjson-path=value", spec)
		}
		checks = append(checks, bodyCheck{path: path, want: want})
	}
	return checks, nil
}

func runChecks(checks []bodyCheck, res *piperlib.Response) error {
	for _, c := range checks {
		got := gjson.GetBytes(res.Body, c.path).String()
		if got != c.want {
			return fmt.Errorf("check %s: got %q, want %q", c.path, got, c.want)
		}
	}
	return nil
}

type runner struct {
	cfg      *benchConfig
	client   *piperlib.Client
	metrics  *benchMetrics
	reporter *reporter
	limiter  *rate.Limiter
}

func newRunner(cfg *benchConfig, rep *reporter) *runner {
	r := &runner{
		cfg: cfg,
		client: &piperlib.Client{
			RequestTimeout: cfg.timeout,
			Logger:         cfg.logger,
		},
		metrics:  newBenchMetrics(),
		reporter: rep,
	}
	if cfg.rate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.rate), 1)
	}
	return r
}

func (r *runner) run(ctx context.Context) (*benchSummary, error) {
	defer r.client.Shutdown()

	r.reporter.header(r.cfg)

	conns := make([]*piperlib.Conn, 0, r.cfg.conns)
	for i := 0; i < r.cfg.conns; i++ {
		conn, err := r.client.Connect(ctx, r.cfg.host, r.cfg.port)
		if err != nil {
			return nil, fmt.Errorf("connection %d/%d: %w", i+1, r.cfg.conns, err)
		}
		conns = append(conns, conn)
	}

	r.metrics.start()

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.duration)
	defer cancel()

	progressDone := make(chan struct{})
	go r.progressLoop(progressDone)

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go r.drive(runCtx, &wg, conn)
	}
	wg.Wait()

	r.metrics.stop()
	close(progressDone)
	r.reporter.clearProgress()

	return r.metrics.summary(), nil
}

// drive keeps up to the configured pipeline depth in flight on one
// connection until ctx expires, then waits for the stragglers. Any
// client-delivered error means the connection died, so the driver
// stops instead of grinding out send-on-closed failures.
func (r *runner) drive(ctx context.Context, wg *sync.WaitGroup, conn *piperlib.Conn) {
	defer wg.Done()

	sem := make(chan struct{}, r.cfg.pipeline)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	var dead atomic.Bool
	for !dead.Load() {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}

		target := r.cfg.scenario.pick()
		start := time.Now()
		f := conn.Send(target.request())

		inflight.Add(1)
		go func(name string) {
			defer inflight.Done()
			defer func() { <-sem }()

			res, err := f.Wait(context.Background())
			elapsed := time.Since(start)
			switch {
			case err != nil:
				if strings.HasPrefix(err.Error(), "piper:") {
					dead.Store(true)
				}
				r.metrics.record(name, elapsed, err)
			case res.Status >= 400:
				r.metrics.record(name, elapsed, fmt.Errorf("HTTP %d", res.Status))
			default:
				r.metrics.record(name, elapsed, runChecks(r.cfg.checks, res))
			}
		}(target.Name)
	}
}

func (r *runner) progressLoop(done chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.reporter.progress(r.metrics.snapshot(), r.cfg.duration)
		}
	}
}
