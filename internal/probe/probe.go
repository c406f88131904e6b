// Package probe sends paced, concurrent requests through an instrumented HTTP client.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options configure the Runner.
type Options struct {
	Targets     []string      // URLs, used round-robin
	Method      string        // HTTP method
	Header      http.Header   // headers sent with every request
	Body        string        // request body, empty for none
	Concurrency int           // number of worker goroutines
	Requests    int           // total requests to send
	Rate        float64       // requests per second pacing (0 means unlimited)
	Timeout     time.Duration // per-request timeout (0 means none)
}

func (o *Options) normalize() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Requests < 0 {
		o.Requests = 0
	}
	if o.Method == "" {
		o.Method = http.MethodGet
	}
}

// Result captures the execution summary. HTTP failures are counted, not returned.
type Result struct {
	Sent     int64
	Errors   int64
	Duration time.Duration
}

// Runner coordinates concurrent execution with rate limiting.
type Runner struct {
	client  *http.Client
	opt     Options
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a Runner sending requests with client.
func New(client *http.Client, opt Options, logger zerolog.Logger) (*Runner, error) {
	if client == nil {
		return nil, errors.New("nil client")
	}
	opt.normalize()
	if len(opt.Targets) == 0 {
		return nil, errors.New("no targets")
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opt.Rate > 0 {
		// Burst of one keeps the pacing even across workers.
		limiter = rate.NewLimiter(rate.Limit(opt.Rate), 1)
	}
	return &Runner{client: client, opt: opt, limiter: limiter, logger: logger}, nil
}

// Run sends the configured number of requests and blocks until all have completed, or ctx is
// done. Only cancellation of ctx is returned as an error.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var sent, errs atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	permits := make(chan int, r.opt.Concurrency)

	// Scheduler: serializes rate limiting to avoid burst overshoot across workers.
	g.Go(func() error {
		defer close(permits)
		for i := range r.opt.Requests {
			if err := r.limiter.Wait(ctx); err != nil {
				// The limiter gives up early when the next token lies past the deadline.
				<-ctx.Done()
				return ctx.Err()
			}
			select {
			case permits <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for range r.opt.Concurrency {
		g.Go(func() error {
			for i := range permits {
				sent.Inc()
				if err := r.do(ctx, r.opt.Targets[i%len(r.opt.Targets)]); err != nil {
					errs.Inc()
					r.logger.Debug().Err(err).Int("request", i).Msg("request failed")
				}
			}
			return nil
		})
	}

	err := g.Wait()
	return Result{
		Sent:     sent.Load(),
		Errors:   errs.Load(),
		Duration: time.Since(start),
	}, err
}

// do sends one request and drains the response, which completes the tracked call.
func (r *Runner) do(ctx context.Context, target string) error {
	if r.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opt.Timeout)
		defer cancel()
	}

	var body io.Reader
	if r.opt.Body != "" {
		body = strings.NewReader(r.opt.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.opt.Method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = r.opt.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
