package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrHealthCheckTimeout is returned when no probe succeeded within the budget.
var ErrHealthCheckTimeout = errors.New("health check timeout")

const (
	DefaultTimeout        = 30 * time.Second
	DefaultInterval       = 1 * time.Second
	DefaultRequestTimeout = 5 * time.Second
)

// Result describes a single probe.
type Result struct {
	Success      bool
	StatusCode   int
	ResponseTime time.Duration
	Error        error
}

// Prober polls an HTTP endpoint until it answers.
// Any completed response counts as healthy, whatever its status code.
type Prober struct {
	client         *http.Client
	RequestTimeout time.Duration
	// OnProbe, when set, is called after every attempt.
	OnProbe func(r Result, attempt int)
}

func NewProber() *Prober {
	return &Prober{client: &http.Client{}, RequestTimeout: DefaultRequestTimeout}
}

// WithHTTPClient sets a custom HTTP client.
func (p *Prober) WithHTTPClient(c *http.Client) *Prober {
	p.client = c
	return p
}

// Probe performs one request bounded by the per-request timeout.
func (p *Prober) Probe(ctx context.Context, url string) Result {
	rt := p.RequestTimeout
	if rt <= 0 {
		rt = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, rt)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Error: fmt.Errorf("failed to create request: %w", err)}
	}
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return Result{ResponseTime: elapsed, Error: fmt.Errorf("request failed: %w", err)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return Result{Success: true, StatusCode: resp.StatusCode, ResponseTime: elapsed}
}

// Check polls url every interval until a probe succeeds or timeout elapses.
// It returns nil on the first success and ErrHealthCheckTimeout once the
// budget is spent. Cancelling ctx aborts with ctx's error.
func (p *Prober) Check(ctx context.Context, url string, timeout, interval time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last Result
	for attempt := 1; ; attempt++ {
		last = p.Probe(ctx, url)
		if p.OnProbe != nil {
			p.OnProbe(last, attempt)
		}
		if last.Success {
			return nil
		}
		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				return parent.Err()
			}
			return fmt.Errorf("%w after %d attempts: %v", ErrHealthCheckTimeout, attempt, last.Error)
		case <-ticker.C:
		}
	}
}
