// Package gateway enforces per-category request-rate windows over all
// outbound exchange HTTP calls.
//
// The venue publishes limits per endpoint family measured in requests per
// 10-second window. Each category here is budgeted at 80% of the advertised
// limit and dispatched FIFO by a dedicated goroutine that paces on both a
// sliding window and a minimum inter-request interval. Rate-limit responses
// (HTTP 429, Cloudflare 1015, challenge pages) are retried with exponential
// backoff while the queue head is retained, so ordering within a category
// is preserved even across retries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"polymarket-hedger/pkg/types"
)

// Built-in categories. Callers may pass any other string; unknown categories
// inherit the clob-general budget.
const (
	CategoryCLOBGeneral    = "clob-general"
	CategoryCLOBMarketData = "clob-market-data"
	CategoryGamma          = "gamma"
	CategoryDataAPI        = "data-api"
)

// CategoryConfig is the rate budget for one endpoint family.
type CategoryConfig struct {
	MaxRequests int           // slots per window
	Window      time.Duration // sliding window length
	MinInterval time.Duration // minimum gap between dispatches
	MaxRetries  int           // rate-limit retries before surfacing
	BaseBackoff time.Duration // backoff is BaseBackoff * 2^attempt
}

func defaultConfigs(maxRetries int, baseBackoff time.Duration) map[string]CategoryConfig {
	window := 10 * time.Second
	return map[string]CategoryConfig{
		CategoryCLOBGeneral:    {MaxRequests: 7200, Window: window, MinInterval: 2 * time.Millisecond, MaxRetries: maxRetries, BaseBackoff: baseBackoff},
		CategoryCLOBMarketData: {MaxRequests: 1200, Window: window, MinInterval: 9 * time.Millisecond, MaxRetries: maxRetries, BaseBackoff: baseBackoff},
		CategoryGamma:          {MaxRequests: 240, Window: window, MinInterval: 42 * time.Millisecond, MaxRetries: maxRetries, BaseBackoff: baseBackoff},
		CategoryDataAPI:        {MaxRequests: 120, Window: window, MinInterval: 84 * time.Millisecond, MaxRetries: maxRetries, BaseBackoff: baseBackoff},
	}
}

// Stats is a point-in-time snapshot of one category's counters.
type Stats struct {
	Requests    int64
	RateLimited int64
	Retries     int64
	QueueLength int
}

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	desc string
	done chan error // buffered; dispatcher never blocks on an abandoned caller
}

type category struct {
	name string
	cfg  CategoryConfig

	queue chan *request

	mu           sync.Mutex
	sent         []time.Time // dispatch times still inside the window
	lastDispatch time.Time

	requests    atomic.Int64
	rateLimited atomic.Int64
	retries     atomic.Int64
}

// Gateway serializes outbound requests per category. Safe for concurrent use.
type Gateway struct {
	logger  *slog.Logger
	enabled bool

	mu       sync.Mutex
	cats     map[string]*category
	defaults map[string]CategoryConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a gateway with the built-in category budgets. Pass enabled=false
// for a passthrough gateway (dry runs, tests that don't exercise pacing).
func New(logger *slog.Logger, enabled bool, maxRetries int, baseBackoff time.Duration) *Gateway {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		logger:   logger.With("component", "gateway"),
		enabled:  enabled,
		cats:     make(map[string]*category),
		defaults: defaultConfigs(maxRetries, baseBackoff),
		ctx:      ctx,
		cancel:   cancel,
	}
}

var (
	defaultMu sync.RWMutex
	defaultGW *Gateway
)

// SetDefault installs the process-wide gateway. Called once from main.
func SetDefault(gw *Gateway) {
	defaultMu.Lock()
	defaultGW = gw
	defaultMu.Unlock()
}

// Default returns the process-wide gateway, or a disabled passthrough if
// none has been installed (keeps library code usable in isolation).
func Default() *Gateway {
	defaultMu.RLock()
	gw := defaultGW
	defaultMu.RUnlock()
	if gw == nil {
		gw = New(slog.Default(), false, 0, 0)
		SetDefault(gw)
	}
	return gw
}

// SetCategory overrides or adds a category budget. Takes effect for
// categories not yet started.
func (g *Gateway) SetCategory(name string, cfg CategoryConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaults[name] = cfg
}

func (g *Gateway) category(name string) *category {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.cats[name]; ok {
		return c
	}
	cfg, ok := g.defaults[name]
	if !ok {
		cfg = g.defaults[CategoryCLOBGeneral]
	}
	c := &category{
		name:  name,
		cfg:   cfg,
		queue: make(chan *request, 4096),
	}
	g.cats[name] = c
	g.wg.Add(1)
	go g.dispatch(c)
	return c
}

// Execute runs fn under the category's rate budget. Requests within a
// category dispatch in submission order. Rate-limit errors from fn are
// retried with backoff up to MaxRetries; all other errors surface
// immediately. If ctx expires while queued, the request is skipped; if it
// expires while in flight, the slot is still accounted.
func (g *Gateway) Execute(ctx context.Context, categoryName string, fn func(ctx context.Context) error, desc string) error {
	if !g.enabled {
		return fn(ctx)
	}
	c := g.category(categoryName)
	req := &request{ctx: ctx, fn: fn, desc: desc, done: make(chan error, 1)}
	select {
	case c.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.ctx.Done():
		return g.ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) dispatch(c *category) {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case req := <-c.queue:
			if req.ctx.Err() != nil {
				req.done <- req.ctx.Err()
				continue
			}
			g.run(c, req)
		}
	}
}

// run waits for a window slot plus the min interval, then executes the
// request, retrying rate limits with the head retained.
func (g *Gateway) run(c *category, req *request) {
	for attempt := 0; ; attempt++ {
		if err := g.waitSlot(c, req.ctx); err != nil {
			req.done <- err
			return
		}
		c.takeSlot()
		c.requests.Add(1)

		err := req.fn(req.ctx)
		if err == nil || !isRateLimitErr(err) {
			req.done <- err
			return
		}

		c.rateLimited.Add(1)
		if attempt >= c.cfg.MaxRetries {
			g.logger.Error("rate limit retries exhausted",
				"category", c.name, "desc", req.desc, "attempts", attempt+1)
			req.done <- err
			return
		}
		c.retries.Add(1)
		backoff := c.cfg.BaseBackoff * (1 << attempt)
		if reset := resetHint(err); reset > backoff {
			backoff = reset
		}
		g.logger.Warn("rate limited, backing off",
			"category", c.name, "desc", req.desc, "backoff", backoff, "attempt", attempt+1)
		select {
		case <-time.After(backoff):
		case <-req.ctx.Done():
			req.done <- req.ctx.Err()
			return
		case <-g.ctx.Done():
			req.done <- g.ctx.Err()
			return
		}
	}
}

// waitSlot blocks until both the min interval has elapsed and a window slot
// is free.
func (g *Gateway) waitSlot(c *category, ctx context.Context) error {
	for {
		c.mu.Lock()
		now := time.Now()
		c.prune(now)

		var wait time.Duration
		if gap := c.cfg.MinInterval - now.Sub(c.lastDispatch); gap > 0 {
			wait = gap
		}
		if len(c.sent) >= c.cfg.MaxRequests {
			// Oldest slot must age out of the window first.
			if until := c.sent[0].Add(c.cfg.Window).Sub(now); until > wait {
				wait = until
			}
		}
		c.mu.Unlock()

		if wait <= 0 {
			return nil
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		case <-g.ctx.Done():
			return g.ctx.Err()
		}
	}
}

func (c *category) takeSlot() {
	c.mu.Lock()
	now := time.Now()
	c.prune(now)
	c.sent = append(c.sent, now)
	c.lastDispatch = now
	c.mu.Unlock()
}

// prune drops dispatch times that have aged out of the window. Caller holds mu.
func (c *category) prune(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	i := 0
	for i < len(c.sent) && c.sent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.sent = append(c.sent[:0], c.sent[i:]...)
	}
}

// ApproachingLimit reports whether the category has consumed at least 80%
// of its window budget.
func (g *Gateway) ApproachingLimit(categoryName string) bool {
	if !g.enabled {
		return false
	}
	c := g.category(categoryName)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(time.Now())
	return len(c.sent)*5 >= c.cfg.MaxRequests*4
}

// StatsFor returns a snapshot of one category's counters.
func (g *Gateway) StatsFor(categoryName string) Stats {
	c := g.category(categoryName)
	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	return Stats{
		Requests:    c.requests.Load(),
		RateLimited: c.rateLimited.Load(),
		Retries:     c.retries.Load(),
		QueueLength: queued,
	}
}

// Close stops all dispatchers. Queued requests fail with context.Canceled.
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()
}

// isRateLimitErr recognizes the venue's rate-limit signatures: a typed
// RateLimitedError, HTTP 429, Cloudflare error 1015, or a challenge page.
func isRateLimitErr(err error) bool {
	if types.IsRateLimited(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "1015") ||
		strings.Contains(strings.ToLower(msg), "challenge") ||
		strings.Contains(strings.ToLower(msg), "rate limit")
}

// resetHint extracts the venue-provided reset interval, if any.
func resetHint(err error) time.Duration {
	var rl *types.RateLimitedError
	if errors.As(err, &rl) {
		return rl.Reset
	}
	return 0
}

// RateLimitedHTTP builds the error the HTTP client returns for a 429 so the
// gateway can honor the venue's Retry-After.
func RateLimitedHTTP(status int, retryAfter time.Duration) error {
	return fmt.Errorf("http %d: %w", status, &types.RateLimitedError{Reset: retryAfter})
}
