// Package fetchchain runs the direct strategy and, when a page is blocked,
// escalates once to a headless browser.
package fetchchain

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/metrics"
)

// Browser is a fetcher holding a process that must be released.
type Browser interface {
	crawler.Fetcher
	Close() error
}

// Options wires a Chain.
type Options struct {
	Direct   crawler.Fetcher
	Headless Browser
	Detector crawler.BlockDetector
	// HeadlessDomain reports whether a domain is flagged for the browser.
	HeadlessDomain func(domain string) bool
	// EscalateAllBlocked lets any blocked domain use the browser.
	EscalateAllBlocked bool
	Logger             *zap.Logger
}

// Result is the terminal outcome of one chain run.
type Result struct {
	State    State
	Status   crawler.Status
	Strategy crawler.Strategy
	Body     []byte
	Detail   string
	Path     []State
}

// Chain executes the fetch state machine.
type Chain struct {
	opts   Options
	logger *zap.Logger
}

// New builds a Chain.
func New(opts Options) (*Chain, error) {
	if opts.Direct == nil {
		return nil, fmt.Errorf("direct fetcher is required")
	}
	if opts.HeadlessDomain == nil {
		opts.HeadlessDomain = func(string) bool { return false }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{opts: opts, logger: logger}, nil
}

type run struct {
	state State
	path  []State
}

func (r *run) step(signal Signal) error {
	next, err := Transition(r.state, signal)
	if err != nil {
		return err
	}
	r.state = next
	r.path = append(r.path, next)
	return nil
}

// Fetch drives one URL to a terminal state.
func (c *Chain) Fetch(ctx context.Context, req crawler.FetchRequest) (Result, error) {
	if req.Domain == "" {
		req.Domain = crawler.Domain(req.URL)
	}
	r := &run{state: StatePending, path: []State{StatePending}}
	if err := r.step(SignalStart); err != nil {
		return Result{}, err
	}

	start := time.Now()
	resp, err := c.opts.Direct.Fetch(ctx, req)
	metrics.ObserveFetch(string(crawler.StrategyDirect), time.Since(start))
	signal, detail := classifyDirect(resp, err, c.opts.Detector)
	if err := r.step(signal); err != nil {
		return Result{}, err
	}
	strategy := crawler.StrategyDirect
	body := resp.Body

	if r.state == StateBlocked {
		if !c.canEscalate(req.Domain) {
			if err := r.step(SignalGiveUp); err != nil {
				return Result{}, err
			}
		} else {
			if err := r.step(SignalEscalate); err != nil {
				return Result{}, err
			}
			metrics.ObserveEscalation(req.URL)
			c.logger.Info("escalating to headless",
				zap.String("url", req.URL),
				zap.String("reason", detail),
			)
			strategy = crawler.StrategyHeadless
			start = time.Now()
			hresp, herr := c.opts.Headless.Fetch(ctx, req)
			metrics.ObserveFetch(string(crawler.StrategyHeadless), time.Since(start))
			signal, detail = classifyHeadless(hresp, herr, c.opts.Detector)
			if err := r.step(signal); err != nil {
				return Result{}, err
			}
			body = hresp.Body
		}
	}

	status, ok := r.state.Status()
	if !ok {
		return Result{}, fmt.Errorf("%w: stopped in %s", ErrInvalidTransition, r.state)
	}
	res := Result{
		State:    r.state,
		Status:   status,
		Strategy: strategy,
		Detail:   detail,
		Path:     r.path,
	}
	if status == crawler.StatusSuccess {
		res.Body = body
	}
	return res, nil
}

func (c *Chain) canEscalate(domain string) bool {
	if c.opts.Headless == nil {
		return false
	}
	return c.opts.EscalateAllBlocked || c.opts.HeadlessDomain(domain)
}

// Release shuts down the headless browser, if any. Safe to call repeatedly.
func (c *Chain) Release() {
	if c.opts.Headless == nil {
		return
	}
	if err := c.opts.Headless.Close(); err != nil {
		c.logger.Warn("headless release failed", zap.Error(err))
	}
}
