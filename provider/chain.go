package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"specbot/metrics"

	"github.com/apex/log"
)

// ErrChainExhausted is wrapped by every *ExhaustedError.
var ErrChainExhausted = errors.New("all providers failed")

var allStatuses = []string{
	string(StatusAvailable), string(StatusRateLimited), string(StatusError), string(StatusDisabled),
}

// ChainConfig bounds how hard a chain tries a single provider.
type ChainConfig struct {
	MaxRetries int           // attempts per provider, at least 1
	RetryDelay time.Duration // pause between attempts on the same provider
}

// DefaultChainConfig is one attempt per provider with a 500ms retry pause.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{MaxRetries: 1, RetryDelay: 500 * time.Millisecond}
}

// ExhaustedError is returned when no provider produced a usable response.
type ExhaustedError struct {
	Capability string
	Errors     []string // "<provider>: <message>" per failed attempt, in call order
	LastError  string
}

func (e *ExhaustedError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("all %s providers failed: %s", e.Capability, e.LastError)
	}
	return fmt.Sprintf("all %s providers failed: %s", e.Capability, strings.Join(e.Errors, "; "))
}

func (e *ExhaustedError) Unwrap() error { return ErrChainExhausted }

type named interface {
	Name() string
}

// chain is the failover algorithm shared by the vision and text chains.
type chain[P named] struct {
	capability string
	providers  []P
	cfg        ChainConfig
	probe      func(context.Context, P) Status

	mu       sync.RWMutex
	statuses map[string]Status
	held     map[string]bool // disabled by an operator; sweeps leave these alone
}

func newChain[P named](capability string, cfg ChainConfig, probe func(context.Context, P) Status, providers []P) *chain[P] {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return &chain[P]{
		capability: capability,
		providers:  providers,
		cfg:        cfg,
		probe:      probe,
		statuses:   make(map[string]Status),
		held:       make(map[string]bool),
	}
}

// Providers returns provider names in priority order.
func (c *chain[P]) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return names
}

// Status returns the cached status of a provider; unknown providers are available.
func (c *chain[P]) Status(name string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.statuses[name]; ok {
		return s
	}
	return StatusAvailable
}

// Statuses returns a snapshot of the status cache for every provider.
func (c *chain[P]) Statuses() map[string]Status {
	out := make(map[string]Status, len(c.providers))
	for _, p := range c.providers {
		out[p.Name()] = c.Status(p.Name())
	}
	return out
}

// SetStatus overrides the cached status, e.g. to disable a provider by hand.
// A provider disabled this way stays disabled through health sweeps until
// SetStatus is called again with another status.
func (c *chain[P]) SetStatus(name string, status Status) bool {
	for _, p := range c.providers {
		if p.Name() == name {
			c.mu.Lock()
			if status == StatusDisabled {
				c.held[name] = true
			} else {
				delete(c.held, name)
			}
			c.mu.Unlock()
			c.setStatus(name, status)
			return true
		}
	}
	return false
}

func (c *chain[P]) isHeld(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.held[name]
}

func (c *chain[P]) setStatus(name string, status Status) {
	c.mu.Lock()
	c.statuses[name] = status
	c.mu.Unlock()
	metrics.SetProviderStatus(c.capability, name, string(status), allStatuses)
}

// HealthCheckAll probes every provider in order, regardless of its cached
// status, and refreshes the cache. Providers an operator disabled are still
// probed but keep their disabled status.
func (c *chain[P]) HealthCheckAll(ctx context.Context) map[string]Status {
	result := make(map[string]Status, len(c.providers))
	for _, p := range c.providers {
		probed := c.safeProbe(ctx, p)
		status := probed
		if c.isHeld(p.Name()) {
			status = StatusDisabled
		}
		c.setStatus(p.Name(), status)
		result[p.Name()] = status
		log.WithFields(log.Fields{
			"capability": c.capability,
			"provider":   p.Name(),
			"probed":     probed,
			"status":     status,
		}).Info("provider.health")
	}
	return result
}

func (c *chain[P]) safeProbe(ctx context.Context, p P) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			status = StatusError
		}
	}()
	return c.probe(ctx, p)
}

// call runs do against providers in priority order until one succeeds.
func (c *chain[P]) call(ctx context.Context, op string, do func(context.Context, P) Response) (Response, error) {
	var errs []string
	last := "no providers available"

	for _, p := range c.providers {
		name := p.Name()
		if c.Status(name) == StatusDisabled {
			log.WithFields(log.Fields{"capability": c.capability, "provider": name}).Debug("provider.skip_disabled")
			continue
		}

		for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
			if attempt > 1 && c.cfg.RetryDelay > 0 {
				if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
					return Response{}, fmt.Errorf("%s %s: %w", c.capability, op, err)
				}
			}

			resp := invoke(ctx, p, do)
			if resp.OK() {
				resp.ProviderName = name
				metrics.ProviderAttemptsTotal.WithLabelValues(c.capability, name, "success").Inc()
				log.WithFields(log.Fields{
					"capability": c.capability,
					"op":         op,
					"provider":   name,
					"attempt":    attempt,
					"tokens":     resp.TokensUsed,
				}).Info("provider.success")
				return resp, nil
			}

			msg := resp.ErrorMessage
			if msg == "" {
				msg = "empty response"
			}
			last = name + ": " + msg
			errs = append(errs, last)
			metrics.ProviderAttemptsTotal.WithLabelValues(c.capability, name, "failure").Inc()
			log.WithFields(log.Fields{
				"capability": c.capability,
				"op":         op,
				"provider":   name,
				"attempt":    attempt,
				"max":        c.cfg.MaxRetries,
			}).Warnf("provider.failure: %s", msg)
		}
	}

	metrics.ChainExhaustedTotal.WithLabelValues(c.capability).Inc()
	return Response{}, &ExhaustedError{Capability: c.capability, Errors: errs, LastError: last}
}

func invoke[P named](ctx context.Context, p P, do func(context.Context, P) Response) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Failed(p.Name(), fmt.Errorf("provider panic: %v", r))
		}
	}()
	return do(ctx, p)
}

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

// VisionChain fails over between vision providers.
type VisionChain struct {
	*chain[VisionProvider]
}

// NewVisionChain builds a chain that tries providers in the given order.
func NewVisionChain(cfg ChainConfig, providers ...VisionProvider) *VisionChain {
	return &VisionChain{newChain("vision", cfg, func(ctx context.Context, p VisionProvider) Status {
		return p.VisionHealth(ctx)
	}, providers)}
}

// AnalyzeImage analyzes one image with the first healthy provider.
func (c *VisionChain) AnalyzeImage(ctx context.Context, image []byte, prompt string) (Response, error) {
	return c.call(ctx, "analyze_image", func(ctx context.Context, p VisionProvider) Response {
		return p.AnalyzeImage(ctx, image, prompt)
	})
}

// AnalyzeMultipleImages analyzes up to MaxImages images jointly.
func (c *VisionChain) AnalyzeMultipleImages(ctx context.Context, images [][]byte, prompt string) (Response, error) {
	images = TruncateImages(images)
	return c.call(ctx, "analyze_images", func(ctx context.Context, p VisionProvider) Response {
		return p.AnalyzeMultipleImages(ctx, images, prompt)
	})
}

// TextChain fails over between text providers.
type TextChain struct {
	*chain[TextProvider]
}

// NewTextChain builds a chain that tries providers in the given order.
func NewTextChain(cfg ChainConfig, providers ...TextProvider) *TextChain {
	return &TextChain{newChain("text", cfg, func(ctx context.Context, p TextProvider) Status {
		return p.TextHealth(ctx)
	}, providers)}
}

// Generate returns the first successful completion.
func (c *TextChain) Generate(ctx context.Context, req TextRequest) (Response, error) {
	return c.call(ctx, "generate", func(ctx context.Context, p TextProvider) Response {
		return p.Generate(ctx, req)
	})
}
