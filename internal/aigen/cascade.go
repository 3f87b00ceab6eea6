package aigen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"campusgenius/internal/gemini"
	"campusgenius/internal/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

type Invoker interface {
	Invoke(ctx context.Context, model, prompt string, doc *gemini.FileRef) (string, error)
}

type ModelLister interface {
	ListModels(ctx context.Context, method string) ([]string, error)
}

// Stage yields model ids to try, in priority order.
type Stage struct {
	Name   string
	Models func(ctx context.Context) ([]string, error)
}

func StaticStage(models []string) Stage {
	list := append([]string(nil), models...)
	return Stage{
		Name:   "static",
		Models: func(context.Context) ([]string, error) { return list, nil },
	}
}

func DiscoveryStage(d *Discovery) Stage {
	return Stage{Name: "discovery", Models: d.Models}
}

// Discovery lists generateContent-capable models. Concurrent callers share
// one request and results are cached for ttl.
type Discovery struct {
	lister ModelLister
	ttl    time.Duration
	now    func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	cached  []string
	expires time.Time
}

func NewDiscovery(lister ModelLister, ttl time.Duration) *Discovery {
	return &Discovery{lister: lister, ttl: ttl, now: time.Now}
}

func (d *Discovery) Models(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	if d.cached != nil && d.now().Before(d.expires) {
		out := append([]string(nil), d.cached...)
		d.mu.Unlock()
		return out, nil
	}
	d.mu.Unlock()

	v, err, _ := d.group.Do("generateContent", func() (interface{}, error) {
		models, err := d.lister.ListModels(ctx, "generateContent")
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cached = models
		d.expires = d.now().Add(d.ttl)
		d.mu.Unlock()
		return models, nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover models: %w", err)
	}
	return append([]string(nil), v.([]string)...), nil
}

// Metrics counts cascade outcomes per candidate model.
type Metrics interface {
	ModelAnswered(model string)
	ModelFailed(model string)
	CascadeExhausted()
}

type nopMetrics struct{}

func (nopMetrics) ModelAnswered(string) {}
func (nopMetrics) ModelFailed(string)   {}
func (nopMetrics) CascadeExhausted()    {}

// Cascade tries each stage's models in order until one answers. A model is
// tried at most once per Run even when several stages list it.
type Cascade struct {
	invoker Invoker
	stages  []Stage
	timeout time.Duration
	log     *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

func NewCascade(invoker Invoker, stages []Stage, timeout time.Duration, log *logger.Logger, tracer trace.Tracer) *Cascade {
	if log == nil {
		log = logger.Nop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if tracer == nil {
		tracer = otel.Tracer("campusgenius/aigen")
	}
	return &Cascade{invoker: invoker, stages: stages, timeout: timeout, log: log, tracer: tracer, metrics: nopMetrics{}}
}

func (c *Cascade) WithMetrics(m Metrics) *Cascade {
	if m != nil {
		c.metrics = m
	}
	return c
}

// Run returns the first successful answer and the model that produced it.
func (c *Cascade) Run(ctx context.Context, prompt string, doc *gemini.FileRef) (string, string, error) {
	tried := make([]string, 0, 8)
	seen := make(map[string]bool)
	var last error

	for _, stage := range c.stages {
		models, err := stage.Models(ctx)
		if err != nil {
			c.log.Warn("model stage unavailable", "stage", stage.Name, "error", err)
			last = err
			continue
		}
		for _, m := range models {
			if m == "" || seen[m] {
				continue
			}
			if err := ctx.Err(); err != nil {
				c.metrics.CascadeExhausted()
				return "", "", &GenerationExhaustedError{Tried: tried, Last: err}
			}
			seen[m] = true
			tried = append(tried, m)

			text, err := c.invoke(ctx, stage.Name, m, prompt, doc)
			if err == nil {
				c.metrics.ModelAnswered(m)
				return text, m, nil
			}
			c.metrics.ModelFailed(m)
			c.log.Warn("model call failed", "stage", stage.Name, "model", m, "error", err)
			last = err
		}
	}
	if last == nil {
		last = errors.New("no candidate models")
	}
	c.metrics.CascadeExhausted()
	return "", "", &GenerationExhaustedError{Tried: tried, Last: last}
}

func (c *Cascade) invoke(ctx context.Context, stage, model, prompt string, doc *gemini.FileRef) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "aigen.candidate", trace.WithAttributes(
		attribute.String("ai.stage", stage),
		attribute.String("ai.model", model),
	))
	defer span.End()

	text, err := c.invoker.Invoke(ctx, model, prompt, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return text, err
}
