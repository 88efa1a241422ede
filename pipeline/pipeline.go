// Package pipeline runs Frames through ordered steps with hook and retry
// support, and hosts the worker-side task Executor.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
)

// Pipeline executes a sequence of Steps with hook and retry support.
type Pipeline struct {
	steps      []core.Step
	hooks      []core.Hook
	maxRetries int
	retryDelay time.Duration
}

// New returns a Pipeline running steps in order.
func New(steps ...core.Step) *Pipeline {
	return &Pipeline{steps: append([]core.Step(nil), steps...)}
}

// Use appends steps. Returns the same Pipeline for chaining.
func (p *Pipeline) Use(s ...core.Step) *Pipeline {
	p.steps = append(p.steps, s...)
	return p
}

// AddHook registers observers.
func (p *Pipeline) AddHook(h ...core.Hook) *Pipeline {
	p.hooks = append(p.hooks, h...)
	return p
}

// WithRetry sets how often a step failing with a retryable error is re-run.
func (p *Pipeline) WithRetry(maxRetries int, delay time.Duration) *Pipeline {
	p.maxRetries = maxRetries
	p.retryDelay = delay
	return p
}

// Steps lists the step names in execution order.
func (p *Pipeline) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name()
	}
	return names
}

// Run executes the pipeline on f and returns the final frame with per-step
// timings. Steps own the buffers of the frame they receive; on error the
// input frame must not be reused.
func (p *Pipeline) Run(ctx context.Context, f *core.Frame) (*core.Frame, map[string]time.Duration, error) {
	timings := make(map[string]time.Duration, len(p.steps))
	current := f

	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return nil, timings, apperrors.Wrap(apperrors.CategoryPipeline, step.Name(), err)
		}
		next, elapsed, err := p.runStep(ctx, step, current)
		timings[step.Name()] = elapsed
		if err != nil {
			return nil, timings, err
		}
		current = next
	}
	return current, timings, nil
}

// runStep executes one step between hooks, retrying retryable failures.
func (p *Pipeline) runStep(ctx context.Context, step core.Step, f *core.Frame) (out *core.Frame, elapsed time.Duration, err error) {
	for _, h := range p.hooks {
		h.BeforeStep(ctx, step.Name(), f)
	}
	defer func() {
		for _, h := range p.hooks {
			h.AfterStep(ctx, step.Name(), out, elapsed, err)
		}
	}()

	for attempt := 0; ; attempt++ {
		start := time.Now()
		out, err = execute(ctx, step, f)
		elapsed = time.Since(start)
		if err == nil || attempt >= p.maxRetries || !apperrors.IsRetryable(err) {
			return out, elapsed, err
		}
		select {
		case <-ctx.Done():
			return nil, elapsed, apperrors.Wrap(apperrors.CategoryPipeline, step.Name(), ctx.Err())
		case <-time.After(p.retryDelay):
		}
	}
}

// execute turns a panicking step into a pipeline error so callers running
// steps on their own goroutine see an error instead of a crash.
func execute(ctx context.Context, step core.Step, f *core.Frame) (out *core.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = apperrors.WithCode(apperrors.CategoryPipeline, apperrors.CodeUnknown, step.Name(),
				fmt.Errorf("step panicked: %v", r))
		}
	}()
	return step.Execute(ctx, f)
}

// Clone returns a shallow copy so a template pipeline can gain per-call
// hooks without affecting other goroutines.
func (p *Pipeline) Clone() *Pipeline {
	return &Pipeline{
		steps:      append([]core.Step(nil), p.steps...),
		hooks:      append([]core.Hook(nil), p.hooks...),
		maxRetries: p.maxRetries,
		retryDelay: p.retryDelay,
	}
}
