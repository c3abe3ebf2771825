package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] failed or
// was skipped by its breaker. The member errors are joined onto it.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the breaker created for each group member. The
// breaker name is set to the member name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable providers, each behind
// its own breaker. Members are added during setup; after that the group is
// read-only.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	members []member[T]
}

// NewFallbackGroup returns a group whose first member is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a member. Members are tried in the order added.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := g.cfg.CircuitBreaker
	cbCfg.Name = name
	g.members = append(g.members, member[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Primary returns the first member.
func (g *FallbackGroup[T]) Primary() T { return g.members[0].value }

// Names returns the member names in order.
func (g *FallbackGroup[T]) Names() []string {
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.name
	}
	return names
}

// Breaker returns the breaker of the named member, or nil.
func (g *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	for _, m := range g.members {
		if m.name == name {
			return m.breaker
		}
	}
	return nil
}

// Run calls fn on each member in order until one succeeds. A failure caused
// by ctx ending stops the walk and is not held against the member: a caller
// barging in must not push the stage onto its fallback.
func Run[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, m := range g.members {
		var (
			out     R
			callErr error
		)
		err := m.breaker.Execute(func() error {
			out, callErr = fn(ctx, m.value)
			if callErr != nil && ctx.Err() != nil {
				return nil
			}
			return callErr
		})
		if err == nil && callErr == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			if callErr != nil {
				return zero, callErr
			}
			return zero, ctx.Err()
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider with open breaker", "provider", m.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Do is [Run] for calls without a result.
func Do[T any](ctx context.Context, g *FallbackGroup[T], fn func(context.Context, T) error) error {
	_, err := Run(ctx, g, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}
