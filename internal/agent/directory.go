package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownAgent is returned by [Directory.Resolve] when no persona has the
// requested id.
var ErrUnknownAgent = errors.New("agent: unknown agent")

// Source looks up personas by id. It returns (nil, nil) when the id is not
// known. agentstore.Store satisfies it.
type Source interface {
	Get(ctx context.Context, id string) (*Agent, error)
}

// Directory decides which persona answers a call. Calls that do not name an
// agent get the default.
//
// Directory is safe for concurrent use when its Source is.
type Directory struct {
	src       Source
	defaultID string
}

// NewDirectory returns a Directory backed by src. defaultID names the persona
// used when a call does not specify one.
func NewDirectory(src Source, defaultID string) *Directory {
	return &Directory{src: src, defaultID: defaultID}
}

// DefaultID returns the id of the fallback persona.
func (d *Directory) DefaultID() string { return d.defaultID }

// Resolve returns the persona with the given id, or the default persona when
// id is empty.
func (d *Directory) Resolve(ctx context.Context, id string) (Agent, error) {
	if id == "" {
		id = d.defaultID
	}
	a, err := d.src.Get(ctx, id)
	if err != nil {
		return Agent{}, fmt.Errorf("agent: resolve %q: %w", id, err)
	}
	if a == nil {
		return Agent{}, fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	return *a, nil
}
