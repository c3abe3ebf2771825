// Package agentstore persists agent personas. [MemStore] keeps personas in
// memory and is used when no database is configured; [PostgresStore] stores
// them in a single call_agents table with JSONB columns for structured fields.
//
// Personas declared in the config file are written into the store at startup
// with [Seed], so a database can extend but never lose the configured set.
package agentstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/switchboard/internal/agent"
)

// Store provides CRUD operations for agent personas.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves a persona by id. Returns (nil, nil) if not found.
	Get(ctx context.Context, id string) (*agent.Agent, error)

	// List returns all personas ordered by id.
	List(ctx context.Context) ([]agent.Agent, error)

	// Upsert creates or replaces a persona. The persona is validated first.
	Upsert(ctx context.Context, a *agent.Agent) error

	// Delete removes a persona. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
}

// Seed upserts every persona in agents into s.
func Seed(ctx context.Context, s Store, agents []agent.Agent) error {
	var errs []error
	for i := range agents {
		if err := s.Upsert(ctx, &agents[i]); err != nil {
			errs = append(errs, fmt.Errorf("agentstore: seed %q: %w", agents[i].ID, err))
		}
	}
	return errors.Join(errs...)
}
