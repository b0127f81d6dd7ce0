// Package store persists flow definitions. Definitions are versioned:
// every update creates a new immutable version, and runs reference the
// version they executed.
package store

import (
	"context"
	"errors"

	"github.com/prompthouse/flowkit/flow"
)

// Store errors.
var (
	ErrFlowNotFound    = errors.New("flow not found")
	ErrVersionNotFound = errors.New("flow version not found")
	ErrFlowExists      = errors.New("flow already exists")
)

// FlowStore manages versioned flow definitions.
type FlowStore interface {
	// Create stores a new flow as version "1". A missing ID is assigned;
	// an existing ID is ErrFlowExists.
	Create(ctx context.Context, def *flow.FlowDefinition) (*flow.FlowDefinition, error)

	// Get returns the latest version of a flow.
	Get(ctx context.Context, id string) (*flow.FlowDefinition, error)

	// GetVersion returns one specific version of a flow.
	GetVersion(ctx context.Context, id, version string) (*flow.FlowDefinition, error)

	// Update stores def as the next version of an existing flow and
	// returns the stored copy with its assigned version.
	Update(ctx context.Context, def *flow.FlowDefinition) (*flow.FlowDefinition, error)

	// Delete removes a flow and all its versions.
	Delete(ctx context.Context, id string) error

	// List returns the latest version of every flow, ordered by id.
	List(ctx context.Context) ([]*flow.FlowDefinition, error)

	// ListVersions returns all versions of a flow, oldest first.
	ListVersions(ctx context.Context, id string) ([]*flow.FlowDefinition, error)
}
