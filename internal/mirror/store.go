package mirror

import (
	"context"
	"encoding/json"
)

// Store is the capability the sync engine needs from the local mirror.
// Relationship rules belong to the store; the engine only asks it to apply
// them after a removal.
type Store interface {
	// Upsert integrates the payload as a create or an update.
	Upsert(ctx context.Context, entity string, payload json.RawMessage) (ChangeSet, error)

	// Remove deletes the referenced entity. Removing an absent entity is not an error.
	Remove(ctx context.Context, entity string, payload json.RawMessage) (ChangeSet, error)

	// ApplyCascades applies the schema's on-delete rules for the given removals
	// and returns the changes they produced.
	ApplyCascades(ctx context.Context, removed ChangeSet) (ChangeSet, error)

	// Reset drops every entity. Used before a fresh full fetch is integrated.
	Reset(ctx context.Context) error
}
