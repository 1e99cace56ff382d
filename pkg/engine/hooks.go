package engine

import (
	"context"

	"github.com/docrel/docrel/pkg/storage"
)

// SaveHook runs around a write. Pre-save hooks receive the document about to
// be inserted, or the update document about to be applied, and may mutate
// it; returning an error rejects the write before anything is persisted.
// Post-save hooks receive the persisted document.
type SaveHook func(ctx context.Context, doc storage.Document) error

// DeleteHook runs around a delete. Pre-delete hooks receive the filter and
// may reject the delete; post-delete hooks receive the removed document.
type DeleteHook func(ctx context.Context, doc storage.Document) error

// hookSet holds the hooks registered for one collection. Registration
// happens during startup, before the engine serves traffic; the slices are
// read-only afterwards.
type hookSet struct {
	preSave    []SaveHook
	postSave   []SaveHook
	preDelete  []DeleteHook
	postDelete []DeleteHook
}

func runSaveHooks(ctx context.Context, collection, name string, hooks []SaveHook, doc storage.Document) error {
	for _, h := range hooks {
		if err := h(ctx, doc); err != nil {
			return &HookError{Collection: collection, Hook: name, Err: err}
		}
	}
	return nil
}

func runDeleteHooks(ctx context.Context, collection, name string, hooks []DeleteHook, doc storage.Document) error {
	for _, h := range hooks {
		if err := h(ctx, doc); err != nil {
			return &HookError{Collection: collection, Hook: name, Err: err}
		}
	}
	return nil
}

// PreSave registers a hook running before inserts and updates are persisted.
func (c *Collection) PreSave(h SaveHook) *Collection {
	c.hooks.preSave = append(c.hooks.preSave, h)
	return c
}

// PostSave registers a hook running after inserts and updates are persisted.
func (c *Collection) PostSave(h SaveHook) *Collection {
	c.hooks.postSave = append(c.hooks.postSave, h)
	return c
}

// PreDelete registers a hook running before deletes.
func (c *Collection) PreDelete(h DeleteHook) *Collection {
	c.hooks.preDelete = append(c.hooks.preDelete, h)
	return c
}

// PostDelete registers a hook running after a document was removed.
func (c *Collection) PostDelete(h DeleteHook) *Collection {
	c.hooks.postDelete = append(c.hooks.postDelete, h)
	return c
}
