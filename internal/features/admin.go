package features

import (
	"context"
	"fmt"
)

// Toggles is the toggle store as seen by the admin surface.
type Toggles interface {
	Get(chatScope int64, feature string) bool
	Set(ctx context.Context, chatScope int64, feature string, enabled bool) error
}

// Status is one row of a feature listing.
type Status struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// Admin validates toggle requests against the registry.
type Admin struct {
	registry *Registry
	toggles  Toggles
}

// NewAdmin creates the administration surface.
func NewAdmin(r *Registry, t Toggles) *Admin {
	return &Admin{registry: r, toggles: t}
}

// Registry returns the registry used for validation.
func (a *Admin) Registry() *Registry { return a.registry }

// SetFeature switches one feature for one chat. Unknown names fail with
// ErrUnknownFeature; store errors (backpressure) are passed through after the
// in-memory state has changed.
func (a *Admin) SetFeature(ctx context.Context, chatScope int64, name string, enabled bool) error {
	if !a.registry.Has(name) {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	return a.toggles.Set(ctx, chatScope, name, enabled)
}

// ListFeatures returns every registered feature with its state in chatScope,
// in registration order.
func (a *Admin) ListFeatures(chatScope int64) []Status {
	out := make([]Status, 0, a.registry.Len())
	for _, d := range a.registry.list {
		out = append(out, Status{
			Name:        d.Name,
			Description: d.Description,
			Enabled:     a.toggles.Get(chatScope, d.Name),
		})
	}
	return out
}
