package ops

import (
	"context"

	"github.com/luno/flowmap/api"
)

// ViewStateStore persists advisory per-view state (filter mode, subnet,
// layer selection, refresh rate, viewport) keyed by a stable namespace.
// Everything in it is safe to lose.
type ViewStateStore interface {
	SaveViewState(ctx context.Context, namespace string, st api.ToolbarState) error
	LoadViewState(ctx context.Context, namespace string) (api.ToolbarState, bool, error)
}
