package storage

import (
	"context"
	"slices"
	"strings"

	"github.com/rhuss/promptrun/pkg/api"
)

// Default and maximum page sizes for ListRuns.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListOptions controls pagination, filtering and ordering of ListRuns.
type ListOptions struct {
	After  string        // Cursor: return runs after this ID.
	Before string        // Cursor: return runs before this ID.
	Limit  int           // Page size (default 20, max 100).
	Model  string        // Only runs for this model.
	Status api.RunStatus // Only runs in this status.
	Order  string        // "asc" or "desc" (default) by creation time.
}

// EffectiveLimit clamps Limit into [1, MaxListLimit].
func (o ListOptions) EffectiveLimit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	}
	return o.Limit
}

// Ascending reports whether the oldest run comes first.
func (o ListOptions) Ascending() bool {
	return strings.EqualFold(o.Order, "asc")
}

// Matches applies the model and status filters.
func (o ListOptions) Matches(r *api.Run) bool {
	if o.Model != "" && r.Model != o.Model {
		return false
	}
	if o.Status != "" && r.Status != o.Status {
		return false
	}
	return true
}

// RunStore persists pipeline runs. Every method honours the tenant in ctx:
// runs of other tenants behave as if they did not exist.
type RunStore interface {
	// SaveRun stores a finished run. It returns ErrConflict when the ID
	// is taken.
	SaveRun(ctx context.Context, run *api.Run) error

	// GetRun returns a run by ID, or ErrNotFound.
	GetRun(ctx context.Context, id string) (*api.Run, error)

	// ListRuns returns one page of runs.
	ListRuns(ctx context.Context, opts ListOptions) (*api.RunList, error)

	// DeleteRun removes a run, or returns ErrNotFound.
	DeleteRun(ctx context.Context, id string) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases connections and resources.
	Close() error
}

// Paginate applies cursors and the limit to runs, which must already be
// filtered and sorted, and builds the list envelope.
func Paginate(runs []*api.Run, opts ListOptions) *api.RunList {
	switch {
	case opts.After != "":
		idx := slices.IndexFunc(runs, func(r *api.Run) bool { return r.ID == opts.After })
		if idx < 0 {
			runs = nil
		} else {
			runs = runs[idx+1:]
		}
	case opts.Before != "":
		idx := slices.IndexFunc(runs, func(r *api.Run) bool { return r.ID == opts.Before })
		if idx <= 0 {
			runs = nil
		} else {
			runs = runs[:idx]
		}
	}

	limit := opts.EffectiveLimit()
	hasMore := len(runs) > limit
	if hasMore {
		runs = runs[:limit]
	}
	return NewRunList(runs, hasMore)
}

// NewRunList wraps a page of runs.
func NewRunList(runs []*api.Run, hasMore bool) *api.RunList {
	list := &api.RunList{Object: "list", Data: runs, HasMore: hasMore}
	if list.Data == nil {
		list.Data = []*api.Run{}
	}
	if len(runs) > 0 {
		list.FirstID = runs[0].ID
		list.LastID = runs[len(runs)-1].ID
	}
	return list
}
