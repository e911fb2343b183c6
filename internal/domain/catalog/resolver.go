package catalog

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/pricebook/internal/domain/window"
)

// Context is the subset of the pricing context used for catalog resolution.
type Context struct {
	CustomerID string
	GroupIDs   []string
	SiteID     string
	ChannelID  string
	At         time.Time
}

// Resolution is the ordered list of catalogs applying to a context, most
// preferred first.
type Resolution struct {
	Catalogs []Catalog

	// Boundaries holds every schedule boundary of the assignments and
	// catalogs considered, used to bound cache lifetimes.
	Boundaries []time.Time
}

// IDs returns the catalog ids in preference order.
func (r *Resolution) IDs() []string {
	ids := make([]string, len(r.Catalogs))
	for i, c := range r.Catalogs {
		ids[i] = c.ID
	}
	return ids
}

// Primary returns the most preferred catalog, if any.
func (r *Resolution) Primary() (Catalog, bool) {
	if len(r.Catalogs) == 0 {
		return Catalog{}, false
	}
	return r.Catalogs[0], true
}

// Resolver determines which catalogs apply to a pricing context.
type Resolver struct {
	repo Repository
}

// NewResolver creates a Resolver backed by the given Repository.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the applicable catalogs ordered by assignment priority
// (lower first), then scope specificity, then assignment id. A direct
// customer assignment flagged OverrideGroupCatalogs discards all group and
// site assignments.
func (r *Resolver) Resolve(ctx context.Context, c Context) (*Resolution, error) {
	all, err := r.repo.FindAssignments(ctx, AssignmentQuery{
		CustomerID: c.CustomerID,
		GroupIDs:   c.GroupIDs,
		SiteID:     c.SiteID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "find assignments")
	}

	res := &Resolution{}
	windows := make([]window.Window, 0, 2*len(all))

	var direct, inherited []Assignment
	for _, a := range all {
		if !r.relevant(a, c) {
			continue
		}
		windows = append(windows, a.Window, a.Catalog.Window)
		if !a.Active || !a.Window.Contains(c.At) || !a.Catalog.AvailableAt(c.At) {
			continue
		}
		if a.Scope == ScopeCustomer {
			direct = append(direct, a)
		} else {
			inherited = append(inherited, a)
		}
	}
	res.Boundaries = window.Boundaries(windows...)

	selected := direct
	if !slices.ContainsFunc(direct, func(a Assignment) bool { return a.OverrideGroupCatalogs }) {
		selected = append(selected, inherited...)
	}

	slices.SortFunc(selected, compareAssignments)

	seen := make(map[string]struct{}, len(selected))
	for _, a := range selected {
		if _, ok := seen[a.CatalogID]; ok {
			continue
		}
		seen[a.CatalogID] = struct{}{}
		res.Catalogs = append(res.Catalogs, a.Catalog)
	}
	return res, nil
}

// relevant reports whether an assignment targets the context at all,
// regardless of status or schedule.
func (r *Resolver) relevant(a Assignment, c Context) bool {
	switch a.Scope {
	case ScopeCustomer:
		if c.CustomerID == "" || a.SubjectID != c.CustomerID {
			return false
		}
	case ScopeGroup:
		if !slices.Contains(c.GroupIDs, a.SubjectID) {
			return false
		}
	case ScopeSite:
		if !a.IsDefault || c.SiteID == "" || a.SubjectID != c.SiteID {
			return false
		}
	default:
		return false
	}
	if a.SiteID != "" && a.SiteID != c.SiteID {
		return false
	}
	if a.ChannelID != "" && a.ChannelID != c.ChannelID {
		return false
	}
	return true
}

func compareAssignments(a, b Assignment) int {
	return cmp.Or(
		cmp.Compare(a.Priority, b.Priority),
		cmp.Compare(a.Scope.specificity(), b.Scope.specificity()),
		cmp.Compare(a.ID, b.ID),
	)
}
