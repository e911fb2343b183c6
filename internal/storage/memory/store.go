// Package memory provides an in-process implementation of the pricing
// repositories and rule usage ledger, used by tests and the dev server.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xenking/pricebook/internal/domain/catalog"
	"github.com/xenking/pricebook/internal/domain/price"
	"github.com/xenking/pricebook/internal/domain/rule"
)

var (
	_ catalog.Repository = (*Store)(nil)
	_ price.Repository   = (*Store)(nil)
	_ rule.Repository    = (*Store)(nil)
)

// Store holds catalogs, prices and rules in memory. It is safe for
// concurrent use.
type Store struct {
	mu          sync.RWMutex
	catalogs    map[string]catalog.Catalog
	assignments []catalog.Assignment
	records     []price.Record
	overrides   []price.Override
	rules       map[int64]*rule.Rule
	seq         int64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		catalogs: make(map[string]catalog.Catalog),
		rules:    make(map[int64]*rule.Rule),
	}
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// PutCatalog inserts or replaces a catalog.
func (s *Store) PutCatalog(c catalog.Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalogs[c.ID] = c
}

// AddAssignment stores an assignment, assigning an id when unset.
func (s *Store) AddAssignment(a catalog.Assignment) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.nextID()
	}
	s.assignments = append(s.assignments, a)
	return a.ID
}

// AddRecord stores a price record, assigning an id when unset.
func (s *Store) AddRecord(r price.Record) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.nextID()
	}
	s.records = append(s.records, r)
	return r.ID
}

// PutOverride inserts or replaces the override of a variant in a catalog.
func (s *Store) PutOverride(o price.Override) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == 0 {
		o.ID = s.nextID()
	}
	s.overrides = slices.DeleteFunc(s.overrides, func(e price.Override) bool {
		return e.CatalogID == o.CatalogID && e.VariantID == o.VariantID
	})
	s.overrides = append(s.overrides, o)
	return o.ID
}

// AddRule stores a rule, assigning an id when unset.
func (s *Store) AddRule(r rule.Rule) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.nextID()
	}
	s.rules[r.ID] = &r
	return r.ID
}

// FindAssignments returns assignments whose subject matches q, joined with
// the current state of their catalog.
func (s *Store) FindAssignments(_ context.Context, q catalog.AssignmentQuery) ([]catalog.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []catalog.Assignment
	for _, a := range s.assignments {
		var hit bool
		switch a.Scope {
		case catalog.ScopeCustomer:
			hit = q.CustomerID != "" && a.SubjectID == q.CustomerID
		case catalog.ScopeGroup:
			hit = slices.Contains(q.GroupIDs, a.SubjectID)
		case catalog.ScopeSite:
			hit = q.SiteID != "" && a.SubjectID == q.SiteID
		}
		if !hit {
			continue
		}
		c, ok := s.catalogs[a.CatalogID]
		if !ok {
			continue
		}
		a.Catalog = c
		out = append(out, a)
	}
	return out, nil
}

// GetByID returns a catalog by id.
func (s *Store) GetByID(_ context.Context, id string) (*catalog.Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.catalogs[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &c, nil
}

// FindOverrides returns published overrides of variantID in catalogIDs.
func (s *Store) FindOverrides(_ context.Context, variantID string, catalogIDs []string) ([]price.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []price.Override
	for _, o := range s.overrides {
		if o.VariantID == variantID && o.Published && slices.Contains(catalogIDs, o.CatalogID) {
			out = append(out, o)
		}
	}
	return out, nil
}

// FindRecords returns every record of variantID in currency.
func (s *Store) FindRecords(_ context.Context, variantID, currency string) ([]price.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []price.Record
	for _, r := range s.records {
		if r.VariantID == variantID && r.Price.Currency == currency {
			out = append(out, r)
		}
	}
	return out, nil
}

// Currencies lists the currencies variantID is priced in.
func (s *Store) Currencies(_ context.Context, variantID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, r := range s.records {
		if r.VariantID == variantID && !slices.Contains(out, r.Price.Currency) {
			out = append(out, r.Price.Currency)
		}
	}
	slices.Sort(out)
	return out, nil
}

// FindActive returns copies of the enabled rules scheduled at at.
func (s *Store) FindActive(_ context.Context, at time.Time) ([]rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]rule.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.ActiveAt(at) {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b rule.Rule) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}
