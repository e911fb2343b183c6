package price

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/window"
)

// Source identifies where a base price came from.
type Source string

const (
	SourceOverride Source = "override"
	SourceRecord   Source = "record"
)

// Match is the winning base price for a query.
type Match struct {
	Price          money.Money
	CompareAtPrice *money.Money
	Source         Source
	CatalogID      string
	OverrideID     int64
	RecordID       int64
	// TaxIncluded is set from the winning record. Overrides inherit the
	// flag from their catalog, which the caller knows.
	TaxIncluded bool
	// Rounding is set from the winning record. Overrides use their
	// catalog's mode.
	Rounding money.RoundingMode
	// Boundaries holds the schedule boundaries of every record considered.
	Boundaries []time.Time
}

// Store resolves base prices from catalog overrides and price records.
type Store struct {
	repo Repository
}

// NewStore creates a Store backed by the given Repository.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// Lookup returns the base price for q. A published override of a resolved
// catalog wins outright, scanning catalogs in preference order. Otherwise
// the generic records are filtered and ranked.
func (s *Store) Lookup(ctx context.Context, q Query) (*Match, error) {
	if q.Quantity < 1 {
		return nil, &QuantityError{Quantity: q.Quantity, Reason: "must be at least 1"}
	}

	m, err := s.lookupOverride(ctx, q)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}

	return s.lookupRecord(ctx, q)
}

func (s *Store) lookupOverride(ctx context.Context, q Query) (*Match, error) {
	if len(q.Catalogs) == 0 {
		return nil, nil
	}

	overrides, err := s.repo.FindOverrides(ctx, q.VariantID, q.Catalogs)
	if err != nil {
		return nil, errors.Wrap(err, "find overrides")
	}
	byCatalog := make(map[string]*Override, len(overrides))
	for i := range overrides {
		byCatalog[overrides[i].CatalogID] = &overrides[i]
	}

	for _, catalogID := range q.Catalogs {
		o, ok := byCatalog[catalogID]
		if !ok || !o.Published {
			continue
		}
		tiers := o.Tiers()
		if len(tiers) == 0 || tiers[0].Price.Currency != q.Currency {
			continue
		}
		if err := o.CheckQuantity(q.Quantity); err != nil {
			return nil, err
		}
		p, ok := SelectTier(tiers, q.Quantity)
		if !ok {
			continue
		}
		return &Match{
			Price:          p,
			CompareAtPrice: o.CompareAtPrice,
			Source:         SourceOverride,
			CatalogID:      o.CatalogID,
			OverrideID:     o.ID,
		}, nil
	}
	return nil, nil
}

func (s *Store) lookupRecord(ctx context.Context, q Query) (*Match, error) {
	records, err := s.repo.FindRecords(ctx, q.VariantID, q.Currency)
	if err != nil {
		return nil, errors.Wrap(err, "find records")
	}
	if len(records) == 0 {
		return nil, s.missingCurrency(ctx, q)
	}

	ranked, err := Rank(records, q)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, ErrNotFound
	}

	windows := make([]window.Window, len(records))
	for i := range records {
		windows[i] = records[i].Window
	}

	win := ranked[0]
	return &Match{
		Price:          win.Price,
		CompareAtPrice: win.CompareAtPrice,
		Source:         SourceRecord,
		CatalogID:      win.CatalogID,
		RecordID:       win.ID,
		TaxIncluded:    win.TaxIncluded,
		Rounding:       win.Rounding,
		Boundaries:     window.Boundaries(windows...),
	}, nil
}

// missingCurrency distinguishes a variant with no prices at all from one
// priced only in other currencies.
func (s *Store) missingCurrency(ctx context.Context, q Query) error {
	currencies, err := s.repo.Currencies(ctx, q.VariantID)
	if err != nil {
		return errors.Wrap(err, "list currencies")
	}
	if len(currencies) > 0 {
		return errors.Wrapf(ErrInvalidCurrency, "%s priced in %v", q.Currency, currencies)
	}
	return ErrNotFound
}
