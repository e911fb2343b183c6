package catalog

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/window"
)

// ErrNotFound is returned when a requested catalog does not exist.
var ErrNotFound = errors.New("catalog not found")

// AdjustmentKind selects how a catalog-wide adjustment is computed.
type AdjustmentKind string

const (
	AdjustPercentage AdjustmentKind = "percentage"
	AdjustFixed      AdjustmentKind = "fixed"
)

// AdjustmentDirection selects whether an adjustment raises or lowers prices.
type AdjustmentDirection string

const (
	Increase AdjustmentDirection = "increase"
	Decrease AdjustmentDirection = "decrease"
)

// Adjustment is a catalog-wide markup or markdown applied to prices that are
// not catalog-specific. Value is a percentage for AdjustPercentage and an
// amount in major units of the catalog currency for AdjustFixed.
type Adjustment struct {
	Kind      AdjustmentKind
	Direction AdjustmentDirection
	Value     decimal.Decimal
}

// Apply adjusts price. The result never drops below zero.
func (a *Adjustment) Apply(price money.Money, mode money.RoundingMode) (money.Money, error) {
	var delta money.Money
	switch a.Kind {
	case AdjustPercentage:
		delta = price.Percent(a.Value, mode)
	case AdjustFixed:
		d, err := money.FromMajor(a.Value, price.Currency, mode)
		if err != nil {
			return money.Money{}, errors.Wrap(err, "convert adjustment")
		}
		delta = d
	default:
		return money.Money{}, errors.Errorf("unsupported adjustment kind: %q", a.Kind)
	}

	switch a.Direction {
	case Increase:
		price.Amount += delta.Amount
	case Decrease:
		price.Amount -= delta.Amount
	default:
		return money.Money{}, errors.Errorf("unsupported adjustment direction: %q", a.Direction)
	}
	return price.FloorAtZero(), nil
}

// Catalog is a named, assignable collection of catalog-specific prices and
// price overrides.
type Catalog struct {
	ID          string
	Name        string
	Currency    string
	Adjustment  *Adjustment
	Rounding    money.RoundingMode
	TaxIncluded bool
	Active      bool
	Window      window.Window
	DeletedAt   *time.Time
}

// AvailableAt reports whether the catalog is active, not deleted and inside
// its publish window at t.
func (c *Catalog) AvailableAt(t time.Time) bool {
	return c.Active && c.DeletedAt == nil && c.Window.Contains(t)
}

// Scope identifies who an assignment targets.
type Scope string

const (
	ScopeCustomer Scope = "customer"
	ScopeGroup    Scope = "customer_group"
	ScopeSite     Scope = "site"
)

// specificity orders scopes for tie-breaking: customer before group before site.
func (s Scope) specificity() int {
	switch s {
	case ScopeCustomer:
		return 0
	case ScopeGroup:
		return 1
	default:
		return 2
	}
}

// Assignment binds a catalog to a customer, a customer group or a site.
// SiteID and ChannelID optionally narrow customer and group assignments.
type Assignment struct {
	ID                    int64
	CatalogID             string
	Scope                 Scope
	SubjectID             string
	SiteID                string
	ChannelID             string
	Priority              int
	Active                bool
	IsDefault             bool
	OverrideGroupCatalogs bool
	Window                window.Window

	Catalog Catalog
}

// AssignmentQuery selects the candidate assignments for a pricing context.
type AssignmentQuery struct {
	CustomerID string
	GroupIDs   []string
	SiteID     string
}

// Repository defines read operations for catalogs and their assignments.
type Repository interface {
	// FindAssignments returns every assignment whose subject matches the
	// query, joined with its catalog. Status and schedule filtering is left
	// to the caller.
	FindAssignments(ctx context.Context, q AssignmentQuery) ([]Assignment, error)
	GetByID(ctx context.Context, id string) (*Catalog, error)
}
