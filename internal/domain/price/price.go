package price

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/window"
)

// Sentinel errors for price lookup.
var (
	ErrNotFound        = errors.New("price not found")
	ErrInvalidCurrency = errors.New("variant not priced in requested currency")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrAmbiguousTie    = errors.New("ambiguous price tie")
)

// AmbiguousTieError reports two price records with identical ranking keys.
// It indicates a data-integrity problem rather than a caller error.
type AmbiguousTieError struct {
	VariantID string
	RecordIDs [2]int64
}

func (e *AmbiguousTieError) Error() string {
	return fmt.Sprintf("ambiguous price tie for variant %s between records %d and %d",
		e.VariantID, e.RecordIDs[0], e.RecordIDs[1])
}

// Is lets errors.Is match ErrAmbiguousTie.
func (e *AmbiguousTieError) Is(target error) bool { return target == ErrAmbiguousTie }

// QuantityError reports a quantity rejected by a catalog override's order
// constraints.
type QuantityError struct {
	Quantity int64
	Reason   string
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d: %s", e.Quantity, e.Reason)
}

// Is lets errors.Is match ErrInvalidQuantity.
func (e *QuantityError) Is(target error) bool { return target == ErrInvalidQuantity }

// Record is a base price for a variant, optionally narrowed to a site,
// channel, customer group or catalog. Empty dimensions match any context.
type Record struct {
	ID              int64
	VariantID       string
	SiteID          string
	ChannelID       string
	CustomerGroupID string
	CatalogID       string
	Price           money.Money
	CompareAtPrice  *money.Money
	Cost            *money.Money
	MinQuantity     int64
	MaxQuantity     *int64
	Window          window.Window
	Priority        int
	TaxIncluded     bool
	// Rounding resolves fractional minor units when rules discount this
	// price. Empty means half-even.
	Rounding money.RoundingMode
}

// Specificity counts the context dimensions the record is narrowed to.
func (r *Record) Specificity() int {
	n := 0
	for _, dim := range []string{r.SiteID, r.ChannelID, r.CustomerGroupID, r.CatalogID} {
		if dim != "" {
			n++
		}
	}
	return n
}

// QuantityBreak is a tiered unit price effective from Quantity units upward.
type QuantityBreak struct {
	Quantity int64
	Price    money.Money
}

// Override is a catalog-specific price for a variant. It supersedes all
// generic price records when its catalog is resolved.
type Override struct {
	ID                int64
	CatalogID         string
	VariantID         string
	Price             *money.Money
	CompareAtPrice    *money.Money
	Breaks            []QuantityBreak
	MinOrderQuantity  int64
	MaxOrderQuantity  *int64
	QuantityIncrement int64
	Published         bool
}

// Tiers returns the override's quantity breaks in ascending order, with the
// fixed price acting as an implicit break at quantity 1.
func (o *Override) Tiers() []QuantityBreak {
	tiers := make([]QuantityBreak, 0, len(o.Breaks)+1)
	if o.Price != nil {
		tiers = append(tiers, QuantityBreak{Quantity: 1, Price: *o.Price})
	}
	for _, b := range o.Breaks {
		if o.Price != nil && b.Quantity == 1 {
			continue
		}
		tiers = append(tiers, b)
	}
	slices.SortFunc(tiers, func(a, b QuantityBreak) int {
		return cmp.Compare(a.Quantity, b.Quantity)
	})
	return tiers
}

// CheckQuantity validates qty against the override's order constraints.
func (o *Override) CheckQuantity(qty int64) error {
	if o.MinOrderQuantity > 0 && qty < o.MinOrderQuantity {
		return &QuantityError{Quantity: qty, Reason: fmt.Sprintf("below minimum order quantity %d", o.MinOrderQuantity)}
	}
	if o.MaxOrderQuantity != nil && qty > *o.MaxOrderQuantity {
		return &QuantityError{Quantity: qty, Reason: fmt.Sprintf("above maximum order quantity %d", *o.MaxOrderQuantity)}
	}
	if o.QuantityIncrement > 1 {
		base := max(o.MinOrderQuantity, 1)
		if (qty-base)%o.QuantityIncrement != 0 {
			return &QuantityError{Quantity: qty, Reason: fmt.Sprintf("not a multiple of increment %d", o.QuantityIncrement)}
		}
	}
	return nil
}

// Repository defines read operations for price records and overrides.
type Repository interface {
	// FindOverrides returns the published overrides of variantID for the
	// given catalogs.
	FindOverrides(ctx context.Context, variantID string, catalogIDs []string) ([]Override, error)
	// FindRecords returns every record of variantID in currency, regardless
	// of schedule or context.
	FindRecords(ctx context.Context, variantID, currency string) ([]Record, error)
	// Currencies lists the currencies variantID has any price record in.
	Currencies(ctx context.Context, variantID string) ([]string, error)
}

// Query describes the pricing context for a base price lookup.
type Query struct {
	VariantID string
	// Catalogs is the resolved catalog list, most preferred first.
	Catalogs []string
	SiteID   string
	// ChannelID and GroupIDs narrow generic records.
	ChannelID string
	GroupIDs  []string
	Currency  string
	Quantity  int64
	At        time.Time
}
