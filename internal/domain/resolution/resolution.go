package resolution

import (
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/price"
	"github.com/xenking/pricebook/internal/domain/rule"
)

// Errors surfaced by Resolve and Confirm.
var (
	ErrPriceNotFound     = price.ErrNotFound
	ErrInvalidCurrency   = price.ErrInvalidCurrency
	ErrInvalidQuantity   = price.ErrInvalidQuantity
	ErrAmbiguousTie      = price.ErrAmbiguousTie
	ErrRuleLimitExceeded = rule.ErrRuleLimitExceeded
	ErrRuleNotFound      = rule.ErrNotFound
	ErrInvalidRequest    = errors.New("invalid request")
)

// Cart describes the rest of the basket for cart-level rule conditions.
type Cart struct {
	Value    *money.Money
	Quantity int64
}

// Request is the pricing context for a single variant.
type Request struct {
	VariantID        string
	ProductID        string
	CategoryIDs      []string
	SiteID           string
	ChannelID        string
	CustomerID       string
	CustomerGroupIDs []string
	Country          string
	Currency         string
	Quantity         int64
	Cart             Cart
	Attributes       map[string]string
	// At is the instant to price at. Zero means now.
	At time.Time
}

// Trail explains how a price was reached.
type Trail struct {
	// CatalogIDs is the resolved catalog list, most preferred first.
	CatalogIDs []string
	// CatalogID is the catalog of the winning override or record, if any.
	CatalogID           string
	Override            bool
	OverrideID          int64
	PriceRecordID       int64
	AdjustedByCatalogID string
	Rules               []rule.Application
}

// Result is a resolved price. It is a preview: no usage has been recorded.
type Result struct {
	VariantID      string
	CustomerID     string
	UnitPrice      money.Money
	BasePrice      money.Money
	CompareAtPrice *money.Money
	Currency       string
	TaxIncluded    bool
	Trail          Trail
	ResolvedAt     time.Time
}

// Confirmation reports the outcome of committing a result's rule usage.
type Confirmation struct {
	OrderID   string
	Committed []int64
	// Replayed lists rules already recorded for the order.
	Replayed []int64
}

// IsReplay reports whether the confirm changed nothing because every rule
// was already recorded for the order.
func (c *Confirmation) IsReplay() bool {
	return len(c.Committed) == 0 && len(c.Replayed) > 0
}
