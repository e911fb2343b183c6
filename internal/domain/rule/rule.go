package rule

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/window"
)

// Sentinel errors for rule evaluation and usage accounting.
var (
	ErrNotFound          = errors.New("price rule not found")
	ErrRuleLimitExceeded = errors.New("price rule usage limit exceeded")
)

// LimitScope identifies which usage limit a commit would exceed.
type LimitScope string

const (
	LimitGlobal      LimitScope = "global"
	LimitPerCustomer LimitScope = "per_customer"
)

// LimitExceededError reports the rule whose usage limit blocked a commit.
type LimitExceededError struct {
	RuleID int64
	Scope  LimitScope
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("price rule %d: %s usage limit exceeded", e.RuleID, e.Scope)
}

// Is lets errors.Is match ErrRuleLimitExceeded.
func (e *LimitExceededError) Is(target error) bool { return target == ErrRuleLimitExceeded }

// EntityType selects what a rule targets.
type EntityType string

const (
	EntityVariant  EntityType = "variant"
	EntityProduct  EntityType = "product"
	EntityCategory EntityType = "category"
	EntityCart     EntityType = "cart"
)

// DiscountType selects how a rule changes the running price.
type DiscountType string

const (
	DiscountPercent  DiscountType = "percent"
	DiscountFixed    DiscountType = "fixed"
	DiscountOverride DiscountType = "override"
)

// Rule is a conditional price modifier layered on top of the base price.
// Value is a percentage for DiscountPercent and an amount in major units of
// Currency for DiscountFixed and DiscountOverride.
type Rule struct {
	ID                    int64
	Name                  string
	EntityType            EntityType
	EntityIDs             []string
	Conditions            []Condition
	DiscountType          DiscountType
	Value                 decimal.Decimal
	Currency              string
	Priority              int
	StopFurtherRules      bool
	Active                bool
	Window                window.Window
	UsageLimit            *int64
	UsageLimitPerCustomer *int64
	UsageCount            int64
}

// ActiveAt reports whether the rule is enabled and scheduled at t.
func (r *Rule) ActiveAt(t time.Time) bool {
	return r.Active && r.Window.Contains(t)
}

// HasCapacity reports whether the global usage limit still allows a use.
func (r *Rule) HasCapacity() bool {
	return r.UsageLimit == nil || r.UsageCount < *r.UsageLimit
}

// AppliesTo reports whether the rule targets the priced item. An empty
// entity list matches everything; cart rules match every line.
func (r *Rule) AppliesTo(t Target) bool {
	if len(r.EntityIDs) == 0 {
		return true
	}
	switch r.EntityType {
	case EntityVariant:
		return slices.Contains(r.EntityIDs, t.VariantID)
	case EntityProduct:
		return t.ProductID != "" && slices.Contains(r.EntityIDs, t.ProductID)
	case EntityCategory:
		return slices.ContainsFunc(t.CategoryIDs, func(id string) bool {
			return slices.Contains(r.EntityIDs, id)
		})
	case EntityCart:
		return true
	default:
		return false
	}
}

// apply computes the price after this rule, rounding with mode. It reports
// false when the rule cannot act on a price in this currency.
func (r *Rule) apply(price money.Money, mode money.RoundingMode) (money.Money, bool, error) {
	switch r.DiscountType {
	case DiscountPercent:
		off := price.Percent(r.Value, mode)
		return money.New(price.Amount-off.Amount, price.Currency).FloorAtZero(), true, nil
	case DiscountFixed:
		if r.Currency != price.Currency {
			return price, false, nil
		}
		off, err := money.FromMajor(r.Value, r.Currency, mode)
		if err != nil {
			return price, false, errors.Wrapf(err, "rule %d", r.ID)
		}
		return money.New(price.Amount-off.Amount, price.Currency).FloorAtZero(), true, nil
	case DiscountOverride:
		if r.Currency != price.Currency {
			return price, false, nil
		}
		fixed, err := money.FromMajor(r.Value, r.Currency, mode)
		if err != nil {
			return price, false, errors.Wrapf(err, "rule %d", r.ID)
		}
		return fixed.FloorAtZero(), true, nil
	default:
		return price, false, errors.Errorf("unsupported discount type: %q", r.DiscountType)
	}
}

// Target identifies the priced item.
type Target struct {
	VariantID   string
	ProductID   string
	CategoryIDs []string
}

// Repository defines read operations for price rules.
type Repository interface {
	// FindActive returns the enabled rules whose schedule contains at.
	FindActive(ctx context.Context, at time.Time) ([]Rule, error)
}
