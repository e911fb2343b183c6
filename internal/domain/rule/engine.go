package rule

import (
	"cmp"
	"context"
	"slices"

	"github.com/go-faster/errors"

	"github.com/xenking/pricebook/internal/domain/money"
)

// Application records one rule applied during evaluation. Discount is the
// amount the rule took off the running price; override rules that raise
// the price yield a negative discount.
type Application struct {
	RuleID   int64
	Discount money.Money
}

// Outcome is the result of evaluating rules against a base price.
type Outcome struct {
	Price   money.Money
	Applied []Application
}

// Input carries everything rule evaluation depends on.
type Input struct {
	Base money.Money
	// Rounding applies to percent and fixed discounts. Empty means
	// half-even.
	Rounding money.RoundingMode
	Target   Target
	Context  Context
}

// Engine applies price rules to a base price. Evaluation is read-only:
// usage is recorded separately through the Ledger at confirm time.
type Engine struct {
	rules  Repository
	ledger Ledger
}

// NewEngine creates an Engine backed by the given Repository and Ledger.
func NewEngine(rules Repository, ledger Ledger) *Engine {
	return &Engine{rules: rules, ledger: ledger}
}

// Apply evaluates every applicable rule in priority order (higher first,
// then id) and returns the final price with the trail of applied rules.
// A rule flagged StopFurtherRules ends evaluation once applied.
func (e *Engine) Apply(ctx context.Context, in Input) (*Outcome, error) {
	rules, err := e.rules.FindActive(ctx, in.Context.At)
	if err != nil {
		return nil, errors.Wrap(err, "find active rules")
	}

	candidates := make([]*Rule, 0, len(rules))
	for i := range rules {
		r := &rules[i]
		if !r.ActiveAt(in.Context.At) || !r.HasCapacity() || !r.AppliesTo(in.Target) {
			continue
		}
		if !MatchAll(r.Conditions, &in.Context) {
			continue
		}
		candidates = append(candidates, r)
	}
	slices.SortFunc(candidates, func(a, b *Rule) int {
		return cmp.Or(cmp.Compare(b.Priority, a.Priority), cmp.Compare(a.ID, b.ID))
	})

	out := &Outcome{Price: in.Base}
	for _, r := range candidates {
		if r.UsageLimitPerCustomer != nil {
			if in.Context.CustomerID == "" {
				continue
			}
			ok, err := e.ledger.CheckEligible(ctx, r.ID, in.Context.CustomerID)
			if err != nil {
				return nil, errors.Wrapf(err, "check eligibility of rule %d", r.ID)
			}
			if !ok {
				continue
			}
		}

		next, applied, err := r.apply(out.Price, in.Rounding)
		if err != nil {
			return nil, err
		}
		if !applied {
			continue
		}
		out.Applied = append(out.Applied, Application{
			RuleID:   r.ID,
			Discount: money.New(out.Price.Amount-next.Amount, out.Price.Currency),
		})
		out.Price = next

		if r.StopFurtherRules {
			break
		}
	}
	return out, nil
}
