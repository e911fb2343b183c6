package rule

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/xenking/pricebook/internal/domain/money"
)

// Usage is one recorded application of a rule to an order.
type Usage struct {
	RuleID     int64
	OrderID    string
	CustomerID string
	Discount   money.Money
	CreatedAt  time.Time
}

// CommitResult reports what a Commit did per rule. Replayed lists rules
// already recorded for the order by an earlier commit.
type CommitResult struct {
	Committed []int64
	Replayed  []int64
}

// Ledger tracks rule usage. Commit is atomic across all usages: either
// every rule is recorded or none is. Recording the same (rule, order) pair
// twice is a no-op.
type Ledger interface {
	// CheckEligible reports whether customerID may still use the rule. It
	// never mutates state.
	CheckEligible(ctx context.Context, ruleID int64, customerID string) (bool, error)
	// Commit records usages, returning a *LimitExceededError when any rule
	// has reached a global or per-customer limit.
	Commit(ctx context.Context, usages []Usage) (*CommitResult, error)
}

// Limits is the usage-limit view of a rule consulted by ledgers.
type Limits struct {
	UsageLimit            *int64
	UsageLimitPerCustomer *int64
	UsageCount            int64
}

// Check validates one more use against the limits given the customer's
// prior uses. Guests cannot use rules with a per-customer limit.
func (l Limits) Check(ruleID int64, customerID string, customerUses int64) error {
	if l.UsageLimit != nil && l.UsageCount >= *l.UsageLimit {
		return &LimitExceededError{RuleID: ruleID, Scope: LimitGlobal}
	}
	if l.UsageLimitPerCustomer != nil {
		if customerID == "" || customerUses >= *l.UsageLimitPerCustomer {
			return &LimitExceededError{RuleID: ruleID, Scope: LimitPerCustomer}
		}
	}
	return nil
}

// Normalize sorts usages by rule id and drops repeated rules, keeping the
// first occurrence. Ledgers lock rules in this order.
func Normalize(usages []Usage) []Usage {
	out := slices.Clone(usages)
	slices.SortStableFunc(out, func(a, b Usage) int { return cmp.Compare(a.RuleID, b.RuleID) })
	return slices.CompactFunc(out, func(a, b Usage) bool { return a.RuleID == b.RuleID })
}
