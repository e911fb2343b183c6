package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pricebook/internal/domain/rule"
)

const (
	eligibilitySQL = `SELECT r.usage_limit, r.usage_limit_per_customer, r.usage_count,
		(SELECT count(*) FROM price_rule_usages u WHERE u.rule_id = r.id AND u.customer_id = $2)
		FROM price_rules r WHERE r.id = $1`

	lockRuleSQL = `SELECT usage_limit, usage_limit_per_customer, usage_count
		FROM price_rules WHERE id = $1 FOR UPDATE`

	usageExistsSQL = `SELECT EXISTS (SELECT 1 FROM price_rule_usages WHERE rule_id = $1 AND order_id = $2)`

	countCustomerUsesSQL = `SELECT count(*) FROM price_rule_usages WHERE rule_id = $1 AND customer_id = $2`

	insertUsageSQL = `INSERT INTO price_rule_usages (id, rule_id, order_id, customer_id, discount_amount,
		currency, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	incrementUsageSQL = `UPDATE price_rules SET usage_count = usage_count + 1 WHERE id = $1 RETURNING usage_count`
)

var _ rule.Ledger = (*Ledger)(nil)

// Ledger implements rule.Ledger with row locks on price_rules. Rules are
// locked in ascending id order so concurrent multi-rule commits cannot
// deadlock.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger returns a Ledger that uses the given pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// CheckEligible reports whether customerID may still use the rule.
func (l *Ledger) CheckEligible(ctx context.Context, ruleID int64, customerID string) (bool, error) {
	var (
		limits rule.Limits
		uses   int64
	)
	err := l.pool.QueryRow(ctx, eligibilitySQL, ruleID, customerID).
		Scan(&limits.UsageLimit, &limits.UsageLimitPerCustomer, &limits.UsageCount, &uses)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, rule.ErrNotFound
		}
		return false, fmt.Errorf("checking eligibility of rule %d: %w", ruleID, err)
	}
	return limits.Check(ruleID, customerID, uses) == nil, nil
}

// Commit records every usage in one transaction or none at all.
func (l *Ledger) Commit(ctx context.Context, usages []rule.Usage) (*rule.CommitResult, error) {
	usages = rule.Normalize(usages)
	res := &rule.CommitResult{}

	err := pgx.BeginTxFunc(ctx, l.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		for _, u := range usages {
			replayed, err := commitOne(ctx, tx, u)
			if err != nil {
				return err
			}
			if replayed {
				res.Replayed = append(res.Replayed, u.RuleID)
			} else {
				res.Committed = append(res.Committed, u.RuleID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// commitOne locks the rule row, skips (rule, order) pairs already recorded,
// validates limits, then inserts the usage and bumps the counter.
func commitOne(ctx context.Context, tx pgx.Tx, u rule.Usage) (bool, error) {
	var limits rule.Limits
	if err := tx.QueryRow(ctx, lockRuleSQL, u.RuleID).
		Scan(&limits.UsageLimit, &limits.UsageLimitPerCustomer, &limits.UsageCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, errors.Wrapf(rule.ErrNotFound, "rule %d", u.RuleID)
		}
		return false, fmt.Errorf("locking rule %d: %w", u.RuleID, err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, usageExistsSQL, u.RuleID, u.OrderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking usage of rule %d for order %q: %w", u.RuleID, u.OrderID, err)
	}
	if exists {
		return true, nil
	}

	var uses int64
	if limits.UsageLimitPerCustomer != nil && u.CustomerID != "" {
		if err := tx.QueryRow(ctx, countCustomerUsesSQL, u.RuleID, u.CustomerID).Scan(&uses); err != nil {
			return false, fmt.Errorf("counting uses of rule %d: %w", u.RuleID, err)
		}
	}
	if err := limits.Check(u.RuleID, u.CustomerID, uses); err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, insertUsageSQL,
		uuid.New(), u.RuleID, u.OrderID, nullable(u.CustomerID), u.Discount.Amount, u.Discount.Currency, u.CreatedAt,
	); err != nil {
		return false, fmt.Errorf("inserting usage of rule %d: %w", u.RuleID, err)
	}

	var count int64
	if err := tx.QueryRow(ctx, incrementUsageSQL, u.RuleID).Scan(&count); err != nil {
		return false, fmt.Errorf("incrementing usage of rule %d: %w", u.RuleID, err)
	}
	if limits.UsageLimit != nil && count > *limits.UsageLimit {
		return false, &rule.LimitExceededError{RuleID: u.RuleID, Scope: rule.LimitGlobal}
	}
	return false, nil
}
