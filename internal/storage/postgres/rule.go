package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pricebook/internal/domain/rule"
	"github.com/xenking/pricebook/internal/domain/window"
)

const (
	ruleColumns = `id, name, entity_type, entity_ids, conditions, discount_type, discount_value, currency,
		priority, stop_further_rules, active, starts_at, ends_at, usage_limit, usage_limit_per_customer,
		usage_count`

	findActiveRulesSQL = `SELECT ` + ruleColumns + `
		FROM price_rules
		WHERE active
		  AND (starts_at IS NULL OR starts_at <= $1)
		  AND (ends_at IS NULL OR ends_at > $1)
		ORDER BY priority DESC, id`

	insertRuleSQL = `INSERT INTO price_rules (name, entity_type, entity_ids, conditions, discount_type,
		discount_value, currency, priority, stop_further_rules, active, starts_at, ends_at,
		usage_limit, usage_limit_per_customer)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`
)

var _ rule.Repository = (*RuleRepository)(nil)

// RuleRepository implements rule.Repository backed by PostgreSQL.
type RuleRepository struct {
	pool *pgxpool.Pool
}

// NewRuleRepository returns a RuleRepository that uses the given pool.
func NewRuleRepository(pool *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{pool: pool}
}

// FindActive returns enabled rules scheduled at the given instant.
func (r *RuleRepository) FindActive(ctx context.Context, at time.Time) ([]rule.Rule, error) {
	rows, err := r.pool.Query(ctx, findActiveRulesSQL, at)
	if err != nil {
		return nil, fmt.Errorf("finding active price rules: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanRule)
	if err != nil {
		return nil, fmt.Errorf("finding active price rules: %w", err)
	}
	return out, nil
}

// CreateRule inserts a rule and sets its generated id.
func (r *RuleRepository) CreateRule(ctx context.Context, ru *rule.Rule) error {
	entityIDs := ru.EntityIDs
	if entityIDs == nil {
		entityIDs = []string{}
	}
	err := r.pool.QueryRow(ctx, insertRuleSQL,
		ru.Name, string(ru.EntityType), entityIDs, rule.EncodeConditions(ru.Conditions),
		string(ru.DiscountType), ru.Value, nullable(ru.Currency), ru.Priority, ru.StopFurtherRules,
		ru.Active, ru.Window.StartsAt, ru.Window.EndsAt, ru.UsageLimit, ru.UsageLimitPerCustomer,
	).Scan(&ru.ID)
	if err != nil {
		return fmt.Errorf("creating price rule %q: %w", ru.Name, err)
	}
	return nil
}

func scanRule(row pgx.CollectableRow) (rule.Rule, error) {
	var (
		ru               rule.Rule
		entityType       string
		discountType     string
		conditions       []byte
		currency         *string
		startsAt, endsAt *time.Time
	)
	if err := row.Scan(
		&ru.ID, &ru.Name, &entityType, &ru.EntityIDs, &conditions, &discountType, &ru.Value, &currency,
		&ru.Priority, &ru.StopFurtherRules, &ru.Active, &startsAt, &endsAt, &ru.UsageLimit,
		&ru.UsageLimitPerCustomer, &ru.UsageCount,
	); err != nil {
		return rule.Rule{}, err
	}

	conds, err := rule.DecodeConditions(conditions)
	if err != nil {
		return rule.Rule{}, fmt.Errorf("rule %d: %w", ru.ID, err)
	}
	ru.EntityType = rule.EntityType(entityType)
	ru.DiscountType = rule.DiscountType(discountType)
	ru.Conditions = conds
	ru.Currency = deref(currency)
	ru.Window = window.Window{StartsAt: startsAt, EndsAt: endsAt}
	return ru, nil
}
