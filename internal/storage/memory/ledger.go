package memory

import (
	"context"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/pricebook/internal/domain/rule"
)

var _ rule.Ledger = (*Ledger)(nil)

type usageKey struct {
	ruleID  int64
	orderID string
}

// Ledger implements rule.Ledger on top of a Store. Each rule has its own
// mutex; commits lock the rules they touch in ascending id order.
type Ledger struct {
	store *Store

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	mu          sync.RWMutex
	usages      map[usageKey]rule.Usage
	perCustomer map[int64]map[string]int64
}

// NewLedger returns a Ledger recording usage of the store's rules.
func NewLedger(store *Store) *Ledger {
	return &Ledger{
		store:       store,
		locks:       make(map[int64]*sync.Mutex),
		usages:      make(map[usageKey]rule.Usage),
		perCustomer: make(map[int64]map[string]int64),
	}
}

func (l *Ledger) lockFor(ruleID int64) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[ruleID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[ruleID] = m
	}
	return m
}

func (l *Ledger) limits(ruleID int64) (rule.Limits, error) {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()
	r, ok := l.store.rules[ruleID]
	if !ok {
		return rule.Limits{}, errors.Wrapf(rule.ErrNotFound, "rule %d", ruleID)
	}
	return rule.Limits{
		UsageLimit:            r.UsageLimit,
		UsageLimitPerCustomer: r.UsageLimitPerCustomer,
		UsageCount:            r.UsageCount,
	}, nil
}

func (l *Ledger) customerUses(ruleID int64, customerID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.perCustomer[ruleID][customerID]
}

// CheckEligible reports whether customerID may still use the rule.
func (l *Ledger) CheckEligible(_ context.Context, ruleID int64, customerID string) (bool, error) {
	lim, err := l.limits(ruleID)
	if err != nil {
		return false, err
	}
	return lim.Check(ruleID, customerID, l.customerUses(ruleID, customerID)) == nil, nil
}

// Commit validates every usage under its rule lock, then applies them all.
func (l *Ledger) Commit(ctx context.Context, usages []rule.Usage) (*rule.CommitResult, error) {
	usages = rule.Normalize(usages)

	for _, u := range usages {
		m := l.lockFor(u.RuleID)
		m.Lock()
		defer m.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &rule.CommitResult{}
	var pending []rule.Usage
	for _, u := range usages {
		l.mu.RLock()
		_, replay := l.usages[usageKey{u.RuleID, u.OrderID}]
		l.mu.RUnlock()
		if replay {
			res.Replayed = append(res.Replayed, u.RuleID)
			continue
		}

		lim, err := l.limits(u.RuleID)
		if err != nil {
			return nil, err
		}
		if err := lim.Check(u.RuleID, u.CustomerID, l.customerUses(u.RuleID, u.CustomerID)); err != nil {
			return nil, err
		}
		pending = append(pending, u)
	}

	l.store.mu.Lock()
	l.mu.Lock()
	for _, u := range pending {
		l.usages[usageKey{u.RuleID, u.OrderID}] = u
		if u.CustomerID != "" {
			if l.perCustomer[u.RuleID] == nil {
				l.perCustomer[u.RuleID] = make(map[string]int64)
			}
			l.perCustomer[u.RuleID][u.CustomerID]++
		}
		l.store.rules[u.RuleID].UsageCount++
		res.Committed = append(res.Committed, u.RuleID)
	}
	l.mu.Unlock()
	l.store.mu.Unlock()

	return res, nil
}
