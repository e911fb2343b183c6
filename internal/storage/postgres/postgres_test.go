//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/pricebook/internal/domain/catalog"
	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/price"
	"github.com/xenking/pricebook/internal/domain/resolution"
	"github.com/xenking/pricebook/internal/domain/rule"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("pricebook_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

func i64(v int64) *int64 { return &v }

func eur(amount int64) money.Money { return money.New(amount, "EUR") }

func TestRepositories_ResolveEndToEnd(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)

	catalogs := NewCatalogRepository(pool)
	prices := NewPriceRepository(pool)
	rules := NewRuleRepository(pool)
	ledger := NewLedger(pool)

	require.NoError(t, catalogs.SaveCatalog(ctx, &catalog.Catalog{
		ID: "cat-b2b", Name: "B2B", Currency: "EUR", Active: true, TaxIncluded: true,
		Adjustment: &catalog.Adjustment{
			Kind: catalog.AdjustPercentage, Direction: catalog.Decrease, Value: decimal.NewFromInt(10),
		},
	}))
	require.NoError(t, catalogs.CreateAssignment(ctx, &catalog.Assignment{
		CatalogID: "cat-b2b", Scope: catalog.ScopeGroup, SubjectID: "wholesale", Active: true,
	}))

	_, err := prices.CopyRecords(ctx, []price.Record{
		{VariantID: "var-1", Price: eur(10000), MinQuantity: 1},
		{VariantID: "var-1", SiteID: "site-eu", Price: eur(9000), MinQuantity: 1},
		{VariantID: "var-1", Price: money.New(12000, "USD"), MinQuantity: 1},
		{VariantID: "var-2", Price: eur(5000), MinQuantity: 1},
	})
	require.NoError(t, err)

	require.NoError(t, prices.SaveOverride(ctx, &price.Override{
		CatalogID: "cat-b2b", VariantID: "var-2", Published: true,
		Price:  func() *money.Money { m := eur(4000); return &m }(),
		Breaks: []price.QuantityBreak{{Quantity: 10, Price: eur(3500)}},
	}))

	require.NoError(t, rules.CreateRule(ctx, &rule.Rule{
		Name: "summer", EntityType: rule.EntityVariant, EntityIDs: []string{"var-1"},
		Conditions:   []rule.Condition{{Kind: rule.KindChannel, Values: []string{"web"}}},
		DiscountType: rule.DiscountFixed, Value: decimal.NewFromInt(5), Currency: "EUR",
		Priority: 1, Active: true,
	}))

	svc, err := resolution.NewService(
		catalog.NewResolver(catalogs),
		price.NewStore(prices),
		rule.NewEngine(rules, ledger),
		ledger,
		resolution.Options{},
	)
	require.NoError(t, err)

	req := resolution.Request{
		VariantID: "var-1", SiteID: "site-eu", ChannelID: "web",
		CustomerGroupIDs: []string{"wholesale"}, Currency: "EUR", Quantity: 1,
	}

	res, err := svc.Resolve(ctx, req)
	require.NoError(t, err)
	// 90.00 site price, 10% catalog markdown, then 5.00 off.
	assert.Equal(t, eur(8100), res.BasePrice)
	assert.Equal(t, eur(7600), res.UnitPrice)
	assert.Equal(t, "cat-b2b", res.Trail.AdjustedByCatalogID)
	require.Len(t, res.Trail.Rules, 1)

	req.VariantID = "var-2"
	req.Quantity = 12
	res, err = svc.Resolve(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Trail.Override)
	assert.Equal(t, eur(3500), res.UnitPrice)
	assert.True(t, res.TaxIncluded)

	req.VariantID = "var-2"
	req.Currency = "USD"
	req.Quantity = 1
	_, err = svc.Resolve(ctx, req)
	require.ErrorIs(t, err, resolution.ErrInvalidCurrency)
}

func TestPriceRepository_ImportRecords(t *testing.T) {
	ctx := context.Background()
	prices := NewPriceRepository(newTestPool(t))

	err := prices.ImportRecords(ctx, func(copyBatch BatchCopier) error {
		if _, err := copyBatch(ctx, []price.Record{{VariantID: "var-1", Price: eur(1000), MinQuantity: 1}}); err != nil {
			return err
		}
		return errors.New("stream broke")
	})
	require.ErrorContains(t, err, "stream broke")

	got, err := prices.FindRecords(ctx, "var-1", "EUR")
	require.NoError(t, err)
	assert.Empty(t, got, "rolled back")

	require.NoError(t, prices.ImportRecords(ctx, func(copyBatch BatchCopier) error {
		_, err := copyBatch(ctx, []price.Record{
			{VariantID: "var-1", Price: eur(1015), MinQuantity: 1, Rounding: money.Down},
			{VariantID: "var-1", Price: eur(1100), MinQuantity: 1, SiteID: "site-eu"},
		})
		return err
	}))

	got, err = prices.FindRecords(ctx, "var-1", "EUR")
	require.NoError(t, err)
	require.Len(t, got, 2)
	modes := map[int64]money.RoundingMode{}
	for _, r := range got {
		modes[r.Price.Amount] = r.Rounding
	}
	assert.Equal(t, money.Down, modes[1015])
	assert.Equal(t, money.HalfEven, modes[1100], "column default")
}

func TestLedger_Commit(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	rules := NewRuleRepository(pool)
	ledger := NewLedger(pool)

	create := func(name string, limit, perCustomer *int64) int64 {
		r := &rule.Rule{
			Name: name, EntityType: rule.EntityCart, DiscountType: rule.DiscountPercent,
			Value: decimal.NewFromInt(5), Active: true, UsageLimit: limit, UsageLimitPerCustomer: perCustomer,
		}
		require.NoError(t, rules.CreateRule(ctx, r))
		return r.ID
	}

	usage := func(ruleID int64, orderID, customerID string) rule.Usage {
		return rule.Usage{RuleID: ruleID, OrderID: orderID, CustomerID: customerID, Discount: eur(100), CreatedAt: time.Now()}
	}

	t.Run("replay is idempotent", func(t *testing.T) {
		id := create("replay", i64(10), nil)

		res, err := ledger.Commit(ctx, []rule.Usage{usage(id, "order-1", "cust-1")})
		require.NoError(t, err)
		assert.Equal(t, []int64{id}, res.Committed)

		res, err = ledger.Commit(ctx, []rule.Usage{usage(id, "order-1", "cust-1")})
		require.NoError(t, err)
		assert.Empty(t, res.Committed)
		assert.Equal(t, []int64{id}, res.Replayed)

		var count int64
		require.NoError(t, pool.QueryRow(ctx, `SELECT usage_count FROM price_rules WHERE id = $1`, id).Scan(&count))
		assert.Equal(t, int64(1), count)
	})

	t.Run("per-customer limit", func(t *testing.T) {
		id := create("per-customer", nil, i64(1))

		ok, err := ledger.CheckEligible(ctx, id, "cust-1")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = ledger.Commit(ctx, []rule.Usage{usage(id, "order-a", "cust-1")})
		require.NoError(t, err)

		ok, err = ledger.CheckEligible(ctx, id, "cust-1")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = ledger.Commit(ctx, []rule.Usage{usage(id, "order-b", "cust-1")})
		var le *rule.LimitExceededError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, rule.LimitPerCustomer, le.Scope)

		_, err = ledger.Commit(ctx, []rule.Usage{usage(id, "order-c", "cust-2")})
		require.NoError(t, err)
	})

	t.Run("multi-rule commit is all or nothing", func(t *testing.T) {
		open := create("open", nil, nil)
		exhausted := create("exhausted", i64(1), nil)
		_, err := ledger.Commit(ctx, []rule.Usage{usage(exhausted, "order-x", "cust-1")})
		require.NoError(t, err)

		_, err = ledger.Commit(ctx, []rule.Usage{
			usage(open, "order-y", "cust-2"),
			usage(exhausted, "order-y", "cust-2"),
		})
		require.ErrorIs(t, err, rule.ErrRuleLimitExceeded)

		var n int64
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) FROM price_rule_usages WHERE rule_id = $1`, open).Scan(&n))
		assert.Zero(t, n, "open rule must not be recorded")
	})

	t.Run("concurrent commits respect global limit", func(t *testing.T) {
		id := create("flash-sale", i64(1), nil)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			exceeded  int
		)
		for i, customer := range []string{"cust-a", "cust-b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ledger.Commit(ctx, []rule.Usage{usage(id, "order-race-"+string(rune('0'+i)), customer)})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case assert.ErrorIs(t, err, rule.ErrRuleLimitExceeded):
					exceeded++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, 1, exceeded)
	})
}
