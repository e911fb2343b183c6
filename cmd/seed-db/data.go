package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/pricebook/internal/domain/catalog"
	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/price"
	"github.com/xenking/pricebook/internal/domain/rule"
	"github.com/xenking/pricebook/internal/domain/window"
)

// writer is the storage surface seed needs.
type writer interface {
	SaveCatalog(ctx context.Context, c *catalog.Catalog) error
	CreateAssignment(ctx context.Context, a *catalog.Assignment) error
	CreateRecord(ctx context.Context, r *price.Record) error
	SaveOverride(ctx context.Context, o *price.Override) error
	CreateRule(ctx context.Context, r *rule.Rule) error
}

func eur(amount int64) money.Money { return money.New(amount, "EUR") }

func eurPtr(amount int64) *money.Money {
	m := eur(amount)
	return &m
}

func i64(v int64) *int64 { return &v }

func dec(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

var (
	catalogs = []catalog.Catalog{
		{
			ID: "wholesale", Name: "Wholesale", Currency: "EUR", Active: true,
			Adjustment: &catalog.Adjustment{Kind: catalog.AdjustPercentage, Direction: catalog.Decrease, Value: decimal.NewFromInt(10)},
		},
		{ID: "key-account", Name: "Key account", Currency: "EUR", Active: true, TaxIncluded: true},
		{ID: "eu-storefront", Name: "EU storefront", Currency: "EUR", Active: true},
	}

	assignments = []catalog.Assignment{
		{CatalogID: "wholesale", Scope: catalog.ScopeGroup, SubjectID: "b2b", Priority: 10, Active: true},
		{CatalogID: "key-account", Scope: catalog.ScopeCustomer, SubjectID: "cust-acme", Priority: 1, Active: true, OverrideGroupCatalogs: true},
		{CatalogID: "eu-storefront", Scope: catalog.ScopeSite, SubjectID: "S1", Priority: 100, Active: true, IsDefault: true},
	}

	records = []price.Record{
		{VariantID: "V", Price: eur(10000), MinQuantity: 1},
		{VariantID: "V", SiteID: "S1", Price: eur(9000), MinQuantity: 1},
		{VariantID: "V", Price: money.New(11000, "USD"), MinQuantity: 1},
		{VariantID: "W", Price: eur(5000), CompareAtPrice: eurPtr(6000), MinQuantity: 1},
		{VariantID: "W", Price: eur(4500), MinQuantity: 10},
	}

	overrides = []price.Override{
		{
			CatalogID: "wholesale", VariantID: "W", Published: true,
			Price:  eurPtr(4000),
			Breaks: []price.QuantityBreak{{Quantity: 10, Price: eur(3500)}, {Quantity: 50, Price: eur(3000)}},
		},
		{
			CatalogID: "key-account", VariantID: "W", Published: true,
			Price: eurPtr(3800), MinOrderQuantity: 6, QuantityIncrement: 6,
		},
	}
)

func rules(now time.Time) []rule.Rule {
	end := now.AddDate(0, 1, 0)
	return []rule.Rule{
		{
			Name: "10% off carts from 50 EUR", EntityType: rule.EntityCart,
			Conditions:   []rule.Condition{{Kind: rule.KindCartValue, Min: dec(50)}},
			DiscountType: rule.DiscountPercent, Value: decimal.NewFromInt(10),
			Priority: 10, Active: true,
		},
		{
			Name: "5 EUR off variant V", EntityType: rule.EntityVariant, EntityIDs: []string{"V"},
			DiscountType: rule.DiscountFixed, Value: decimal.NewFromInt(5), Currency: "EUR",
			Priority: 5, Active: true,
		},
		{
			Name: "Flash sale, first order only", EntityType: rule.EntityVariant, EntityIDs: []string{"W"},
			Conditions:   []rule.Condition{{Kind: rule.KindChannel, Values: []string{"web"}}},
			DiscountType: rule.DiscountPercent, Value: decimal.NewFromInt(50),
			Priority: 20, StopFurtherRules: true, Active: true,
			UsageLimit: i64(1), Window: window.Window{StartsAt: &now, EndsAt: &end},
		},
		{
			Name: "Loyalty, twice per customer", EntityType: rule.EntityVariant, EntityIDs: []string{"V", "W"},
			Conditions:   []rule.Condition{{Kind: rule.KindCustomerGroup, Values: []string{"loyal"}}},
			DiscountType: rule.DiscountPercent, Value: decimal.NewFromInt(3),
			Priority: 1, Active: true, UsageLimitPerCustomer: i64(2),
		},
	}
}

// seed writes the demonstration data set through w.
func seed(ctx context.Context, w writer) error {
	for i := range catalogs {
		if err := w.SaveCatalog(ctx, &catalogs[i]); err != nil {
			return errors.Wrapf(err, "save catalog %s", catalogs[i].ID)
		}
	}
	for i := range assignments {
		if err := w.CreateAssignment(ctx, &assignments[i]); err != nil {
			return errors.Wrapf(err, "assign catalog %s", assignments[i].CatalogID)
		}
	}
	slog.Info("catalogs seeded", slog.Int("catalogs", len(catalogs)), slog.Int("assignments", len(assignments)))

	for i := range records {
		if err := w.CreateRecord(ctx, &records[i]); err != nil {
			return errors.Wrapf(err, "create record for %s", records[i].VariantID)
		}
	}
	for i := range overrides {
		if err := w.SaveOverride(ctx, &overrides[i]); err != nil {
			return errors.Wrapf(err, "save override of %s", overrides[i].VariantID)
		}
	}
	slog.Info("prices seeded", slog.Int("records", len(records)), slog.Int("overrides", len(overrides)))

	rs := rules(time.Now().UTC().Truncate(time.Second))
	for i := range rs {
		for _, c := range rs[i].Conditions {
			if err := c.Validate(); err != nil {
				return errors.Wrapf(err, "rule %q", rs[i].Name)
			}
		}
		if err := w.CreateRule(ctx, &rs[i]); err != nil {
			return errors.Wrapf(err, "create rule %q", rs[i].Name)
		}
	}
	slog.Info("rules seeded", slog.Int("rules", len(rs)))
	return nil
}
