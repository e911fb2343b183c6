package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/price"
	"github.com/xenking/pricebook/internal/domain/window"
)

const (
	findOverridesSQL = `SELECT o.id, o.catalog_id, o.variant_id, c.currency, o.price, o.compare_at_price,
		o.quantity_breaks, o.min_order_quantity, o.max_order_quantity, o.quantity_increment, o.published
		FROM catalog_product_overrides o
		JOIN catalogs c ON c.id = o.catalog_id
		WHERE o.variant_id = $1 AND o.catalog_id = ANY($2) AND o.published`

	findRecordsSQL = `SELECT id, variant_id, site_id, channel_id, customer_group_id, catalog_id, currency,
		price, compare_at_price, cost, min_quantity, max_quantity, starts_at, ends_at, priority, tax_included,
		rounding
		FROM price_records
		WHERE variant_id = $1 AND currency = $2`

	listCurrenciesSQL = `SELECT DISTINCT currency FROM price_records WHERE variant_id = $1 ORDER BY currency`

	insertOverrideSQL = `INSERT INTO catalog_product_overrides (catalog_id, variant_id, price, compare_at_price,
		quantity_breaks, min_order_quantity, max_order_quantity, quantity_increment, published)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (catalog_id, variant_id) DO UPDATE SET price = EXCLUDED.price,
			compare_at_price = EXCLUDED.compare_at_price, quantity_breaks = EXCLUDED.quantity_breaks,
			min_order_quantity = EXCLUDED.min_order_quantity, max_order_quantity = EXCLUDED.max_order_quantity,
			quantity_increment = EXCLUDED.quantity_increment, published = EXCLUDED.published
		RETURNING id`
)

var recordColumns = []string{
	"variant_id", "site_id", "channel_id", "customer_group_id", "catalog_id", "currency",
	"price", "compare_at_price", "cost", "min_quantity", "max_quantity", "starts_at", "ends_at",
	"priority", "tax_included", "rounding",
}

var _ price.Repository = (*PriceRepository)(nil)

// PriceRepository implements price.Repository backed by PostgreSQL.
type PriceRepository struct {
	pool *pgxpool.Pool
}

// NewPriceRepository returns a PriceRepository that uses the given pool.
func NewPriceRepository(pool *pgxpool.Pool) *PriceRepository {
	return &PriceRepository{pool: pool}
}

// FindOverrides returns published overrides of variantID in the given
// catalogs. Override amounts are in the catalog currency.
func (r *PriceRepository) FindOverrides(ctx context.Context, variantID string, catalogIDs []string) ([]price.Override, error) {
	rows, err := r.pool.Query(ctx, findOverridesSQL, variantID, catalogIDs)
	if err != nil {
		return nil, fmt.Errorf("finding overrides for variant %q: %w", variantID, err)
	}
	out, err := pgx.CollectRows(rows, scanOverride)
	if err != nil {
		return nil, fmt.Errorf("finding overrides for variant %q: %w", variantID, err)
	}
	return out, nil
}

// FindRecords returns every record of variantID in currency. Context and
// schedule filtering happen in the ranking step.
func (r *PriceRepository) FindRecords(ctx context.Context, variantID, currency string) ([]price.Record, error) {
	rows, err := r.pool.Query(ctx, findRecordsSQL, variantID, currency)
	if err != nil {
		return nil, fmt.Errorf("finding price records for variant %q: %w", variantID, err)
	}
	out, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("finding price records for variant %q: %w", variantID, err)
	}
	return out, nil
}

// Currencies lists the currencies variantID has price records in.
func (r *PriceRepository) Currencies(ctx context.Context, variantID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, listCurrenciesSQL, variantID)
	if err != nil {
		return nil, fmt.Errorf("listing currencies for variant %q: %w", variantID, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing currencies for variant %q: %w", variantID, err)
	}
	return out, nil
}

// BatchCopier bulk-inserts one batch of records and returns the row count.
type BatchCopier func(ctx context.Context, records []price.Record) (int64, error)

type copier interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// CopyRecords bulk-inserts records with COPY and returns the row count.
func (r *PriceRepository) CopyRecords(ctx context.Context, records []price.Record) (int64, error) {
	return copyRecords(ctx, r.pool, records)
}

// ImportRecords runs fn inside one transaction. Batches copied through the
// BatchCopier are committed only if fn returns nil.
func (r *PriceRepository) ImportRecords(ctx context.Context, fn func(copyBatch BatchCopier) error) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(func(ctx context.Context, records []price.Record) (int64, error) {
			return copyRecords(ctx, tx, records)
		})
	})
	if err != nil {
		return fmt.Errorf("importing price records: %w", err)
	}
	return nil
}

func copyRecords(ctx context.Context, db copier, records []price.Record) (int64, error) {
	n, err := db.CopyFrom(ctx,
		pgx.Identifier{"price_records"},
		recordColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			return recordValues(&records[i]), nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copying %d price records: %w", len(records), err)
	}
	return n, nil
}

// CreateRecord inserts a single record and sets its generated id.
func (r *PriceRepository) CreateRecord(ctx context.Context, rec *price.Record) error {
	const sql = `INSERT INTO price_records (variant_id, site_id, channel_id, customer_group_id, catalog_id,
		currency, price, compare_at_price, cost, min_quantity, max_quantity, starts_at, ends_at,
		priority, tax_included, rounding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`
	if err := r.pool.QueryRow(ctx, sql, recordValues(rec)...).Scan(&rec.ID); err != nil {
		return fmt.Errorf("creating price record for variant %q: %w", rec.VariantID, err)
	}
	return nil
}

// SaveOverride inserts or replaces the override of a variant in a catalog.
func (r *PriceRepository) SaveOverride(ctx context.Context, o *price.Override) error {
	var fixed, compareAt *int64
	if o.Price != nil {
		fixed = &o.Price.Amount
	}
	if o.CompareAtPrice != nil {
		compareAt = &o.CompareAtPrice.Amount
	}
	increment := max(o.QuantityIncrement, 1)
	err := r.pool.QueryRow(ctx, insertOverrideSQL,
		o.CatalogID, o.VariantID, fixed, compareAt, encodeBreaks(o.Breaks),
		max(o.MinOrderQuantity, 1), o.MaxOrderQuantity, increment, o.Published,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("saving override of variant %q in catalog %q: %w", o.VariantID, o.CatalogID, err)
	}
	return nil
}

func recordValues(r *price.Record) []any {
	var compareAt, cost *int64
	if r.CompareAtPrice != nil {
		compareAt = &r.CompareAtPrice.Amount
	}
	if r.Cost != nil {
		cost = &r.Cost.Amount
	}
	return []any{
		r.VariantID, nullable(r.SiteID), nullable(r.ChannelID), nullable(r.CustomerGroupID),
		nullable(r.CatalogID), r.Price.Currency, r.Price.Amount, compareAt, cost,
		max(r.MinQuantity, 1), r.MaxQuantity, r.Window.StartsAt, r.Window.EndsAt,
		r.Priority, r.TaxIncluded, string(roundingOrDefault(r.Rounding)),
	}
}

func roundingOrDefault(m money.RoundingMode) money.RoundingMode {
	if m == "" {
		return money.HalfEven
	}
	return m
}

func scanRecord(row pgx.CollectableRow) (price.Record, error) {
	var (
		rec                             price.Record
		siteID, channelID, groupID, cat *string
		currency                        string
		amount                          int64
		compareAt, cost                 *int64
		startsAt, endsAt                *time.Time
		rounding                        string
	)
	if err := row.Scan(
		&rec.ID, &rec.VariantID, &siteID, &channelID, &groupID, &cat, &currency,
		&amount, &compareAt, &cost, &rec.MinQuantity, &rec.MaxQuantity, &startsAt, &endsAt,
		&rec.Priority, &rec.TaxIncluded, &rounding,
	); err != nil {
		return rec, err
	}
	mode, err := money.ParseRoundingMode(rounding)
	if err != nil {
		return rec, fmt.Errorf("price record %d: %w", rec.ID, err)
	}
	rec.Rounding = mode
	rec.SiteID = deref(siteID)
	rec.ChannelID = deref(channelID)
	rec.CustomerGroupID = deref(groupID)
	rec.CatalogID = deref(cat)
	rec.Price = money.New(amount, currency)
	rec.CompareAtPrice = optionalMoney(compareAt, currency)
	rec.Cost = optionalMoney(cost, currency)
	rec.Window = window.Window{StartsAt: startsAt, EndsAt: endsAt}
	return rec, nil
}

func scanOverride(row pgx.CollectableRow) (price.Override, error) {
	var (
		o              price.Override
		currency       string
		fixed, compare *int64
		breaks         []byte
	)
	if err := row.Scan(
		&o.ID, &o.CatalogID, &o.VariantID, &currency, &fixed, &compare,
		&breaks, &o.MinOrderQuantity, &o.MaxOrderQuantity, &o.QuantityIncrement, &o.Published,
	); err != nil {
		return price.Override{}, err
	}
	o.Price = optionalMoney(fixed, currency)
	o.CompareAtPrice = optionalMoney(compare, currency)

	parsed, err := decodeBreaks(breaks, currency)
	if err != nil {
		return price.Override{}, fmt.Errorf("override %d: %w", o.ID, err)
	}
	o.Breaks = parsed
	return o, nil
}

func optionalMoney(amount *int64, currency string) *money.Money {
	if amount == nil {
		return nil
	}
	m := money.New(*amount, currency)
	return &m
}

// decodeBreaks parses `[{"quantity":10,"price":900}]` with amounts in minor
// units of currency.
func decodeBreaks(data []byte, currency string) ([]price.QuantityBreak, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []price.QuantityBreak
	d := jx.DecodeBytes(data)
	err := d.Arr(func(d *jx.Decoder) error {
		b := price.QuantityBreak{Price: money.Zero(currency)}
		if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "quantity":
				b.Quantity, err = d.Int64()
			case "price":
				b.Price.Amount, err = d.Int64()
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		if b.Quantity < 1 {
			return errors.Errorf("break quantity %d below 1", b.Quantity)
		}
		out = append(out, b)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode quantity breaks")
	}
	return out, nil
}

func encodeBreaks(breaks []price.QuantityBreak) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, b := range breaks {
		e.ObjStart()
		e.FieldStart("quantity")
		e.Int64(b.Quantity)
		e.FieldStart("price")
		e.Int64(b.Price.Amount)
		e.ObjEnd()
	}
	e.ArrEnd()
	return e.Bytes()
}
