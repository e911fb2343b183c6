package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/pricebook/internal/domain/catalog"
	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/window"
)

const (
	catalogColumns = `c.id, c.name, c.currency, c.adjustment_kind, c.adjustment_direction,
		c.adjustment_value, c.rounding, c.tax_included, c.active, c.starts_at, c.ends_at, c.deleted_at`

	getCatalogSQL = `SELECT ` + catalogColumns + ` FROM catalogs c WHERE c.id = $1`

	findAssignmentsSQL = `SELECT a.id, a.catalog_id, a.scope, a.subject_id, a.site_id, a.channel_id,
		a.priority, a.active, a.is_default, a.override_group_catalogs, a.starts_at, a.ends_at,
		` + catalogColumns + `
		FROM catalog_assignments a
		JOIN catalogs c ON c.id = a.catalog_id
		WHERE (a.scope = 'customer' AND a.subject_id = $1)
		   OR (a.scope = 'customer_group' AND a.subject_id = ANY($2))
		   OR (a.scope = 'site' AND a.subject_id = $3)
		ORDER BY a.id`

	insertCatalogSQL = `INSERT INTO catalogs (id, name, currency, adjustment_kind, adjustment_direction,
		adjustment_value, rounding, tax_included, active, starts_at, ends_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, currency = EXCLUDED.currency,
			adjustment_kind = EXCLUDED.adjustment_kind, adjustment_direction = EXCLUDED.adjustment_direction,
			adjustment_value = EXCLUDED.adjustment_value, rounding = EXCLUDED.rounding,
			tax_included = EXCLUDED.tax_included, active = EXCLUDED.active,
			starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at, deleted_at = EXCLUDED.deleted_at`

	insertAssignmentSQL = `INSERT INTO catalog_assignments (catalog_id, scope, subject_id, site_id, channel_id,
		priority, active, is_default, override_group_catalogs, starts_at, ends_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`
)

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Repository backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// FindAssignments returns all assignments targeting the customer, any of
// the groups or the site, joined with their catalogs.
func (r *CatalogRepository) FindAssignments(ctx context.Context, q catalog.AssignmentQuery) ([]catalog.Assignment, error) {
	rows, err := r.pool.Query(ctx, findAssignmentsSQL, q.CustomerID, q.GroupIDs, q.SiteID)
	if err != nil {
		return nil, fmt.Errorf("finding catalog assignments: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanAssignment)
	if err != nil {
		return nil, fmt.Errorf("finding catalog assignments: %w", err)
	}
	return out, nil
}

// GetByID returns a single catalog, including soft-deleted ones.
func (r *CatalogRepository) GetByID(ctx context.Context, id string) (*catalog.Catalog, error) {
	rows, err := r.pool.Query(ctx, getCatalogSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting catalog %q: %w", id, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (catalog.Catalog, error) {
		var s catalogScan
		if err := row.Scan(s.dest()...); err != nil {
			return catalog.Catalog{}, err
		}
		return s.catalog()
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("getting catalog %q: %w", id, err)
	}
	return &c, nil
}

// SaveCatalog inserts or replaces a catalog.
func (r *CatalogRepository) SaveCatalog(ctx context.Context, c *catalog.Catalog) error {
	var (
		kind, direction *string
		value           decimal.NullDecimal
	)
	if c.Adjustment != nil {
		kind = nullable(string(c.Adjustment.Kind))
		direction = nullable(string(c.Adjustment.Direction))
		value = decimal.NewNullDecimal(c.Adjustment.Value)
	}
	_, err := r.pool.Exec(ctx, insertCatalogSQL,
		c.ID, c.Name, c.Currency, kind, direction, value, string(roundingOrDefault(c.Rounding)),
		c.TaxIncluded, c.Active, c.Window.StartsAt, c.Window.EndsAt, c.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("saving catalog %q: %w", c.ID, err)
	}
	return nil
}

// CreateAssignment inserts an assignment and sets its generated id.
func (r *CatalogRepository) CreateAssignment(ctx context.Context, a *catalog.Assignment) error {
	err := r.pool.QueryRow(ctx, insertAssignmentSQL,
		a.CatalogID, string(a.Scope), a.SubjectID, nullable(a.SiteID), nullable(a.ChannelID),
		a.Priority, a.Active, a.IsDefault, a.OverrideGroupCatalogs, a.Window.StartsAt, a.Window.EndsAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("creating assignment for catalog %q: %w", a.CatalogID, err)
	}
	return nil
}

// catalogScan holds the nullable catalog columns before mapping.
type catalogScan struct {
	c         catalog.Catalog
	kind      *string
	direction *string
	value     decimal.NullDecimal
	rounding  string
	startsAt  *time.Time
	endsAt    *time.Time
}

func (s *catalogScan) dest() []any {
	return []any{
		&s.c.ID, &s.c.Name, &s.c.Currency, &s.kind, &s.direction,
		&s.value, &s.rounding, &s.c.TaxIncluded, &s.c.Active, &s.startsAt, &s.endsAt, &s.c.DeletedAt,
	}
}

func (s *catalogScan) catalog() (catalog.Catalog, error) {
	c := s.c
	c.Window = window.Window{StartsAt: s.startsAt, EndsAt: s.endsAt}
	mode, err := money.ParseRoundingMode(s.rounding)
	if err != nil {
		return catalog.Catalog{}, fmt.Errorf("catalog %q: %w", c.ID, err)
	}
	c.Rounding = mode
	if s.kind != nil && s.direction != nil && s.value.Valid {
		c.Adjustment = &catalog.Adjustment{
			Kind:      catalog.AdjustmentKind(*s.kind),
			Direction: catalog.AdjustmentDirection(*s.direction),
			Value:     s.value.Decimal,
		}
	}
	return c, nil
}

func scanAssignment(row pgx.CollectableRow) (catalog.Assignment, error) {
	var (
		a                 catalog.Assignment
		scope             string
		siteID, channelID *string
		startsAt, endsAt  *time.Time
		c                 catalogScan
	)
	dest := append([]any{
		&a.ID, &a.CatalogID, &scope, &a.SubjectID, &siteID, &channelID,
		&a.Priority, &a.Active, &a.IsDefault, &a.OverrideGroupCatalogs, &startsAt, &endsAt,
	}, c.dest()...)
	if err := row.Scan(dest...); err != nil {
		return catalog.Assignment{}, err
	}

	cat, err := c.catalog()
	if err != nil {
		return catalog.Assignment{}, err
	}
	a.Scope = catalog.Scope(scope)
	a.SiteID = deref(siteID)
	a.ChannelID = deref(channelID)
	a.Window = window.Window{StartsAt: startsAt, EndsAt: endsAt}
	a.Catalog = cat
	return a, nil
}
