package resolution

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/pricebook/internal/domain/catalog"
	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/price"
	"github.com/xenking/pricebook/internal/domain/rule"
	"github.com/xenking/pricebook/internal/domain/window"
)

const instrumentationName = "github.com/xenking/pricebook/internal/domain/resolution"

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	// Cache stores base quotes. Nil disables caching.
	Cache Cache
	// CacheTTL caps how long a base quote is cached.
	CacheTTL time.Duration
	// TimeBucket is the granularity of the resolution instant in cache keys.
	TimeBucket time.Duration
	// ConfirmTimeout bounds a ledger commit.
	ConfirmTimeout time.Duration

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

func (o *Options) setDefaults() {
	if o.CacheTTL <= 0 {
		o.CacheTTL = 30 * time.Second
	}
	if o.TimeBucket <= 0 {
		o.TimeBucket = time.Minute
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 5 * time.Second
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	if o.MeterProvider == nil {
		o.MeterProvider = otel.GetMeterProvider()
	}
}

// Service orchestrates price resolution: catalogs, base price, catalog
// adjustment, then rules.
type Service struct {
	catalogs *catalog.Resolver
	prices   *price.Store
	rules    *rule.Engine
	ledger   rule.Ledger

	cache   Cache
	group   singleflight.Group
	opts    Options
	tracer  trace.Tracer
	metrics *metrics
	now     func() time.Time
}

// NewService creates a pricing Service from its domain components.
func NewService(
	catalogs *catalog.Resolver,
	prices *price.Store,
	rules *rule.Engine,
	ledger rule.Ledger,
	opts Options,
) (*Service, error) {
	opts.setDefaults()
	m, err := newMetrics(opts.MeterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	return &Service{
		catalogs: catalogs,
		prices:   prices,
		rules:    rules,
		ledger:   ledger,
		cache:    opts.Cache,
		opts:     opts,
		tracer:   opts.TracerProvider.Tracer(instrumentationName),
		metrics:  m,
		now:      time.Now,
	}, nil
}

// Resolve prices one variant for the request context. Rule effects are
// previewed only; call Confirm once the order is placed.
func (s *Service) Resolve(ctx context.Context, req Request) (_ *Result, rerr error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "pricing.Resolve", trace.WithAttributes(
		attribute.String("pricing.variant_id", req.VariantID),
		attribute.String("pricing.currency", req.Currency),
		attribute.Int64("pricing.quantity", req.Quantity),
	))
	defer func() {
		attrs := metric.WithAttributes(attribute.String("outcome", outcome(rerr)))
		s.metrics.resolves.Add(ctx, 1, attrs)
		s.metrics.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if err := s.normalize(&req); err != nil {
		return nil, err
	}

	q, err := s.base(ctx, &req)
	if err != nil {
		if errors.Is(err, ErrAmbiguousTie) {
			zctx.From(ctx).Error("Ambiguous price tie",
				zap.String("variant_id", req.VariantID),
				zap.String("currency", req.Currency),
				zap.Error(err),
			)
		}
		return nil, err
	}

	out, err := s.rules.Apply(ctx, rule.Input{
		Base:     q.Price,
		Rounding: q.Rounding,
		Target: rule.Target{
			VariantID:   req.VariantID,
			ProductID:   req.ProductID,
			CategoryIDs: req.CategoryIDs,
		},
		Context: rule.Context{
			CustomerID: req.CustomerID,
			GroupIDs:   req.CustomerGroupIDs,
			SiteID:     req.SiteID,
			ChannelID:  req.ChannelID,
			Country:    req.Country,
			CartValue:  req.Cart.Value,
			Quantity:   req.Quantity,
			Attributes: req.Attributes,
			At:         req.At,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "apply rules")
	}

	span.SetAttributes(
		attribute.Int64("pricing.unit_price", out.Price.Amount),
		attribute.Int("pricing.rules_applied", len(out.Applied)),
	)

	return &Result{
		VariantID:      req.VariantID,
		CustomerID:     req.CustomerID,
		UnitPrice:      out.Price,
		BasePrice:      q.Price,
		CompareAtPrice: q.CompareAt,
		Currency:       req.Currency,
		TaxIncluded:    q.TaxIncluded,
		Trail: Trail{
			CatalogIDs:          slices.Clone(q.CatalogIDs),
			CatalogID:           q.CatalogID,
			Override:            q.Override,
			OverrideID:          q.OverrideID,
			PriceRecordID:       q.RecordID,
			AdjustedByCatalogID: q.AdjustedBy,
			Rules:               out.Applied,
		},
		ResolvedAt: req.At,
	}, nil
}

func (s *Service) normalize(req *Request) error {
	if req.VariantID == "" {
		return errors.Wrap(ErrInvalidRequest, "variant id required")
	}
	if req.Quantity < 1 {
		return &price.QuantityError{Quantity: req.Quantity, Reason: "must be at least 1"}
	}
	cur, err := money.Normalize(req.Currency)
	if err != nil {
		return errors.Wrapf(ErrInvalidCurrency, "%q", req.Currency)
	}
	req.Currency = cur
	if req.Cart.Value != nil {
		cartCur, err := money.Normalize(req.Cart.Value.Currency)
		if err != nil || cartCur != cur {
			return errors.Wrapf(ErrInvalidRequest, "cart value in %q, expected %s", req.Cart.Value.Currency, cur)
		}
		v := money.New(req.Cart.Value.Amount, cartCur)
		req.Cart.Value = &v
	}
	if req.At.IsZero() {
		req.At = s.now()
	}
	req.At = req.At.UTC()
	req.Country = strings.ToUpper(req.Country)
	return nil
}

// base returns the rule-independent quote, consulting the cache when one is
// configured. Concurrent identical misses share one computation.
func (s *Service) base(ctx context.Context, req *Request) (*baseQuote, error) {
	if s.cache == nil {
		return s.computeBase(ctx, req)
	}

	lg := zctx.From(ctx)
	bucket := req.At.Truncate(s.opts.TimeBucket)
	key := cacheKey(req, bucket)

	data, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		lg.Warn("Base price cache read failed", zap.String("key", key), zap.Error(err))
	case ok:
		q, err := decodeBaseQuote(data)
		if err == nil {
			s.metrics.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "hit")))
			return q, nil
		}
		lg.Warn("Discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
	}
	s.metrics.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "miss")))

	ch := s.group.DoChan(key, func() (any, error) {
		// Shared by every caller of key, so it must outlive any one of them.
		ctx := context.WithoutCancel(ctx)
		q, err := s.computeBase(ctx, req)
		if err != nil {
			return nil, err
		}
		ttl, ok := cacheTTL(q, req.At, bucket, s.opts.TimeBucket, s.opts.CacheTTL)
		if !ok {
			return q, nil
		}
		if err := s.cache.Set(ctx, key, q.encode(), ttl); err != nil {
			lg.Warn("Base price cache write failed", zap.String("key", key), zap.Error(err))
		}
		return q, nil
	})

	var r singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		return nil, r.Err
	}
	q := r.Val.(*baseQuote)

	// A shared quote computed at another instant is only valid here when no
	// boundary splits the bucket.
	if r.Shared && window.AnyWithin(q.Boundaries, bucket, bucket.Add(s.opts.TimeBucket)) {
		return s.computeBase(ctx, req)
	}
	return q, nil
}

func (s *Service) computeBase(ctx context.Context, req *Request) (*baseQuote, error) {
	res, err := s.catalogs.Resolve(ctx, catalog.Context{
		CustomerID: req.CustomerID,
		GroupIDs:   req.CustomerGroupIDs,
		SiteID:     req.SiteID,
		ChannelID:  req.ChannelID,
		At:         req.At,
	})
	if err != nil {
		return nil, errors.Wrap(err, "resolve catalogs")
	}

	m, err := s.prices.Lookup(ctx, price.Query{
		VariantID: req.VariantID,
		Catalogs:  res.IDs(),
		SiteID:    req.SiteID,
		ChannelID: req.ChannelID,
		GroupIDs:  req.CustomerGroupIDs,
		Currency:  req.Currency,
		Quantity:  req.Quantity,
		At:        req.At,
	})
	if err != nil {
		return nil, err
	}

	q := &baseQuote{
		CatalogIDs:  res.IDs(),
		CatalogID:   m.CatalogID,
		Price:       m.Price,
		CompareAt:   m.CompareAtPrice,
		TaxIncluded: m.TaxIncluded,
		Boundaries:  mergeBoundaries(res.Boundaries, m.Boundaries),
	}

	switch m.Source {
	case price.SourceOverride:
		q.Override = true
		q.OverrideID = m.OverrideID
		if c := findCatalog(res.Catalogs, m.CatalogID); c != nil {
			q.TaxIncluded = c.TaxIncluded
			q.Rounding = c.Rounding
		}
	case price.SourceRecord:
		q.RecordID = m.RecordID
		q.Rounding = m.Rounding
		if m.CatalogID == "" {
			if err := s.adjust(q, res); err != nil {
				return nil, err
			}
		}
	}
	return q, nil
}

// adjust applies the primary catalog's adjustment to a generic price.
// Fixed adjustments only apply in the catalog's own currency.
func (s *Service) adjust(q *baseQuote, res *catalog.Resolution) error {
	primary, ok := res.Primary()
	if !ok || primary.Adjustment == nil {
		return nil
	}
	if primary.Adjustment.Kind == catalog.AdjustFixed && primary.Currency != q.Price.Currency {
		return nil
	}
	adjusted, err := primary.Adjustment.Apply(q.Price, primary.Rounding)
	if err != nil {
		return errors.Wrapf(err, "adjust by catalog %s", primary.ID)
	}
	q.Price = adjusted
	q.AdjustedBy = primary.ID
	return nil
}

// Confirm records rule usage for an order. Replaying a confirm for the same
// order is a no-op. A *rule.LimitExceededError means the caller must
// re-resolve without the exhausted rule.
func (s *Service) Confirm(ctx context.Context, res *Result, orderID string) (_ *Confirmation, rerr error) {
	ctx, span := s.tracer.Start(ctx, "pricing.Confirm", trace.WithAttributes(
		attribute.String("pricing.order_id", orderID),
		attribute.Int("pricing.rules", len(res.Trail.Rules)),
	))
	defer func() {
		s.metrics.confirms.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(rerr))))
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if orderID == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "order id required")
	}
	conf := &Confirmation{OrderID: orderID}
	if len(res.Trail.Rules) == 0 {
		return conf, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ConfirmTimeout)
	defer cancel()

	now := s.now()
	usages := make([]rule.Usage, 0, len(res.Trail.Rules))
	for _, a := range res.Trail.Rules {
		usages = append(usages, rule.Usage{
			RuleID:     a.RuleID,
			OrderID:    orderID,
			CustomerID: res.CustomerID,
			Discount:   a.Discount,
			CreatedAt:  now,
		})
	}

	cr, err := s.ledger.Commit(ctx, usages)
	if err != nil {
		if errors.Is(err, ErrRuleLimitExceeded) {
			zctx.From(ctx).Warn("Rule usage limit reached",
				zap.String("order_id", orderID),
				zap.Error(err),
			)
			return nil, err
		}
		return nil, errors.Wrap(err, "commit usage")
	}

	conf.Committed = cr.Committed
	conf.Replayed = cr.Replayed
	return conf, nil
}

func findCatalog(cs []catalog.Catalog, id string) *catalog.Catalog {
	for i := range cs {
		if cs[i].ID == id {
			return &cs[i]
		}
	}
	return nil
}

func mergeBoundaries(a, b []time.Time) []time.Time {
	out := append(slices.Clone(a), b...)
	slices.SortFunc(out, func(x, y time.Time) int { return x.Compare(y) })
	return slices.CompactFunc(out, func(x, y time.Time) bool { return x.Equal(y) })
}
