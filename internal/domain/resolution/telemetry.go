package resolution

import (
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	resolves  metric.Int64Counter
	confirms  metric.Int64Counter
	duration  metric.Float64Histogram
	cacheHits metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.resolves, err = meter.Int64Counter("pricing.resolve.count",
		metric.WithDescription("Price resolutions by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "resolve counter")
	}
	if m.confirms, err = meter.Int64Counter("pricing.confirm.count",
		metric.WithDescription("Rule usage confirmations by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "confirm counter")
	}
	if m.duration, err = meter.Float64Histogram("pricing.resolve.duration",
		metric.WithDescription("Price resolution latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, errors.Wrap(err, "resolve histogram")
	}
	if m.cacheHits, err = meter.Int64Counter("pricing.cache.lookups",
		metric.WithDescription("Base price cache lookups by result"),
	); err != nil {
		return nil, errors.Wrap(err, "cache counter")
	}
	return &m, nil
}

// outcome maps an error to a low-cardinality metric label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPriceNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidCurrency):
		return "invalid_currency"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrAmbiguousTie):
		return "ambiguous_tie"
	case errors.Is(err, ErrRuleLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrRuleNotFound):
		return "rule_not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "error"
	}
}
