package resolution

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/window"
)

// Cache stores encoded base quotes. Implementations must be safe for
// concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// baseQuote is the rule-independent part of a resolution: catalogs, the
// winning override or record and any catalog adjustment. It is the unit of
// caching; rules are always evaluated fresh.
type baseQuote struct {
	CatalogIDs  []string
	CatalogID   string
	Override    bool
	OverrideID  int64
	RecordID    int64
	AdjustedBy  string
	Price       money.Money
	CompareAt   *money.Money
	TaxIncluded bool
	Rounding    money.RoundingMode

	// Boundaries is not cached; it is only consulted when the quote is
	// computed.
	Boundaries []time.Time
}

const cacheKeyPrefix = "pricebook:base:v1:"

// cacheKey identifies a base quote. Groups are sorted so equivalent
// contexts share an entry.
func cacheKey(req *Request, bucket time.Time) string {
	groups := slices.Clone(req.CustomerGroupIDs)
	slices.Sort(groups)

	var b strings.Builder
	b.WriteString(cacheKeyPrefix)
	for _, part := range []string{
		req.VariantID,
		req.SiteID,
		req.ChannelID,
		req.CustomerID,
		strings.Join(groups, ","),
		req.Currency,
		strconv.FormatInt(req.Quantity, 10),
		strconv.FormatInt(bucket.Unix(), 10),
	} {
		b.WriteString(part)
		b.WriteByte('|')
	}
	return b.String()
}

// cacheTTL bounds how long q may be cached. The quote is only cacheable
// when no schedule boundary falls inside its time bucket, and never past
// the next boundary after at.
func cacheTTL(q *baseQuote, at, bucket time.Time, bucketSize, maxTTL time.Duration) (time.Duration, bool) {
	if window.AnyWithin(q.Boundaries, bucket, bucket.Add(bucketSize)) {
		return 0, false
	}
	ttl := maxTTL
	if next, ok := window.Next(q.Boundaries, at); ok {
		ttl = min(ttl, next.Sub(at))
	}
	return ttl, ttl > 0
}

func encodeMoney(e *jx.Encoder, m money.Money) {
	e.ObjStart()
	e.FieldStart("amount")
	e.Int64(m.Amount)
	e.FieldStart("currency")
	e.Str(m.Currency)
	e.ObjEnd()
}

func decodeMoney(d *jx.Decoder) (money.Money, error) {
	var m money.Money
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "amount":
			m.Amount, err = d.Int64()
		case "currency":
			m.Currency, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return m, err
}

func (q *baseQuote) encode() []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("catalog_ids")
	e.ArrStart()
	for _, id := range q.CatalogIDs {
		e.Str(id)
	}
	e.ArrEnd()
	e.FieldStart("catalog_id")
	e.Str(q.CatalogID)
	e.FieldStart("override")
	e.Bool(q.Override)
	e.FieldStart("override_id")
	e.Int64(q.OverrideID)
	e.FieldStart("record_id")
	e.Int64(q.RecordID)
	e.FieldStart("adjusted_by")
	e.Str(q.AdjustedBy)
	e.FieldStart("price")
	encodeMoney(&e, q.Price)
	if q.CompareAt != nil {
		e.FieldStart("compare_at")
		encodeMoney(&e, *q.CompareAt)
	}
	e.FieldStart("tax_included")
	e.Bool(q.TaxIncluded)
	if q.Rounding != "" {
		e.FieldStart("rounding")
		e.Str(string(q.Rounding))
	}
	e.ObjEnd()
	return e.Bytes()
}

func decodeBaseQuote(data []byte) (*baseQuote, error) {
	var q baseQuote
	d := jx.DecodeBytes(data)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "catalog_ids":
			err = d.Arr(func(d *jx.Decoder) error {
				id, err := d.Str()
				q.CatalogIDs = append(q.CatalogIDs, id)
				return err
			})
		case "catalog_id":
			q.CatalogID, err = d.Str()
		case "override":
			q.Override, err = d.Bool()
		case "override_id":
			q.OverrideID, err = d.Int64()
		case "record_id":
			q.RecordID, err = d.Int64()
		case "adjusted_by":
			q.AdjustedBy, err = d.Str()
		case "price":
			q.Price, err = decodeMoney(d)
		case "compare_at":
			var m money.Money
			m, err = decodeMoney(d)
			q.CompareAt = &m
		case "tax_included":
			q.TaxIncluded, err = d.Bool()
		case "rounding":
			var s string
			if s, err = d.Str(); err != nil {
				return err
			}
			q.Rounding, err = money.ParseRoundingMode(s)
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "decode base quote")
	}
	return &q, nil
}
