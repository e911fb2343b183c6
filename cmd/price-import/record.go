package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/price"
)

// parseRecord decodes one JSONL line. Amounts are integer minor units.
func parseRecord(line []byte) (price.Record, error) {
	var (
		r                       price.Record
		amount                  *int64
		compareAt, cost, maxQty *int64
		startsAt, endsAt        *time.Time
	)
	optInt := func(d *jx.Decoder) (*int64, error) {
		if d.Next() == jx.Null {
			return nil, d.Null()
		}
		v, err := d.Int64()
		return &v, err
	}
	optTime := func(d *jx.Decoder) (*time.Time, error) {
		if d.Next() == jx.Null {
			return nil, d.Null()
		}
		s, err := d.Str()
		if err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, s)
		return &t, err
	}

	err := jx.DecodeBytes(line).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "variant_id":
			r.VariantID, err = d.Str()
		case "currency":
			r.Price.Currency, err = d.Str()
		case "price":
			amount, err = optInt(d)
		case "compare_at_price":
			compareAt, err = optInt(d)
		case "cost":
			cost, err = optInt(d)
		case "site_id":
			r.SiteID, err = d.Str()
		case "channel_id":
			r.ChannelID, err = d.Str()
		case "customer_group_id":
			r.CustomerGroupID, err = d.Str()
		case "catalog_id":
			r.CatalogID, err = d.Str()
		case "min_quantity":
			r.MinQuantity, err = d.Int64()
		case "max_quantity":
			maxQty, err = optInt(d)
		case "starts_at":
			startsAt, err = optTime(d)
		case "ends_at":
			endsAt, err = optTime(d)
		case "priority":
			r.Priority, err = d.Int()
		case "tax_included":
			r.TaxIncluded, err = d.Bool()
		case "rounding":
			var s string
			if s, err = d.Str(); err == nil {
				r.Rounding, err = money.ParseRoundingMode(s)
			}
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	})
	if err != nil {
		return price.Record{}, err
	}

	if r.VariantID == "" {
		return price.Record{}, errors.New("variant_id is required")
	}
	cur, err := money.Normalize(r.Price.Currency)
	if err != nil {
		return price.Record{}, err
	}
	if amount == nil || *amount < 0 {
		return price.Record{}, errors.New("price must be a non-negative integer")
	}
	r.Price = money.New(*amount, cur)
	if compareAt != nil {
		m := money.New(*compareAt, cur)
		r.CompareAtPrice = &m
	}
	if cost != nil {
		m := money.New(*cost, cur)
		r.Cost = &m
	}
	if r.MinQuantity == 0 {
		r.MinQuantity = 1
	}
	if r.MinQuantity < 1 || (maxQty != nil && *maxQty < r.MinQuantity) {
		return price.Record{}, errors.New("quantity range is invalid")
	}
	r.MaxQuantity = maxQty
	if startsAt != nil && endsAt != nil && !endsAt.After(*startsAt) {
		return price.Record{}, errors.New("ends_at must be after starts_at")
	}
	r.Window.StartsAt, r.Window.EndsAt = startsAt, endsAt
	return r, nil
}

// naturalKey identifies a record for duplicate detection.
func naturalKey(r *price.Record) string {
	var starts string
	if r.Window.StartsAt != nil {
		starts = strconv.FormatInt(r.Window.StartsAt.Unix(), 10)
	}
	return strings.Join([]string{
		r.VariantID,
		r.Price.Currency,
		r.SiteID,
		r.ChannelID,
		r.CustomerGroupID,
		r.CatalogID,
		strconv.FormatInt(r.MinQuantity, 10),
		starts,
	}, "\x1f")
}
