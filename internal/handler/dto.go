package handler

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/resolution"
	"github.com/xenking/pricebook/internal/domain/rule"
)

type cartDTO struct {
	Value    *int64 `json:"value" validate:"omitempty,gte=0"`
	Currency string `json:"currency" validate:"required_with=Value"`
	Quantity int64  `json:"quantity" validate:"gte=0"`
}

type resolveRequest struct {
	VariantID        string            `json:"variant_id" validate:"required"`
	ProductID        string            `json:"product_id"`
	CategoryIDs      []string          `json:"category_ids" validate:"dive,required"`
	SiteID           string            `json:"site_id"`
	ChannelID        string            `json:"channel_id"`
	CustomerID       string            `json:"customer_id"`
	CustomerGroupIDs []string          `json:"customer_group_ids" validate:"dive,required"`
	Country          string            `json:"country" validate:"omitempty,len=2"`
	Currency         string            `json:"currency" validate:"required,len=3"`
	Quantity         int64             `json:"quantity" validate:"gte=1"`
	Cart             *cartDTO          `json:"cart"`
	Attributes       map[string]string `json:"attributes"`
	At               *time.Time        `json:"at"`
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		out = append(out, s)
		return err
	})
	return out, err
}

func decodeCart(d *jx.Decoder) (*cartDTO, error) {
	var c cartDTO
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "value":
			var v int64
			v, err = d.Int64()
			c.Value = &v
		case "currency":
			c.Currency, err = d.Str()
		case "quantity":
			c.Quantity, err = d.Int64()
		default:
			err = d.Skip()
		}
		return err
	})
	return &c, err
}

func (r *resolveRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "variant_id":
			r.VariantID, err = d.Str()
		case "product_id":
			r.ProductID, err = d.Str()
		case "category_ids":
			r.CategoryIDs, err = decodeStrings(d)
		case "site_id":
			r.SiteID, err = d.Str()
		case "channel_id":
			r.ChannelID, err = d.Str()
		case "customer_id":
			if d.Next() == jx.Null {
				return d.Null()
			}
			r.CustomerID, err = d.Str()
		case "customer_group_ids":
			r.CustomerGroupIDs, err = decodeStrings(d)
		case "country":
			r.Country, err = d.Str()
		case "currency":
			r.Currency, err = d.Str()
		case "quantity":
			r.Quantity, err = d.Int64()
		case "cart":
			if d.Next() == jx.Null {
				return d.Null()
			}
			r.Cart, err = decodeCart(d)
		case "attributes":
			r.Attributes = make(map[string]string)
			err = d.ObjBytes(func(d *jx.Decoder, k []byte) error {
				v, err := d.Str()
				r.Attributes[string(k)] = v
				return err
			})
		case "at":
			var s string
			if s, err = d.Str(); err != nil {
				return err
			}
			at, perr := time.Parse(time.RFC3339, s)
			if perr != nil {
				return errors.Wrap(perr, "at")
			}
			r.At = &at
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	})
}

func (r *resolveRequest) domain() resolution.Request {
	req := resolution.Request{
		VariantID:        r.VariantID,
		ProductID:        r.ProductID,
		CategoryIDs:      r.CategoryIDs,
		SiteID:           r.SiteID,
		ChannelID:        r.ChannelID,
		CustomerID:       r.CustomerID,
		CustomerGroupIDs: r.CustomerGroupIDs,
		Country:          r.Country,
		Currency:         r.Currency,
		Quantity:         r.Quantity,
		Attributes:       r.Attributes,
	}
	if r.Cart != nil {
		req.Cart.Quantity = r.Cart.Quantity
		if r.Cart.Value != nil {
			v := money.New(*r.Cart.Value, r.Cart.Currency)
			req.Cart.Value = &v
		}
	}
	if r.At != nil {
		req.At = *r.At
	}
	return req
}

type appliedRuleDTO struct {
	RuleID         int64 `json:"rule_id" validate:"gt=0"`
	DiscountAmount int64 `json:"discount_amount"`
}

type confirmRequest struct {
	OrderID    string           `json:"order_id" validate:"required"`
	CustomerID string           `json:"customer_id"`
	Currency   string           `json:"currency" validate:"required,len=3"`
	Rules      []appliedRuleDTO `json:"rules" validate:"dive"`
}

func (r *confirmRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "order_id":
			r.OrderID, err = d.Str()
		case "customer_id":
			if d.Next() == jx.Null {
				return d.Null()
			}
			r.CustomerID, err = d.Str()
		case "currency":
			r.Currency, err = d.Str()
		case "rules":
			err = d.Arr(func(d *jx.Decoder) error {
				var a appliedRuleDTO
				if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
					var err error
					switch string(key) {
					case "rule_id":
						a.RuleID, err = d.Int64()
					case "discount_amount":
						a.DiscountAmount, err = d.Int64()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				r.Rules = append(r.Rules, a)
				return nil
			})
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	})
}

// result rebuilds the part of a resolution result that Confirm consumes.
func (r *confirmRequest) result() *resolution.Result {
	res := &resolution.Result{CustomerID: r.CustomerID, Currency: r.Currency}
	for _, a := range r.Rules {
		res.Trail.Rules = append(res.Trail.Rules, rule.Application{
			RuleID:   a.RuleID,
			Discount: money.New(a.DiscountAmount, r.Currency),
		})
	}
	return res
}

func encodeMoney(e *jx.Encoder, m money.Money) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("amount", func(e *jx.Encoder) { e.Int64(m.Amount) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(m.Currency) })
	})
}

func encodeResult(e *jx.Encoder, res *resolution.Result) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("variant_id", func(e *jx.Encoder) { e.Str(res.VariantID) })
		e.Field("unit_price", func(e *jx.Encoder) { encodeMoney(e, res.UnitPrice) })
		if res.CompareAtPrice != nil {
			e.Field("compare_at_price", func(e *jx.Encoder) { encodeMoney(e, *res.CompareAtPrice) })
		}
		e.Field("base_price", func(e *jx.Encoder) { encodeMoney(e, res.BasePrice) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(res.Currency) })
		e.Field("tax_included", func(e *jx.Encoder) { e.Bool(res.TaxIncluded) })
		e.Field("trail", func(e *jx.Encoder) { encodeTrail(e, &res.Trail) })
		e.Field("resolved_at", func(e *jx.Encoder) { e.Str(res.ResolvedAt.UTC().Format(time.RFC3339Nano)) })
	})
}

func encodeTrail(e *jx.Encoder, t *resolution.Trail) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("catalog_ids", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, id := range t.CatalogIDs {
					e.Str(id)
				}
			})
		})
		if t.CatalogID != "" {
			e.Field("catalog_id", func(e *jx.Encoder) { e.Str(t.CatalogID) })
		}
		e.Field("override", func(e *jx.Encoder) { e.Bool(t.Override) })
		if t.OverrideID != 0 {
			e.Field("override_id", func(e *jx.Encoder) { e.Int64(t.OverrideID) })
		}
		if t.PriceRecordID != 0 {
			e.Field("price_record_id", func(e *jx.Encoder) { e.Int64(t.PriceRecordID) })
		}
		if t.AdjustedByCatalogID != "" {
			e.Field("adjusted_by_catalog_id", func(e *jx.Encoder) { e.Str(t.AdjustedByCatalogID) })
		}
		e.Field("rules", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, a := range t.Rules {
					e.Obj(func(e *jx.Encoder) {
						e.Field("rule_id", func(e *jx.Encoder) { e.Int64(a.RuleID) })
						e.Field("discount_amount", func(e *jx.Encoder) { e.Int64(a.Discount.Amount) })
					})
				}
			})
		})
	})
}

func encodeConfirmation(e *jx.Encoder, c *resolution.Confirmation) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Str(c.OrderID) })
		e.Field("committed", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, id := range c.Committed {
					e.Int64(id)
				}
			})
		})
		e.Field("replayed", func(e *jx.Encoder) { e.Bool(c.IsReplay()) })
	})
}
