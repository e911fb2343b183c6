package rule

import (
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/pricebook/internal/domain/money"
)

// Kind tags the variant of a Condition.
type Kind string

const (
	KindCustomerGroup    Kind = "customer_group"
	KindCustomer         Kind = "customer"
	KindChannel          Kind = "channel"
	KindSite             Kind = "site"
	KindCountry          Kind = "country"
	KindCartValue        Kind = "cart_value"
	KindQuantity         Kind = "quantity"
	KindProductAttribute Kind = "product_attribute"
	KindWeekday          Kind = "weekday"
)

// Condition is one eligibility predicate of a rule. Set kinds use Values,
// range kinds use Min and Max (inclusive), product_attribute uses Key and
// Values.
type Condition struct {
	Kind   Kind
	Key    string
	Values []string
	Min    *decimal.Decimal
	Max    *decimal.Decimal
}

// Context is the request state conditions are evaluated against.
type Context struct {
	CustomerID string
	GroupIDs   []string
	SiteID     string
	ChannelID  string
	Country    string
	CartValue  *money.Money
	Quantity   int64
	Attributes map[string]string
	At         time.Time
}

type evaluator func(c *Condition, rc *Context) bool

var evaluators = map[Kind]evaluator{
	KindCustomerGroup: func(c *Condition, rc *Context) bool {
		return slices.ContainsFunc(rc.GroupIDs, func(g string) bool { return slices.Contains(c.Values, g) })
	},
	KindCustomer: func(c *Condition, rc *Context) bool {
		return rc.CustomerID != "" && slices.Contains(c.Values, rc.CustomerID)
	},
	KindChannel: func(c *Condition, rc *Context) bool {
		return slices.Contains(c.Values, rc.ChannelID)
	},
	KindSite: func(c *Condition, rc *Context) bool {
		return slices.Contains(c.Values, rc.SiteID)
	},
	KindCountry: func(c *Condition, rc *Context) bool {
		return slices.ContainsFunc(c.Values, func(v string) bool { return strings.EqualFold(v, rc.Country) })
	},
	KindCartValue: func(c *Condition, rc *Context) bool {
		if rc.CartValue == nil {
			return false
		}
		return c.inRange(rc.CartValue.Major())
	},
	KindQuantity: func(c *Condition, rc *Context) bool {
		return c.inRange(decimal.NewFromInt(rc.Quantity))
	},
	KindProductAttribute: func(c *Condition, rc *Context) bool {
		v, ok := rc.Attributes[c.Key]
		return ok && slices.Contains(c.Values, v)
	},
	KindWeekday: func(c *Condition, rc *Context) bool {
		day := strings.ToLower(rc.At.Weekday().String())
		return slices.ContainsFunc(c.Values, func(v string) bool { return strings.EqualFold(v, day) })
	},
}

// Match evaluates the condition. Unknown kinds never match.
func (c *Condition) Match(rc *Context) bool {
	eval, ok := evaluators[c.Kind]
	if !ok {
		return false
	}
	return eval(c, rc)
}

func (c *Condition) inRange(v decimal.Decimal) bool {
	if c.Min != nil && v.LessThan(*c.Min) {
		return false
	}
	if c.Max != nil && v.GreaterThan(*c.Max) {
		return false
	}
	return true
}

// MatchAll reports whether every condition holds.
func MatchAll(conds []Condition, rc *Context) bool {
	for i := range conds {
		if !conds[i].Match(rc) {
			return false
		}
	}
	return true
}

// Validate checks that the condition is well-formed for its kind.
func (c *Condition) Validate() error {
	switch c.Kind {
	case KindCustomerGroup, KindCustomer, KindChannel, KindSite, KindCountry, KindWeekday:
		if len(c.Values) == 0 {
			return errors.Errorf("condition %q: values required", c.Kind)
		}
	case KindCartValue, KindQuantity:
		if c.Min == nil && c.Max == nil {
			return errors.Errorf("condition %q: min or max required", c.Kind)
		}
	case KindProductAttribute:
		if c.Key == "" || len(c.Values) == 0 {
			return errors.Errorf("condition %q: key and values required", c.Kind)
		}
	default:
		return errors.Errorf("unsupported condition type: %q", c.Kind)
	}
	return nil
}

// Decode reads a condition object from d.
func (c *Condition) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "type":
			v, err := d.Str()
			if err != nil {
				return err
			}
			c.Kind = Kind(v)
		case "key":
			v, err := d.Str()
			if err != nil {
				return err
			}
			c.Key = v
		case "values":
			return d.Arr(func(d *jx.Decoder) error {
				v, err := d.Str()
				if err != nil {
					return err
				}
				c.Values = append(c.Values, v)
				return nil
			})
		case "min":
			v, err := decodeDecimal(d)
			if err != nil {
				return errors.Wrap(err, "min")
			}
			c.Min = v
		case "max":
			v, err := decodeDecimal(d)
			if err != nil {
				return errors.Wrap(err, "max")
			}
			c.Max = v
		default:
			return d.Skip()
		}
		return nil
	})
}

// Encode writes the condition as a JSON object.
func (c *Condition) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("type")
	e.Str(string(c.Kind))
	if c.Key != "" {
		e.FieldStart("key")
		e.Str(c.Key)
	}
	if len(c.Values) > 0 {
		e.FieldStart("values")
		e.ArrStart()
		for _, v := range c.Values {
			e.Str(v)
		}
		e.ArrEnd()
	}
	if c.Min != nil {
		e.FieldStart("min")
		e.Str(c.Min.String())
	}
	if c.Max != nil {
		e.FieldStart("max")
		e.Str(c.Max.String())
	}
	e.ObjEnd()
}

// DecodeConditions parses a JSON array of conditions. Empty input yields
// no conditions.
func DecodeConditions(data []byte) ([]Condition, error) {
	if len(data) == 0 {
		return nil, nil
	}
	d := jx.DecodeBytes(data)
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	var out []Condition
	if err := d.Arr(func(d *jx.Decoder) error {
		var c Condition
		if err := c.Decode(d); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode conditions")
	}
	return out, nil
}

// EncodeConditions renders conditions as a JSON array.
func EncodeConditions(conds []Condition) []byte {
	var e jx.Encoder
	e.ArrStart()
	for i := range conds {
		conds[i].Encode(&e)
	}
	e.ArrEnd()
	return e.Bytes()
}

// decodeDecimal accepts both JSON numbers and numeric strings.
func decodeDecimal(d *jx.Decoder) (*decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return nil, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return nil, err
		}
		raw = n.String()
	case jx.Null:
		return nil, d.Null()
	default:
		return nil, errors.Errorf("unexpected %s", d.Next())
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
