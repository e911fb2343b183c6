package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/resolution"
	"github.com/xenking/pricebook/internal/domain/rule"
)

// --- Mock implementations ---

type mockPricer struct {
	result       *resolution.Result
	confirmation *resolution.Confirmation
	err          error

	gotRequest resolution.Request
	gotResult  *resolution.Result
	gotOrderID string
}

func (m *mockPricer) Resolve(_ context.Context, req resolution.Request) (*resolution.Result, error) {
	m.gotRequest = req
	return m.result, m.err
}

func (m *mockPricer) Confirm(_ context.Context, res *resolution.Result, orderID string) (*resolution.Confirmation, error) {
	m.gotResult = res
	m.gotOrderID = orderID
	return m.confirmation, m.err
}

// --- Helpers ---

func serve(t *testing.T, p Pricer, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(p).Register(mux)

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// fields decodes the top-level object of a response body into raw values.
func fields(t *testing.T, body []byte) map[string]jx.Raw {
	t.Helper()
	out := map[string]jx.Raw{}
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		raw, err := d.Raw()
		out[string(key)] = raw
		return err
	})
	require.NoError(t, err)
	return out
}

func TestHandler_Resolve(t *testing.T) {
	compareAt := money.New(12000, "EUR")
	p := &mockPricer{result: &resolution.Result{
		VariantID:      "var-1",
		UnitPrice:      money.New(8500, "EUR"),
		BasePrice:      money.New(10000, "EUR"),
		CompareAtPrice: &compareAt,
		Currency:       "EUR",
		TaxIncluded:    true,
		Trail: resolution.Trail{
			CatalogIDs:    []string{"cat-1"},
			CatalogID:     "cat-1",
			PriceRecordID: 7,
			Rules:         []rule.Application{{RuleID: 3, Discount: money.New(1500, "EUR")}},
		},
		ResolvedAt: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}}

	rec := serve(t, p, "/api/v1/prices/resolve", `{
		"variant_id": "var-1",
		"site_id": "site-eu",
		"channel_id": "web",
		"customer_id": null,
		"customer_group_ids": ["wholesale"],
		"currency": "EUR",
		"quantity": 2,
		"cart": {"value": 25000, "currency": "EUR", "quantity": 3},
		"attributes": {"brand": "acme"},
		"at": "2026-06-01T12:00:00Z",
		"unknown": {"ignored": true}
	}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	got := p.gotRequest
	assert.Equal(t, "var-1", got.VariantID)
	assert.Empty(t, got.CustomerID)
	assert.Equal(t, []string{"wholesale"}, got.CustomerGroupIDs)
	assert.Equal(t, int64(2), got.Quantity)
	require.NotNil(t, got.Cart.Value)
	assert.Equal(t, money.New(25000, "EUR"), *got.Cart.Value)
	assert.Equal(t, int64(3), got.Cart.Quantity)
	assert.Equal(t, "acme", got.Attributes["brand"])
	assert.True(t, got.At.Equal(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)))

	body := fields(t, rec.Body.Bytes())
	assert.JSONEq(t, `{"amount":8500,"currency":"EUR"}`, string(body["unit_price"]))
	assert.JSONEq(t, `{"amount":12000,"currency":"EUR"}`, string(body["compare_at_price"]))
	assert.JSONEq(t, `true`, string(body["tax_included"]))
	assert.JSONEq(t, `{
		"catalog_ids": ["cat-1"],
		"catalog_id": "cat-1",
		"override": false,
		"price_record_id": 7,
		"rules": [{"rule_id": 3, "discount_amount": 1500}]
	}`, string(body["trail"]))
}

func TestHandler_ResolveErrors(t *testing.T) {
	valid := `{"variant_id":"var-1","currency":"EUR","quantity":1}`

	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantBody string
	}{
		{name: "malformed json", body: `{"variant_id":`, wantCode: http.StatusBadRequest},
		{name: "wrong type", body: `{"quantity":"two"}`, wantCode: http.StatusBadRequest},
		{name: "bad timestamp", body: `{"at":"yesterday"}`, wantCode: http.StatusBadRequest},
		{
			name:     "missing variant",
			body:     `{"currency":"EUR","quantity":1}`,
			wantCode: http.StatusUnprocessableEntity,
			wantBody: `variant_id`,
		},
		{
			name:     "zero quantity",
			body:     `{"variant_id":"var-1","currency":"EUR","quantity":0}`,
			wantCode: http.StatusUnprocessableEntity,
			wantBody: `must be at least 1`,
		},
		{
			name:     "cart value without currency",
			body:     `{"variant_id":"var-1","currency":"EUR","quantity":1,"cart":{"value":100}}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{name: "price not found", body: valid, err: resolution.ErrPriceNotFound, wantCode: http.StatusNotFound},
		{
			name:     "invalid currency",
			body:     valid,
			err:      errors.Wrap(resolution.ErrInvalidCurrency, "variant var-1 has no EUR price"),
			wantCode: http.StatusUnprocessableEntity,
		},
		{name: "invalid quantity", body: valid, err: resolution.ErrInvalidQuantity, wantCode: http.StatusUnprocessableEntity},
		{
			name:     "ambiguous tie is internal",
			body:     valid,
			err:      resolution.ErrAmbiguousTie,
			wantCode: http.StatusInternalServerError,
			wantBody: `"message":"internal error"`,
		},
		{name: "storage failure", body: valid, err: errors.New("connection refused"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockPricer{err: tt.err}
			rec := serve(t, p, "/api/v1/prices/resolve", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandler_Confirm(t *testing.T) {
	p := &mockPricer{confirmation: &resolution.Confirmation{OrderID: "order-1", Committed: []int64{3, 5}}}

	rec := serve(t, p, "/api/v1/prices/confirm", `{
		"order_id": "order-1",
		"customer_id": "cust-1",
		"currency": "EUR",
		"rules": [{"rule_id": 3, "discount_amount": 1500}, {"rule_id": 5, "discount_amount": 200}]
	}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"order_id":"order-1","committed":[3,5],"replayed":false}`, rec.Body.String())

	assert.Equal(t, "order-1", p.gotOrderID)
	require.NotNil(t, p.gotResult)
	assert.Equal(t, "cust-1", p.gotResult.CustomerID)
	assert.Equal(t, []rule.Application{
		{RuleID: 3, Discount: money.New(1500, "EUR")},
		{RuleID: 5, Discount: money.New(200, "EUR")},
	}, p.gotResult.Trail.Rules)
}

func TestHandler_ConfirmReplay(t *testing.T) {
	p := &mockPricer{confirmation: &resolution.Confirmation{OrderID: "order-1", Replayed: []int64{3}}}

	rec := serve(t, p, "/api/v1/prices/confirm",
		`{"order_id":"order-1","currency":"EUR","rules":[{"rule_id":3,"discount_amount":1500}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"order_id":"order-1","committed":[],"replayed":true}`, rec.Body.String())
}

func TestHandler_ConfirmErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantBody string
	}{
		{
			name:     "missing order id",
			body:     `{"currency":"EUR","rules":[]}`,
			wantCode: http.StatusUnprocessableEntity,
			wantBody: `order_id`,
		},
		{
			name:     "non-positive rule id",
			body:     `{"order_id":"o","currency":"EUR","rules":[{"rule_id":0,"discount_amount":1}]}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "limit exceeded",
			body:     `{"order_id":"o","customer_id":"c","currency":"EUR","rules":[{"rule_id":9,"discount_amount":1}]}`,
			err:      &rule.LimitExceededError{RuleID: 9, Scope: rule.LimitPerCustomer},
			wantCode: http.StatusConflict,
			wantBody: `"rule_id":9,"scope":"per_customer"`,
		},
		{
			name:     "unknown rule",
			body:     `{"order_id":"o","currency":"EUR","rules":[{"rule_id":999,"discount_amount":1}]}`,
			err:      errors.Wrapf(resolution.ErrRuleNotFound, "rule %d", 999),
			wantCode: http.StatusUnprocessableEntity,
			wantBody: `rule 999`,
		},
		{
			name:     "timeout",
			body:     `{"order_id":"o","currency":"EUR","rules":[{"rule_id":9,"discount_amount":1}]}`,
			err:      context.DeadlineExceeded,
			wantCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockPricer{err: tt.err}
			rec := serve(t, p, "/api/v1/prices/confirm", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(&mockPricer{}).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prices/resolve", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
