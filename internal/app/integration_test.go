//go:build integration

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/xenking/pricebook/internal/domain/catalog"
	"github.com/xenking/pricebook/internal/domain/money"
	"github.com/xenking/pricebook/internal/domain/price"
	"github.com/xenking/pricebook/internal/domain/rule"
	"github.com/xenking/pricebook/internal/storage/postgres"
	"github.com/xenking/pricebook/pkg/health"
)

var (
	baseURL    string
	httpClient *http.Client
)

// Response types are declared locally so the tests only see the wire format.

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type moneyResponse struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type resolveResponse struct {
	VariantID   string        `json:"variant_id"`
	UnitPrice   moneyResponse `json:"unit_price"`
	BasePrice   moneyResponse `json:"base_price"`
	TaxIncluded bool          `json:"tax_included"`
	Trail       struct {
		CatalogIDs []string `json:"catalog_ids"`
		CatalogID  string   `json:"catalog_id"`
		Override   bool     `json:"override"`
		Rules      []struct {
			RuleID         int64 `json:"rule_id"`
			DiscountAmount int64 `json:"discount_amount"`
		} `json:"rules"`
	} `json:"trail"`
}

type confirmResponse struct {
	OrderID   string  `json:"order_id"`
	Committed []int64 `json:"committed"`
	Replayed  bool    `json:"replayed"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	RuleID  int64  `json:"rule_id"`
	Scope   string `json:"scope"`
}

// seeded rule ids, assigned by the database.
var (
	launchRuleID int64
	scarceRuleID int64
)

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("pricebook"),
		tcpostgres.WithUsername("pricebook"),
		tcpostgres.WithPassword("pricebook"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("connection string: %v", err)
	}

	cfg := &Config{
		Storage:     StoragePostgres,
		DatabaseURL: dsn,
		Cache:       CacheConfig{Backend: CacheMemory, TTL: 30 * time.Second, TimeBucket: time.Minute, Sweep: time.Minute},
		Confirm:     ConfirmConfig{Timeout: 5 * time.Second},
	}
	lg := zap.NewNop()

	st, err := openStorage(ctx, lg, cfg)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer st.close()

	if err := seedIntegration(ctx, dsn); err != nil {
		log.Fatalf("seed: %v", err)
	}

	c, _, err := openCache(ctx, cfg)
	if err != nil {
		log.Fatalf("open cache: %v", err)
	}
	defer func() { _ = c.Close() }()

	svc, err := newService(st, c, cfg, noopTelemetry{})
	if err != nil {
		log.Fatalf("create service: %v", err)
	}

	hc := health.New()
	hc.Add(health.Check{Name: "postgres", Kind: health.Readiness, Timeout: 5 * time.Second,
		Func: health.PingCheck("postgres", st.pinger)})
	hc.Start(ctx, time.Second)
	defer hc.Stop()
	hc.SetReady(true)

	srv := httptest.NewServer(newHTTPHandler(lg, noopTelemetry{}, hc, svc))
	defer srv.Close()

	baseURL = srv.URL
	httpClient = &http.Client{Timeout: 10 * time.Second}
	log.Printf("API available at %s", baseURL)

	return m.Run()
}

func seedIntegration(ctx context.Context, dsn string) error {
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	catalogs := postgres.NewCatalogRepository(pool)
	prices := postgres.NewPriceRepository(pool)
	rules := postgres.NewRuleRepository(pool)

	if err := catalogs.SaveCatalog(ctx, &catalog.Catalog{
		ID: "wholesale", Name: "Wholesale", Currency: "EUR", Active: true,
		Adjustment: &catalog.Adjustment{Kind: catalog.AdjustPercentage, Direction: catalog.Decrease, Value: decimal.NewFromInt(10)},
	}); err != nil {
		return err
	}
	if err := catalogs.CreateAssignment(ctx, &catalog.Assignment{
		CatalogID: "wholesale", Scope: catalog.ScopeGroup, SubjectID: "b2b", Active: true,
	}); err != nil {
		return err
	}

	if _, err := prices.CopyRecords(ctx, []price.Record{
		{VariantID: "var-1", Price: money.New(10000, "EUR"), MinQuantity: 1},
		{VariantID: "var-2", Price: money.New(2000, "EUR"), MinQuantity: 1},
	}); err != nil {
		return err
	}

	launch := rule.Rule{
		Name: "launch", EntityType: rule.EntityVariant, EntityIDs: []string{"var-1"},
		DiscountType: rule.DiscountFixed, Value: decimal.NewFromInt(5), Currency: "EUR", Active: true,
	}
	if err := rules.CreateRule(ctx, &launch); err != nil {
		return err
	}
	limit := int64(3)
	scarce := rule.Rule{
		Name: "scarce", EntityType: rule.EntityVariant, EntityIDs: []string{"var-2"},
		DiscountType: rule.DiscountPercent, Value: decimal.NewFromInt(50), Active: true, UsageLimit: &limit,
	}
	if err := rules.CreateRule(ctx, &scarce); err != nil {
		return err
	}
	launchRuleID, scarceRuleID = launch.ID, scarce.ID
	return nil
}

// HTTP helpers.

func doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, baseURL+path, nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func doPost(t *testing.T, path string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, baseURL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func confirmBody(orderID, customerID string, ruleID, discount int64) map[string]any {
	return map[string]any{
		"order_id":    orderID,
		"customer_id": customerID,
		"currency":    "EUR",
		"rules":       []map[string]any{{"rule_id": ruleID, "discount_amount": discount}},
	}
}

// Health endpoints.

func TestIntegration_HealthEndpoints(t *testing.T) {
	for _, path := range []string{"/livez", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			resp := doGet(t, path)
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			body := decodeJSON[healthResponse](t, resp)
			if body.Status != "ok" {
				t.Fatalf("expected status ok, got %q (checks %v)", body.Status, body.Checks)
			}
		})
	}
}

// Middleware.

func TestIntegration_RequestID(t *testing.T) {
	resp := doGet(t, "/livez")
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID header not present")
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, baseURL+"/livez", nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("X-Request-ID", "custom-request-id-12345")
	resp, err = httpClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); got != "custom-request-id-12345" {
		t.Errorf("X-Request-ID: got %q, want %q", got, "custom-request-id-12345")
	}
}

// Pricing.

func TestIntegration_ResolveCatalogAndRule(t *testing.T) {
	tests := []struct {
		name     string
		groups   []string
		wantBase int64
		wantUnit int64
	}{
		{name: "guest pays generic price", wantBase: 10000, wantUnit: 9500},
		{name: "wholesale catalog adjusts generic price", groups: []string{"b2b"}, wantBase: 9000, wantUnit: 8500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doPost(t, "/api/v1/prices/resolve", map[string]any{
				"variant_id":         "var-1",
				"customer_group_ids": tt.groups,
				"currency":           "EUR",
				"quantity":           1,
			})
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			body := decodeJSON[resolveResponse](t, resp)
			if body.BasePrice.Amount != tt.wantBase {
				t.Errorf("base price: got %d, want %d", body.BasePrice.Amount, tt.wantBase)
			}
			if body.UnitPrice.Amount != tt.wantUnit {
				t.Errorf("unit price: got %d, want %d", body.UnitPrice.Amount, tt.wantUnit)
			}
			if len(body.Trail.Rules) != 1 || body.Trail.Rules[0].RuleID != launchRuleID {
				t.Errorf("trail rules: got %+v, want rule %d", body.Trail.Rules, launchRuleID)
			}
		})
	}
}

func TestIntegration_ResolveErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]any
		wantCode int
	}{
		{
			name:     "unknown variant",
			body:     map[string]any{"variant_id": "nope", "currency": "EUR", "quantity": 1},
			wantCode: http.StatusNotFound,
		},
		{
			name:     "currency without prices",
			body:     map[string]any{"variant_id": "var-1", "currency": "USD", "quantity": 1},
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "missing quantity",
			body:     map[string]any{"variant_id": "var-1", "currency": "EUR"},
			wantCode: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doPost(t, "/api/v1/prices/resolve", tt.body)
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, resp.StatusCode)
			}
			body := decodeJSON[errorResponse](t, resp)
			if body.Code != tt.wantCode || body.Message == "" {
				t.Errorf("unexpected error body: %+v", body)
			}
		})
	}
}

func TestIntegration_ConfirmReplay(t *testing.T) {
	resp := doPost(t, "/api/v1/prices/confirm", confirmBody("replay-1", "cust-1", launchRuleID, 500))
	first := decodeJSON[confirmResponse](t, resp)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || first.Replayed || len(first.Committed) != 1 {
		t.Fatalf("first confirm: status %d, body %+v", resp.StatusCode, first)
	}

	resp = doPost(t, "/api/v1/prices/confirm", confirmBody("replay-1", "cust-1", launchRuleID, 500))
	second := decodeJSON[confirmResponse](t, resp)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !second.Replayed || len(second.Committed) != 0 {
		t.Fatalf("replayed confirm: status %d, body %+v", resp.StatusCode, second)
	}
}

func TestIntegration_ConcurrentConfirmsRespectLimit(t *testing.T) {
	const orders = 10

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		conflict int
	)
	for i := range orders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := json.Marshal(confirmBody(fmt.Sprintf("scarce-%d", i), fmt.Sprintf("cust-%d", i), scarceRuleID, 1000))
			if err != nil {
				t.Errorf("marshal body: %v", err)
				return
			}
			resp, err := httpClient.Post(baseURL+"/api/v1/prices/confirm", "application/json", bytes.NewReader(data))
			if err != nil {
				t.Errorf("POST confirm: %v", err)
				return
			}
			defer resp.Body.Close()

			mu.Lock()
			defer mu.Unlock()
			switch resp.StatusCode {
			case http.StatusOK:
				ok++
			case http.StatusConflict:
				var body errorResponse
				if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
					t.Errorf("decode conflict: %v", err)
				}
				if body.RuleID != scarceRuleID || body.Scope != string(rule.LimitGlobal) {
					t.Errorf("unexpected conflict body: %+v", body)
				}
				conflict++
			default:
				t.Errorf("unexpected status %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	if ok != 3 || conflict != orders-3 {
		t.Fatalf("got %d committed and %d conflicts, want 3 and %d", ok, conflict, orders-3)
	}

	resp := doPost(t, "/api/v1/prices/resolve", map[string]any{"variant_id": "var-2", "currency": "EUR", "quantity": 1})
	defer resp.Body.Close()
	body := decodeJSON[resolveResponse](t, resp)
	if body.UnitPrice.Amount != 2000 || len(body.Trail.Rules) != 0 {
		t.Errorf("exhausted rule still applied: %+v", body)
	}
}
