package handler_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/stockguard/internal/domain/order"
	"github.com/xenking/stockguard/internal/domain/product"
	"github.com/xenking/stockguard/internal/events"
	"github.com/xenking/stockguard/internal/handler"
	"github.com/xenking/stockguard/internal/lock"
	"github.com/xenking/stockguard/internal/retry"
	"github.com/xenking/stockguard/internal/storage/memory"
)

// --- Helpers ---

type fixture struct {
	srv      *httptest.Server
	products *product.Service
	orders   *order.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lg := zap.NewNop()

	locks, err := lock.NewCoordinator(lock.NewMemoryBackend(), lock.Config{
		PollInterval:    time.Millisecond,
		MaxPollInterval: 2 * time.Millisecond,
	}, lg)
	require.NoError(t, err)
	rc, err := retry.New(retry.DefaultPolicy(), lg, retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	disp := events.NewDispatcher(&events.RecordingSink{}, time.Second, lg)
	t.Cleanup(disp.Close)

	productRepo := memory.NewProductRepository()
	f := &fixture{
		products: product.NewService(productRepo, locks, rc, disp, product.DefaultConfig(), lg),
		orders:   order.NewService(memory.NewOrderRepository(), productRepo, locks, disp, order.DefaultConfig(), lg),
	}
	f.srv = newServer(t, f.products, f.orders)
	return f
}

func newServer(t *testing.T, products handler.ProductService, orders handler.OrderService) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	handler.New(products, orders).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type response struct {
	status int
	body   []byte
}

func (f *fixture) do(t *testing.T, method, path, body string) response {
	t.Helper()
	return do(t, f.srv, method, path, body, nil)
}

func do(t *testing.T, srv *httptest.Server, method, path, body string, header http.Header) response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return response{status: resp.StatusCode, body: data}
}

// field extracts a top-level (or dotted nested object) field as raw JSON.
func field(t *testing.T, body []byte, path string) string {
	t.Helper()
	key, rest, nested := strings.Cut(path, ".")
	var out string
	err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, k string) error {
		if k != key {
			return d.Skip()
		}
		raw, err := d.Raw()
		if err != nil {
			return err
		}
		if nested {
			out = field(t, raw, rest)
		} else {
			out = strings.Trim(raw.String(), `"`)
		}
		return nil
	})
	require.NoError(t, err, string(body))
	return out
}

func (f *fixture) createProduct(t *testing.T, sku string, stock int) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/products",
		`{"sku":"`+sku+`","name":"Widget","price":"19.90","initial_stock":`+jxInt(stock)+`}`)
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	return field(t, resp.body, "id")
}

func jxInt(v int) string {
	var e jx.Encoder
	e.Int(v)
	return e.String()
}

// --- Products ---

func TestProduct_CreateAndGet(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/products",
		`{"sku":"SKU-1","name":"Widget","description":"blue","price":19.9,"initial_stock":5,"extra":[1,2]}`)
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	id := field(t, resp.body, "id")
	assert.Equal(t, "SKU-1", field(t, resp.body, "sku"))
	assert.Equal(t, "19.9", field(t, resp.body, "price"))
	assert.Equal(t, "5", field(t, resp.body, "stock"))
	assert.Equal(t, "0", field(t, resp.body, "version"))

	resp = f.do(t, http.MethodGet, "/api/products/"+id, "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "blue", field(t, resp.body, "description"))

	resp = f.do(t, http.MethodGet, "/api/products/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "Not Found", field(t, resp.body, "error"))
}

func TestProduct_CreateErrors(t *testing.T) {
	f := newFixture(t)
	f.createProduct(t, "DUP", 1)

	for _, tt := range []struct {
		name   string
		body   string
		status int
	}{
		{"Duplicate", `{"sku":"DUP","name":"x","price":"1"}`, http.StatusConflict},
		{"MissingPrice", `{"sku":"A","name":"x"}`, http.StatusUnprocessableEntity},
		{"ZeroPrice", `{"sku":"A","name":"x","price":0}`, http.StatusUnprocessableEntity},
		{"NegativeStock", `{"sku":"A","name":"x","price":1,"initial_stock":-1}`, http.StatusUnprocessableEntity},
		{"BlankName", `{"sku":"A","name":" ","price":1}`, http.StatusUnprocessableEntity},
		{"BadPrice", `{"sku":"A","name":"x","price":"abc"}`, http.StatusBadRequest},
		{"Malformed", `{"sku":`, http.StatusBadRequest},
		{"NotObject", `[1]`, http.StatusBadRequest},
		{"Empty", ``, http.StatusBadRequest},
	} {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/products", tt.body)
			assert.Equal(t, tt.status, resp.status, string(resp.body))
		})
	}
}

func TestProduct_StockOperations(t *testing.T) {
	f := newFixture(t)
	id := f.createProduct(t, "SKU-S", 10)

	resp := f.do(t, http.MethodPost, "/api/products/"+id+"/stock/reserve", `{"quantity":4}`)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	assert.Equal(t, "6", field(t, resp.body, "stock"))
	assert.Equal(t, "1", field(t, resp.body, "version"))

	resp = f.do(t, http.MethodPost, "/api/products/"+id+"/stock/restore", `{"quantity":2}`)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "8", field(t, resp.body, "stock"))

	resp = f.do(t, http.MethodPut, "/api/products/"+id+"/stock", `{"stock":50}`)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "50", field(t, resp.body, "stock"))

	resp = f.do(t, http.MethodPatch, "/api/products/"+id+"/price", `{"price":"7.25"}`)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "7.25", field(t, resp.body, "price"))
}

func TestProduct_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	id := f.createProduct(t, "SKU-I", 3)

	resp := f.do(t, http.MethodPost, "/api/products/"+id+"/stock/reserve", `{"quantity":5}`)
	require.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, "Insufficient Stock", field(t, resp.body, "error"))
	assert.Equal(t, id, field(t, resp.body, "details.product_id"))
	assert.Equal(t, "3", field(t, resp.body, "details.available_stock"))
	assert.Equal(t, "5", field(t, resp.body, "details.requested_quantity"))
}

func TestProduct_StockValidation(t *testing.T) {
	f := newFixture(t)
	id := f.createProduct(t, "SKU-V", 3)

	for _, tt := range []struct {
		name, method, path, body string
	}{
		{"ZeroQuantity", http.MethodPost, "/stock/reserve", `{"quantity":0}`},
		{"MissingQuantity", http.MethodPost, "/stock/restore", `{}`},
		{"NegativeStock", http.MethodPut, "/stock", `{"stock":-2}`},
		{"MissingPrice", http.MethodPatch, "/price", `{"cost":1}`},
	} {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, "/api/products/"+id+tt.path, tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, resp.status, string(resp.body))
			assert.Equal(t, "Validation Error", field(t, resp.body, "error"))
		})
	}
}

// stubProducts fails Reserve with a fixed error.
type stubProducts struct {
	handler.ProductService
	err error
}

func (s stubProducts) Reserve(context.Context, string, int) (*product.Product, error) {
	return nil, s.err
}

func TestProduct_ErrorMapping(t *testing.T) {
	for _, tt := range []struct {
		name   string
		err    error
		status int
		title  string
	}{
		{"Lock", &lock.AcquireError{Keys: []string{"product:stock:p1"}}, http.StatusLocked, "Lock Acquisition Failed"},
		{"Conflict", &retry.ConflictError{Resource: "product", ID: "p1", Attempts: 3}, http.StatusConflict, "Concurrency Conflict"},
		{"Internal", errors.New("db down"), http.StatusInternalServerError, "Internal Server Error"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, stubProducts{err: tt.err}, nil)
			resp := do(t, srv, http.MethodPost, "/api/products/p1/stock/reserve", `{"quantity":1}`, nil)
			assert.Equal(t, tt.status, resp.status)
			assert.Equal(t, tt.title, field(t, resp.body, "error"))
			assert.NotContains(t, string(resp.body), "db down")
		})
	}
}

// --- Orders ---

func TestOrder_Lifecycle(t *testing.T) {
	f := newFixture(t)
	p1 := f.createProduct(t, "SKU-A", 10)
	p2 := f.createProduct(t, "SKU-B", 10)

	resp := f.do(t, http.MethodPost, "/api/orders",
		`{"user_id":"u1","items":[{"product_id":"`+p1+`","quantity":2},{"product_id":"`+p2+`","quantity":1}]}`)
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	id := field(t, resp.body, "id")
	assert.Equal(t, "PENDING", field(t, resp.body, "status"))
	assert.Equal(t, "59.7", field(t, resp.body, "total"))

	resp = f.do(t, http.MethodPost, "/api/orders/"+id+"/confirm", "")
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	assert.Equal(t, "CONFIRMED", field(t, resp.body, "status"))

	p, err := f.products.Get(context.Background(), p1)
	require.NoError(t, err)
	assert.Equal(t, 8, p.Stock)

	resp = f.do(t, http.MethodPost, "/api/orders/"+id+"/complete", "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "COMPLETED", field(t, resp.body, "status"))

	resp = f.do(t, http.MethodPost, "/api/orders/"+id+"/cancel", "")
	require.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, "Invalid State Transition", field(t, resp.body, "error"))
	assert.Equal(t, "COMPLETED", field(t, resp.body, "details.current_status"))
	assert.Equal(t, "CANCELLED", field(t, resp.body, "details.target_status"))

	resp = f.do(t, http.MethodGet, "/api/orders/"+id, "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "COMPLETED", field(t, resp.body, "status"))
}

func TestOrder_CancelRestoresStock(t *testing.T) {
	f := newFixture(t)
	p1 := f.createProduct(t, "SKU-C", 5)

	resp := f.do(t, http.MethodPost, "/api/orders", `{"user_id":"u1","items":[{"product_id":"`+p1+`","quantity":5}]}`)
	require.Equal(t, http.StatusCreated, resp.status)
	id := field(t, resp.body, "id")

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/orders/"+id+"/confirm", "").status)
	resp = f.do(t, http.MethodPost, "/api/orders/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "CANCELLED", field(t, resp.body, "status"))

	p, err := f.products.Get(context.Background(), p1)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Stock)
}

func TestOrder_ConfirmInsufficientStock(t *testing.T) {
	f := newFixture(t)
	p1 := f.createProduct(t, "SKU-D", 1)

	resp := f.do(t, http.MethodPost, "/api/orders", `{"user_id":"u1","items":[{"product_id":"`+p1+`","quantity":3}]}`)
	require.Equal(t, http.StatusCreated, resp.status)
	id := field(t, resp.body, "id")

	resp = f.do(t, http.MethodPost, "/api/orders/"+id+"/confirm", "")
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, "Insufficient Stock", field(t, resp.body, "error"))
}

func TestOrder_CreateUserFromHeader(t *testing.T) {
	f := newFixture(t)
	p1 := f.createProduct(t, "SKU-H", 1)

	body := `{"items":[{"product_id":"` + p1 + `","quantity":1}]}`
	resp := do(t, f.srv, http.MethodPost, "/api/orders", body, http.Header{"X-User-Id": {"header-user"}})
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	assert.Equal(t, "header-user", field(t, resp.body, "user_id"))

	resp = f.do(t, http.MethodPost, "/api/orders", body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)
}

func TestOrder_CreateErrors(t *testing.T) {
	f := newFixture(t)
	p1 := f.createProduct(t, "SKU-E", 1)

	for _, tt := range []struct {
		name   string
		body   string
		status int
	}{
		{"NoItems", `{"user_id":"u1","items":[]}`, http.StatusUnprocessableEntity},
		{"ZeroQuantity", `{"user_id":"u1","items":[{"product_id":"` + p1 + `","quantity":0}]}`, http.StatusUnprocessableEntity},
		{"UnknownProduct", `{"user_id":"u1","items":[{"product_id":"nope","quantity":1}]}`, http.StatusUnprocessableEntity},
		{"ItemsNotArray", `{"user_id":"u1","items":{}}`, http.StatusBadRequest},
	} {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/orders", tt.body)
			assert.Equal(t, tt.status, resp.status, string(resp.body))
		})
	}

	resp := f.do(t, http.MethodPost, "/api/orders/missing/confirm", "")
	assert.Equal(t, http.StatusNotFound, resp.status)
}

func TestOrder_SubtotalsInResponse(t *testing.T) {
	f := newFixture(t)
	p1 := f.createProduct(t, "SKU-F", 10)

	resp := f.do(t, http.MethodPost, "/api/orders", `{"user_id":"u1","items":[{"product_id":"`+p1+`","quantity":3}]}`)
	require.Equal(t, http.StatusCreated, resp.status)

	var items []decimal.Decimal
	err := jx.DecodeBytes(resp.body).Obj(func(d *jx.Decoder, key string) error {
		if key != "items" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "subtotal" {
					return d.Skip()
				}
				n, err := d.Num()
				if err != nil {
					return err
				}
				items = append(items, decimal.RequireFromString(n.String()))
				return nil
			})
		})
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, decimal.RequireFromString("59.70").Equal(items[0]))
}
