package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/app/monitor"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/core/service"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/http/handler"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

type fakePayments struct {
	lastUser    string
	lastAmount  decimal.Decimal
	lastMinutes int
}

func (f *fakePayments) CreatePaymentRequest(_ context.Context, userID string, usd decimal.Decimal, minutes int) (*domain.PaymentRequest, error) {
	f.lastUser, f.lastAmount, f.lastMinutes = userID, usd, minutes
	if !usd.IsPositive() {
		return nil, xerr.Wrap(domain.ErrInvalidAmount, xerr.InvalidAmount, "usd amount must be positive")
	}
	return &domain.PaymentRequest{
		ID:           "pay-1",
		UserID:       userID,
		UsdAmount:    usd,
		BtcAmount:    decimal.RequireFromString("0.002"),
		ExpectedSats: 200000,
		Address:      "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu",
		Status:       domain.PaymentStatusPending,
	}, nil
}

func (f *fakePayments) VerifyPayment(_ context.Context, id string) (*service.VerifyResult, error) {
	switch id {
	case "down":
		return nil, xerr.Wrap(errors.New("esplora: http 502"), xerr.ChainUnavailable, "all chain data sources failed")
	case "missing":
		return nil, domain.ErrPaymentNotFound
	}
	return &service.VerifyResult{Success: true, Status: domain.PaymentStatusConfirmed, Confirmations: 2, IsComplete: true}, nil
}

func (f *fakePayments) CancelPayment(_ context.Context, id string) (bool, error) {
	if id == "missing" {
		return false, domain.ErrPaymentNotFound
	}
	return id == "pay-1", nil
}

func (f *fakePayments) GetPendingPayments(context.Context, string) []*domain.PaymentRequest {
	return nil
}

type fakePrice struct{}

func (fakePrice) GetCurrentPrice(_ context.Context, cur string) domain.PriceQuote {
	return domain.PriceQuote{Currency: cur, Price: decimal.NewFromInt(50000), Source: "coinbase"}
}

type fakeAdmin struct {
	forced int
}

func (f *fakeAdmin) ListAddresses(context.Context) ([]*domain.DerivedAddress, error) {
	return []*domain.DerivedAddress{{Index: 0, Address: "bc1qa"}, {Index: 1, Address: "bc1qb"}}, nil
}

func (f *fakeAdmin) Stats(context.Context) (*domain.WalletStats, error) {
	return &domain.WalletStats{AddressesGenerated: 2, TotalReceivedSats: 199000}, nil
}

func (f *fakeAdmin) Sweep(_ context.Context, address string) (*service.SweepResult, error) {
	switch address {
	case "empty":
		return &service.SweepResult{Address: address, Code: xerr.NoBalance, Error: "no balance"}, nil
	case "reject":
		err := xerr.Wrap(errors.New("bad-txns"), xerr.BroadcastFailed, "sweep broadcast failed")
		return &service.SweepResult{Address: address, Code: xerr.BroadcastFailed, Err: err}, err
	}
	return &service.SweepResult{Success: true, Address: address, TxHash: "abc", AmountSats: 198800}, nil
}

func (f *fakeAdmin) ListSweeps(_ context.Context, page, limit int) ([]*domain.SweepRecord, error) {
	return []*domain.SweepRecord{{ID: int64(page*100 + limit)}}, nil
}

func (f *fakeAdmin) GetStatus() monitor.Status {
	return monitor.Status{Active: true, Interval: 30 * time.Second, Leader: true}
}

func (f *fakeAdmin) ForceSweepAll(context.Context) monitor.PassReport {
	f.forced++
	return monitor.PassReport{Trigger: monitor.TriggerForce, Swept: 1}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestEngine(t *testing.T) (*gin.Engine, *fakePayments, *fakeAdmin) {
	t.Helper()
	pay := &fakePayments{}
	adm := &fakeAdmin{}
	r := NewEngine(Config{}, nil, Handlers{
		Payment: &handler.Payment{Payments: pay, Price: fakePrice{}},
		Admin:   &handler.Admin{Addresses: adm, Sweeps: adm, Monitor: adm},
	})
	return r, pay, adm
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(path, "/api") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func TestPaymentRoutes(t *testing.T) {
	r, pay, _ := newTestEngine(t)

	t.Run("create", func(t *testing.T) {
		code, env := do(t, r, http.MethodPost, "/api/payments", `{"userId":"u1","usdAmount":"100","expirationMinutes":30}`)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "u1", pay.lastUser)
		assert.True(t, pay.lastAmount.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, 30, pay.lastMinutes)

		var p struct {
			ID           string `json:"id"`
			ExpectedSats int64  `json:"expectedSats"`
			Status       string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &p))
		assert.Equal(t, "pay-1", p.ID)
		assert.EqualValues(t, 200000, p.ExpectedSats)
		assert.Equal(t, "pending", p.Status)
	})

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantHTTP int
		wantCode int
	}{
		{"create numeric amount", http.MethodPost, "/api/payments", `{"userId":"u1","usdAmount":12.5}`, http.StatusOK, http.StatusOK},
		{"create zero amount", http.MethodPost, "/api/payments", `{"userId":"u1","usdAmount":"0"}`, http.StatusBadRequest, xerr.InvalidAmount},
		{"create missing user", http.MethodPost, "/api/payments", `{"usdAmount":"10"}`, http.StatusBadRequest, xerr.RequestParamsError},
		{"create bad json", http.MethodPost, "/api/payments", `{`, http.StatusBadRequest, xerr.RequestParamsError},
		{"verify ok", http.MethodGet, "/api/payments/pay-1/verify", "", http.StatusOK, http.StatusOK},
		{"verify chain down", http.MethodGet, "/api/payments/down/verify", "", http.StatusServiceUnavailable, xerr.ChainUnavailable},
		{"verify unknown", http.MethodGet, "/api/payments/missing/verify", "", http.StatusNotFound, xerr.PaymentNotFound},
		{"cancel unknown", http.MethodPost, "/api/payments/missing/cancel", "", http.StatusNotFound, xerr.PaymentNotFound},
		{"price usd", http.MethodGet, "/api/price/usd", "", http.StatusOK, http.StatusOK},
		{"price eur", http.MethodGet, "/api/price/EUR", "", http.StatusBadRequest, xerr.RequestParamsError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := do(t, r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantHTTP, code)
			assert.Equal(t, tt.wantCode, env.Code)
		})
	}

	t.Run("cancel and pending", func(t *testing.T) {
		_, env := do(t, r, http.MethodPost, "/api/payments/pay-1/cancel", "")
		assert.JSONEq(t, `{"cancelled":true}`, string(env.Data))

		_, env = do(t, r, http.MethodPost, "/api/payments/pay-2/cancel", "")
		assert.JSONEq(t, `{"cancelled":false}`, string(env.Data))

		_, env = do(t, r, http.MethodGet, "/api/users/u1/payments/pending", "")
		assert.Equal(t, "[]", string(env.Data))
	})
}

func TestAdminRoutes(t *testing.T) {
	r, _, adm := newTestEngine(t)

	code, env := do(t, r, http.MethodGet, "/api/admin/addresses", "")
	assert.Equal(t, http.StatusOK, code)
	var addrs []domain.DerivedAddress
	require.NoError(t, json.Unmarshal(env.Data, &addrs))
	assert.Len(t, addrs, 2)

	_, env = do(t, r, http.MethodGet, "/api/admin/sweeps?page=2&limit=5", "")
	var sweeps []domain.SweepRecord
	require.NoError(t, json.Unmarshal(env.Data, &sweeps))
	require.Len(t, sweeps, 1)
	assert.EqualValues(t, 205, sweeps[0].ID)

	_, env = do(t, r, http.MethodGet, "/api/admin/stats", "")
	assert.Contains(t, string(env.Data), "199000")

	_, env = do(t, r, http.MethodGet, "/api/admin/monitor", "")
	assert.Contains(t, string(env.Data), `"active":true`)

	code, _ = do(t, r, http.MethodPost, "/api/admin/sweeps/force", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, adm.forced)

	// 业务跳过是 200，结果里带业务码
	code, env = do(t, r, http.MethodPost, "/api/admin/sweeps/empty", "")
	assert.Equal(t, http.StatusOK, code)
	var res service.SweepResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.False(t, res.Success)
	assert.Equal(t, xerr.NoBalance, res.Code)

	code, env = do(t, r, http.MethodPost, "/api/admin/sweeps/reject", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, xerr.BroadcastFailed, env.Code)

	code, _ = do(t, r, http.MethodPost, "/api/admin/sweeps/bc1qa", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthz(t *testing.T) {
	r, _, _ := newTestEngine(t)
	code, _ := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
}
