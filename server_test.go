package sagaflow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, f *fulfillment) *Server {
	t.Helper()
	registry := NewRegistry(NewMemoryLog(), zerolog.Nop(),
		WithExecutor(testExecutor()),
		WithMetrics(NewMetrics()))
	require.NoError(t, registry.Register(f.definition(t)))
	return NewServer(registry, zerolog.Nop())
}

func doRequest(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	server := testServer(t, newFulfillment())

	rec := doRequest(t, server, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestStartSagaReturnsAccepted(t *testing.T) {
	server := testServer(t, newFulfillment())

	rec := doRequest(t, server, http.MethodPost, "/sagas/order-fulfillment", `{"orderId":"ORD-1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SagaID)
}

func TestStartSagaUnknownType(t *testing.T) {
	server := testServer(t, newFulfillment())

	rec := doRequest(t, server, http.MethodPost, "/sagas/no-such-type", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown_saga_type")
}

func TestStartSagaRejectsMalformedJSON(t *testing.T) {
	server := testServer(t, newFulfillment())

	rec := doRequest(t, server, http.MethodPost, "/sagas/order-fulfillment", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_payload")
}

func TestGetSagaStatus(t *testing.T) {
	server := testServer(t, newFulfillment())

	rec := doRequest(t, server, http.MethodPost, "/sagas/order-fulfillment", `{"orderId":"ORD-1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	require.Eventually(t, func() bool {
		rec := doRequest(t, server, http.MethodGet, "/sagas/"+started.SagaID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		var inst SagaInstance
		if err := json.Unmarshal(rec.Body.Bytes(), &inst); err != nil {
			return false
		}
		return inst.State == StateCompleted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestGetSagaNotFound(t *testing.T) {
	server := testServer(t, newFulfillment())

	rec := doRequest(t, server, http.MethodGet, "/sagas/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "saga_not_found")
}

func TestCancelSagaEndpoint(t *testing.T) {
	f := newFulfillment()
	f.chargeDelay = 100 * time.Millisecond
	server := testServer(t, f)

	rec := doRequest(t, server, http.MethodPost, "/sagas/order-fulfillment", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	require.Eventually(t, func() bool {
		return f.actions("charge-payment") > 0
	}, 2*time.Second, time.Millisecond)

	rec = doRequest(t, server, http.MethodPost, "/sagas/"+started.SagaID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Cancelled)
}

func TestCancelSagaNotFound(t *testing.T) {
	server := testServer(t, newFulfillment())

	rec := doRequest(t, server, http.MethodPost, "/sagas/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSagasEndpoint(t *testing.T) {
	f := newFulfillment()
	f.chargeDelay = 200 * time.Millisecond
	server := testServer(t, f)

	rec := doRequest(t, server, http.MethodPost, "/sagas/order-fulfillment", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	require.Eventually(t, func() bool {
		rec := doRequest(t, server, http.MethodGet, "/sagas", "")
		if rec.Code != http.StatusOK {
			return false
		}
		var insts []SagaInstance
		if err := json.Unmarshal(rec.Body.Bytes(), &insts); err != nil {
			return false
		}
		for _, inst := range insts {
			if inst.ID == started.SagaID {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	server := testServer(t, newFulfillment())

	rec := doRequest(t, server, http.MethodPost, "/sagas/order-fulfillment", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, server, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "saga_started_total")
}
