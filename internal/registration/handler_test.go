package registration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/pkg/model"
	"github.com/hewenyu/mesh-gateway/pkg/registry"
)

func newTestHandler(t *testing.T) (*Handler, *registry.MemoryRegistry) {
	t.Helper()
	reg := registry.NewMemoryRegistry(30*time.Second, config.NewNopLogger())
	t.Cleanup(func() { _ = reg.Close() })
	return NewHandler(reg), reg
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *model.ApiResponse {
	t.Helper()
	resp := new(model.ApiResponse)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), resp))
	return resp
}

func TestRegisterInstance(t *testing.T) {
	h, reg := newTestHandler(t)
	e := echo.New()
	h.RegisterRoutes(e)

	body := `{"id":"orders-0","service":"orders","host":"10.0.0.1","port":8080}`
	rec := doRequest(e, http.MethodPost, "/api/v1/services", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, http.StatusOK, resp.Code)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var registered model.RegisterResponse
	require.NoError(t, json.Unmarshal(data, &registered))
	assert.Equal(t, "orders-0", registered.InstanceID)
	assert.Equal(t, "orders", registered.Service)
	assert.False(t, registered.ExpiresAt.IsZero())

	// 注册后在快照中可见
	instances := reg.Snapshot("orders")
	require.Len(t, instances, 1)
	assert.Equal(t, "orders-0", instances[0].ID)
}

func TestRegisterInstance_GeneratesID(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	h.RegisterRoutes(e)

	body := `{"service":"orders","host":"10.0.0.1","port":8080}`
	rec := doRequest(e, http.MethodPost, "/api/v1/services", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var registered model.RegisterResponse
	require.NoError(t, json.Unmarshal(data, &registered))
	assert.NotEmpty(t, registered.InstanceID)
}

func TestRegisterInstance_Validation(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	h.RegisterRoutes(e)

	cases := []struct {
		name string
		body string
	}{
		{"缺少服务名称", `{"host":"10.0.0.1","port":8080}`},
		{"缺少主机地址", `{"service":"orders","port":8080}`},
		{"端口无效", `{"service":"orders","host":"10.0.0.1","port":0}`},
		{"端口超出范围", `{"service":"orders","host":"10.0.0.1","port":70000}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(e, http.MethodPost, "/api/v1/services", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRegisterInstance_Duplicate(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	h.RegisterRoutes(e)

	body := `{"id":"orders-0","service":"orders","host":"10.0.0.1","port":8080}`
	rec := doRequest(e, http.MethodPost, "/api/v1/services", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 租约未过期时重复注册返回冲突
	rec = doRequest(e, http.MethodPost, "/api/v1/services", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHeartbeat(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	h.RegisterRoutes(e)

	body := `{"id":"orders-0","service":"orders","host":"10.0.0.1","port":8080}`
	rec := doRequest(e, http.MethodPost, "/api/v1/services", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(e, http.MethodPut, "/api/v1/services/orders-0/heartbeat", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var hb model.HeartbeatResponse
	require.NoError(t, json.Unmarshal(data, &hb))
	assert.Equal(t, "orders-0", hb.InstanceID)
	assert.True(t, hb.ExpiresAt.After(time.Now()))
}

func TestHeartbeat_UnknownInstance(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	h.RegisterRoutes(e)

	rec := doRequest(e, http.MethodPut, "/api/v1/services/no-such-instance/heartbeat", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeregisterInstance(t *testing.T) {
	h, reg := newTestHandler(t)
	e := echo.New()
	h.RegisterRoutes(e)

	body := `{"id":"orders-0","service":"orders","host":"10.0.0.1","port":8080}`
	rec := doRequest(e, http.MethodPost, "/api/v1/services", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(e, http.MethodDelete, "/api/v1/services/orders-0", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, reg.Snapshot("orders"))
}

func TestDeregisterInstance_Unknown(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	h.RegisterRoutes(e)

	rec := doRequest(e, http.MethodDelete, "/api/v1/services/no-such-instance", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
