package gateway

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/mesh-gateway/internal/config"
	"github.com/hewenyu/mesh-gateway/internal/router"
	"github.com/hewenyu/mesh-gateway/pkg/balancer"
	"github.com/hewenyu/mesh-gateway/pkg/discovery"
	"github.com/hewenyu/mesh-gateway/pkg/model"
	"github.com/hewenyu/mesh-gateway/pkg/resilience"
)

// staticResolver 返回固定实例列表
type staticResolver struct {
	instances map[string][]model.ServiceInstance
}

func (r *staticResolver) Resolve(serviceName string) ([]model.ServiceInstance, error) {
	return r.instances[serviceName], nil
}

func backendInstance(t *testing.T, srv *httptest.Server, serviceName, id string) model.ServiceInstance {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return model.ServiceInstance{
		ID:      id,
		Service: serviceName,
		Host:    host,
		Port:    port,
		Status:  model.StatusUp,
	}
}

func newTestProxy(t *testing.T, rules []model.RouteRule, res discovery.Resolver, settings resilience.Settings) *Proxy {
	t.Helper()
	table, err := router.NewTable(rules)
	require.NoError(t, err)

	logger := config.NewNopLogger()
	bal, err := balancer.New(balancer.StrategyRoundRobin)
	require.NoError(t, err)

	instanceCircuits := resilience.NewGroup(resilience.DefaultSettings(), nil, nil)
	selector := router.NewSelector(res, bal, instanceCircuits, logger)
	services := resilience.NewGroup(settings, nil, nil)
	return NewProxy(table, selector, services, logger)
}

func doProxyRequest(p *Proxy, method, path string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	_ = p.Handle(c)
	return rec
}

func TestProxy_ForwardsToBackend(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"order":"123"}`))
	}))
	defer backend.Close()

	rules := []model.RouteRule{{Prefix: "/api/orders/**", Service: "orders", StripPrefix: true}}
	res := &staticResolver{instances: map[string][]model.ServiceInstance{
		"orders": {backendInstance(t, backend, "orders", "orders-0")},
	}}
	p := newTestProxy(t, rules, res, resilience.DefaultSettings())

	rec := doProxyRequest(p, http.MethodGet, "/api/orders/123")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"order":"123"}`, rec.Body.String())
	// 前缀剥离后转发
	assert.Equal(t, "/123", gotPath)
}

func TestProxy_NoRouteMatched(t *testing.T) {
	rules := []model.RouteRule{{Prefix: "/api/orders/**", Service: "orders"}}
	p := newTestProxy(t, rules, &staticResolver{}, resilience.DefaultSettings())

	rec := doProxyRequest(p, http.MethodGet, "/unknown/path")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxy_NoHealthyInstance(t *testing.T) {
	rules := []model.RouteRule{{Prefix: "/api/orders/**", Service: "orders"}}
	p := newTestProxy(t, rules, &staticResolver{}, resilience.DefaultSettings())

	rec := doProxyRequest(p, http.MethodGet, "/api/orders/123")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxy_UpstreamErrorPassthrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	rules := []model.RouteRule{{Prefix: "/api/orders/**", Service: "orders"}}
	res := &staticResolver{instances: map[string][]model.ServiceInstance{
		"orders": {backendInstance(t, backend, "orders", "orders-0")},
	}}
	p := newTestProxy(t, rules, res, resilience.DefaultSettings())

	// 5xx原样透传给调用方
	rec := doProxyRequest(p, http.MethodGet, "/api/orders/123")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProxy_CircuitOpensAfterFailures(t *testing.T) {
	var backendCalls int
	var mu sync.Mutex
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		backendCalls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	rules := []model.RouteRule{{Prefix: "/api/orders/**", Service: "orders"}}
	res := &staticResolver{instances: map[string][]model.ServiceInstance{
		"orders": {backendInstance(t, backend, "orders", "orders-0")},
	}}
	settings := resilience.Settings{
		WindowSize:   4,
		MinCalls:     4,
		FailureRatio: 0.5,
		CoolDown:     time.Minute,
	}
	p := newTestProxy(t, rules, res, settings)

	for i := 0; i < 4; i++ {
		rec := doProxyRequest(p, http.MethodGet, "/api/orders/123")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	}

	// 阈值越过后立即熔断，不再发起下游调用
	rec := doProxyRequest(p, http.MethodGet, "/api/orders/123")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, backendCalls)
}

func TestProxy_BulkheadFull(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rules := []model.RouteRule{{Prefix: "/api/orders/**", Service: "orders"}}
	res := &staticResolver{instances: map[string][]model.ServiceInstance{
		"orders": {backendInstance(t, backend, "orders", "orders-0")},
	}}
	settings := resilience.DefaultSettings()
	settings.MaxConcurrent = 1
	p := newTestProxy(t, rules, res, settings)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rec := doProxyRequest(p, http.MethodGet, "/api/orders/slow")
		assert.Equal(t, http.StatusOK, rec.Code)
	}()

	<-entered

	// 舱壁已满时立即拒绝，不排队等待
	start := time.Now()
	rec := doProxyRequest(p, http.MethodGet, "/api/orders/fast")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	<-done
}

func TestProxy_UpstreamTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rules := []model.RouteRule{{Prefix: "/api/orders/**", Service: "orders"}}
	res := &staticResolver{instances: map[string][]model.ServiceInstance{
		"orders": {backendInstance(t, backend, "orders", "orders-0")},
	}}
	settings := resilience.DefaultSettings()
	settings.CallTimeout = 50 * time.Millisecond
	p := newTestProxy(t, rules, res, settings)

	rec := doProxyRequest(p, http.MethodGet, "/api/orders/123")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestRateLimit(t *testing.T) {
	e := echo.New()
	e.Use(RateLimit(1, 1))
	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
