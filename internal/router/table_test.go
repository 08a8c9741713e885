package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/mesh-gateway/pkg/model"
)

func TestTable_Route(t *testing.T) {
	table, err := NewTable([]model.RouteRule{
		{Prefix: "/orders/**", Service: "order-service"},
		{Prefix: "/**", Service: "default-service"},
	})
	require.NoError(t, err)

	service, path, err := table.Route("/orders/123")
	require.NoError(t, err)
	assert.Equal(t, "order-service", service)
	assert.Equal(t, "/orders/123", path)

	service, path, err = table.Route("/anything")
	require.NoError(t, err)
	assert.Equal(t, "default-service", service)
	assert.Equal(t, "/anything", path)
}

func TestTable_LongestPrefixWins(t *testing.T) {
	// 注册顺序与优先级无关，最长前缀优先
	table, err := NewTable([]model.RouteRule{
		{Prefix: "/**", Service: "default-service"},
		{Prefix: "/api/**", Service: "api-service"},
		{Prefix: "/api/orders/**", Service: "order-service"},
	})
	require.NoError(t, err)

	service, _, err := table.Route("/api/orders/1")
	require.NoError(t, err)
	assert.Equal(t, "order-service", service)

	service, _, err = table.Route("/api/users/1")
	require.NoError(t, err)
	assert.Equal(t, "api-service", service)

	service, _, err = table.Route("/health")
	require.NoError(t, err)
	assert.Equal(t, "default-service", service)
}

func TestTable_TieBreakByRegistrationOrder(t *testing.T) {
	// 前缀长度相同时，先注册的规则优先
	table, err := NewTable([]model.RouteRule{
		{Prefix: "/orders/**", Service: "first-service"},
		{Prefix: "/orders/**", Service: "second-service"},
	})
	require.NoError(t, err)

	service, _, err := table.Route("/orders/1")
	require.NoError(t, err)
	assert.Equal(t, "first-service", service)
}

func TestTable_SegmentBoundary(t *testing.T) {
	table, err := NewTable([]model.RouteRule{
		{Prefix: "/orders/**", Service: "order-service"},
	})
	require.NoError(t, err)

	// 前缀本身也命中
	service, _, err := table.Route("/orders")
	require.NoError(t, err)
	assert.Equal(t, "order-service", service)

	// 非路径段边界不命中
	_, _, err = table.Route("/ordersx")
	assert.ErrorIs(t, err, ErrNoRouteMatched)
}

func TestTable_NoRouteMatched(t *testing.T) {
	table, err := NewTable([]model.RouteRule{
		{Prefix: "/orders/**", Service: "order-service"},
	})
	require.NoError(t, err)

	_, _, err = table.Route("/payments/1")
	assert.ErrorIs(t, err, ErrNoRouteMatched)
}

func TestTable_StripPrefix(t *testing.T) {
	table, err := NewTable([]model.RouteRule{
		{Prefix: "/orders/**", Service: "order-service", StripPrefix: true},
	})
	require.NoError(t, err)

	_, path, err := table.Route("/orders/123")
	require.NoError(t, err)
	assert.Equal(t, "/123", path)

	// 剥离后为空时转发根路径
	_, path, err = table.Route("/orders")
	require.NoError(t, err)
	assert.Equal(t, "/", path)
}

func TestTable_Rewrite(t *testing.T) {
	table, err := NewTable([]model.RouteRule{
		{Prefix: "/legacy/orders/**", Service: "order-service", Rewrite: "/v2/orders"},
	})
	require.NoError(t, err)

	_, path, err := table.Route("/legacy/orders/123")
	require.NoError(t, err)
	assert.Equal(t, "/v2/orders/123", path)
}

func TestTable_InvalidRules(t *testing.T) {
	_, err := NewTable([]model.RouteRule{
		{Prefix: "orders/**", Service: "order-service"},
	})
	assert.Error(t, err)

	_, err = NewTable([]model.RouteRule{
		{Prefix: "/orders/**"},
	})
	assert.Error(t, err)
}
