package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hewenyu/mesh-gateway/pkg/model"
)

// 定义路由错误
var (
	// ErrNoRouteMatched 没有路由规则匹配请求路径
	ErrNoRouteMatched = errors.New("没有匹配的路由规则")
	// ErrNoHealthyInstance 目标服务没有健康实例
	ErrNoHealthyInstance = errors.New("没有健康的服务实例")
)

// compiledRule 预处理后的路由规则
type compiledRule struct {
	base        string // 规范化后的前缀，不含尾部"/**"
	service     string
	stripPrefix bool
	rewrite     string
	order       int // 注册顺序，前缀长度相同时的决定性平局规则
}

// Table 路由表。规则在启动时编译，匹配策略是确定性的：
// 最长前缀优先，前缀长度相同按注册顺序优先。
type Table struct {
	rules []compiledRule
}

// NewTable 编译路由规则表，规则顺序即注册顺序
func NewTable(rules []model.RouteRule) (*Table, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("路由规则 %d 的前缀必须以 / 开头: %s", i, r.Prefix)
		}
		if r.Service == "" {
			return nil, fmt.Errorf("路由规则 %d 缺少目标服务", i)
		}

		base := strings.TrimSuffix(r.Prefix, "/**")
		base = strings.TrimSuffix(base, "/")
		compiled = append(compiled, compiledRule{
			base:        base,
			service:     r.Service,
			stripPrefix: r.StripPrefix,
			rewrite:     strings.TrimSuffix(r.Rewrite, "/"),
			order:       i,
		})
	}

	// 预先按最长前缀、注册顺序排序，匹配时取第一条命中的规则
	sort.SliceStable(compiled, func(i, j int) bool {
		if len(compiled[i].base) != len(compiled[j].base) {
			return len(compiled[i].base) > len(compiled[j].base)
		}
		return compiled[i].order < compiled[j].order
	})

	return &Table{rules: compiled}, nil
}

// Route 将请求路径映射到目标服务，返回目标服务名与改写后的路径
func (t *Table) Route(path string) (string, string, error) {
	if path == "" {
		path = "/"
	}
	for _, rule := range t.rules {
		if !rule.matches(path) {
			continue
		}
		return rule.service, rule.rewritePath(path), nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrNoRouteMatched, path)
}

// matches 判断路径是否命中规则前缀。
// 前缀匹配按路径段边界进行："/orders"命中"/orders"与"/orders/123"，
// 不命中"/ordersx"。
func (r *compiledRule) matches(path string) bool {
	if r.base == "" {
		// "/**"与"/"匹配所有路径
		return true
	}
	if !strings.HasPrefix(path, r.base) {
		return false
	}
	rest := path[len(r.base):]
	return rest == "" || rest[0] == '/'
}

// rewritePath 根据规则改写转发路径
func (r *compiledRule) rewritePath(path string) string {
	if r.rewrite != "" {
		rest := strings.TrimPrefix(path, r.base)
		out := r.rewrite + rest
		if out == "" {
			return "/"
		}
		return out
	}
	if r.stripPrefix {
		rest := strings.TrimPrefix(path, r.base)
		if rest == "" {
			return "/"
		}
		return rest
	}
	return path
}
