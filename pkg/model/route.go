package model

// RouteRule 表示一条路由规则：路径前缀到目标服务的映射
//
// Prefix 以 "/" 开头；以 "/**" 结尾表示通配匹配该前缀下的所有路径，
// 否则按路径段边界做前缀匹配。多条规则命中同一路径时，
// 最长前缀优先，长度相同按注册顺序优先。
type RouteRule struct {
	Prefix      string `json:"prefix" mapstructure:"prefix"`             // 路径前缀，如 "/orders/**"
	Service     string `json:"service" mapstructure:"service"`           // 目标服务名称
	StripPrefix bool   `json:"strip_prefix" mapstructure:"strip_prefix"` // 是否剥离前缀后转发
	Rewrite     string `json:"rewrite" mapstructure:"rewrite"`           // 重写前缀，为空表示不重写
}
