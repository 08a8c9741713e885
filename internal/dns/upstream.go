package dns

import (
	"errors"
	"math/rand"
	"time"

	"github.com/miekg/dns"
)

// UpstreamResolver 将非本地域的查询转发到上游DNS服务器
type UpstreamResolver struct {
	servers []string
	client  *dns.Client
	cache   *Cache
}

// NewUpstreamResolver 创建上游DNS解析器
func NewUpstreamResolver(servers []string, cache *Cache) *UpstreamResolver {
	if len(servers) == 0 {
		servers = []string{"8.8.8.8:53", "114.114.114.114:53"}
	}
	return &UpstreamResolver{
		servers: servers,
		client: &dns.Client{
			Net:     "udp",
			Timeout: 5 * time.Second,
		},
		cache: cache,
	}
}

// Resolve 转发DNS请求，失败时换一个上游服务器重试一次
func (r *UpstreamResolver) Resolve(req *dns.Msg) (*dns.Msg, error) {
	if len(req.Question) == 0 {
		return nil, errors.New("无效的DNS请求：缺少问题部分")
	}

	key := CacheKey(req.Question[0])
	if cached := r.cache.Get(key); cached != nil {
		cached.Id = req.Id
		return cached, nil
	}

	server := r.randomServer()
	resp, _, err := r.client.Exchange(req, server)
	if err != nil && len(r.servers) > 1 {
		resp, _, err = r.client.Exchange(req, r.randomServerExcept(server))
	}
	if err != nil {
		return nil, err
	}

	if resp != nil && resp.Rcode == dns.RcodeSuccess {
		r.cache.SetWithTTL(key, resp, responseTTL(resp))
	}
	return resp, nil
}

// responseTTL 取响应中最小的记录TTL作为缓存时长
func responseTTL(resp *dns.Msg) time.Duration {
	if len(resp.Answer) == 0 {
		return 60 * time.Second
	}
	minTTL := resp.Answer[0].Header().Ttl
	for _, rr := range resp.Answer {
		if rr.Header().Ttl < minTTL {
			minTTL = rr.Header().Ttl
		}
	}
	return time.Duration(minTTL) * time.Second
}

func (r *UpstreamResolver) randomServer() string {
	return r.servers[rand.Intn(len(r.servers))]
}

func (r *UpstreamResolver) randomServerExcept(except string) string {
	if len(r.servers) == 1 {
		return r.servers[0]
	}
	for {
		server := r.randomServer()
		if server != except {
			return server
		}
	}
}
