package dns

import (
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-gateway/internal/config"
)

// Handler DNS请求处理器。
// 本地域的查询直接读取注册表快照，快照随注册/过期实时变化，
// 不额外缓存；只有转发到上游的响应会被缓存。
type Handler struct {
	records  *RecordBuilder
	upstream *UpstreamResolver
	logger   config.Logger
}

// NewHandler 创建DNS请求处理器
func NewHandler(records *RecordBuilder, upstream *UpstreamResolver, logger config.Logger) *Handler {
	return &Handler{
		records:  records,
		upstream: upstream,
		logger:   logger,
	}
}

// ServeDNS 处理DNS请求
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	// 只处理标准查询
	if r.Opcode != dns.OpcodeQuery {
		m.Rcode = dns.RcodeNotImplemented
		_ = w.WriteMsg(m)
		return
	}
	if len(r.Question) == 0 {
		m.Rcode = dns.RcodeFormatError
		_ = w.WriteMsg(m)
		return
	}

	q := r.Question[0]
	name := strings.ToLower(q.Name)

	if h.records.InDomain(name) {
		h.handleLocalDomain(w, m, name, q.Qtype)
		return
	}
	h.handleUpstreamQuery(w, r)
}

// handleLocalDomain 处理本地域名查询
func (h *Handler) handleLocalDomain(w dns.ResponseWriter, m *dns.Msg, name string, qtype uint16) {
	records := h.records.Records(name, qtype)
	if len(records) == 0 {
		m.Rcode = dns.RcodeNameError
		_ = w.WriteMsg(m)
		return
	}

	m.Answer = append(m.Answer, records...)
	m.Authoritative = true
	_ = w.WriteMsg(m)
}

// handleUpstreamQuery 将查询转发到上游DNS
func (h *Handler) handleUpstreamQuery(w dns.ResponseWriter, r *dns.Msg) {
	resp, err := h.upstream.Resolve(r)
	if err != nil {
		h.logger.Warn("上游DNS查询失败", zap.Error(err))
		m := new(dns.Msg)
		m.SetReply(r)
		m.Rcode = dns.RcodeServerFailure
		_ = w.WriteMsg(m)
		return
	}
	_ = w.WriteMsg(resp)
}
