package dns

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/hewenyu/mesh-gateway/pkg/model"
	"github.com/hewenyu/mesh-gateway/pkg/registry"
)

// RecordBuilder 从注册表快照生成DNS记录。
// <service>.<domain> 生成A记录，_<service>._tcp.<domain> 生成SRV记录，
// 记录内容始终来自当前快照，不做预生成。
type RecordBuilder struct {
	registry   registry.Registry
	domain     string
	defaultTTL uint32
}

// NewRecordBuilder 创建DNS记录生成器
func NewRecordBuilder(reg registry.Registry, domain string, ttl int) *RecordBuilder {
	if ttl <= 0 {
		ttl = 30
	}
	return &RecordBuilder{
		registry:   reg,
		domain:     strings.TrimSuffix(domain, "."),
		defaultTTL: uint32(ttl),
	}
}

// Records 返回指定域名和查询类型的DNS记录
func (b *RecordBuilder) Records(name string, qtype uint16) []dns.RR {
	serviceName := b.extractService(name, qtype)
	if serviceName == "" {
		return nil
	}

	instances := b.registry.Snapshot(serviceName)
	if len(instances) == 0 {
		return nil
	}

	var records []dns.RR
	switch qtype {
	case dns.TypeA:
		for _, inst := range instances {
			ip := net.ParseIP(inst.Host)
			if ip == nil || ip.To4() == nil {
				// 主机名或IPv6地址不生成A记录
				continue
			}
			rr, err := dns.NewRR(fmt.Sprintf("%s %d IN A %s", name, b.recordTTL(&inst), ip.String()))
			if err != nil {
				continue
			}
			records = append(records, rr)
		}
	case dns.TypeSRV:
		target := fmt.Sprintf("%s.%s.", serviceName, b.domain)
		for _, inst := range instances {
			rr, err := dns.NewRR(fmt.Sprintf("%s %d IN SRV 10 10 %d %s", name, b.recordTTL(&inst), inst.Port, target))
			if err != nil {
				continue
			}
			records = append(records, rr)
		}
	}
	return records
}

// recordTTL 根据实例租约的剩余时间计算记录TTL，上限为默认TTL
func (b *RecordBuilder) recordTTL(inst *model.ServiceInstance) uint32 {
	if inst.TTL <= 0 || inst.LastRenewal.IsZero() {
		return b.defaultTTL
	}
	remaining := time.Until(inst.LastRenewal.Add(time.Duration(inst.TTL) * time.Second))
	if remaining <= 0 {
		return 1
	}
	ttl := uint32(remaining / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	if ttl > b.defaultTTL {
		ttl = b.defaultTTL
	}
	return ttl
}

// InDomain 判断域名是否属于本地域
func (b *RecordBuilder) InDomain(name string) bool {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	return name == b.domain || strings.HasSuffix(name, "."+b.domain)
}

// extractService 从查询域名中提取服务名称
func (b *RecordBuilder) extractService(name string, qtype uint16) string {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if !b.InDomain(name) {
		return ""
	}

	prefix := strings.TrimSuffix(name, b.domain)
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return ""
	}

	// SRV查询形如 _<service>._tcp.<domain>
	if qtype == dns.TypeSRV {
		parts := strings.Split(prefix, ".")
		if len(parts) != 2 || parts[1] != "_tcp" || !strings.HasPrefix(parts[0], "_") {
			return ""
		}
		return strings.TrimPrefix(parts[0], "_")
	}

	// A查询只接受单级子域名
	if strings.Contains(prefix, ".") {
		return ""
	}
	return prefix
}
