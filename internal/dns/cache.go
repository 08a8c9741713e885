package dns

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Cache DNS响应缓存
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	defaultTTL time.Duration
}

type cacheEntry struct {
	msg      *dns.Msg
	expireAt time.Time
}

// NewCache 创建DNS响应缓存，ttl为默认缓存时长（秒）
func NewCache(ttl int) *Cache {
	if ttl <= 0 {
		ttl = 30
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		defaultTTL: time.Duration(ttl) * time.Second,
	}
}

// Get 获取缓存的DNS响应，过期或不存在时返回nil
func (c *Cache) Get(key string) *dns.Msg {
	c.mu.RLock()
	entry, found := c.entries[key]
	c.mu.RUnlock()

	if !found || time.Now().After(entry.expireAt) {
		return nil
	}

	// 返回副本避免调用方修改缓存内容
	return entry.msg.Copy()
}

// Set 使用默认TTL缓存DNS响应
func (c *Cache) Set(key string, msg *dns.Msg) {
	c.SetWithTTL(key, msg, c.defaultTTL)
}

// SetWithTTL 使用指定TTL缓存DNS响应
func (c *Cache) SetWithTTL(key string, msg *dns.Msg, ttl time.Duration) {
	if msg == nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = &cacheEntry{
		msg:      msg.Copy(),
		expireAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
}

// Purge 清空全部缓存
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}

// CleanupExpired 删除已过期的缓存条目
func (c *Cache) CleanupExpired() {
	now := time.Now()
	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.expireAt) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// CacheKey 生成缓存键
func CacheKey(q dns.Question) string {
	return q.Name + "-" + dns.TypeToString[q.Qtype]
}
