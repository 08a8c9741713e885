package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hewenyu/mesh-gateway/pkg/model"
)

// ResilienceConfig 单个目标服务的容错配置
type ResilienceConfig struct {
	// 滑动窗口大小（最近N次调用）
	WindowSize int `mapstructure:"window_size"`
	// 窗口内至少有多少次调用后才开始统计失败率
	MinCalls int `mapstructure:"min_calls"`
	// 失败率阈值，超过后熔断器打开
	FailureRatio float64 `mapstructure:"failure_ratio"`
	// 熔断器打开后的冷却时间
	CoolDown time.Duration `mapstructure:"cool_down"`
	// 半开状态允许的试探调用数
	HalfOpenMaxCalls int `mapstructure:"half_open_max_calls"`
	// 舱壁最大并发调用数
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// 单次下游调用超时时间
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// Config 应用程序配置结构
type Config struct {
	// 注册中心配置
	Registry struct {
		// 存储类型: "memory" 或 "etcd"
		Store string `mapstructure:"store"`

		// etcd配置（store为etcd时生效）
		Etcd struct {
			Endpoints []string `mapstructure:"endpoints"`
			Username  string   `mapstructure:"username"`
			Password  string   `mapstructure:"password"`
			Prefix    string   `mapstructure:"prefix"`
		} `mapstructure:"etcd"`

		// 租约配置
		Lease struct {
			// 默认租约时长
			TTL time.Duration `mapstructure:"ttl"`
			// 过期扫描间隔
			SweepInterval time.Duration `mapstructure:"sweep_interval"`
		} `mapstructure:"lease"`
	} `mapstructure:"registry"`

	// API服务配置
	API struct {
		// 服务注册API端口配置
		Registration struct {
			ListenAddress string `mapstructure:"listen_address"`
			Port          int    `mapstructure:"port"`
		} `mapstructure:"registration"`

		// 服务发现查询API端口配置
		Discovery struct {
			ListenAddress string `mapstructure:"listen_address"`
			Port          int    `mapstructure:"port"`
		} `mapstructure:"discovery"`
	} `mapstructure:"api"`

	// DNS服务配置
	DNS struct {
		Enabled       bool     `mapstructure:"enabled"`
		ListenAddress string   `mapstructure:"listen_address"`
		Port          int      `mapstructure:"port"`
		Domain        string   `mapstructure:"domain"`
		Protocol      string   `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
		CacheTTL      int      `mapstructure:"cache_ttl"`
		UpstreamDNS   []string `mapstructure:"upstream_dns"`
	} `mapstructure:"dns"`

	// 网关配置
	Gateway struct {
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`

		// 服务发现API地址，如 "localhost:8082"
		DiscoveryAddr string `mapstructure:"discovery_addr"`
		// 发现缓存刷新间隔
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`

		// 负载均衡策略: "round_robin", "random", "least_conn"
		Strategy string `mapstructure:"strategy"`

		// 路由规则表，按声明顺序注册
		Routes []model.RouteRule `mapstructure:"routes"`

		// 入口限流配置
		RateLimit struct {
			Enabled bool    `mapstructure:"enabled"`
			RPS     float64 `mapstructure:"rps"`
			Burst   int     `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`

		// 容错配置：默认值与按服务覆盖
		Resilience struct {
			Default  ResilienceConfig            `mapstructure:"default"`
			Services map[string]ResilienceConfig `mapstructure:"services"`
		} `mapstructure:"resilience"`
	} `mapstructure:"gateway"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			// 配置文件不存在时使用默认值
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("MESHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// validate 校验配置的基本一致性
func validate(c *Config) error {
	if c.Registry.Store != "memory" && c.Registry.Store != "etcd" {
		return fmt.Errorf("无效的存储类型: %s", c.Registry.Store)
	}
	if c.Registry.Lease.TTL <= 0 {
		return fmt.Errorf("租约时长必须大于0")
	}
	if c.Registry.Lease.SweepInterval <= 0 {
		return fmt.Errorf("过期扫描间隔必须大于0")
	}
	for i, r := range c.Gateway.Routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return fmt.Errorf("路由规则 %d 的前缀必须以 / 开头: %s", i, r.Prefix)
		}
		if r.Service == "" {
			return fmt.Errorf("路由规则 %d 缺少目标服务", i)
		}
	}
	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 注册中心默认配置
	v.SetDefault("registry.store", "memory")
	v.SetDefault("registry.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("registry.etcd.prefix", "/mesh-gateway")
	v.SetDefault("registry.lease.ttl", "30s")
	v.SetDefault("registry.lease.sweep_interval", "5s")

	// API服务默认配置
	v.SetDefault("api.registration.listen_address", "0.0.0.0")
	v.SetDefault("api.registration.port", 8081)
	v.SetDefault("api.discovery.listen_address", "0.0.0.0")
	v.SetDefault("api.discovery.port", 8082)

	// DNS服务默认配置
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 8053)
	v.SetDefault("dns.domain", "mesh.local")
	v.SetDefault("dns.protocol", "both")
	v.SetDefault("dns.cache_ttl", 10)
	v.SetDefault("dns.upstream_dns", []string{"8.8.8.8:53", "8.8.4.4:53"})

	// 网关默认配置
	v.SetDefault("gateway.listen_address", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.discovery_addr", "localhost:8082")
	v.SetDefault("gateway.refresh_interval", "10s")
	v.SetDefault("gateway.strategy", "round_robin")
	v.SetDefault("gateway.rate_limit.enabled", false)
	v.SetDefault("gateway.rate_limit.rps", 100.0)
	v.SetDefault("gateway.rate_limit.burst", 200)

	// 容错默认配置
	v.SetDefault("gateway.resilience.default.window_size", 20)
	v.SetDefault("gateway.resilience.default.min_calls", 10)
	v.SetDefault("gateway.resilience.default.failure_ratio", 0.5)
	v.SetDefault("gateway.resilience.default.cool_down", "30s")
	v.SetDefault("gateway.resilience.default.half_open_max_calls", 3)
	v.SetDefault("gateway.resilience.default.max_concurrent", 10)
	v.SetDefault("gateway.resilience.default.call_timeout", "5s")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	// 按顺序检查不同位置的配置文件
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.mesh-gateway/config.yaml",
		"/etc/mesh-gateway/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
