// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML 加载、默认值、端口冲突检测、网络参数校验与转换
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/rudp/internal/rudp"
)

// Config 主配置
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Net     NetConfig     `yaml:"net"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig 服务端配置
type ServerConfig struct {
	Listen string `yaml:"listen"`
	Echo   bool   `yaml:"echo"` // 回显收到的消息
}

// ClientConfig 客户端配置
type ClientConfig struct {
	Server           string `yaml:"server"`
	LocalPort        int    `yaml:"local_port"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
	Reliable         bool   `yaml:"reliable"` // 默认发送级别
}

// NetConfig 传输参数 (时间以毫秒表示)
type NetConfig struct {
	RecvBuffer    int `yaml:"recv_buffer"`
	SendBuffer    int `yaml:"send_buffer"`
	MTU           int `yaml:"mtu"`
	HeartbeatMs   int `yaml:"heartbeat_ms"`
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`
	RTOMs         int `yaml:"rto_ms"`
	MaxRetries    int `yaml:"max_retries"`
	TickMs        int `yaml:"tick_ms"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",

		Server: ServerConfig{
			Listen: ":54321",
			Echo:   true,
		},

		Client: ClientConfig{
			Server:           "127.0.0.1:54321",
			LocalPort:        0,
			ConnectTimeoutMs: 5000,
			Reliable:         true,
		},

		Net: NetConfig{
			RecvBuffer:    rudp.DefaultRecvBuffer,
			SendBuffer:    rudp.DefaultSendBuffer,
			MTU:           rudp.DefaultMTU,
			HeartbeatMs:   int(rudp.DefaultHeartbeat / time.Millisecond),
			IdleTimeoutMs: int(rudp.DefaultIdleTimeout / time.Millisecond),
			RTOMs:         int(rudp.DefaultRTO / time.Millisecond),
			MaxRetries:    rudp.DefaultMaxRetries,
			TickMs:        int(rudp.DefaultTick / time.Millisecond),
		},

		Metrics: MetricsConfig{
			Enabled:     false,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level 无效: %s (可选: debug, info, warn, error)", c.LogLevel)
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format 无效: %s (可选: console, json)", c.LogFormat)
	}

	listenPort, err := parsePort(c.Server.Listen)
	if err != nil {
		return fmt.Errorf("server.listen 端口格式错误: %w", err)
	}

	// 端口冲突检测
	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if metricsPort != 0 && metricsPort == listenPort {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 server.listen 冲突", metricsPort)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path 必须以 / 开头")
		}
		if !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics.health_path 必须以 / 开头")
		}
		if c.Metrics.Path == c.Metrics.HealthPath {
			return fmt.Errorf("metrics.path 与 metrics.health_path 不能相同")
		}
	}

	if c.Client.Server == "" {
		return fmt.Errorf("client.server 不能为空")
	}
	if _, _, err := net.SplitHostPort(c.Client.Server); err != nil {
		return fmt.Errorf("client.server 格式错误: %w", err)
	}
	if c.Client.LocalPort < 0 || c.Client.LocalPort > 65535 {
		return fmt.Errorf("client.local_port 需在 0-65535 之间")
	}
	if c.Client.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("client.connect_timeout_ms 必须为正")
	}

	if err := c.validateNetConfig(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateNetConfig() error {
	n := &c.Net

	if n.RTOMs <= 0 {
		return fmt.Errorf("net.rto_ms 必须为正")
	}
	if n.TickMs <= 0 {
		return fmt.Errorf("net.tick_ms 必须为正")
	}
	// 扫描周期大于 RTO 时重传只能按扫描周期发生
	if n.TickMs > n.RTOMs {
		return fmt.Errorf("net.tick_ms (%d) 不能大于 net.rto_ms (%d)", n.TickMs, n.RTOMs)
	}
	if n.HeartbeatMs <= 0 || n.IdleTimeoutMs <= 0 {
		return fmt.Errorf("net.heartbeat_ms 与 net.idle_timeout_ms 必须为正")
	}
	if n.HeartbeatMs >= n.IdleTimeoutMs {
		return fmt.Errorf("net.heartbeat_ms (%d) 必须小于 net.idle_timeout_ms (%d)", n.HeartbeatMs, n.IdleTimeoutMs)
	}
	if n.MaxRetries > 100 {
		return fmt.Errorf("net.max_retries 过大 (最大 100)")
	}

	if err := n.toRUDP(0).Validate(); err != nil {
		return fmt.Errorf("net 配置错误: %w", err)
	}
	return nil
}

// normalize 统一大小写
func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
}

func (n NetConfig) toRUDP(port int) rudp.NetConfig {
	return rudp.NetConfig{
		Port:        port,
		RecvBuffer:  n.RecvBuffer,
		SendBuffer:  n.SendBuffer,
		MTU:         n.MTU,
		Heartbeat:   time.Duration(n.HeartbeatMs) * time.Millisecond,
		IdleTimeout: time.Duration(n.IdleTimeoutMs) * time.Millisecond,
		RTO:         time.Duration(n.RTOMs) * time.Millisecond,
		MaxRetries:  n.MaxRetries,
		Tick:        time.Duration(n.TickMs) * time.Millisecond,
	}
}

// ServerNetConfig 服务端网络参数 (地址与端口取自 server.listen)
func (c *Config) ServerNetConfig() rudp.NetConfig {
	nc := c.Net.toRUDP(c.GetListenPort())
	nc.Host = c.GetListenHost()
	return nc
}

// ClientNetConfig 客户端网络参数 (端口取自 client.local_port)
func (c *Config) ClientNetConfig() rudp.NetConfig {
	return c.Net.toRUDP(c.Client.LocalPort)
}

// ConnectTimeout 客户端握手等待时间
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Client.ConnectTimeoutMs) * time.Millisecond
}

func parsePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("无效端口: %s", portStr)
	}
	return port, nil
}

// GetListenPort 获取监听端口
func (c *Config) GetListenPort() int {
	port, _ := parsePort(c.Server.Listen)
	return port
}

// GetListenHost 获取监听地址的主机部分, 空表示所有接口
func (c *Config) GetListenHost() string {
	host, _, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		return ""
	}
	return host
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# RUDP 配置文件示例
# =============================================================================

log_level: "info"                   # 日志级别: debug, info, warn, error
log_format: "console"               # 日志格式: console, json

# 服务端
server:
  listen: ":54321"                  # 监听地址 (主机为空表示所有接口, 如 127.0.0.1:54321 只监听回环)
  echo: true                        # 回显收到的消息

# 客户端
client:
  server: "127.0.0.1:54321"         # 服务端地址
  local_port: 0                     # 本地端口 (0 = 随机)
  connect_timeout_ms: 5000          # 握手等待时间
  reliable: true                    # 默认使用可靠发送

# 传输参数
net:
  recv_buffer: 1048576              # 套接字读缓冲区 (字节)
  send_buffer: 1048576              # 套接字写缓冲区 (字节)
  mtu: 1200                         # 单个数据报上限, 载荷最多 mtu-20
  heartbeat_ms: 2000                # 心跳间隔
  idle_timeout_ms: 10000            # 空闲超时
  rto_ms: 200                       # 重传超时 (实际 ±20% 抖动)
  max_retries: 8                    # 最大重传次数, 超过后关闭会话
  tick_ms: 50                       # 定时扫描周期

# Prometheus 监控
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
