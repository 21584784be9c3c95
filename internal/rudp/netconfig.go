// =============================================================================
// 文件: internal/rudp/netconfig.go
// 描述: 可靠 UDP 传输 - 网络参数 (构造时校验, 之后只读)
// =============================================================================
package rudp

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// 默认参数
const (
	DefaultPort        = 0
	DefaultRecvBuffer  = 1 << 20
	DefaultSendBuffer  = 1 << 20
	DefaultMTU         = 1200
	DefaultHeartbeat   = 2000 * time.Millisecond
	DefaultIdleTimeout = 10000 * time.Millisecond
	DefaultRTO         = 200 * time.Millisecond
	DefaultMaxRetries  = 8
	DefaultTick        = 50 * time.Millisecond
)

// NetConfig 端点网络参数
//
// 端点按值持有 NetConfig, 启动后修改调用方的副本不会影响运行中的端点。
type NetConfig struct {
	// Host 绑定地址 (IP 或主机名), 空表示所有接口
	Host        string
	Port        int
	RecvBuffer  int
	SendBuffer  int
	MTU         int
	Heartbeat   time.Duration
	IdleTimeout time.Duration
	RTO         time.Duration
	MaxRetries  int

	// Tick 重传/心跳/空闲扫描周期
	Tick time.Duration
}

// NetOption 配置选项
type NetOption func(*NetConfig)

// DefaultNetConfig 默认配置
func DefaultNetConfig() NetConfig {
	return NetConfig{
		Port:        DefaultPort,
		RecvBuffer:  DefaultRecvBuffer,
		SendBuffer:  DefaultSendBuffer,
		MTU:         DefaultMTU,
		Heartbeat:   DefaultHeartbeat,
		IdleTimeout: DefaultIdleTimeout,
		RTO:         DefaultRTO,
		MaxRetries:  DefaultMaxRetries,
		Tick:        DefaultTick,
	}
}

// NewNetConfig 在默认值上应用选项并校验
func NewNetConfig(opts ...NetOption) (NetConfig, error) {
	cfg := DefaultNetConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return NetConfig{}, err
	}
	return cfg, nil
}

func WithHost(host string) NetOption { return func(c *NetConfig) { c.Host = host } }

func WithPort(port int) NetOption { return func(c *NetConfig) { c.Port = port } }

func WithBuffers(recv, send int) NetOption {
	return func(c *NetConfig) {
		c.RecvBuffer = recv
		c.SendBuffer = send
	}
}

func WithMTU(mtu int) NetOption { return func(c *NetConfig) { c.MTU = mtu } }

func WithHeartbeat(d time.Duration) NetOption { return func(c *NetConfig) { c.Heartbeat = d } }

func WithIdleTimeout(d time.Duration) NetOption { return func(c *NetConfig) { c.IdleTimeout = d } }

func WithRTO(d time.Duration) NetOption { return func(c *NetConfig) { c.RTO = d } }

func WithMaxRetries(n int) NetOption { return func(c *NetConfig) { c.MaxRetries = n } }

func WithTick(d time.Duration) NetOption { return func(c *NetConfig) { c.Tick = d } }

// Validate 校验配置
func (c NetConfig) Validate() error {
	if c.MTU < MinMTU {
		return fmt.Errorf("%w: MTU 过小 (%d < %d)", ErrInvalidConfig, c.MTU, MinMTU)
	}
	if c.MTU-HeaderSize > 0xFFFF {
		return fmt.Errorf("%w: MTU 过大 (%d)", ErrInvalidConfig, c.MTU)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: 端口超出范围 (%d)", ErrInvalidConfig, c.Port)
	}
	if c.RecvBuffer < 0 || c.SendBuffer < 0 {
		return fmt.Errorf("%w: 缓冲区大小不能为负", ErrInvalidConfig)
	}
	if c.Heartbeat <= 0 || c.IdleTimeout <= 0 || c.RTO <= 0 || c.Tick <= 0 {
		return fmt.Errorf("%w: 时间参数必须为正", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries 不能为负", ErrInvalidConfig)
	}
	return nil
}

// BindAddr 解析本地绑定地址
func (c NetConfig) BindAddr() (*net.UDPAddr, error) {
	if c.Host == "" {
		return &net.UDPAddr{Port: c.Port}, nil
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
}

// MaxPayload 单包最大载荷
func (c NetConfig) MaxPayload() int {
	return c.MTU - HeaderSize
}

func (c NetConfig) String() string {
	return fmt.Sprintf("NetConfig{host=%q, port=%d, rcvBuf=%d, sndBuf=%d, mtu=%d, heartbeat=%s, idle=%s, rto=%s, maxRetries=%d, tick=%s}",
		c.Host, c.Port, c.RecvBuffer, c.SendBuffer, c.MTU, c.Heartbeat, c.IdleTimeout, c.RTO, c.MaxRetries, c.Tick)
}
