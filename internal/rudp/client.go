// =============================================================================
// 文件: internal/rudp/client.go
// 描述: 可靠 UDP 传输 - 客户端角色 (向单个服务端握手)
// =============================================================================
package rudp

import (
	"context"
	"net"
	"sync"
	"time"
)

// Client 客户端: 只与一个服务端地址通信, 其它来源的数据报被忽略
type Client struct {
	*Endpoint
	server *net.UDPAddr

	connected     chan struct{}
	connectedOnce sync.Once
}

// NewClient 创建客户端, server 形如 "host:port"
func NewClient(server string, cfg NetConfig, opts ...Option) (*Client, error) {
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, &TransportError{Op: "resolve", Err: err}
	}
	return NewClientAddr(addr, cfg, opts...)
}

// NewClientAddr 使用已解析的服务端地址创建客户端
func NewClientAddr(server *net.UDPAddr, cfg NetConfig, opts ...Option) (*Client, error) {
	c := &Client{
		server:    server,
		connected: make(chan struct{}),
	}
	ep, err := newEndpoint("client", cfg, c, opts...)
	if err != nil {
		return nil, err
	}
	c.Endpoint = ep
	return c, nil
}

// Start 绑定本地端口并发送 HELLO
//
// 只发送一次 HELLO; 服务端无应答时握手会话在空闲超时后以 "idle timeout" 关闭。
func (c *Client) Start(ctx context.Context) error {
	bind, err := c.cfg.BindAddr()
	if err != nil {
		return &TransportError{Op: "resolve", Err: err}
	}
	if err := c.open(ctx, bind); err != nil {
		return err
	}

	sess := newSession(c.server, 0, StateHandshaking, time.Now())
	c.sessions.Store(sess.key, sess)

	c.log.Info().Str("server", c.server.String()).Msg("发送 HELLO")
	return c.sendControl(sess, FlagHELLO)
}

// ServerAddr 服务端地址
func (c *Client) ServerAddr() *net.UDPAddr {
	return c.server
}

// Session 与服务端的当前会话 (可能处于握手中), 没有时为 nil
func (c *Client) Session() *Session {
	return c.lookup(c.server.String())
}

// Connected 握手是否完成且会话仍然存活
func (c *Client) Connected() bool {
	sess := c.Session()
	return sess != nil && sess.State() == StateEstablished
}

// WaitConnected 等待握手完成
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.Done():
		return ErrEndpointClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send 向服务端发送数据, 握手完成前返回 ErrNotConnected
func (c *Client) Send(rel Reliability, payload []byte) error {
	sess := c.Session()
	if sess == nil || sess.State() != StateEstablished {
		return ErrNotConnected
	}
	return c.send(sess, rel, payload, 0)
}

// Close 主动断开并通知服务端, 端点保持运行
func (c *Client) Close() bool {
	sess := c.Session()
	if sess == nil {
		return false
	}
	return c.closeSession(sess, ReasonLocalClose, true)
}

func (c *Client) handleDatagram(from *net.UDPAddr, p *Packet) error {
	if !sameAddr(from, c.server) {
		return nil
	}

	now := time.Now()
	sess := c.Session()

	if p.Flags&FlagHEARTBEAT != 0 {
		if sess != nil {
			sess.touch(now)
		}
		return nil
	}

	if p.Flags&FlagHELLO != 0 && p.Flags&FlagACK != 0 {
		if sess == nil || sess.State() != StateHandshaking {
			return nil
		}
		established := newSession(c.server, p.ConnID, StateEstablished, now)
		if !c.sessions.CompareAndSwap(sess.key, sess, established) {
			return nil
		}
		// 握手会话被替换, 不触发断开事件
		sess.markClosed()
		c.register(established)

		c.log.Info().
			Str("server", c.server.String()).
			Uint32("conn_id", established.connID).
			Msg("握手完成")

		c.connectedOnce.Do(func() { close(c.connected) })
		c.listeners.connected(established)
		return nil
	}

	if sess == nil || sess.State() != StateEstablished {
		return nil
	}
	return c.handleSessionDatagram(sess, p, ReasonServerFIN)
}

func (c *Client) sessionClosed(*Session) {}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
