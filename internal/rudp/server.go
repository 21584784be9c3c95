// =============================================================================
// 文件: internal/rudp/server.go
// 描述: 可靠 UDP 传输 - 服务端角色 (接受 HELLO、分配连接 ID)
// =============================================================================
package rudp

import (
	"context"
	"net"
	"time"
)

// Server 服务端: 每个发来 HELLO 的地址一个会话
type Server struct {
	*Endpoint
	ids *IDManager
}

// NewServer 创建服务端
func NewServer(cfg NetConfig, opts ...Option) (*Server, error) {
	s := &Server{ids: NewIDManager()}
	ep, err := newEndpoint("server", cfg, s, opts...)
	if err != nil {
		return nil, err
	}
	s.Endpoint = ep
	return s, nil
}

// Start 绑定 cfg.Host:cfg.Port (端口 0 表示随机端口) 并开始服务。ctx 取消后自动 Stop。
func (s *Server) Start(ctx context.Context) error {
	bind, err := s.cfg.BindAddr()
	if err != nil {
		return &TransportError{Op: "resolve", Err: err}
	}
	return s.open(ctx, bind)
}

// Send 向会话发送数据
func (s *Server) Send(sess *Session, rel Reliability, payload []byte) error {
	return s.send(sess, rel, payload, 0)
}

// Broadcast 向所有已建立的会话发送, 返回成功数量
func (s *Server) Broadcast(rel Reliability, payload []byte) int {
	n := 0
	for _, sess := range s.Sessions() {
		if sess.State() != StateEstablished {
			continue
		}
		if err := s.send(sess, rel, payload, 0); err != nil {
			s.log.Debug().Err(err).Str("peer", sess.key).Msg("广播发送失败")
			continue
		}
		n++
	}
	return n
}

// Disconnect 主动关闭会话并通知对端
func (s *Server) Disconnect(sess *Session) bool {
	if sess == nil {
		return false
	}
	return s.closeSession(sess, ReasonLocalClose, true)
}

// IDs 连接 ID 管理器
func (s *Server) IDs() *IDManager {
	return s.ids
}

func (s *Server) handleDatagram(from *net.UDPAddr, p *Packet) error {
	now := time.Now()
	key := from.String()

	if p.Flags&FlagHEARTBEAT != 0 {
		if sess := s.lookup(key); sess != nil {
			sess.touch(now)
		}
		return nil
	}

	if p.Flags&FlagHELLO != 0 {
		return s.accept(from, now)
	}

	sess := s.lookup(key)
	if sess == nil {
		return nil
	}
	return s.handleSessionDatagram(sess, p, ReasonPeerFIN)
}

// accept 处理 HELLO
//
// 地址已有会话时视为重复 HELLO (对端没收到 HELLO|ACK): 沿用会话, 待重传包与接收窗口保持不变,
// 只重发带原连接 ID 的 HELLO|ACK, 不再触发 OnConnected。
func (s *Server) accept(from *net.UDPAddr, now time.Time) error {
	if sess := s.lookup(from.String()); sess != nil {
		sess.touch(now)
		s.log.Debug().Str("peer", sess.key).Uint32("conn_id", sess.connID).Msg("重复 HELLO, 沿用会话")
		return s.sendControl(sess, FlagHELLO|FlagACK)
	}

	sess := newSession(from, s.ids.Acquire(), StateHandshaking, now)
	s.register(sess)

	err := s.sendControl(sess, FlagHELLO|FlagACK)
	sess.setState(StateEstablished)

	s.log.Info().
		Str("peer", sess.key).
		Uint32("conn_id", sess.connID).
		Msg("会话建立")
	s.listeners.connected(sess)

	return err
}

func (s *Server) sessionClosed(sess *Session) {
	s.ids.Release(sess.connID)
}
