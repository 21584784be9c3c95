// =============================================================================
// 文件: internal/rudp/types.go
// 描述: 可靠 UDP 传输 - 协议常量、可靠性级别、会话状态与错误定义
// =============================================================================
package rudp

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// 协议常量
const (
	// Version 当前唯一支持的协议版本
	Version uint8 = 1

	// HeaderSize 固定包头: Ver(1) + Flags(1) + ConnID(4) + Seq(4) + Ack(4) + AckMask(4) + Len(2)
	HeaderSize = 20

	// MinMTU 允许的最小 MTU
	MinMTU = 64

	// 标志位
	FlagREL       uint8 = 1  // 可靠包, 需要 ACK
	FlagACK       uint8 = 2  // 确认
	FlagHELLO     uint8 = 4  // 握手
	FlagFIN       uint8 = 8  // 关闭
	FlagHEARTBEAT uint8 = 16 // 心跳

	// ackWindow 接收窗口位数
	ackWindow = 32

	// readTimeout 读循环的单次等待上限, 用于观察关闭请求
	readTimeout = 200 * time.Millisecond

	// maxDatagram 单个 UDP 数据报最大长度
	maxDatagram = 64 * 1024
)

// 断开原因
const (
	ReasonPeerFIN         = "peer FIN"
	ReasonServerFIN       = "server FIN"
	ReasonRetriesExceeded = "retries exceeded"
	ReasonIdleTimeout     = "idle timeout"
	ReasonLocalClose      = "local close"
	ReasonEndpointStopped = "endpoint stopped"
)

// Reliability 发送可靠性级别
type Reliability uint8

const (
	// Fast 不确认、无序号的尽力投递
	Fast Reliability = iota
	// Reliable 重传直到 ACK 或重试耗尽
	Reliable
)

func (r Reliability) String() string {
	switch r {
	case Fast:
		return "FAST"
	case Reliable:
		return "RELIABLE"
	}
	return "UNKNOWN"
}

// State 会话状态
type State uint8

const (
	StateHandshaking State = iota + 1
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	}
	return "ABSENT"
}

// 错误定义
var (
	ErrNoSession      = errors.New("会话不存在")
	ErrSessionClosed  = errors.New("会话已关闭")
	ErrNotConnected   = errors.New("连接未建立")
	ErrEndpointClosed = errors.New("端点已关闭")
	ErrAlreadyStarted = errors.New("端点已启动")
	ErrInvalidConfig  = errors.New("无效配置")
)

// ProtocolError 协议错误: 版本不符或数据报格式错误, 该数据报被丢弃
type ProtocolError struct {
	Reason  string
	Version uint8
	Len     int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("协议错误: %s (ver=%d, len=%d)", e.Reason, e.Version, e.Len)
}

// TransportError 套接字读写失败
type TransportError struct {
	Op   string
	Addr net.Addr
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr != nil {
		return fmt.Sprintf("传输错误: %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("传输错误: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
