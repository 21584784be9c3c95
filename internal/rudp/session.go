// =============================================================================
// 文件: internal/rudp/session.go
// 描述: 可靠 UDP 传输 - 会话 (对端状态、接收窗口、待重传表)
// =============================================================================
package rudp

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// pending 待重传包
type pending struct {
	packet  []byte
	retries int
	sentAt  time.Time
	nextAt  time.Time
}

// pendingTable 待重传表, I/O 循环删除与定时器扫描并发访问
type pendingTable struct {
	entries map[uint32]*pending
	mu      sync.Mutex
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint32]*pending)}
}

func (t *pendingTable) put(seq uint32, p *pending) {
	t.mu.Lock()
	t.entries[seq] = p
	t.mu.Unlock()
}

// take 删除并返回条目, 不存在时返回 nil
func (t *pendingTable) take(seq uint32) *pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[seq]
	if !ok {
		return nil
	}
	delete(t.entries, seq)
	return p
}

func (t *pendingTable) has(seq uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[seq]
	return ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *pendingTable) clear() {
	t.mu.Lock()
	t.entries = make(map[uint32]*pending)
	t.mu.Unlock()
}

// retransmit 到期条目的处理结果
type retransmit struct {
	seq    uint32
	packet []byte
}

// sweep 找出到期条目: 超过 maxRetries 的条目被删除并报告 exhausted,
// 其余条目重试计数加一并按 next 重新排期, 返回需要重发的包 (按序号排序)。
func (t *pendingTable) sweep(now time.Time, maxRetries int, next func() time.Duration) (resend []retransmit, exhausted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for seq, p := range t.entries {
		if now.Before(p.nextAt) {
			continue
		}
		p.retries++
		if p.retries > maxRetries {
			delete(t.entries, seq)
			return nil, true
		}
		p.nextAt = now.Add(next())
		resend = append(resend, retransmit{seq: seq, packet: p.packet})
	}

	sort.Slice(resend, func(i, j int) bool { return resend[i].seq < resend[j].seq })
	return resend, false
}

// Session 一个远端对等方的传输状态
type Session struct {
	lastSeen          int64 // unix nano
	lastHeartbeatSent int64 // unix nano
	state             int32

	addr      *net.UDPAddr
	key       string
	connID    uint32
	createdAt time.Time

	nextSeq uint32
	window  recvWindow
	mu      sync.Mutex

	pending *pendingTable
	rtt     rttEstimator
}

func newSession(addr *net.UDPAddr, connID uint32, state State, now time.Time) *Session {
	return &Session{
		addr:              addr,
		key:               addr.String(),
		connID:            connID,
		createdAt:         now,
		lastSeen:          now.UnixNano(),
		lastHeartbeatSent: now.UnixNano(),
		state:             int32(state),
		nextSeq:           1,
		pending:           newPendingTable(),
	}
}

// Addr 对端地址
func (s *Session) Addr() *net.UDPAddr { return s.addr }

// ConnID 连接 ID
func (s *Session) ConnID() uint32 { return s.connID }

// CreatedAt 创建时间
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State 当前状态
func (s *Session) State() State { return State(atomic.LoadInt32(&s.state)) }

// LastSeen 最近一次收到对端数据报的时间
func (s *Session) LastSeen() time.Time { return time.Unix(0, atomic.LoadInt64(&s.lastSeen)) }

// PendingCount 在途可靠包数量
func (s *Session) PendingCount() int { return s.pending.len() }

// RTT 往返时延统计
func (s *Session) RTT() RTTStats { return s.rtt.snapshot() }

func (s *Session) setState(st State) { atomic.StoreInt32(&s.state, int32(st)) }

// markClosed 标记关闭, 仅第一次调用返回 true
func (s *Session) markClosed() bool {
	for {
		cur := atomic.LoadInt32(&s.state)
		if State(cur) == StateClosed {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.state, cur, int32(StateClosed)) {
			return true
		}
	}
}

func (s *Session) touch(now time.Time) { atomic.StoreInt64(&s.lastSeen, now.UnixNano()) }

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(s.LastSeen())
}

func (s *Session) heartbeatDue(now time.Time, interval time.Duration) bool {
	last := time.Unix(0, atomic.LoadInt64(&s.lastHeartbeatSent))
	return now.Sub(last) >= interval
}

func (s *Session) stampHeartbeat(now time.Time) {
	atomic.StoreInt64(&s.lastHeartbeatSent, now.UnixNano())
}

// noteReceived 更新接收窗口, 返回是否为新序号
func (s *Session) noteReceived(seq uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.note(seq)
}

// ackFields 当前要通告给对端的确认字段
func (s *Session) ackFields() (ack, ackMask uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.advertise()
}

// allocSeq 分配下一个发送序号 (从 1 开始)
func (s *Session) allocSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextSeq
	s.nextSeq++
	if s.nextSeq == 0 {
		s.nextSeq = 1
	}
	return seq
}

// noteAcks 删除被 (ack, ackMask) 确认的待重传条目, 返回删除数量
func (s *Session) noteAcks(ack, ackMask uint32, now time.Time) int {
	n := 0
	ackedSeqs(ack, ackMask, func(seq uint32) {
		p := s.pending.take(seq)
		if p == nil {
			return
		}
		n++
		if p.retries == 0 {
			s.rtt.update(now.Sub(p.sentAt))
		}
	})
	return n
}
