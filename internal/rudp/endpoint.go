// =============================================================================
// 文件: internal/rudp/endpoint.go
// 描述: 可靠 UDP 传输 - 端点引擎 (套接字、读循环、定时扫描、监听器分发)
// =============================================================================
package rudp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// role 服务端/客户端的握手与数据报分发策略
type role interface {
	handleDatagram(from *net.UDPAddr, p *Packet) error
	sessionClosed(s *Session)
}

// Option 端点选项
type Option func(*Endpoint)

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(e *Endpoint) { e.log = l }
}

// WithListener 启动前注册监听器
func WithListener(l Listener) Option {
	return func(e *Endpoint) { e.listeners.add(l) }
}

// WithErrorLogRate 限制数据报错误日志速率
func WithErrorLogRate(perSecond float64, burst int) Option {
	return func(e *Endpoint) { e.errLimiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// Stats 端点统计
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Retransmits     uint64
	AcksSent        uint64
	AcksReceived    uint64
	Duplicates      uint64
	DecodeErrors    uint64
	SendErrors      uint64
	SessionsOpened  uint64
	SessionsClosed  uint64
	ActiveSessions  int
}

// counters 原子计数器
type counters struct {
	packetsSent     uint64
	packetsReceived uint64
	bytesSent       uint64
	bytesReceived   uint64
	retransmits     uint64
	acksSent        uint64
	acksReceived    uint64
	duplicates      uint64
	decodeErrors    uint64
	sendErrors      uint64
	sessionsOpened  uint64
	sessionsClosed  uint64
}

// Endpoint 端点引擎, 由 Server / Client 嵌入
type Endpoint struct {
	stats counters // 64 位原子计数, 保持在首位以满足 32 位平台对齐

	name string
	cfg  NetConfig
	role role

	conn     *net.UDPConn
	sessions sync.Map // addr.String() -> *Session

	listeners  *listenerSet
	pool       *BufferPool
	log        zerolog.Logger
	errLimiter *rate.Limiter

	rng   *rand.Rand
	rngMu sync.Mutex

	// 生命周期
	lifeMu      sync.Mutex
	started     bool
	closed      int32
	stopOnce    sync.Once
	stopErr     error
	loop        *errgroup.Group
	timer       *errgroup.Group
	loopCancel  context.CancelFunc
	timerCancel context.CancelFunc
	stopWatch   func() bool
	done        chan struct{}
}

func newEndpoint(name string, cfg NetConfig, r role, opts ...Option) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Endpoint{
		name:       name,
		cfg:        cfg,
		role:       r,
		listeners:  newListenerSet(),
		pool:       NewBufferPool(cfg.MTU),
		log:        zerolog.Nop(),
		errLimiter: rate.NewLimiter(rate.Limit(10), 20),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "rudp-"+name).Logger()

	return e, nil
}

// =============================================================================
// 公共接口
// =============================================================================

// AddListener 注册监听器
func (e *Endpoint) AddListener(l Listener) ListenerHandle {
	return e.listeners.add(l)
}

// RemoveListener 移除监听器, 返回是否存在
func (e *Endpoint) RemoveListener(h ListenerHandle) bool {
	return e.listeners.remove(h)
}

// Config 端点配置
func (e *Endpoint) Config() NetConfig {
	return e.cfg
}

// LocalAddr 本地地址, 未启动时为 nil
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Session 按地址查找活跃会话
func (e *Endpoint) Session(addr *net.UDPAddr) *Session {
	if addr == nil {
		return nil
	}
	return e.lookup(addr.String())
}

// Sessions 活跃会话快照
func (e *Endpoint) Sessions() []*Session {
	var out []*Session
	e.sessions.Range(func(_, v interface{}) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

// SessionCount 活跃会话数
func (e *Endpoint) SessionCount() int {
	n := 0
	e.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Stats 统计快照
func (e *Endpoint) Stats() Stats {
	return Stats{
		PacketsSent:     atomic.LoadUint64(&e.stats.packetsSent),
		PacketsReceived: atomic.LoadUint64(&e.stats.packetsReceived),
		BytesSent:       atomic.LoadUint64(&e.stats.bytesSent),
		BytesReceived:   atomic.LoadUint64(&e.stats.bytesReceived),
		Retransmits:     atomic.LoadUint64(&e.stats.retransmits),
		AcksSent:        atomic.LoadUint64(&e.stats.acksSent),
		AcksReceived:    atomic.LoadUint64(&e.stats.acksReceived),
		Duplicates:      atomic.LoadUint64(&e.stats.duplicates),
		DecodeErrors:    atomic.LoadUint64(&e.stats.decodeErrors),
		SendErrors:      atomic.LoadUint64(&e.stats.sendErrors),
		SessionsOpened:  atomic.LoadUint64(&e.stats.sessionsOpened),
		SessionsClosed:  atomic.LoadUint64(&e.stats.sessionsClosed),
		ActiveSessions:  e.SessionCount(),
	}
}

// Done 端点停止后关闭
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// IsClosed 是否已停止
func (e *Endpoint) IsClosed() bool {
	return atomic.LoadInt32(&e.closed) != 0
}

// =============================================================================
// 启动与停止
// =============================================================================

// open 绑定套接字并启动读循环与定时器
func (e *Endpoint) open(ctx context.Context, bind *net.UDPAddr) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.IsClosed() {
		return ErrEndpointClosed
	}
	if e.started {
		return ErrAlreadyStarted
	}

	conn, err := net.ListenUDP("udp", bind)
	if err != nil {
		return &TransportError{Op: "listen", Addr: bind, Err: err}
	}
	if e.cfg.RecvBuffer > 0 {
		if err := conn.SetReadBuffer(e.cfg.RecvBuffer); err != nil {
			e.log.Warn().Err(err).Int("size", e.cfg.RecvBuffer).Msg("读缓冲区设置失败")
		}
	}
	if e.cfg.SendBuffer > 0 {
		if err := conn.SetWriteBuffer(e.cfg.SendBuffer); err != nil {
			e.log.Warn().Err(err).Int("size", e.cfg.SendBuffer).Msg("写缓冲区设置失败")
		}
	}

	e.conn = conn
	e.started = true

	// 读循环异常退出时 loopCtx 被取消, 定时器随之停止
	base, loopCancel := context.WithCancel(context.Background())
	loop, loopCtx := errgroup.WithContext(base)
	timerCtx, timerCancel := context.WithCancel(loopCtx)
	e.loop, e.loopCancel = loop, loopCancel
	e.timer, e.timerCancel = new(errgroup.Group), timerCancel

	e.loop.Go(func() error {
		err := e.readLoop(loopCtx)
		if err != nil {
			e.log.Error().Err(err).Msg("读循环异常退出")
			e.listeners.fail(err)
			go e.Stop()
		}
		return err
	})
	e.timer.Go(func() error {
		e.timerLoop(timerCtx)
		return nil
	})

	// 调用方的 ctx 取消等同于 Stop
	e.stopWatch = context.AfterFunc(ctx, func() { _ = e.Stop() })

	e.log.Info().
		Str("local", conn.LocalAddr().String()).
		Int("mtu", e.cfg.MTU).
		Dur("rto", e.cfg.RTO).
		Int("max_retries", e.cfg.MaxRetries).
		Msg("端点已启动")

	return nil
}

// Stop 停止端点: 先停定时器与读循环, 再关闭会话与套接字。可重复调用。
// 读循环曾因套接字故障退出时返回该错误。
//
// 不能在监听器回调中调用 (回调运行在将被等待的协程上)。
func (e *Endpoint) Stop() error {
	e.stopOnce.Do(func() {
		atomic.StoreInt32(&e.closed, 1)

		e.lifeMu.Lock()
		started := e.started
		e.lifeMu.Unlock()

		if started {
			if e.stopWatch != nil {
				e.stopWatch()
			}

			e.timerCancel()
			_ = e.timer.Wait()

			// 读循环退出后不会再有新会话
			e.loopCancel()
			_ = e.conn.SetReadDeadline(time.Now())
			e.stopErr = e.loop.Wait()

			for _, s := range e.Sessions() {
				e.closeSession(s, ReasonEndpointStopped, true)
			}

			if err := e.conn.Close(); err != nil {
				e.log.Debug().Err(err).Msg("关闭套接字失败")
			}

			e.log.Info().Msg("端点已停止")
		}

		close(e.done)
	})
	return e.stopErr
}

// =============================================================================
// 读循环
// =============================================================================

// readLoop 一次读取一个数据报; 单个数据报的错误不会终止循环。
// ctx 取消时返回 nil, 套接字在运行中被关闭时返回错误。
func (e *Endpoint) readLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagram)

	for {
		if ctx.Err() != nil {
			return nil
		}

		_ = e.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return &TransportError{Op: "read", Err: err}
			}
			e.reportError(&TransportError{Op: "read", Err: err})
			continue
		}

		atomic.AddUint64(&e.stats.packetsReceived, 1)
		atomic.AddUint64(&e.stats.bytesReceived, uint64(n))

		p, err := Decode(buf[:n])
		if err != nil {
			atomic.AddUint64(&e.stats.decodeErrors, 1)
			e.reportError(err)
			continue
		}

		if err := e.dispatch(from, p); err != nil {
			e.reportError(err)
		}
	}
}

// dispatch 交给角色处理, 回调中的 panic 转为错误
func (e *Endpoint) dispatch(from *net.UDPAddr, p *Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("处理数据报 panic (from %s): %v", from, r)
		}
	}()
	return e.role.handleDatagram(from, p)
}

func (e *Endpoint) reportError(err error) {
	if e.errLimiter.Allow() {
		e.log.Debug().Err(err).Msg("数据报处理失败")
	}
	e.listeners.fail(err)
}

// =============================================================================
// 定时扫描
// =============================================================================

func (e *Endpoint) timerLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

// sweep 重传到期包、关闭空闲会话、发送心跳
func (e *Endpoint) sweep(now time.Time) {
	e.sessions.Range(func(_, v interface{}) bool {
		e.sweepSession(v.(*Session), now)
		return true
	})
}

func (e *Endpoint) sweepSession(s *Session, now time.Time) {
	if s.State() == StateClosed {
		return
	}

	resend, exhausted := s.pending.sweep(now, e.cfg.MaxRetries, e.jitter)
	if exhausted {
		e.closeSession(s, ReasonRetriesExceeded, true)
		return
	}
	for _, r := range resend {
		if err := e.writeTo(r.packet, s.addr); err != nil {
			// 下一轮扫描继续重试
			e.reportError(err)
			continue
		}
		atomic.AddUint64(&e.stats.retransmits, 1)
		e.log.Debug().Str("peer", s.key).Uint32("seq", r.seq).Msg("重传")
	}

	if s.idleFor(now) > e.cfg.IdleTimeout {
		e.closeSession(s, ReasonIdleTimeout, true)
		return
	}

	if s.State() == StateEstablished && s.heartbeatDue(now, e.cfg.Heartbeat) {
		if err := e.sendControl(s, FlagHEARTBEAT); err != nil {
			e.reportError(err)
			return
		}
		s.stampHeartbeat(now)
	}
}

// jitter rto ± 20%
func (e *Endpoint) jitter() time.Duration {
	base := e.cfg.RTO
	delta := base / 5
	if delta <= 0 {
		return base
	}
	e.rngMu.Lock()
	n := e.rng.Int63n(int64(2*delta) + 1)
	e.rngMu.Unlock()
	return base - delta + time.Duration(n)
}

// =============================================================================
// 发送
// =============================================================================

func (e *Endpoint) writeTo(pkt []byte, addr *net.UDPAddr) error {
	n, err := e.conn.WriteToUDP(pkt, addr)
	if err != nil {
		atomic.AddUint64(&e.stats.sendErrors, 1)
		return &TransportError{Op: "write", Addr: addr, Err: err}
	}
	atomic.AddUint64(&e.stats.packetsSent, 1)
	atomic.AddUint64(&e.stats.bytesSent, uint64(n))
	return nil
}

// sendControl 发送不带载荷、不需要确认的控制包
func (e *Endpoint) sendControl(s *Session, flags uint8) error {
	ack, mask := s.ackFields()
	bp := e.pool.Get()
	*bp = AppendPacket(*bp, &Packet{Flags: flags, ConnID: s.connID, Ack: ack, AckMask: mask}, e.cfg.MTU)
	err := e.writeTo(*bp, s.addr)
	e.pool.Put(bp)
	return err
}

// send 发送数据
//
// 可靠包先登记到待重传表再写入套接字, 保证紧随其后的 ACK 一定能找到条目。
func (e *Endpoint) send(s *Session, rel Reliability, payload []byte, extraFlags uint8) error {
	if s == nil {
		return ErrNoSession
	}
	if e.IsClosed() {
		return ErrEndpointClosed
	}
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if len(payload) > e.cfg.MaxPayload() {
		e.log.Debug().
			Str("peer", s.key).
			Int("len", len(payload)).
			Int("max", e.cfg.MaxPayload()).
			Msg("载荷超过 MTU, 已截断")
	}

	flags := extraFlags
	ack, mask := s.ackFields()

	if rel == Reliable {
		flags |= FlagREL
		seq := s.allocSeq()
		pkt := Encode(flags, s.connID, seq, ack, mask, payload, e.cfg.MTU)
		now := time.Now()
		s.pending.put(seq, &pending{packet: pkt, sentAt: now, nextAt: now.Add(e.jitter())})
		return e.writeTo(pkt, s.addr)
	}

	bp := e.pool.Get()
	*bp = AppendPacket(*bp, &Packet{
		Flags:   flags,
		ConnID:  s.connID,
		Ack:     ack,
		AckMask: mask,
		Payload: payload,
	}, e.cfg.MTU)
	err := e.writeTo(*bp, s.addr)
	e.pool.Put(bp)
	return err
}

// =============================================================================
// 会话管理
// =============================================================================

func (e *Endpoint) lookup(key string) *Session {
	if v, ok := e.sessions.Load(key); ok {
		return v.(*Session)
	}
	return nil
}

func (e *Endpoint) register(s *Session) {
	e.sessions.Store(s.key, s)
	atomic.AddUint64(&e.stats.sessionsOpened, 1)
}

// closeSession 关闭会话; 每个会话只生效一次
//
// 会话已不在表中 (例如客户端握手会话刚被替换) 时只做本地清理, 不发 FIN 也不通知监听器,
// 以免影响同一地址上的新会话。
func (e *Endpoint) closeSession(s *Session, reason string, sendFin bool) bool {
	if !s.markClosed() {
		return false
	}
	if !e.sessions.CompareAndDelete(s.key, s) {
		e.role.sessionClosed(s)
		s.pending.clear()
		return false
	}

	if sendFin {
		if err := e.sendControl(s, FlagFIN); err != nil {
			e.log.Debug().Err(err).Str("peer", s.key).Msg("发送 FIN 失败")
		}
	}

	e.role.sessionClosed(s)
	s.pending.clear()
	atomic.AddUint64(&e.stats.sessionsClosed, 1)

	e.log.Info().
		Str("peer", s.key).
		Uint32("conn_id", s.connID).
		Str("reason", reason).
		Dur("srtt", s.RTT().Smoothed).
		Msg("会话关闭")

	e.listeners.disconnected(s, reason)
	return true
}

// handleSessionDatagram 已建立会话上的数据/ACK/FIN 处理 (两种角色共用)
func (e *Endpoint) handleSessionDatagram(s *Session, p *Packet, finReason string) error {
	now := time.Now()
	s.touch(now)

	if n := s.noteAcks(p.Ack, p.AckMask, now); n > 0 {
		atomic.AddUint64(&e.stats.acksReceived, uint64(n))
	}

	if p.Flags&FlagFIN != 0 {
		e.closeSession(s, finReason, true)
		return nil
	}

	accepted := true
	if p.Seq > 0 {
		accepted = s.noteReceived(p.Seq)
		if !accepted {
			atomic.AddUint64(&e.stats.duplicates, 1)
		}
	}

	if accepted && len(p.Payload) > 0 {
		rel := Fast
		if p.Flags&FlagREL != 0 {
			rel = Reliable
		}
		e.listeners.message(s, p.Payload, rel)
	}

	// 重复包同样回 ACK, 否则对端会一直重传
	if p.Flags&FlagREL != 0 && s.State() != StateClosed {
		if err := e.sendControl(s, FlagACK); err != nil {
			return err
		}
		atomic.AddUint64(&e.stats.acksSent, 1)
	}

	return nil
}
