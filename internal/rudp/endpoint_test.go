// =============================================================================
// 文件: internal/rudp/endpoint_test.go
// 描述: 端点集成测试 (本地回环)
// =============================================================================
package rudp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

// recorder 记录监听器事件
type recorder struct {
	mu           sync.Mutex
	connected    []*Session
	disconnected []string
	messages     []string
	rels         []Reliability
	errs         []error
}

func (r *recorder) OnConnected(s *Session) {
	r.mu.Lock()
	r.connected = append(r.connected, s)
	r.mu.Unlock()
}

func (r *recorder) OnDisconnected(s *Session, reason string) {
	r.mu.Lock()
	r.disconnected = append(r.disconnected, reason)
	r.mu.Unlock()
}

func (r *recorder) OnMessage(s *Session, payload []byte, rel Reliability) {
	r.mu.Lock()
	r.messages = append(r.messages, string(payload))
	r.rels = append(r.rels, rel)
	r.mu.Unlock()
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}

func (r *recorder) firstConnected() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.connected) == 0 {
		return nil
	}
	return r.connected[0]
}

func (r *recorder) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.disconnected...)
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *recorder) failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func testConfig(t *testing.T, opts ...NetOption) NetConfig {
	t.Helper()
	base := []NetOption{
		WithTick(10 * time.Millisecond),
		WithRTO(50 * time.Millisecond),
		WithHeartbeat(10 * time.Second),
		WithIdleTimeout(10 * time.Second),
		WithBuffers(0, 0),
	}
	cfg, err := NewNetConfig(append(base, opts...)...)
	require.NoError(t, err)
	return cfg
}

func startServer(t *testing.T, cfg NetConfig, rec *recorder) *Server {
	t.Helper()
	srv, err := NewServer(cfg, WithListener(rec))
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func loopbackAddr(ep *Endpoint) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: ep.LocalAddr().Port}
}

func startClient(t *testing.T, srv *Server, cfg NetConfig, rec *recorder) *Client {
	t.Helper()
	cli, err := NewClient(loopbackAddr(srv.Endpoint).String(), cfg, WithListener(rec))
	require.NoError(t, err)
	require.NoError(t, cli.Start(context.Background()))
	t.Cleanup(func() { _ = cli.Stop() })
	return cli
}

func connectPair(t *testing.T, cfg NetConfig) (*Server, *recorder, *Client, *recorder) {
	t.Helper()
	srvRec, cliRec := &recorder{}, &recorder{}
	srv := startServer(t, cfg, srvRec)
	cli := startClient(t, srv, cfg, cliRec)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, cli.WaitConnected(ctx))
	require.Eventually(t, func() bool { return srvRec.connectedCount() == 1 }, waitFor, 5*time.Millisecond)
	return srv, srvRec, cli, cliRec
}

// rawPeer 直接收发数据报的测试对端
type rawPeer struct {
	t    *testing.T
	conn *net.UDPConn
	to   *net.UDPAddr
	mtu  int
}

func newRawPeer(t *testing.T, to *net.UDPAddr) *rawPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawPeer{t: t, conn: conn, to: to, mtu: DefaultMTU}
}

func (r *rawPeer) addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

func (r *rawPeer) send(flags uint8, connID, seq uint32, payload []byte) {
	r.t.Helper()
	_, err := r.conn.WriteToUDP(Encode(flags, connID, seq, 0, 0, payload, r.mtu), r.to)
	require.NoError(r.t, err)
}

func (r *rawPeer) sendRaw(data []byte) {
	r.t.Helper()
	_, err := r.conn.WriteToUDP(data, r.to)
	require.NoError(r.t, err)
}

func (r *rawPeer) recv(timeout time.Duration) (*Packet, error) {
	buf := make([]byte, maxDatagram)
	_ = r.conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return Decode(buf[:n])
}

func (r *rawPeer) handshake() uint32 {
	r.t.Helper()
	r.send(FlagHELLO, 0, 0, nil)
	p, err := r.recv(waitFor)
	require.NoError(r.t, err)
	require.True(r.t, p.Has(FlagHELLO|FlagACK), "期望 HELLO|ACK, got flags=%d", p.Flags)
	require.NotZero(r.t, p.ConnID)
	return p.ConnID
}

// =============================================================================
// 测试
// =============================================================================

func TestHandshake(t *testing.T) {
	cfg := testConfig(t)
	srv, srvRec, cli, cliRec := connectPair(t, cfg)

	assert.True(t, cli.Connected())
	assert.Equal(t, 1, cliRec.connectedCount())
	assert.Equal(t, 1, srv.SessionCount())

	srvSess := srvRec.firstConnected()
	require.NotNil(t, srvSess)
	assert.Equal(t, StateEstablished, srvSess.State())
	assert.Equal(t, srvSess.ConnID(), cli.Session().ConnID(), "两端连接 ID 应一致")
	assert.True(t, srv.IDs().IsUsed(srvSess.ConnID()))

	// 握手会话被替换时不触发断开事件
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, cliRec.reasons())
	assert.Equal(t, 1, cliRec.connectedCount())
}

func TestReliableDelivery(t *testing.T) {
	cfg := testConfig(t)
	_, srvRec, cli, _ := connectPair(t, cfg)

	for i := 0; i < 10; i++ {
		require.NoError(t, cli.Send(Reliable, []byte(fmt.Sprintf("msg-%d", i))))
	}

	require.Eventually(t, func() bool { return len(srvRec.received()) == 10 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return cli.Session().PendingCount() == 0 }, waitFor, 5*time.Millisecond)

	got := srvRec.received()
	for i := 0; i < 10; i++ {
		assert.Contains(t, got, fmt.Sprintf("msg-%d", i))
	}
	srvRec.mu.Lock()
	assert.Equal(t, Reliable, srvRec.rels[0])
	srvRec.mu.Unlock()

	rtt := cli.Session().RTT()
	assert.Greater(t, rtt.Samples, uint64(0), "首次发送即被确认的包应产生 RTT 采样")
	assert.Greater(t, rtt.Smoothed, time.Duration(0))
}

func TestFastDelivery(t *testing.T) {
	cfg := testConfig(t)
	srv, _, cli, cliRec := connectPair(t, cfg)

	sess := srv.Sessions()[0]
	require.NoError(t, srv.Send(sess, Fast, []byte("fast")))

	require.Eventually(t, func() bool { return len(cliRec.received()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "fast", cliRec.received()[0])
	assert.Equal(t, 0, sess.PendingCount())
	assert.True(t, cli.Connected())
}

func TestDuplicateSuppressed(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, testConfig(t), rec)
	peer := newRawPeer(t, loopbackAddr(srv.Endpoint))

	id := peer.handshake()

	for i := 0; i < 2; i++ {
		peer.send(FlagREL, id, 5, []byte("once"))
		p, err := peer.recv(waitFor)
		require.NoError(t, err)
		assert.True(t, p.Has(FlagACK), "重复包也应回 ACK")
		assert.Equal(t, uint32(5), p.Ack)
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"once"}, rec.received())
	assert.Equal(t, uint64(1), srv.Stats().Duplicates)
}

func TestRetryExhaustion(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, testConfig(t, WithMaxRetries(2)), rec)
	peer := newRawPeer(t, loopbackAddr(srv.Endpoint))
	id := peer.handshake()

	sess := srv.Session(peer.addr())
	require.NotNil(t, sess)
	require.NoError(t, srv.Send(sess, Reliable, []byte("lost")))

	rel, fin := 0, false
	for !fin {
		p, err := peer.recv(waitFor)
		require.NoError(t, err)
		switch {
		case p.Has(FlagFIN):
			fin = true
		case p.Has(FlagREL):
			assert.Equal(t, uint32(1), p.Seq)
			rel++
		}
	}

	assert.Equal(t, 3, rel, "首次发送加 2 次重传")
	require.Eventually(t, func() bool { return len(rec.reasons()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, ReasonRetriesExceeded, rec.reasons()[0])
	assert.Equal(t, 0, srv.SessionCount())
	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, uint64(2), srv.Stats().Retransmits)

	// ID 已归还
	assert.Equal(t, id, srv.IDs().Acquire())
}

func TestPendingClearedByAck(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, testConfig(t, WithRTO(time.Second)), rec)
	peer := newRawPeer(t, loopbackAddr(srv.Endpoint))
	id := peer.handshake()

	sess := srv.Session(peer.addr())
	require.NotNil(t, sess)
	require.NoError(t, srv.Send(sess, Reliable, []byte("a")))
	require.NoError(t, srv.Send(sess, Reliable, []byte("b")))
	assert.Equal(t, 2, sess.PendingCount())

	// ack=2, 掩码 bit 0 => 1
	_, err := peer.conn.WriteToUDP(Encode(FlagACK, id, 0, 2, 1, nil, DefaultMTU), peer.to)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sess.PendingCount() == 0 }, waitFor, 5*time.Millisecond)
}

func TestIdleTimeout(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, testConfig(t, WithIdleTimeout(200*time.Millisecond)), rec)
	peer := newRawPeer(t, loopbackAddr(srv.Endpoint))
	peer.handshake()

	p, err := peer.recv(waitFor)
	require.NoError(t, err)
	assert.True(t, p.Has(FlagFIN))

	require.Eventually(t, func() bool { return len(rec.reasons()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, ReasonIdleTimeout, rec.reasons()[0])
	assert.Equal(t, 0, srv.SessionCount())
	assert.Equal(t, 0, srv.IDs().InUse())
}

func TestHeartbeatKeepsAlive(t *testing.T) {
	cfg := testConfig(t,
		WithHeartbeat(50*time.Millisecond),
		WithIdleTimeout(300*time.Millisecond),
	)
	srv, srvRec, cli, cliRec := connectPair(t, cfg)

	time.Sleep(time.Second)

	assert.True(t, cli.Connected())
	assert.Equal(t, 1, srv.SessionCount())
	assert.Empty(t, srvRec.reasons())
	assert.Empty(t, cliRec.reasons())
}

func TestClientStopSendsFIN(t *testing.T) {
	cfg := testConfig(t)
	srv, srvRec, cli, cliRec := connectPair(t, cfg)

	require.NoError(t, cli.Stop())

	require.Eventually(t, func() bool { return len(srvRec.reasons()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, ReasonPeerFIN, srvRec.reasons()[0])
	assert.Equal(t, 0, srv.SessionCount())
	assert.Equal(t, []string{ReasonEndpointStopped}, cliRec.reasons())
	assert.False(t, cli.Connected())
}

func TestServerDisconnect(t *testing.T) {
	cfg := testConfig(t)
	srv, srvRec, cli, cliRec := connectPair(t, cfg)

	sess := srvRec.firstConnected()
	require.True(t, srv.Disconnect(sess))
	assert.False(t, srv.Disconnect(sess), "重复关闭无效果")

	require.Eventually(t, func() bool { return len(cliRec.reasons()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, ReasonServerFIN, cliRec.reasons()[0])
	assert.Equal(t, []string{ReasonLocalClose}, srvRec.reasons())
	assert.False(t, cli.Connected())
	assert.ErrorIs(t, srv.Send(sess, Reliable, []byte("x")), ErrSessionClosed)
}

func TestDuplicateHelloReusesSession(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, testConfig(t, WithRTO(time.Second)), rec)
	peer := newRawPeer(t, loopbackAddr(srv.Endpoint))
	first := peer.handshake()

	sess := srv.Session(peer.addr())
	require.NotNil(t, sess)
	require.NoError(t, srv.Send(sess, Reliable, []byte("inflight")))
	p, err := peer.recv(waitFor)
	require.NoError(t, err)
	require.True(t, p.Has(FlagREL))

	peer.send(FlagREL, first, 1, []byte("up"))
	p, err = peer.recv(waitFor)
	require.NoError(t, err)
	require.True(t, p.Has(FlagACK))

	// HELLO|ACK 丢失后对端重发 HELLO
	second := peer.handshake()

	assert.Equal(t, first, second, "应沿用原连接 ID")
	assert.Same(t, sess, srv.Session(peer.addr()))
	assert.Equal(t, StateEstablished, sess.State())
	assert.Equal(t, 1, sess.PendingCount(), "在途可靠包保留")
	ack, _ := sess.ackFields()
	assert.Equal(t, uint32(1), ack, "接收窗口保留")
	assert.Empty(t, rec.reasons())
	assert.Equal(t, 1, rec.connectedCount())
	assert.Equal(t, 1, srv.IDs().InUse())
}

func TestHeartbeatLeavesSessionState(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, testConfig(t, WithRTO(time.Second)), rec)
	peer := newRawPeer(t, loopbackAddr(srv.Endpoint))
	id := peer.handshake()

	sess := srv.Session(peer.addr())
	require.NotNil(t, sess)
	require.NoError(t, srv.Send(sess, Reliable, []byte("keep")))
	_, err := peer.recv(waitFor)
	require.NoError(t, err)

	before := sess.LastSeen()
	ackBefore, maskBefore := sess.ackFields()
	time.Sleep(5 * time.Millisecond)

	// 心跳上的序号与确认字段都不生效
	_, err = peer.conn.WriteToUDP(Encode(FlagHEARTBEAT, id, 7, 1, 0xFFFFFFFF, nil, DefaultMTU), peer.to)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sess.LastSeen().After(before) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, sess.PendingCount())
	ack, mask := sess.ackFields()
	assert.Equal(t, ackBefore, ack)
	assert.Equal(t, maskBefore, mask)
	assert.Equal(t, uint64(0), srv.Stats().AcksReceived)

	_, err = peer.recv(100 * time.Millisecond)
	assert.Error(t, err, "心跳不应有回复")
}

func TestUnknownPeerIgnored(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, testConfig(t), rec)
	peer := newRawPeer(t, loopbackAddr(srv.Endpoint))

	peer.send(FlagHEARTBEAT, 1, 0, nil)
	peer.send(FlagREL, 1, 1, []byte("who"))
	peer.send(FlagFIN, 1, 0, nil)

	_, err := peer.recv(100 * time.Millisecond)
	assert.Error(t, err, "未握手的对端不应收到任何回复")
	assert.Equal(t, 0, srv.SessionCount())
	assert.Empty(t, rec.received())
}

func TestDecodeErrorReported(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, testConfig(t), rec)
	peer := newRawPeer(t, loopbackAddr(srv.Endpoint))

	peer.sendRaw([]byte{9, 0, 0})
	peer.sendRaw([]byte{Version, 0, 1})

	require.Eventually(t, func() bool { return len(rec.failures()) == 2 }, waitFor, 5*time.Millisecond)
	for _, err := range rec.failures() {
		var perr *ProtocolError
		assert.True(t, errors.As(err, &perr), "应为协议错误: %v", err)
	}
	assert.Equal(t, uint64(2), srv.Stats().DecodeErrors)

	// 读循环继续工作
	peer.handshake()
	assert.Equal(t, 1, srv.SessionCount())
}

func TestClientIgnoresForeignAddress(t *testing.T) {
	cfg := testConfig(t)
	_, _, cli, cliRec := connectPair(t, cfg)

	intruder := newRawPeer(t, loopbackAddr(cli.Endpoint))
	intruder.send(FlagFIN, cli.Session().ConnID(), 0, nil)
	intruder.send(FlagREL, cli.Session().ConnID(), 1, []byte("spoof"))

	time.Sleep(100 * time.Millisecond)
	assert.True(t, cli.Connected())
	assert.Empty(t, cliRec.reasons())
	assert.Empty(t, cliRec.received())
}

func TestClientSendBeforeHandshake(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	rec := &recorder{}
	cli, err := NewClientAddr(silent.LocalAddr().(*net.UDPAddr), testConfig(t, WithIdleTimeout(150*time.Millisecond)), WithListener(rec))
	require.NoError(t, err)

	assert.ErrorIs(t, cli.Send(Reliable, []byte("x")), ErrNotConnected)

	require.NoError(t, cli.Start(context.Background()))
	defer cli.Stop()

	assert.ErrorIs(t, cli.Send(Reliable, []byte("x")), ErrNotConnected)
	require.NotNil(t, cli.Session())
	assert.Equal(t, StateHandshaking, cli.Session().State())

	// 没有应答的握手会话按空闲超时关闭
	require.Eventually(t, func() bool { return len(rec.reasons()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, ReasonIdleTimeout, rec.reasons()[0])
	assert.Equal(t, 0, rec.connectedCount())
	assert.Nil(t, cli.Session())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cli.WaitConnected(ctx), context.DeadlineExceeded)
}

func TestBroadcast(t *testing.T) {
	cfg := testConfig(t)
	srvRec := &recorder{}
	srv := startServer(t, cfg, srvRec)

	recs := []*recorder{{}, {}, {}}
	for _, rec := range recs {
		cli := startClient(t, srv, cfg, rec)
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		require.NoError(t, cli.WaitConnected(ctx))
		cancel()
	}
	require.Eventually(t, func() bool { return srv.SessionCount() == 3 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, 3, srv.Broadcast(Reliable, []byte("all")))
	for _, rec := range recs {
		rec := rec
		require.Eventually(t, func() bool { return len(rec.received()) == 1 }, waitFor, 5*time.Millisecond)
	}
}

func TestRemoveListener(t *testing.T) {
	cfg := testConfig(t)
	srv, srvRec, cli, _ := connectPair(t, cfg)

	extra := &recorder{}
	h := srv.AddListener(extra)
	assert.True(t, srv.RemoveListener(h))
	assert.False(t, srv.RemoveListener(h))

	require.NoError(t, cli.Send(Reliable, []byte("hi")))
	require.Eventually(t, func() bool { return len(srvRec.received()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, extra.received())
}

func TestListenerFuncs(t *testing.T) {
	cfg := testConfig(t)
	srv, _, cli, _ := connectPair(t, cfg)

	got := make(chan string, 1)
	srv.AddListener(ListenerFuncs{
		Message: func(s *Session, payload []byte, rel Reliability) { got <- string(payload) },
	})

	require.NoError(t, cli.Send(Fast, []byte("fn")))
	select {
	case msg := <-got:
		assert.Equal(t, "fn", msg)
	case <-time.After(waitFor):
		t.Fatal("未收到消息")
	}
}

func TestStopIdempotent(t *testing.T) {
	cfg := testConfig(t)
	srv, srvRec, cli, _ := connectPair(t, cfg)
	sess := srvRec.firstConnected()

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())

	assert.True(t, srv.IsClosed())
	assert.Equal(t, []string{ReasonEndpointStopped}, srvRec.reasons())
	assert.ErrorIs(t, srv.Send(sess, Reliable, []byte("x")), ErrEndpointClosed)
	assert.ErrorIs(t, srv.Start(context.Background()), ErrEndpointClosed)

	select {
	case <-srv.Done():
	default:
		t.Fatal("Done 未关闭")
	}

	// 服务端停止时发出 FIN
	require.Eventually(t, func() bool { return !cli.Connected() }, waitFor, 5*time.Millisecond)
}

func TestStopClosesEveryAcceptedSession(t *testing.T) {
	rec := &recorder{}
	srv, err := NewServer(testConfig(t), WithListener(rec))
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	to := loopbackAddr(srv.Endpoint)
	hello := Encode(FlagHELLO, 0, 0, 0, 0, nil, DefaultMTU)

	// 停止过程中持续有新对端握手
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
				if err != nil {
					continue
				}
				_, _ = conn.WriteToUDP(hello, to)
				_ = conn.Close()
			}
		}()
	}

	require.Eventually(t, func() bool { return rec.connectedCount() > 10 }, waitFor, time.Millisecond)
	require.NoError(t, srv.Stop())
	close(stop)
	wg.Wait()

	assert.Equal(t, 0, srv.SessionCount())
	assert.Equal(t, 0, srv.IDs().InUse(), "所有连接 ID 都应归还")
	assert.Equal(t, rec.connectedCount(), len(rec.reasons()), "每个建立的会话都应收到断开通知")
}

func TestStaleHandshakeCloseKeepsNewSession(t *testing.T) {
	server := newRawPeer(t, nil)
	rec := &recorder{}
	cli, err := NewClientAddr(server.addr(), testConfig(t), WithListener(rec))
	require.NoError(t, err)
	require.NoError(t, cli.Start(context.Background()))
	defer cli.Stop()

	p, err := server.recv(waitFor)
	require.NoError(t, err)
	require.True(t, p.Has(FlagHELLO))

	// 定时器拿到旧的握手会话时 HELLO|ACK 已完成替换
	handshake := cli.Session()
	established := newSession(cli.server, 42, StateEstablished, time.Now())
	require.True(t, cli.sessions.CompareAndSwap(handshake.key, handshake, established))

	assert.False(t, cli.closeSession(handshake, ReasonIdleTimeout, true))

	_, err = server.recv(100 * time.Millisecond)
	assert.Error(t, err, "不应向服务端发送 FIN")
	assert.Empty(t, rec.reasons())
	assert.Same(t, established, cli.Session())
	assert.Equal(t, StateEstablished, established.State())
}

func TestReadLoopFailureStopsEndpoint(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, testConfig(t), rec)

	// 套接字在运行中被关闭
	require.NoError(t, srv.conn.Close())

	select {
	case <-srv.Done():
	case <-time.After(waitFor):
		t.Fatal("读循环失败后端点未停止")
	}
	assert.True(t, srv.IsClosed())

	err := srv.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, net.ErrClosed)
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "read", terr.Op)
	assert.NotEmpty(t, rec.failures())
}

func TestStopWithoutStart(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	require.NoError(t, err)
	assert.NoError(t, srv.Stop())
	assert.Nil(t, srv.LocalAddr())
}

func TestStartTwice(t *testing.T) {
	srv := startServer(t, testConfig(t), &recorder{})
	assert.ErrorIs(t, srv.Start(context.Background()), ErrAlreadyStarted)
}

func TestContextCancelStops(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	cancel()

	select {
	case <-srv.Done():
	case <-time.After(waitFor):
		t.Fatal("ctx 取消后端点未停止")
	}
	assert.True(t, srv.IsClosed())
}

func TestNewServerInvalidConfig(t *testing.T) {
	cfg := DefaultNetConfig()
	cfg.MTU = 10
	_, err := NewServer(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSendNilSession(t *testing.T) {
	srv := startServer(t, testConfig(t), &recorder{})
	assert.ErrorIs(t, srv.Send(nil, Fast, []byte("x")), ErrNoSession)
}
