// =============================================================================
// 文件: internal/rudp/listener.go
// 描述: 事件监听器接口与注册表
// =============================================================================
package rudp

import "sync"

// Listener 端点事件回调
//
// 回调在检测到事件的协程上同步执行 (数据报事件在 I/O 循环, 超时断开在定时器),
// 实现不能长时间阻塞。
type Listener interface {
	OnConnected(s *Session)
	OnDisconnected(s *Session, reason string)
	OnMessage(s *Session, payload []byte, rel Reliability)
	OnError(err error)
}

// ListenerFuncs 用闭包实现 Listener, 未设置的回调忽略
type ListenerFuncs struct {
	Connected    func(s *Session)
	Disconnected func(s *Session, reason string)
	Message      func(s *Session, payload []byte, rel Reliability)
	Error        func(err error)
}

func (f ListenerFuncs) OnConnected(s *Session) {
	if f.Connected != nil {
		f.Connected(s)
	}
}

func (f ListenerFuncs) OnDisconnected(s *Session, reason string) {
	if f.Disconnected != nil {
		f.Disconnected(s, reason)
	}
}

func (f ListenerFuncs) OnMessage(s *Session, payload []byte, rel Reliability) {
	if f.Message != nil {
		f.Message(s, payload, rel)
	}
}

func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// ListenerHandle 注册句柄, 用于移除
type ListenerHandle uint64

// listenerSet 监听器集合, 分发顺序不保证
type listenerSet struct {
	next      ListenerHandle
	listeners map[ListenerHandle]Listener
	mu        sync.RWMutex
}

func newListenerSet() *listenerSet {
	return &listenerSet{listeners: make(map[ListenerHandle]Listener)}
}

func (ls *listenerSet) add(l Listener) ListenerHandle {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.next++
	ls.listeners[ls.next] = l
	return ls.next
}

func (ls *listenerSet) remove(h ListenerHandle) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if _, ok := ls.listeners[h]; !ok {
		return false
	}
	delete(ls.listeners, h)
	return true
}

// snapshot 复制当前监听器, 回调期间允许增删
func (ls *listenerSet) snapshot() []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	out := make([]Listener, 0, len(ls.listeners))
	for _, l := range ls.listeners {
		out = append(out, l)
	}
	return out
}

func (ls *listenerSet) connected(s *Session) {
	for _, l := range ls.snapshot() {
		l.OnConnected(s)
	}
}

func (ls *listenerSet) disconnected(s *Session, reason string) {
	for _, l := range ls.snapshot() {
		l.OnDisconnected(s, reason)
	}
}

func (ls *listenerSet) message(s *Session, payload []byte, rel Reliability) {
	for _, l := range ls.snapshot() {
		l.OnMessage(s, payload, rel)
	}
}

func (ls *listenerSet) fail(err error) {
	for _, l := range ls.snapshot() {
		l.OnError(err)
	}
}
