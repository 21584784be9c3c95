// =============================================================================
// 文件: internal/rudp/bufpool.go
// 描述: 编码临时缓冲区池 (由端点持有, 显式传递)
// =============================================================================
package rudp

import "sync"

// BufferPool 编码缓冲区池
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool 创建容量为 size 的缓冲区池
func NewBufferPool(size int) *BufferPool {
	bp := &BufferPool{size: size}
	bp.pool.New = func() interface{} {
		b := make([]byte, 0, bp.size)
		return &b
	}
	return bp
}

// Get 取出一个长度为 0 的缓冲区
func (bp *BufferPool) Get() *[]byte {
	b := bp.pool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

// Put 归还缓冲区; 被 append 扩容过的缓冲区丢弃
func (bp *BufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) != bp.size {
		return
	}
	bp.pool.Put(b)
}
