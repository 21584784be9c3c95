// =============================================================================
// 文件: internal/rudp/window_test.go
// 描述: 接收窗口与 ACK 位图测试
// =============================================================================
package rudp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowIdempotent(t *testing.T) {
	var w recvWindow

	assert.True(t, w.note(1))
	assert.False(t, w.note(1), "重复序号不能被再次接受")
	assert.True(t, w.note(3))
	assert.True(t, w.note(2))
	assert.False(t, w.note(2))
	assert.False(t, w.note(3))
}

func TestWindowRejectsZero(t *testing.T) {
	var w recvWindow
	assert.False(t, w.note(0))

	w.note(10)
	assert.False(t, w.note(0))
}

func TestWindowSlide(t *testing.T) {
	var w recvWindow

	assert.True(t, w.note(100))
	assert.True(t, w.note(133), "超过窗口宽度的跳跃应清空位图")
	assert.False(t, w.note(100), "落在窗口外的旧序号应被拒绝")
	assert.False(t, w.note(101))
	assert.True(t, w.note(102), "距离 31 仍在窗口内")
	assert.False(t, w.note(102))
}

func TestWindowShiftKeepsHistory(t *testing.T) {
	var w recvWindow

	w.note(1)
	w.note(2)
	w.note(10)

	assert.False(t, w.note(1))
	assert.False(t, w.note(2))
	assert.True(t, w.note(5))
}

func TestAckMaskSymmetry(t *testing.T) {
	var w recvWindow
	w.note(5)
	w.note(7)
	w.note(10)

	ack, mask := w.advertise()
	assert.Equal(t, uint32(10), ack)

	var acked []uint32
	ackedSeqs(ack, mask, func(seq uint32) { acked = append(acked, seq) })
	assert.ElementsMatch(t, []uint32{10, 7, 5}, acked)
}

func TestAckMaskFullWindow(t *testing.T) {
	var w recvWindow
	for seq := uint32(1); seq <= 40; seq++ {
		w.note(seq)
	}

	ack, mask := w.advertise()
	assert.Equal(t, uint32(40), ack)

	var acked []uint32
	ackedSeqs(ack, mask, func(seq uint32) { acked = append(acked, seq) })

	// ack 本身加上掩码中的 31 个
	assert.Len(t, acked, 32)
	assert.Contains(t, acked, uint32(40))
	assert.Contains(t, acked, uint32(9))
	assert.NotContains(t, acked, uint32(8))
}

func TestAckedSeqsNeverZero(t *testing.T) {
	var acked []uint32
	ackedSeqs(2, 0xFFFFFFFF, func(seq uint32) { acked = append(acked, seq) })
	assert.Equal(t, []uint32{2, 1}, acked)

	acked = nil
	ackedSeqs(0, 0xFFFFFFFF, func(seq uint32) { acked = append(acked, seq) })
	assert.Empty(t, acked)
}
