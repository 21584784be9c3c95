// =============================================================================
// 文件: internal/rudp/window.go
// 描述: 32 位接收窗口 - 去重判定与 ACK 位图编码 (收发两端必须一致)
// =============================================================================
package rudp

// recvWindow 接收窗口
//
// bitmap 的 bit d 表示序号 max-d 已收到, bit 0 即 max 本身。
type recvWindow struct {
	max    uint32
	bitmap uint32
}

// note 记录收到的序号, 返回是否接受 (false 表示重复或超出窗口)
func (w *recvWindow) note(seq uint32) bool {
	if seq == 0 {
		return false
	}

	if seq > w.max {
		shift := seq - w.max
		if shift >= ackWindow {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.max = seq
		return true
	}

	dist := w.max - seq
	if dist >= ackWindow {
		return false
	}
	bit := uint32(1) << dist
	if w.bitmap&bit != 0 {
		return false
	}
	w.bitmap |= bit
	return true
}

// advertise 生成对端使用的 (ack, ackMask)
//
// ackMask 的 bit i-1 表示 ack-i 已收到, 因此是 bitmap 去掉 bit 0 后右移一位。
func (w *recvWindow) advertise() (ack, ackMask uint32) {
	return w.max, w.bitmap >> 1
}

// ackedSeqs 按 (ack, ackMask) 展开被确认的序号, 与 advertise 的编码对称
func ackedSeqs(ack, ackMask uint32, fn func(seq uint32)) {
	if ack == 0 {
		return
	}
	fn(ack)
	for i := uint32(1); i <= ackWindow && ackMask != 0; i++ {
		if ackMask&1 != 0 && ack > i {
			fn(ack - i)
		}
		ackMask >>= 1
	}
}
