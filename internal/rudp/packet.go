// =============================================================================
// 文件: internal/rudp/packet.go
// 描述: 可靠 UDP 传输 - 包编解码 (固定 20 字节大端包头)
// =============================================================================
package rudp

import (
	"encoding/binary"
)

// Packet 解码后的数据包
type Packet struct {
	Flags   uint8
	ConnID  uint32
	Seq     uint32 // 0 表示无序号
	Ack     uint32 // 累积确认
	AckMask uint32 // bit i-1 表示 Ack-i 已收到
	Payload []byte
}

// Has 是否包含全部给定标志
func (p *Packet) Has(flags uint8) bool {
	return p.Flags&flags == flags
}

// clampPayload 载荷截断到 mtu-HeaderSize
func clampPayload(payload []byte, mtu int) []byte {
	limit := mtu - HeaderSize
	if limit < 0 {
		limit = 0
	}
	if len(payload) > limit {
		return payload[:limit]
	}
	return payload
}

// AppendPacket 将包追加到 dst 并返回新切片
//
// 超过 mtu-HeaderSize 的载荷被直接截断, 不报错; 需要完整投递的调用方必须自行分片。
func AppendPacket(dst []byte, p *Packet, mtu int) []byte {
	payload := clampPayload(p.Payload, mtu)

	var hdr [HeaderSize]byte
	hdr[0] = Version
	hdr[1] = p.Flags
	binary.BigEndian.PutUint32(hdr[2:6], p.ConnID)
	binary.BigEndian.PutUint32(hdr[6:10], p.Seq)
	binary.BigEndian.PutUint32(hdr[10:14], p.Ack)
	binary.BigEndian.PutUint32(hdr[14:18], p.AckMask)
	binary.BigEndian.PutUint16(hdr[18:20], uint16(len(payload)))

	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Encode 编码为新分配的字节切片
func Encode(flags uint8, connID, seq, ack, ackMask uint32, payload []byte, mtu int) []byte {
	p := &Packet{
		Flags:   flags,
		ConnID:  connID,
		Seq:     seq,
		Ack:     ack,
		AckMask: ackMask,
		Payload: payload,
	}
	return AppendPacket(make([]byte, 0, HeaderSize+len(clampPayload(payload, mtu))), p, mtu)
}

// Decode 解码数据包, 载荷复制到新切片
func Decode(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, &ProtocolError{Reason: "空数据报"}
	}
	if data[0] != Version {
		return nil, &ProtocolError{Reason: "版本不支持", Version: data[0], Len: len(data)}
	}
	if len(data) < HeaderSize {
		return nil, &ProtocolError{Reason: "包头不完整", Version: data[0], Len: len(data)}
	}

	p := &Packet{
		Flags:   data[1],
		ConnID:  binary.BigEndian.Uint32(data[2:6]),
		Seq:     binary.BigEndian.Uint32(data[6:10]),
		Ack:     binary.BigEndian.Uint32(data[10:14]),
		AckMask: binary.BigEndian.Uint32(data[14:18]),
	}

	n := int(binary.BigEndian.Uint16(data[18:20]))
	if len(data) < HeaderSize+n {
		return nil, &ProtocolError{Reason: "载荷不完整", Version: data[0], Len: len(data)}
	}
	p.Payload = make([]byte, n)
	copy(p.Payload, data[HeaderSize:HeaderSize+n])

	return p, nil
}
