package syscall

import (
	"encoding/binary"
	"fmt"

	"github.com/zuki/hinaos/internal/defs"
)

// Wire form of a message: a 16-bit type packing (msg-id, payload-length),
// a 32-bit source tid (kernel-written on delivery), then the payload
// record. All fields little-endian.
const (
	wireHeaderSize = 6
	// WireMax bounds any encoded message this kernel produces.
	WireMax = wireHeaderSize + 24
)

func payloadLen(kind defs.Msgkind_t) (int, bool) {
	switch kind {
	case defs.MsgNone, defs.MsgPageFaultReply:
		return 0, true
	case defs.MsgNotify:
		return 4, true
	case defs.MsgPing:
		return 8, true
	case defs.MsgException:
		return 8, true
	case defs.MsgPageFault:
		return 24, true
	}
	return 0, false
}

// encodeMsg packs msg into its wire form.
func encodeMsg(msg defs.Message_t) ([]byte, error) {
	plen, ok := payloadLen(msg.Kind)
	if !ok {
		return nil, fmt.Errorf("unencodable message kind %d", msg.Kind)
	}
	b := make([]byte, wireHeaderSize+plen)
	binary.LittleEndian.PutUint16(b, msg.Type(plen))
	binary.LittleEndian.PutUint32(b[2:], uint32(int32(msg.Src)))
	p := b[wireHeaderSize:]
	switch pl := msg.Payload.(type) {
	case nil:
	case defs.Pagefaultreplymsg_t:
	case defs.Notifymsg_t:
		binary.LittleEndian.PutUint32(p, pl.Bits)
	case defs.Pingmsg_t:
		binary.LittleEndian.PutUint64(p, uint64(int64(pl.Value)))
	case defs.Exceptionmsg_t:
		binary.LittleEndian.PutUint32(p, uint32(int32(pl.Task)))
		binary.LittleEndian.PutUint32(p[4:], uint32(int32(pl.Reason)))
	case defs.Pagefaultmsg_t:
		binary.LittleEndian.PutUint32(p, uint32(int32(pl.Task)))
		binary.LittleEndian.PutUint64(p[4:], uint64(pl.Uaddr))
		binary.LittleEndian.PutUint64(p[12:], uint64(pl.IP))
		binary.LittleEndian.PutUint32(p[20:], uint32(pl.Fault))
	default:
		return nil, fmt.Errorf("payload %T does not match kind %d", msg.Payload, msg.Kind)
	}
	return b, nil
}

// decodeMsg unpacks a wire message. The packed payload length must match
// the kind's record size exactly.
func decodeMsg(b []byte) (defs.Message_t, error) {
	if len(b) < wireHeaderSize {
		return defs.Message_t{}, fmt.Errorf("short message: %d bytes", len(b))
	}
	typ := binary.LittleEndian.Uint16(b)
	kind := defs.Msgkind_t(typ >> 12)
	plen := int(typ & 0xfff)
	want, ok := payloadLen(kind)
	if !ok || plen != want || len(b) < wireHeaderSize+plen {
		return defs.Message_t{}, fmt.Errorf("malformed message type %#x", typ)
	}
	msg := defs.Message_t{
		Kind: kind,
		Src:  defs.Tid_t(int32(binary.LittleEndian.Uint32(b[2:]))),
	}
	p := b[wireHeaderSize:]
	switch kind {
	case defs.MsgNone:
	case defs.MsgPageFaultReply:
		msg.Payload = defs.Pagefaultreplymsg_t{}
	case defs.MsgNotify:
		msg.Payload = defs.Notifymsg_t{Bits: binary.LittleEndian.Uint32(p)}
	case defs.MsgPing:
		msg.Payload = defs.Pingmsg_t{Value: int(int64(binary.LittleEndian.Uint64(p)))}
	case defs.MsgException:
		msg.Payload = defs.Exceptionmsg_t{
			Task:   defs.Tid_t(int32(binary.LittleEndian.Uint32(p))),
			Reason: defs.Exception_t(int32(binary.LittleEndian.Uint32(p[4:]))),
		}
	case defs.MsgPageFault:
		msg.Payload = defs.Pagefaultmsg_t{
			Task:  defs.Tid_t(int32(binary.LittleEndian.Uint32(p))),
			Uaddr: defs.Ua_t(binary.LittleEndian.Uint64(p[4:])),
			IP:    defs.Ua_t(binary.LittleEndian.Uint64(p[12:])),
			Fault: defs.Pageattrs_t(binary.LittleEndian.Uint32(p[20:])),
		}
	}
	return msg, nil
}
