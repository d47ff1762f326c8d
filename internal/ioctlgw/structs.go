package ioctlgw

import "encoding/binary"

// IfNameSize mirrors IFNAMSIZ.
const IfNameSize = 16

func putIfaceName(buf []byte, name string) {
	n := copy(buf[:IfNameSize], name)
	for i := n; i < IfNameSize; i++ {
		buf[i] = 0
	}
}

func getIfaceName(buf []byte) string {
	n := 0
	for n < IfNameSize && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

// IfaceInfo is the argument to SET_UPSTRM_PARAM, ADD_DOWNSTREAM and
// REMOVE_DOWNSTRM.
type IfaceInfo struct {
	Iface   string
	DstRing uint16
}

func (a IfaceInfo) Marshal() []byte {
	buf := make([]byte, ifaceInfoSize)
	putIfaceName(buf, a.Iface)
	binary.LittleEndian.PutUint16(buf[16:18], a.DstRing)
	return buf
}

func (a *IfaceInfo) Unmarshal(buf []byte) {
	a.Iface = getIfaceName(buf)
	a.DstRing = binary.LittleEndian.Uint16(buf[16:18])
}

// ForwardStats is the argument to GET_FORWD_STATS and SET_DATA_LIMIT.
type ForwardStats struct {
	Iface     string
	DataLimit uint64
	RxBytes   uint64
	TxBytes   uint64
	RxDiff    uint64
	TxDiff    uint64
}

func (s ForwardStats) Marshal() []byte {
	buf := make([]byte, forwardStatsSize)
	putIfaceName(buf, s.Iface)
	binary.LittleEndian.PutUint64(buf[16:24], s.DataLimit)
	binary.LittleEndian.PutUint64(buf[24:32], s.RxBytes)
	binary.LittleEndian.PutUint64(buf[32:40], s.TxBytes)
	binary.LittleEndian.PutUint64(buf[40:48], s.RxDiff)
	binary.LittleEndian.PutUint64(buf[48:56], s.TxDiff)
	return buf
}

func (s *ForwardStats) Unmarshal(buf []byte) {
	s.Iface = getIfaceName(buf)
	s.DataLimit = binary.LittleEndian.Uint64(buf[16:24])
	s.RxBytes = binary.LittleEndian.Uint64(buf[24:32])
	s.TxBytes = binary.LittleEndian.Uint64(buf[32:40])
	s.RxDiff = binary.LittleEndian.Uint64(buf[40:48])
	s.TxDiff = binary.LittleEndian.Uint64(buf[48:56])
}

// ForwardLimit is the v1.1 argument to SET_DATA_WARNING_LIMIT.
type ForwardLimit struct {
	Iface       string
	DataWarning uint64
	DataLimit   uint64
}

func (l ForwardLimit) Marshal() []byte {
	buf := make([]byte, forwardLimitSize)
	putIfaceName(buf, l.Iface)
	binary.LittleEndian.PutUint64(buf[16:24], l.DataWarning)
	binary.LittleEndian.PutUint64(buf[24:32], l.DataLimit)
	return buf
}

// HwInfo is the argument to GET_HW_INFO.
type HwInfo struct {
	Version      uint32
	Capabilities uint32
}

func (h *HwInfo) Unmarshal(buf []byte) {
	h.Version = binary.LittleEndian.Uint32(buf[0:4])
	h.Capabilities = binary.LittleEndian.Uint32(buf[4:8])
}

// NatLocalAddr is the argument to SET_NAT_LOCAL_ADDR. Addr is network
// order (big-endian), matching the driver's __be32 tag; DevAddr is the
// 6-byte client MAC, zeroed when clearing a slot.
type NatLocalAddr struct {
	Index   uint16
	DstRing uint8
	Addr    uint32
	DevAddr [6]byte
}

func (a NatLocalAddr) Marshal() []byte {
	buf := make([]byte, natLocalAddrSize)
	binary.LittleEndian.PutUint16(buf[0:2], a.Index)
	buf[2] = a.DstRing
	binary.BigEndian.PutUint32(buf[3:7], a.Addr)
	copy(buf[7:13], a.DevAddr[:])
	return buf
}

// NatLocalPort is the argument to SET_NAT_LOCAL_PORT. HwVal is the packed
// bitfield described in PackPortHwVal.
type NatLocalPort struct {
	ReplyPortDstL uint16
	HwVal         uint32
}

func (p NatLocalPort) Marshal() []byte {
	buf := make([]byte, natLocalPortSize)
	binary.LittleEndian.PutUint16(buf[0:2], p.ReplyPortDstL)
	binary.LittleEndian.PutUint32(buf[2:6], p.HwVal)
	return buf
}

// Bit layout of NatLocalPort.HwVal, LSB first: enable(1) | reply_port_dst_h(8)
// | origin_port_src(16) | addr_index(4) | dst_ring(2) | is_udp(1). This is a
// hardware contract reproduced with explicit shift/mask arithmetic — Go has
// no struct bitfields to trust a compiler layout for.
const (
	hwValEnableShift  = 0
	hwValReplyHShift  = 1
	hwValOriginShift  = 9
	hwValAddrIdxShift = 25
	hwValDstRingShift = 29
	hwValIsUDPShift   = 31

	// HwValIgnoreEnableMask clears the enable bit so two rules can be
	// compared while ignoring enable/disable state.
	HwValIgnoreEnableMask uint32 = 0xFFFFFFFE
)

// PackPortHwVal composes the packed 32-bit port-rule value.
func PackPortHwVal(enable bool, replyPortDstH uint8, originPortSrc uint16, addrIndex uint8, dstRing uint8, isUDP bool) uint32 {
	var v uint32
	if enable {
		v |= 1 << hwValEnableShift
	}
	v |= uint32(replyPortDstH) << hwValReplyHShift
	v |= uint32(originPortSrc) << hwValOriginShift
	v |= uint32(addrIndex&0xF) << hwValAddrIdxShift
	v |= uint32(dstRing&0x3) << hwValDstRingShift
	if isUDP {
		v |= 1 << hwValIsUDPShift
	}
	return v
}

// PortTableIndex returns the 11-bit low part of a reply destination port,
// used as the port-rule table key.
func PortTableIndex(port uint16) uint16 {
	return port & 0x7FF
}

// PortHighBits returns the 8-bit high part of a reply destination port.
func PortHighBits(port uint16) uint8 {
	return uint8((0xFF00 & port) >> 8)
}
