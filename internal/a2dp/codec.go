package a2dp

import "encoding/binary"

// codecConfigSize mirrors MAX_SIZE_CODEC_CONFIGURATION: 22 bytes, sized
// for the larger of the two encoder configs (SBC).
const codecConfigSize = 22

// Encoder format tags written into the first 4 bytes of the buffer,
// identifying which of the two layouts follows.
const (
	formatTagSBC  uint32 = 0x1000000
	formatTagAptx uint32 = 0x1800000
)

// CodecConfig packs the session's negotiated codec parameters into the
// 22-byte buffer the hardware encoder config ioctl expects. For APTX
// only the first 11 bytes are meaningful; the remainder is zeroed.
func (s *Session) CodecConfig() []byte {
	s.mu.Lock()
	codec := s.codec
	s.mu.Unlock()

	buf := make([]byte, codecConfigSize)
	switch codec.Type {
	case CodecSBC:
		marshalSBC(buf, codec.SBC)
	case CodecAPTX:
		marshalAptx(buf[:11], codec.Aptx)
	}
	return buf
}

func marshalSBC(buf []byte, p SBCParams) {
	binary.LittleEndian.PutUint32(buf[0:4], formatTagSBC)
	binary.LittleEndian.PutUint32(buf[4:8], p.Subband)
	binary.LittleEndian.PutUint32(buf[8:12], p.BlockLength)
	binary.LittleEndian.PutUint32(buf[12:16], p.Bitrate)
	binary.LittleEndian.PutUint16(buf[16:18], p.SamplingRate)
	buf[18] = p.Channels
	buf[19] = p.Alloc
	buf[20] = p.MinBitpool
	buf[21] = p.MaxBitpool
}

func marshalAptx(buf []byte, p AptxParams) {
	binary.LittleEndian.PutUint32(buf[0:4], formatTagAptx)
	binary.LittleEndian.PutUint32(buf[4:8], p.Bitrate)
	binary.LittleEndian.PutUint16(buf[8:10], p.SamplingRate)
	buf[10] = p.Channels
}
