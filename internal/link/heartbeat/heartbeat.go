package heartbeat

import (
	"encoding/binary"
	"errors"

	"github.com/servalmesh/rhizome/internal/link/fec"
)

const (
	msgIDDataStream = fec.MsgDataStream
	msgIDRadio      = fec.MsgRadio

	srcSys  = '3'
	srcComp = 'D'

	// Len is the fixed wire size of a heartbeat frame.
	Len = fec.HeartbeatLen
)

// Heartbeat is a decoded peer status frame (spec §4.F).
type Heartbeat struct {
	Seq          byte
	RxErrors     uint16
	FixedCount   uint16 // count of error-corrected packets
	RSSILocal    byte
	RSSIRemote   byte
	TxBufPercent byte
	NoiseLocal   byte
	NoiseRemote  byte
}

// Encode serialises hb into its 17-byte wire form.
func Encode(hb Heartbeat) []byte {
	buf := make([]byte, Len)
	buf[0] = fec.SyncByte
	buf[1] = 9
	buf[2] = hb.Seq
	buf[3] = srcSys
	buf[4] = srcComp
	buf[5] = msgIDRadio
	binary.LittleEndian.PutUint16(buf[6:8], hb.RxErrors)
	binary.LittleEndian.PutUint16(buf[8:10], hb.FixedCount)
	buf[10] = hb.RSSILocal
	buf[11] = hb.RSSIRemote
	buf[12] = hb.TxBufPercent
	buf[13] = hb.NoiseLocal
	buf[14] = hb.NoiseRemote
	crc := crc16(buf[1:15], msgIDRadio)
	binary.LittleEndian.PutUint16(buf[15:17], crc)
	return buf
}

var (
	ErrShort  = errors.New("heartbeat: frame too short")
	ErrShape  = errors.New("heartbeat: not a heartbeat frame")
	ErrBadCRC = errors.New("heartbeat: crc mismatch")
)

// Decode parses a 17-byte heartbeat frame, verifying its CRC.
func Decode(buf []byte) (Heartbeat, error) {
	if len(buf) < Len {
		return Heartbeat{}, ErrShort
	}
	if !fec.IsHeartbeatShape(buf) {
		return Heartbeat{}, ErrShape
	}
	want := binary.LittleEndian.Uint16(buf[15:17])
	got := crc16(buf[1:15], msgIDRadio)
	if want != got {
		return Heartbeat{}, ErrBadCRC
	}
	return Heartbeat{
		Seq:          buf[2],
		RxErrors:     binary.LittleEndian.Uint16(buf[6:8]),
		FixedCount:   binary.LittleEndian.Uint16(buf[8:10]),
		RSSILocal:    buf[10],
		RSSIRemote:   buf[11],
		TxBufPercent: buf[12],
		NoiseLocal:   buf[13],
		NoiseRemote:  buf[14],
	}, nil
}

// requestMagic is the 12-bit value Golay-encoded into the remote-
// heartbeat-request trailer, matching original_source/mavlink.c's
// frame[14..15] = 0x55, 0x05 packed little-endian as 0x0555 and then
// Golay-encoded (golay_decode there checks the decoded tail equals
// 0x555, i.e. only the low 12 bits of that pair matter).
const requestMagic = 0x555

// EncodeRequest returns the 3-byte Golay-protected trailer a receiver
// sends to ask its peer for an out-of-schedule heartbeat.
func EncodeRequest() []byte {
	cw := fec.EncodeGolay24(requestMagic)
	return []byte{byte(cw), byte(cw >> 8), byte(cw >> 16)}
}

// IsRequest reports whether buf opens with a valid remote-heartbeat-
// request trailer.
func IsRequest(buf []byte) bool {
	if len(buf) < 3 {
		return false
	}
	cw := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
	v, ok := fec.DecodeGolay24(cw)
	return ok && v == requestMagic
}
