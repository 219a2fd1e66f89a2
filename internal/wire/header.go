// Package wire implements the handover framing protocol: a fixed 12-byte
// header followed by an optional metadata blob and the message payload.
package wire

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed header size: Type(4) + PayloadLen(4) + InfoLen(4).
const HeaderSize = 12

// ErrHeaderTooShort is returned when fewer than HeaderSize bytes are
// supplied to DecodeHeader.
var ErrHeaderTooShort = errors.New("wire: header too short")

// Header frames every message on the socket. PayloadLen counts every byte
// that follows the header, including the info blob; InfoLen is the length
// of the info blob prefix within that payload (0 when absent).
//
// Field encoding is three consecutive little-endian uint32 values. The
// protocol has no peers outside this codebase, so the byte order is a
// build-scoped constant rather than network order.
type Header struct {
	Type       Type
	PayloadLen uint32
	InfoLen    uint32
}

// Encode serializes the header into a fresh 12-byte slice.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[8:12], h.InfoLen)
	return buf
}

// DecodeHeader parses a header from the first 12 bytes of buf. The type
// code is preserved verbatim (encode/decode round-trips for any uint32);
// mapping unrecognized codes to TypeInvalid is the framer's job, so the
// length fields keep the stream synchronized regardless of the code.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooShort
	}
	return Header{
		Type:       Type(binary.LittleEndian.Uint32(buf[0:4])),
		PayloadLen: binary.LittleEndian.Uint32(buf[4:8]),
		InfoLen:    binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}
