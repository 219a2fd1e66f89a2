package wire

import (
	"fmt"
	"io"
)

// Message is one parsed inbound frame. Body is limited to the payload
// bytes that follow the info blob; the caller must drain it before the
// next ReadMessage call on the same framer.
type Message struct {
	Type Type
	Info []byte
	Body io.Reader
	// BodyLen is the number of bytes readable from Body.
	BodyLen int64
}

// Framer turns the raw byte stream into discrete messages and back.
// It performs no locking: the Connection serializes writers, and reads
// happen from a single receive loop.
type Framer struct {
	rw io.ReadWriter
}

// NewFramer wraps a stream transport.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{rw: rw}
}

// WriteMessage emits a header, the info blob, and then streams exactly
// payloadLen bytes from payload without buffering the payload whole.
// payload may be nil when payloadLen is 0.
func (f *Framer) WriteMessage(typ Type, info []byte, payload io.Reader, payloadLen int64) error {
	if payloadLen < 0 {
		return fmt.Errorf("wire: negative payload length %d", payloadLen)
	}
	if payloadLen+int64(len(info)) > int64(^uint32(0)) {
		return fmt.Errorf("wire: payload length %d overflows header field", payloadLen)
	}
	h := Header{
		Type:       typ,
		PayloadLen: uint32(len(info)) + uint32(payloadLen),
		InfoLen:    uint32(len(info)),
	}
	if _, err := f.rw.Write(h.Encode()); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(info) > 0 {
		if _, err := f.rw.Write(info); err != nil {
			return fmt.Errorf("wire: write info: %w", err)
		}
	}
	if payloadLen > 0 {
		n, err := io.CopyN(f.rw, payload, payloadLen)
		if err != nil {
			return fmt.Errorf("wire: write payload after %d/%d bytes: %w", n, payloadLen, err)
		}
	}
	return nil
}

// ReadMessage blocks until a full header and info blob have been read,
// then returns the message with Body limited to the remaining payload.
// Unrecognized type codes are tagged TypeInvalid; the length fields are
// trusted so the framer stays resynchronized. A transport error mid-header
// or mid-info discards the partial message and surfaces the error.
func (f *Framer) ReadMessage() (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(f.rw, hdr[:]); err != nil {
		return Message{}, err
	}
	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return Message{}, err
	}
	if h.InfoLen > h.PayloadLen {
		return Message{}, fmt.Errorf("wire: info length %d exceeds payload length %d", h.InfoLen, h.PayloadLen)
	}

	var info []byte
	if h.InfoLen > 0 {
		info = make([]byte, h.InfoLen)
		if _, err := io.ReadFull(f.rw, info); err != nil {
			return Message{}, fmt.Errorf("wire: read info: %w", err)
		}
	}

	typ := h.Type
	if !typ.Valid() {
		typ = TypeInvalid
	}

	bodyLen := int64(h.PayloadLen) - int64(h.InfoLen)
	return Message{
		Type:    typ,
		Info:    info,
		Body:    io.LimitReader(f.rw, bodyLen),
		BodyLen: bodyLen,
	}, nil
}

// Discard drains any unread body bytes of msg so the next read starts at
// a frame boundary.
func (f *Framer) Discard(msg Message) error {
	_, err := io.Copy(io.Discard, msg.Body)
	return err
}
