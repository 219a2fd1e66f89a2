package securelink

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrWrongPasscode is returned when the peer fails the PSK proof, which
// in practice means the two sides typed different passcodes (or run
// different builds).
var ErrWrongPasscode = errors.New("securelink: peer failed pre-shared-key proof")

const (
	nonceSize        = 32
	handshakeTimeout = 10 * time.Second
)

// keepAlive is the aggressive probe policy both peers use so a dead link
// is noticed within a few seconds of the last exchanged byte.
var keepAlive = net.KeepAliveConfig{
	Enable:   true,
	Idle:     1 * time.Second,
	Interval: 1 * time.Second,
	Count:    2,
}

// Params is the opaque transport-parameters object produced from a
// passcode. It holds everything needed to dial or accept but opens no
// connections itself.
type Params struct {
	key     []byte
	tlsConf *tls.Config
}

// NewParams derives the PSK from the passcode and prepares the TLS
// channel configuration. Fails fast on an empty or non-UTF8 passcode.
func NewParams(passcode string) (Params, error) {
	key, err := DeriveKey(passcode)
	if err != nil {
		return Params{}, err
	}
	conf, err := tlsConfig()
	if err != nil {
		return Params{}, err
	}
	return Params{key: key, tlsConf: conf}, nil
}

// Dial opens an authenticated encrypted connection to addr. The dialer
// goes direct (no proxy resolution) with keepalive and no-delay applied
// before the TLS handshake.
func Dial(ctx context.Context, params Params, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAliveConfig: keepAlive}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("securelink: dial %s: %w", addr, err)
	}
	applySocketPolicy(raw)

	tc := tls.Client(raw, params.tlsConf)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("securelink: tls handshake: %w", err)
	}
	if err := provePSK(tc, params.key); err != nil {
		tc.Close()
		return nil, err
	}
	return tc, nil
}

// Accept wraps an already-accepted raw socket, completing the TLS
// handshake and PSK proof from the server side.
func Accept(raw net.Conn, params Params) (net.Conn, error) {
	applySocketPolicy(raw)

	tc := tls.Server(raw, params.tlsConf)
	if err := tc.Handshake(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("securelink: tls handshake: %w", err)
	}
	if err := provePSK(tc, params.key); err != nil {
		tc.Close()
		return nil, err
	}
	return tc, nil
}

// applySocketPolicy enables keepalive and disables Nagle on TCP sockets.
// Non-TCP conns (test pipes) are left alone.
func applySocketPolicy(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAliveConfig(keepAlive)
	_ = tc.SetNoDelay(true)
}

// provePSK runs the mutual proof: each side sends a random nonce, answers
// the peer's nonce with HMAC-SHA384(key, nonce), and verifies the answer
// it receives. Both writes go out before either read so the exchange
// cannot deadlock on a full-duplex stream.
func provePSK(conn net.Conn, key []byte) error {
	deadline := time.Now().Add(handshakeTimeout)
	_ = conn.SetDeadline(deadline)
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	mine := make([]byte, nonceSize)
	if _, err := rand.Read(mine); err != nil {
		return fmt.Errorf("securelink: nonce: %w", err)
	}
	if _, err := conn.Write(mine); err != nil {
		return fmt.Errorf("securelink: send nonce: %w", err)
	}

	theirs := make([]byte, nonceSize)
	if _, err := io.ReadFull(conn, theirs); err != nil {
		return fmt.Errorf("securelink: read nonce: %w", err)
	}

	if _, err := conn.Write(proof(key, theirs)); err != nil {
		return fmt.Errorf("securelink: send proof: %w", err)
	}

	answer := make([]byte, KeySize)
	if _, err := io.ReadFull(conn, answer); err != nil {
		// A peer with the wrong key may tear down instead of answering.
		return fmt.Errorf("%w: %w", ErrWrongPasscode, err)
	}
	if !verifyProof(key, mine, answer) {
		return ErrWrongPasscode
	}
	return nil
}

// ProveOnPipe runs the PSK proof directly on an existing stream. Used by
// tests and by transports that already provide encryption.
func ProveOnPipe(conn net.Conn, params Params) error {
	return provePSK(conn, params.key)
}
