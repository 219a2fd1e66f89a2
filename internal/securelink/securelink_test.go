package securelink_test

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handover-sh/handover/internal/securelink"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	t.Parallel()

	a, err := securelink.DeriveKey("1234-5678")
	require.NoError(t, err)
	b, err := securelink.DeriveKey("1234-5678")
	require.NoError(t, err)

	assert.Len(t, a, securelink.KeySize)
	assert.Equal(t, a, b)

	c, err := securelink.DeriveKey("1234-5679")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestDeriveKeyRejectsWeakPasscodes(t *testing.T) {
	t.Parallel()

	_, err := securelink.DeriveKey("")
	assert.ErrorIs(t, err, securelink.ErrEmptyPasscode)

	_, err = securelink.DeriveKey(string([]byte{0xff, 0xfe, 0xfd}))
	assert.ErrorIs(t, err, securelink.ErrInvalidPasscode)
}

func TestPSKProofMatchingPasscodes(t *testing.T) {
	t.Parallel()

	params, err := securelink.NewParams("999000")
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = securelink.ProveOnPipe(client, params)
	}()
	go func() {
		defer wg.Done()
		errs[1] = securelink.ProveOnPipe(server, params)
	}()
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestPSKProofMismatchedPasscodes(t *testing.T) {
	t.Parallel()

	good, err := securelink.NewParams("111111")
	require.NoError(t, err)
	bad, err := securelink.NewParams("222222")
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = securelink.ProveOnPipe(client, good)
	}()
	go func() {
		defer wg.Done()
		errs[1] = securelink.ProveOnPipe(server, bad)
	}()
	wg.Wait()

	assert.ErrorIs(t, errs[0], securelink.ErrWrongPasscode)
	assert.ErrorIs(t, errs[1], securelink.ErrWrongPasscode)
}

func TestDialAcceptOverTCP(t *testing.T) {
	t.Parallel()

	params, err := securelink.NewParams("424242")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		raw, acceptErr := ln.Accept()
		if acceptErr != nil {
			acceptCh <- accepted{err: acceptErr}
			return
		}
		conn, wrapErr := securelink.Accept(raw, params)
		acceptCh <- accepted{conn: conn, err: wrapErr}
	}()

	client, err := securelink.Dial(t.Context(), params, ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	srv := <-acceptCh
	require.NoError(t, srv.err)
	defer srv.conn.Close()

	// Bytes pass through the authenticated channel.
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = srv.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}
