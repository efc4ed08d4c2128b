package wire

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRequestResponseRoundTrip(t *testing.T) {
	key := NewClientKey()
	req := ClientHandshake("localhost:3001", "/onebot", key, nil)

	path, gotKey, err := ReadHandshakeRequest(bufio.NewReader(strings.NewReader(req)))
	require.NoError(t, err)
	assert.Equal(t, "/onebot", path)
	assert.Equal(t, key, gotKey)

	resp := ServerHandshakeResponse(gotKey)
	err = ReadHandshakeResponse(bufio.NewReader(strings.NewReader(resp)), key)
	require.NoError(t, err)
}

func TestReadHandshakeResponseRejectsBadAccept(t *testing.T) {
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Accept: bogus\r\n\r\n"
	err := ReadHandshakeResponse(bufio.NewReader(strings.NewReader(resp)), NewClientKey())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadHandshakeResponseRejectsNon101(t *testing.T) {
	resp := "HTTP/1.1 403 Forbidden\r\n\r\n"
	err := ReadHandshakeResponse(bufio.NewReader(strings.NewReader(resp)), NewClientKey())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadHandshakeRequestRejectsPlainGet(t *testing.T) {
	req := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	_, _, err := ReadHandshakeRequest(bufio.NewReader(strings.NewReader(req)))
	assert.ErrorIs(t, err, ErrProtocol)
}
