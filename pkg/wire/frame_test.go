package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("hi"),
		bytes.Repeat([]byte("x"), 125),
		bytes.Repeat([]byte("y"), 126),
		bytes.Repeat([]byte("z"), 70000),
	}

	for _, masked := range []bool{true, false} {
		for _, p := range payloads {
			frame := Encode(OpText, p, masked)
			op, got, n, err := Decode(frame)
			require.NoError(t, err)
			require.Equal(t, len(frame), n)
			assert.Equal(t, OpText, op)
			assert.Equal(t, append([]byte{}, p...), got)
		}
	}
}

func TestDecodeNeedsMoreBytes(t *testing.T) {
	frame := Encode(OpText, []byte("hello world, this is a payload"), true)

	// Every strict prefix of the frame reports that more bytes are needed.
	for cut := 0; cut < len(frame); cut++ {
		_, _, n, err := Decode(frame[:cut])
		require.NoError(t, err, "cut=%d", cut)
		assert.Zero(t, n, "cut=%d", cut)
	}

	op, payload, n, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, OpText, op)
	assert.Equal(t, "hello world, this is a payload", string(payload))
	assert.Equal(t, len(frame), n)
}

func TestDecodeStreamSplitIdempotence(t *testing.T) {
	frames := [][]byte{
		Encode(OpText, []byte("one"), true),
		Encode(OpPing, []byte("p"), true),
		Encode(OpText, bytes.Repeat([]byte("a"), 300), true),
	}
	stream := bytes.Join(frames, nil)

	decodeAll := func(chunks [][]byte) []string {
		var out []string
		var buf []byte
		for _, c := range chunks {
			buf = append(buf, c...)
			for {
				op, payload, n, err := Decode(buf)
				require.NoError(t, err)
				if n == 0 {
					break
				}
				out = append(out, op.String()+":"+string(payload))
				buf = buf[n:]
			}
		}
		return out
	}

	whole := decodeAll([][]byte{stream})
	for _, size := range []int{1, 2, 3, 7, 64} {
		var chunks [][]byte
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			chunks = append(chunks, stream[i:end])
		}
		assert.Equal(t, whole, decodeAll(chunks), "chunk size %d", size)
	}
}

func TestDecodeRejectsFragmentedDataFrame(t *testing.T) {
	frame := Encode(OpText, []byte("frag"), false)
	frame[0] &^= 0x80 // clear FIN

	_, _, _, err := Decode(frame)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeRejectsUnknownOpcode(t *testing.T) {
	frame := Encode(OpText, nil, false)
	frame[0] = 0x80 | 0x3

	_, _, _, err := Decode(frame)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestAcceptKey(t *testing.T) {
	// Worked example from RFC 6455 §1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestClientHandshakeShape(t *testing.T) {
	req := ClientHandshake("127.0.0.1:3001", "/ws", "a2V5a2V5a2V5a2V5a2V5a2==", map[string]string{
		"Authorization": "Bearer tok",
	})
	assert.True(t, strings.HasPrefix(req, "GET /ws HTTP/1.1\r\n"))
	assert.Contains(t, req, "Upgrade: websocket\r\n")
	assert.Contains(t, req, "Connection: Upgrade\r\n")
	assert.Contains(t, req, "Sec-WebSocket-Version: 13\r\n")
	assert.Contains(t, req, "Authorization: Bearer tok\r\n")
	assert.True(t, strings.HasSuffix(req, "\r\n\r\n"))
}

func TestClosePayload(t *testing.T) {
	p := ClosePayload(1000, "bye")
	assert.Equal(t, []byte{0x03, 0xE8, 'b', 'y', 'e'}, p)
}
