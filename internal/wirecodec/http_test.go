package wirecodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHTTPRequestSimpleGET(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	msg, err := ParseHTTPRequest(buf, ParseOptions{})
	require.NoError(t, err)
	require.Equal(t, "GET", msg.Method)
	require.Equal(t, "/", msg.Path)
	host, ok := msg.HeaderGet("host")
	require.True(t, ok)
	require.Equal(t, "example.com", host)
	require.Equal(t, len(buf), msg.Consumed())
}

func TestParseHTTPResponseFixedLength(t *testing.T) {
	buf := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	msg, err := ParseHTTPResponse(buf, ParseOptions{}, false)
	require.NoError(t, err)
	require.Equal(t, 200, msg.StatusCode)
	require.Equal(t, "hello", string(msg.Body))
	require.EqualValues(t, 5, msg.BodySize)
	require.Equal(t, len(buf), msg.Consumed())
}

func TestParseHTTPRequestIncomplete(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n")
	_, err := ParseHTTPRequest(buf, ParseOptions{})
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestPipeliningFragments(t *testing.T) {
	// Feeding fragments must produce the same result as feeding the buffer whole.
	whole := []byte("GET /a HTTP/1.1\r\nHost: a\r\n\r\nGET /b HTTP/1.1\r\nHost: b\r\n\r\n")
	var got []string
	buf := append([]byte(nil), whole...)
	for len(buf) > 0 {
		msg, err := ParseHTTPRequest(buf, ParseOptions{})
		if err == ErrIncomplete {
			t.Fatalf("unexpected incomplete with whole buffer")
		}
		require.NoError(t, err)
		got = append(got, msg.Path)
		buf = buf[msg.Consumed():]
	}
	require.Equal(t, []string{"/a", "/b"}, got)

	// Same bytes fed one at a time: ErrIncomplete until a request is whole.
	var fragGot []string
	var pending []byte
	for _, b := range whole {
		pending = append(pending, b)
		msg, err := ParseHTTPRequest(pending, ParseOptions{})
		if err == ErrIncomplete {
			continue
		}
		require.NoError(t, err)
		fragGot = append(fragGot, msg.Path)
		pending = pending[msg.Consumed():]
	}
	require.Equal(t, got, fragGot)
	require.Empty(t, pending)
}

func TestChunkedSmugglingRejected(t *testing.T) {
	buf := []byte("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\nContent-Length: 5\r\n\r\n0\r\n\r\n")
	_, err := ParseHTTPRequest(buf, ParseOptions{})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestChunkedDecoding(t *testing.T) {
	buf := []byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n")
	msg, err := ParseHTTPResponse(buf, ParseOptions{}, false)
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg.Body))
}

func TestContentLengthExceedsCap(t *testing.T) {
	buf := []byte("POST / HTTP/1.1\r\nContent-Length: 999999999\r\n\r\n")
	_, err := ParseHTTPRequest(buf, ParseOptions{BodyCap: 100})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseConnect(t *testing.T) {
	buf := []byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	msg, err := ParseHTTPRequest(buf, ParseOptions{})
	require.NoError(t, err)
	target, ok := ParseConnect(msg)
	require.True(t, ok)
	require.Equal(t, "example.com", target.Host)
	require.Equal(t, 443, target.Port)
}

func TestNoSuchHeaderOk(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\n\r\n")
	msg, err := ParseHTTPRequest(buf, ParseOptions{})
	require.NoError(t, err)
	_, ok := msg.HeaderGet("X-Missing")
	require.False(t, ok)
}
