// Package wirecodec implements pure parsing and encoding for the wire formats
// the proxy and DNS extensions speak: HTTP/1.1, DNS (RFC 1035), and a minimal
// ASN.1 DER subset sufficient to emit X.509 v3 leaf certificates. Nothing in
// this package performs I/O.
package wirecodec

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned for any input that violates framing rules.
// Callers recover by discarding the buffer and closing the flow.
var ErrMalformed = errors.New("wirecodec: malformed input")

// ErrIncomplete means the buffer does not yet contain a full message; the
// caller should wait for more bytes and retry.
var ErrIncomplete = errors.New("wirecodec: incomplete input")

const defaultBodyCap = 100 << 20 // 100 MiB, overridden via ParseOptions

// Header preserves original case for display; name comparisons are
// case-insensitive per RFC 7230 §3.2.
type Header struct {
	Name  string
	Value string
}

// Framing describes how a message body is delimited.
type Framing int

const (
	FramingNone Framing = iota
	FramingFixed
	FramingChunked
	FramingUntilClose
)

// HTTPMessage is a single parsed HTTP/1.1 request or response.
type HTTPMessage struct {
	IsRequest  bool
	Method     string
	Path       string
	StatusCode int
	Reason     string
	Version    string
	Headers    []Header
	Body       []byte // fully framed body, bounded by ParseOptions.BodyCap
	BodySize   int64  // total body size observed (may exceed len(Body) if preview-truncated upstream)
	Framing    Framing

	// consumed is the number of bytes of the input buffer this message used.
	consumed int
}

// ParseOptions bounds resource use during parsing.
type ParseOptions struct {
	BodyCap int64 // default 100 MiB
}

func (o ParseOptions) bodyCap() int64 {
	if o.BodyCap <= 0 {
		return defaultBodyCap
	}
	return o.BodyCap
}

// Consumed reports how many bytes of the input buffer ParseHTTPRequest or
// ParseHTTPResponse consumed. Callers use this to reset the parser while
// retaining bytes already read past the exchange boundary (pipelining).
func (m *HTTPMessage) Consumed() int { return m.consumed }

// HeaderGet returns the first header value matching name, case-insensitively.
func (m *HTTPMessage) HeaderGet(name string) (string, bool) {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func (m *HTTPMessage) headerCount(name string) int {
	n := 0
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			n++
		}
	}
	return n
}

// noBodyRequestMethods lists request methods that carry no body. A request
// without length framing gets FramingNone whatever its method; requests are
// never framed "until close".
var noBodyRequestMethods = map[string]bool{
	"GET": true, "HEAD": true, "DELETE": true, "OPTIONS": true, "TRACE": true,
}

func noResponseBody(status int) bool {
	return (status >= 100 && status < 200) || status == 204 || status == 304
}

// findHeaderEnd returns the index just past "\r\n\r\n", or -1 if not found.
func findHeaderEnd(buf []byte) int {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return -1
	}
	return idx + 4
}

func parseHeaderBlock(block []byte) (startLine string, headers []Header, err error) {
	lines := strings.Split(string(block), "\r\n")
	// last element is empty (trailing \r\n\r\n split)
	if len(lines) < 1 {
		return "", nil, ErrMalformed
	}
	startLine = lines[0]
	if startLine == "" {
		return "", nil, ErrMalformed
	}
	for _, line := range lines[1 : len(lines)-1] {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return "", nil, ErrMalformed
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		if name == "" {
			return "", nil, ErrMalformed
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	return startLine, headers, nil
}

func determineFraming(headers []Header, isRequest bool, method string, status int, bodyCap int64) (Framing, int64, error) {
	m := &HTTPMessage{Headers: headers}
	teVal, hasTE := m.HeaderGet("Transfer-Encoding")
	clCount := m.headerCount("Content-Length")

	chunked := hasTE && strings.Contains(strings.ToLower(teVal), "chunked")
	if chunked {
		if clCount > 0 {
			// Request smuggling: chunked + Content-Length together is rejected.
			return FramingNone, 0, fmt.Errorf("%w: chunked with content-length", ErrMalformed)
		}
		return FramingChunked, 0, nil
	}

	if clCount > 1 {
		// Multiple Content-Length headers: reject unless all equal.
		var first string
		for _, h := range headers {
			if strings.EqualFold(h.Name, "Content-Length") {
				if first == "" {
					first = h.Value
				} else if h.Value != first {
					return FramingNone, 0, fmt.Errorf("%w: conflicting content-length", ErrMalformed)
				}
			}
		}
	}
	if clCount >= 1 {
		v, _ := m.HeaderGet("Content-Length")
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return FramingNone, 0, fmt.Errorf("%w: bad content-length", ErrMalformed)
		}
		if n > bodyCap {
			return FramingNone, 0, fmt.Errorf("%w: content-length exceeds cap", ErrMalformed)
		}
		return FramingFixed, n, nil
	}

	if !isRequest {
		if noResponseBody(status) {
			return FramingNone, 0, nil
		}
		return FramingUntilClose, 0, nil
	}
	if noBodyRequestMethods[strings.ToUpper(method)] {
		return FramingNone, 0, nil
	}
	return FramingNone, 0, nil
}

// ParseHTTPRequest attempts to parse one HTTP/1.1 request from buf. It
// returns ErrIncomplete if buf does not yet hold a complete request, or
// ErrMalformed if the request is invalid. On success, msg.Consumed() bytes
// may be discarded from the front of buf before the next call (pipelining).
func ParseHTTPRequest(buf []byte, opts ParseOptions) (*HTTPMessage, error) {
	headEnd := findHeaderEnd(buf)
	if headEnd < 0 {
		if len(buf) > 64<<10 {
			return nil, fmt.Errorf("%w: header block too large", ErrMalformed)
		}
		return nil, ErrIncomplete
	}
	startLine, headers, err := parseHeaderBlock(buf[:headEnd])
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: bad request line", ErrMalformed)
	}
	method, target, version := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(version, "HTTP/1.") {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformed, version)
	}

	framing, length, err := determineFraming(headers, true, method, 0, opts.bodyCap())
	if err != nil {
		return nil, err
	}

	msg := &HTTPMessage{
		IsRequest: true,
		Method:    method,
		Path:      target,
		Version:   version,
		Headers:   headers,
		Framing:   framing,
	}

	switch framing {
	case FramingNone:
		msg.consumed = headEnd
		return msg, nil
	case FramingFixed:
		if int64(len(buf)-headEnd) < length {
			return nil, ErrIncomplete
		}
		msg.Body = append([]byte(nil), buf[headEnd:headEnd+int(length)]...)
		msg.BodySize = length
		msg.consumed = headEnd + int(length)
		return msg, nil
	case FramingChunked:
		body, n, total, err := decodeChunked(buf[headEnd:], opts.bodyCap())
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, ErrIncomplete
		}
		msg.Body = body
		msg.BodySize = total
		msg.consumed = headEnd + n
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: request cannot use until-close framing", ErrMalformed)
	}
}

// ParseHTTPResponse is ParseHTTPRequest's counterpart. closed indicates the
// connection has been observed to close, which completes an until-close
// framed response.
func ParseHTTPResponse(buf []byte, opts ParseOptions, closed bool) (*HTTPMessage, error) {
	headEnd := findHeaderEnd(buf)
	if headEnd < 0 {
		if len(buf) > 64<<10 {
			return nil, fmt.Errorf("%w: header block too large", ErrMalformed)
		}
		return nil, ErrIncomplete
	}
	startLine, headers, err := parseHeaderBlock(buf[:headEnd])
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: bad status line", ErrMalformed)
	}
	version := parts[0]
	if !strings.HasPrefix(version, "HTTP/1.") {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformed, version)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad status code", ErrMalformed)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	framing, length, err := determineFraming(headers, false, "", status, opts.bodyCap())
	if err != nil {
		return nil, err
	}

	msg := &HTTPMessage{
		IsRequest:  false,
		StatusCode: status,
		Reason:     reason,
		Version:    version,
		Headers:    headers,
		Framing:    framing,
	}

	switch framing {
	case FramingNone:
		msg.consumed = headEnd
		return msg, nil
	case FramingFixed:
		if int64(len(buf)-headEnd) < length {
			return nil, ErrIncomplete
		}
		msg.Body = append([]byte(nil), buf[headEnd:headEnd+int(length)]...)
		msg.BodySize = length
		msg.consumed = headEnd + int(length)
		return msg, nil
	case FramingChunked:
		body, n, total, err := decodeChunked(buf[headEnd:], opts.bodyCap())
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, ErrIncomplete
		}
		msg.Body = body
		msg.BodySize = total
		msg.consumed = headEnd + n
		return msg, nil
	case FramingUntilClose:
		if !closed {
			return nil, ErrIncomplete
		}
		msg.Body = append([]byte(nil), buf[headEnd:]...)
		msg.BodySize = int64(len(msg.Body))
		msg.consumed = len(buf)
		return msg, nil
	}
	return nil, fmt.Errorf("%w: unknown framing", ErrMalformed)
}

// decodeChunked decodes RFC 7230 chunked transfer-coding starting at the
// first chunk-size line. Returns the decoded body, the number of input
// bytes consumed (-1 if incomplete), and the total body size.
func decodeChunked(buf []byte, bodyCap int64) ([]byte, int, int64, error) {
	var out bytes.Buffer
	pos := 0
	var total int64
	for {
		lineEnd := bytes.Index(buf[pos:], []byte("\r\n"))
		if lineEnd < 0 {
			return nil, -1, 0, nil
		}
		sizeLine := string(buf[pos : pos+lineEnd])
		if semi := strings.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi]
		}
		sizeLine = strings.TrimSpace(sizeLine)
		size, err := strconv.ParseUint(sizeLine, 16, 64)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("%w: bad chunk size", ErrMalformed)
		}
		if int64(size) > bodyCap-total {
			return nil, 0, 0, fmt.Errorf("%w: chunked body exceeds cap", ErrMalformed)
		}
		pos += lineEnd + 2
		if size == 0 {
			// trailer section, terminated by a blank line
			trailerEnd := bytes.Index(buf[pos:], []byte("\r\n"))
			if trailerEnd < 0 {
				return nil, -1, 0, nil
			}
			pos += trailerEnd + 2
			return out.Bytes(), pos, total, nil
		}
		if len(buf) < pos+int(size)+2 {
			return nil, -1, 0, nil
		}
		out.Write(buf[pos : pos+int(size)])
		total += int64(size)
		pos += int(size)
		if buf[pos] != '\r' || buf[pos+1] != '\n' {
			return nil, 0, 0, fmt.Errorf("%w: malformed chunk terminator", ErrMalformed)
		}
		pos += 2
	}
}

// ConnectTarget describes the tunnel authority parsed from a CONNECT request.
type ConnectTarget struct {
	Host string
	Port int
}

// ParseConnect reports whether msg is a CONNECT tunneling directive and, if
// so, its target host/port. Authority must be ASCII "host:port" with a
// numeric port.
func ParseConnect(msg *HTTPMessage) (ConnectTarget, bool) {
	if !msg.IsRequest || !strings.EqualFold(msg.Method, "CONNECT") {
		return ConnectTarget{}, false
	}
	idx := strings.LastIndexByte(msg.Path, ':')
	if idx < 0 {
		return ConnectTarget{}, false
	}
	host := msg.Path[:idx]
	portStr := msg.Path[idx+1:]
	for _, r := range host + portStr {
		if r > 127 {
			return ConnectTarget{}, false
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ConnectTarget{}, false
	}
	return ConnectTarget{Host: host, Port: port}, true
}
