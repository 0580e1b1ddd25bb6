package fetch

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// connState tracks the session lifecycle of one connection:
// idle ⇄ busy → closed. A connection carries at most one in-flight
// request.
type connState int

const (
	stateIdle connState = iota
	stateBusy
	stateClosed
)

// Conn is one pooled connection with its request/response session state.
type Conn struct {
	mu    sync.Mutex
	state connState

	nc net.Conn
	br *bufio.Reader
	bw *bufio.Writer

	// reusable records whether the last response left the connection in a
	// state where another request can be sent on it.
	reusable bool

	// served counts completed exchanges, distinguishing a fresh
	// connection from a reused keep-alive one.
	served int
}

func newConn(nc net.Conn) *Conn {
	return &Conn{
		nc: nc,
		br: bufio.NewReader(nc),
		bw: bufio.NewWriter(nc),
	}
}

// Reusable reports whether the connection survived its last response and
// may serve another request.
func (c *Conn) Reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateIdle && c.reusable
}

// Close tears the connection down. Safe to call in any state.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	return c.nc.Close()
}

// Do runs one request/response exchange. The caller owns the connection
// for the duration; issuing a second request while busy fails with
// ErrInvalidState.
func (c *Conn) Do(req *request) (*Response, error) {
	c.mu.Lock()
	switch c.state {
	case stateBusy:
		c.mu.Unlock()
		return nil, ErrInvalidState
	case stateClosed:
		c.mu.Unlock()
		return nil, fmt.Errorf("fetch: connection closed")
	}
	c.state = stateBusy
	reused := c.served > 0
	c.mu.Unlock()

	resp, reusable, err := c.exchange(req)

	c.mu.Lock()
	if err != nil {
		c.state = stateClosed
		// Failing before any response bytes on a reused connection is
		// the signature of a keep-alive peer that closed while we were
		// idle.
		req.staleReuse = reused && !req.rxStarted
	} else {
		c.state = stateIdle
		c.reusable = reusable
		c.served++
	}
	c.mu.Unlock()
	return resp, err
}

func (c *Conn) exchange(req *request) (*Response, bool, error) {
	if err := c.send(req); err != nil {
		return nil, false, fmt.Errorf("send request: %w", err)
	}
	req.observe(ProgressEvent{Stage: StageSent})

	tp := textproto.NewReader(c.br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, false, fmt.Errorf("read status line: %w", err)
	}
	req.rxStarted = true
	proto, code, status, err := parseStatusLine(line)
	if err != nil {
		return nil, false, err
	}
	req.observe(ProgressEvent{Stage: StageStatus, StatusCode: code})

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, false, fmt.Errorf("read headers: %w", err)
	}
	header := http.Header(mimeHeader)
	req.observe(ProgressEvent{Stage: StageHeaders, StatusCode: code})

	body, delimited, err := c.readBody(req, code, header)
	if err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}
	req.observe(ProgressEvent{Stage: StageDone, StatusCode: code, Progress: int64(len(body)), Total: int64(len(body))})

	resp := &Response{
		Proto:      proto,
		StatusCode: code,
		Status:     status,
		Header:     header,
		Body:       body,
	}
	return resp, keepAlive(proto, header) && delimited, nil
}

// send writes the request line, headers and body.
func (c *Conn) send(req *request) error {
	if _, err := fmt.Fprintf(c.bw, "%s %s HTTP/1.1\r\n", req.method, req.path); err != nil {
		return err
	}

	header := make(http.Header, len(req.header)+3)
	header.Set("Host", req.host)
	header.Set("User-Agent", "feedsync")
	header.Set("Accept-Encoding", "identity")
	for k, vs := range req.header {
		header[textproto.CanonicalMIMEHeaderKey(k)] = vs
	}
	if len(req.body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(req.body)))
	}

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			if _, err := fmt.Fprintf(c.bw, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	if _, err := io.WriteString(c.bw, "\r\n"); err != nil {
		return err
	}
	if len(req.body) > 0 {
		if _, err := c.bw.Write(req.body); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

// readBody consumes the response body according to its framing. The
// second return value reports whether the body had an explicit end
// (length or chunked terminator) rather than running to connection EOF.
func (c *Conn) readBody(req *request, code int, header http.Header) ([]byte, bool, error) {
	if req.method == http.MethodHead || code/100 == 1 || code == http.StatusNoContent || code == http.StatusNotModified {
		return nil, true, nil
	}

	if strings.EqualFold(header.Get("Transfer-Encoding"), "chunked") {
		body, err := c.readAll(req, httputil.NewChunkedReader(c.br), 0)
		return body, err == nil, err
	}

	if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("bad content-length %q", cl)
		}
		body, err := c.readAll(req, io.LimitReader(c.br, n), n)
		if err == nil && int64(len(body)) != n {
			err = io.ErrUnexpectedEOF
		}
		return body, err == nil, err
	}

	// No framing: the body ends when the server closes the connection.
	body, err := c.readAll(req, c.br, 0)
	return body, false, err
}

// readAll drains r, emitting a progress event per received chunk.
func (c *Conn) readAll(req *request, r io.Reader, total int64) ([]byte, error) {
	var body []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
			req.observe(ProgressEvent{Stage: StageBody, Progress: int64(len(body)), Total: total})
		}
		if err == io.EOF {
			return body, nil
		}
		if err != nil {
			return body, err
		}
	}
}

func parseStatusLine(line string) (proto string, code int, status string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return "", 0, "", fmt.Errorf("malformed status line %q", line)
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", fmt.Errorf("malformed status code in %q", line)
	}
	if len(parts) == 3 {
		status = parts[2]
	}
	return parts[0], code, status, nil
}

// keepAlive decides whether the protocol allows reuse after a response.
func keepAlive(proto string, header http.Header) bool {
	conn := strings.ToLower(header.Get("Connection"))
	switch proto {
	case "HTTP/1.1":
		return conn != "close"
	case "HTTP/1.0":
		return conn == "keep-alive"
	default:
		return false
	}
}
