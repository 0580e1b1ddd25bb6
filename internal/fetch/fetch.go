// Package fetch schedules outbound HTTP requests over a bounded pool of
// plain TCP connections.
//
// Connections are grouped into per-host pools. A global cap bounds the
// total number of live connections and a per-host cap bounds each pool;
// queued requests are admitted in FIFO order as slots free up, reusing an
// idle connection to the same host before opening a new one. At most one
// connection attempt per host is in flight at any time.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Connection limits, matching the original engine's defaults.
const (
	// DefaultGlobalLimit caps live connections across all hosts.
	DefaultGlobalLimit = 50
	// DefaultPerHostLimit caps in-use connections to a single host.
	DefaultPerHostLimit = 6
	// connectTimeout bounds connection establishment. Response bodies are
	// deliberately not bounded; callers cancel via context if they care.
	connectTimeout = 30 * time.Second
)

var (
	// ErrUnsupportedScheme is returned for non-http request URIs.
	ErrUnsupportedScheme = errors.New("fetch: unsupported scheme")
	// ErrBadURI is returned for unparseable or hostless request URIs.
	ErrBadURI = errors.New("fetch: bad uri")
	// ErrInvalidState is returned when a request is issued on a busy
	// connection.
	ErrInvalidState = errors.New("fetch: connection busy")
)

// ProgressStage identifies a point in the request lifecycle.
type ProgressStage int

// Lifecycle stages, in order of occurrence.
const (
	StageConnecting ProgressStage = iota
	StageConnected
	StageSent
	StageStatus
	StageHeaders
	StageBody
	StageDone
)

// ProgressEvent is an observational notification about an in-flight
// request. It never influences scheduling.
type ProgressEvent struct {
	Stage      ProgressStage
	StatusCode int   // set from StageStatus on
	Progress   int64 // body bytes received so far
	Total      int64 // declared body length, 0 when unknown
}

// ProgressFunc receives lifecycle notifications for one request.
type ProgressFunc func(ProgressEvent)

// Response is a fully buffered HTTP response.
type Response struct {
	Proto      string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Option configures a single request.
type Option func(*request)

// WithProgress registers a lifecycle observer for the request.
func WithProgress(fn ProgressFunc) Option {
	return func(r *request) { r.progress = fn }
}

// Client is the pooled HTTP fetcher.
type Client struct {
	// GlobalLimit and PerHostLimit are fixed at construction.
	GlobalLimit  int
	PerHostLimit int

	mu      sync.Mutex
	pools   map[string]*pool
	pending []*pendingRequest

	// dial is swapped out by tests.
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// NewClient returns a client with the given caps; zero or negative values
// select the defaults.
func NewClient(globalLimit, perHostLimit int) *Client {
	if globalLimit <= 0 {
		globalLimit = DefaultGlobalLimit
	}
	if perHostLimit <= 0 {
		perHostLimit = DefaultPerHostLimit
	}
	return &Client{
		GlobalLimit:  globalLimit,
		PerHostLimit: perHostLimit,
		pools:        make(map[string]*pool),
		dial:         net.DialTimeout,
	}
}

// pool tracks the connections scoped to one host:port endpoint.
type pool struct {
	key    string
	inUse  map[*Conn]bool
	idle   []*Conn
	making bool
}

type request struct {
	method   string
	host     string // Host header value
	path     string // request-target: path plus query
	header   http.Header
	body     []byte
	progress ProgressFunc

	// rxStarted is set once any response bytes arrived; staleReuse is
	// set when an exchange failed before that on a reused connection.
	// Such a request is retried once on a fresh connection.
	rxStarted  bool
	staleReuse bool
	retried    bool
}

func (r *request) observe(ev ProgressEvent) {
	if r.progress != nil {
		r.progress(ev)
	}
}

type result struct {
	resp *Response
	err  error
}

type pendingRequest struct {
	poolKey string
	req     *request
	done    chan result
}

// Get issues a GET request for uri.
func (c *Client) Get(ctx context.Context, uri string, header http.Header, opts ...Option) (*Response, error) {
	return c.Request(ctx, http.MethodGet, uri, header, nil, opts...)
}

// Request schedules one HTTP request and waits for the buffered response.
// The URI must use the plain http scheme and name a host; anything else
// fails before touching the network. A scheme-less URI is assumed to be
// http.
func (c *Client) Request(ctx context.Context, method, uri string, header http.Header, body []byte, opts ...Option) (*Response, error) {
	if !strings.Contains(uri, "://") {
		uri = "http://" + uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURI, err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: no host in %q", ErrBadURI, uri)
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}

	req := &request{
		method: method,
		host:   u.Host,
		path:   u.RequestURI(),
		header: header,
		body:   body,
	}
	for _, opt := range opts {
		opt(req)
	}

	pr := &pendingRequest{
		poolKey: net.JoinHostPort(u.Hostname(), port),
		req:     req,
		done:    make(chan result, 1),
	}

	c.mu.Lock()
	c.pending = append(c.pending, pr)
	c.admit()
	c.mu.Unlock()

	select {
	case r := <-pr.done:
		return r.resp, r.err
	case <-ctx.Done():
		c.abandon(pr)
		return nil, ctx.Err()
	}
}

// admit runs the admission scan. Callers hold c.mu.
//
// While the global cap has room, pending requests are scanned in FIFO
// order; the first request whose pool has in-use room is dispatched on an
// idle connection if one exists, otherwise a single connection attempt is
// started for that pool (counting against the global cap) and the request
// stays queued until the connection lands.
func (c *Client) admit() {
	i := 0
	for i < len(c.pending) && c.active() < c.GlobalLimit {
		pr := c.pending[i]
		p := c.getPool(pr.poolKey)
		if len(p.inUse) >= c.PerHostLimit {
			i++
			continue
		}
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.inUse[conn] = true
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			go c.roundTrip(p.key, conn, pr)
			continue // rescan the request now at position i
		}
		if !p.making {
			p.making = true
			pr.req.observe(ProgressEvent{Stage: StageConnecting})
			go c.connect(p.key)
		}
		i++
	}
}

// active counts connections that occupy a global slot: in use plus
// connect-in-progress, across all pools.
func (c *Client) active() int {
	n := 0
	for _, p := range c.pools {
		n += len(p.inUse)
		if p.making {
			n++
		}
	}
	return n
}

func (c *Client) getPool(key string) *pool {
	p := c.pools[key]
	if p == nil {
		p = &pool{key: key, inUse: make(map[*Conn]bool)}
		c.pools[key] = p
	}
	return p
}

// connect opens one connection for the pool and re-runs admission. On
// failure the oldest request queued for that pool is failed; the rest
// will trigger their own attempts.
func (c *Client) connect(key string) {
	nc, err := c.dial("tcp", key, connectTimeout)

	c.mu.Lock()
	p := c.getPool(key)
	p.making = false
	if err != nil {
		pr := c.takePending(key)
		c.admit()
		c.mu.Unlock()
		if pr != nil {
			pr.done <- result{nil, fmt.Errorf("connect %s: %w", key, err)}
		}
		return
	}
	p.idle = append(p.idle, newConn(nc))
	c.admit()
	c.mu.Unlock()
}

// takePending removes and returns the oldest pending request for the
// pool. Callers hold c.mu.
func (c *Client) takePending(key string) *pendingRequest {
	for i, pr := range c.pending {
		if pr.poolKey == key {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return pr
		}
	}
	return nil
}

// abandon drops a request that its caller stopped waiting for. If it was
// already dispatched the round trip finishes on its own and the result is
// discarded via the buffered channel.
func (c *Client) abandon(pr *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == pr {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// roundTrip runs one request on a claimed connection, then returns the
// connection to the pool (or discards it) and re-runs admission so a
// queued request can claim the freed slot. A request that died on a
// stale pooled connection is requeued once instead of failing the
// caller.
func (c *Client) roundTrip(key string, conn *Conn, pr *pendingRequest) {
	pr.req.observe(ProgressEvent{Stage: StageConnected})
	resp, err := conn.Do(pr.req)

	c.mu.Lock()
	p := c.getPool(key)
	delete(p.inUse, conn)
	if err != nil || !conn.Reusable() {
		conn.Close()
	} else {
		p.idle = append(p.idle, conn)
	}
	if err != nil && pr.req.staleReuse && !pr.req.retried {
		pr.req.retried = true
		c.pending = append([]*pendingRequest{pr}, c.pending...)
		c.admit()
		c.mu.Unlock()
		return
	}
	c.admit()
	c.mu.Unlock()

	pr.done <- result{resp, err}
}

// Stats reports the client's current connection counts, for telemetry.
func (c *Client) Stats() (inUse, idle, pending int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pools {
		inUse += len(p.inUse)
		if p.making {
			inUse++
		}
		idle += len(p.idle)
	}
	return inUse, idle, len(c.pending)
}
