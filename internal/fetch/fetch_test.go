package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// concurrencyTracker counts in-flight handler invocations and remembers
// the high-water mark.
type concurrencyTracker struct {
	current int32
	max     int32
}

func (t *concurrencyTracker) enter() {
	cur := atomic.AddInt32(&t.current, 1)
	for {
		max := atomic.LoadInt32(&t.max)
		if cur <= max || atomic.CompareAndSwapInt32(&t.max, max, cur) {
			return
		}
	}
}

func (t *concurrencyTracker) leave() {
	atomic.AddInt32(&t.current, -1)
}

func trackingServer(t *concurrencyTracker, delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.enter()
		defer t.leave()
		time.Sleep(delay)
		fmt.Fprint(w, "ok")
	}))
}

func TestRequestValidation(t *testing.T) {
	c := NewClient(0, 0)

	if _, err := c.Get(context.Background(), "https://example.com/", nil); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("https: got %v, want ErrUnsupportedScheme", err)
	}
	if _, err := c.Get(context.Background(), "ftp://example.com/", nil); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("ftp: got %v, want ErrUnsupportedScheme", err)
	}
	if _, err := c.Get(context.Background(), "http:///nohost", nil); !errors.Is(err, ErrBadURI) {
		t.Errorf("hostless: got %v, want ErrBadURI", err)
	}
}

func TestPerHostCap(t *testing.T) {
	tracker := &concurrencyTracker{}
	srv := trackingServer(tracker, 50*time.Millisecond)
	defer srv.Close()

	c := NewClient(10, 2)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), srv.URL, nil); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&tracker.max); max > 2 {
		t.Errorf("per-host concurrency reached %d, cap is 2", max)
	}
}

func TestGlobalCap(t *testing.T) {
	tracker := &concurrencyTracker{}
	srv1 := trackingServer(tracker, 50*time.Millisecond)
	defer srv1.Close()
	srv2 := trackingServer(tracker, 50*time.Millisecond)
	defer srv2.Close()

	c := NewClient(2, 6)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, u := range []string{srv1.URL, srv2.URL} {
			u := u
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := c.Get(context.Background(), u, nil); err != nil {
					t.Errorf("get: %v", err)
				}
			}()
		}
	}
	wg.Wait()

	if max := atomic.LoadInt32(&tracker.max); max > 2 {
		t.Errorf("global concurrency reached %d, cap is 2", max)
	}
}

func TestIdleConnectionReuse(t *testing.T) {
	var mu sync.Mutex
	var addrs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		addrs = append(addrs, r.RemoteAddr)
		mu.Unlock()
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	c := NewClient(0, 0)
	for i := 0; i < 3; i++ {
		resp, err := c.Get(context.Background(), srv.URL, nil)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get %d: status %d", i, resp.StatusCode)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(addrs) != 3 {
		t.Fatalf("server saw %d requests, want 3", len(addrs))
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			t.Errorf("request used a new connection %s, want reuse of %s", addr, addrs[0])
		}
	}

	inUse, idle, pending := c.Stats()
	if inUse != 0 || idle != 1 || pending != 0 {
		t.Errorf("stats after sequential gets: inUse=%d idle=%d pending=%d", inUse, idle, pending)
	}
}

func TestChunkedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		fmt.Fprint(w, "hello ")
		fl.Flush()
		fmt.Fprint(w, "world")
	}))
	defer srv.Close()

	c := NewClient(0, 0)
	resp, err := c.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := string(resp.Body); got != "hello world" {
		t.Errorf("body = %q, want %q", got, "hello world")
	}
}

func TestProgressEvents(t *testing.T) {
	body := "some response payload"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var events []ProgressEvent
	c := NewClient(0, 0)
	_, err := c.Get(context.Background(), srv.URL, nil, WithProgress(func(ev ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[ProgressStage]ProgressEvent)
	for _, ev := range events {
		seen[ev.Stage] = ev
	}
	for _, stage := range []ProgressStage{StageConnecting, StageConnected, StageSent, StageStatus, StageHeaders, StageDone} {
		if _, ok := seen[stage]; !ok {
			t.Errorf("missing progress stage %d", stage)
		}
	}
	if ev := seen[StageStatus]; ev.StatusCode != http.StatusOK {
		t.Errorf("status stage carried code %d, want 200", ev.StatusCode)
	}
	if ev := seen[StageDone]; ev.Progress != int64(len(body)) {
		t.Errorf("done stage progress = %d, want %d", ev.Progress, len(body))
	}
}

// TestStaleIdleConnectionRetried covers the server that advertises
// keep-alive and then closes the connection while it sits in our idle
// pool: the next request on it must be retried on a fresh connection
// instead of failing the caller.
func TestStaleIdleConnectionRetried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var conns int32
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&conns, 1)
			go func(nc net.Conn) {
				defer nc.Close()
				br := bufio.NewReader(nc)
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					if line == "\r\n" {
						break
					}
				}
				// Keep-alive response, then drop the connection so the
				// pooled reuse goes stale.
				io.WriteString(nc, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
			}(nc)
		}
	}()

	c := NewClient(0, 0)
	for i := 0; i < 2; i++ {
		resp, err := c.Get(context.Background(), "http://"+ln.Addr().String()+"/", nil)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if got := string(resp.Body); got != "ok" {
			t.Fatalf("get %d: body = %q", i, got)
		}
	}
	if n := atomic.LoadInt32(&conns); n != 2 {
		t.Errorf("server saw %d connections, want a fresh one per request", n)
	}
}

func TestBusyConnectionRejectsSecondRequest(t *testing.T) {
	conn := newConn(nil)
	conn.state = stateBusy

	if _, err := conn.Do(&request{method: "GET", host: "example.com", path: "/"}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("got %v, want ErrInvalidState", err)
	}
}
