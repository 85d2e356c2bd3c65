package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := NewServer(w, r, Options{PingPong: true})
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn.OnMessage = func(m []byte, _ error) { _ = conn.Write(m) }
		conn.Listen()
	}))
}

func wsAddress(s *httptest.Server) string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func TestEchoKeepsOrder(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, wsAddress(srv), Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	const n = 50
	in := make(chan string, n)
	client.OnMessage = func(m []byte, _ error) { in <- string(m) }
	client.Listen()

	for i := 0; i < n; i++ {
		if err := client.Write([]byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		select {
		case m := <-in:
			if m != strconv.Itoa(i) {
				t.Fatalf("expected %v, got %v", i, m)
			}
		case <-ctx.Done():
			t.Fatalf("no echo")
		}
	}
}

func TestCloseIsObservedByPeer(t *testing.T) {
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := NewServer(w, r, Options{})
		if err != nil {
			return
		}
		conn.Listen()
		go func() { <-conn.Done(); close(closed) }()
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), wsAddress(srv), Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client.Listen()
	client.Close()
	client.Close()

	if err := client.Write([]byte("x")); err != ErrClosed {
		t.Errorf("expected closed, got %v", err)
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("server has not seen the close")
	}
}

func TestQueueOverflowCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := NewServer(w, r, Options{})
		if err != nil {
			return
		}
		conn.Listen()
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), wsAddress(srv), Options{QueueSize: 1})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// no Listen, so nothing reads the queue
	_ = client.Write([]byte("a"))
	if err := client.Write([]byte("b")); err != ErrQueueFull {
		t.Errorf("expected full queue, got %v", err)
	}
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Errorf("slow connection is kept")
	}
}
