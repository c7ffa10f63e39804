package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// newFrameServer accepts one websocket per request, reads the auth frame and
// hands the connection to script.
func newFrameServer(t *testing.T, script func(ctx context.Context, c *websocket.Conn, hello clientFrame)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		var hello clientFrame
		if err := wsjson.Read(r.Context(), c, &hello); err != nil {
			t.Errorf("read auth frame: %v", err)
			return
		}
		script(r.Context(), c, hello)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeRaw(ctx context.Context, t *testing.T, c *websocket.Conn, payload string) {
	t.Helper()
	if err := c.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Errorf("write %s: %v", payload, err)
	}
}

// drain reads until the client closes so the close handshake completes.
func drain(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func newTestDialer(t *testing.T, url string, onFrame func(Frame)) *WebSocketDialer {
	t.Helper()
	d, err := NewWebSocketDialer(WebSocketOptions{
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		OnFrame:          onFrame,
		Logger:           zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new dialer: %v", err)
	}
	return d
}

func TestWebSocketDialerHandshakeAndFrames(t *testing.T) {
	srv := newFrameServer(t, func(ctx context.Context, c *websocket.Conn, hello clientFrame) {
		if hello.Type != frameAuth || hello.Auth == nil || hello.Auth.Token != "tok-1" {
			t.Errorf("unexpected auth frame %+v", hello)
		}
		if hello.CorrelationID == "" {
			t.Errorf("expected correlation id on auth frame")
		}
		writeRaw(ctx, t, c, `{"type":"connect","sessionId":"s-1"}`)
		writeRaw(ctx, t, c, `{"type":"ping"}`)
		writeRaw(ctx, t, c, `{"unexpected":true}`)
		writeRaw(ctx, t, c, `{"type":"notification","data":{"id":42}}`)
		_ = c.Close(websocket.StatusGoingAway, "restarting")
	})

	var mu sync.Mutex
	var frames []Frame
	d := newTestDialer(t, srv.URL, func(f Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	session, err := d.Dial(ctx, "tok-1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer session.Close()

	err = session.Wait(ctx)
	if err == nil {
		t.Fatalf("expected wait to report the server close")
	}
	if IsAuthError(err) {
		t.Fatalf("going-away close must be transient, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 1 || frames[0].Type != frameNotification {
		t.Fatalf("expected exactly one notification frame, got %+v", frames)
	}
	if string(frames[0].Data) != `{"id":42}` {
		t.Fatalf("unexpected frame data %s", frames[0].Data)
	}
}

func TestWebSocketDialerConnectErrorClassification(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		auth  bool
	}{
		{"message names authentication", `{"type":"connect_error","message":"authentication failed"}`, true},
		{"structured code", `{"type":"connect_error","code":"invalid_token","message":"rejected"}`, true},
		{"transient", `{"type":"connect_error","code":"overloaded","message":"server busy"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newFrameServer(t, func(ctx context.Context, c *websocket.Conn, _ clientFrame) {
				writeRaw(ctx, t, c, tc.frame)
				drain(ctx, c)
			})
			d := newTestDialer(t, srv.URL, nil)
			session, err := d.Dial(context.Background(), "tok")
			if err == nil {
				_ = session.Close()
				t.Fatalf("expected handshake rejection")
			}
			var hsErr *HandshakeError
			if !errors.As(err, &hsErr) {
				t.Fatalf("expected HandshakeError, got %T %v", err, err)
			}
			if got := IsAuthError(err); got != tc.auth {
				t.Fatalf("IsAuthError = %v, want %v (%v)", got, tc.auth, err)
			}
		})
	}
}

func TestWebSocketDialerUpgradeRejectedIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := newTestDialer(t, srv.URL, nil)
	_, err := d.Dial(context.Background(), "tok")
	if !IsAuthError(err) {
		t.Fatalf("expected auth error for 401 upgrade, got %v", err)
	}
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) || hsErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 HandshakeError, got %v", err)
	}
}

func TestWebSocketSessionDisconnectFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		auth  bool
	}{
		{"expired token", `{"type":"disconnect","code":"token_expired","message":"session expired"}`, true},
		{"server shutdown", `{"type":"disconnect","message":"server shutting down"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newFrameServer(t, func(ctx context.Context, c *websocket.Conn, _ clientFrame) {
				writeRaw(ctx, t, c, `{"type":"connect","sessionId":"s-1"}`)
				writeRaw(ctx, t, c, tc.frame)
				drain(ctx, c)
			})
			d := newTestDialer(t, srv.URL, nil)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			session, err := d.Dial(ctx, "tok")
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer session.Close()

			err = session.Wait(ctx)
			if err == nil {
				t.Fatalf("expected disconnect error")
			}
			if got := IsAuthError(err); got != tc.auth {
				t.Fatalf("IsAuthError = %v, want %v (%v)", got, tc.auth, err)
			}
		})
	}
}

func TestWebSocketSessionPolicyViolationClose(t *testing.T) {
	srv := newFrameServer(t, func(ctx context.Context, c *websocket.Conn, _ clientFrame) {
		writeRaw(ctx, t, c, `{"type":"connect","sessionId":"s-1"}`)
		_ = c.Close(websocket.StatusPolicyViolation, "invalid token")
	})
	d := newTestDialer(t, srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	session, err := d.Dial(ctx, "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer session.Close()

	if err := session.Wait(ctx); !IsAuthError(err) {
		t.Fatalf("expected policy violation naming the token to be an auth error, got %v", err)
	}
}

func TestManagerOverWebSocketStopsOnAuthRejection(t *testing.T) {
	srv := newFrameServer(t, func(ctx context.Context, c *websocket.Conn, _ clientFrame) {
		writeRaw(ctx, t, c, `{"type":"connect_error","message":"authentication failed"}`)
		drain(ctx, c)
	})
	d := newTestDialer(t, srv.URL, nil)
	failures := make(chan error, 1)
	m, rec := newTestManager(t, &staticTokens{token: "tok"}, d, ManagerOptions{
		OnAuthFailure: func(err error) { failures <- err },
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-failures:
		if !IsAuthError(err) {
			t.Fatalf("expected auth error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for auth failure")
	}
	if m.Connected() {
		t.Fatalf("expected not connected")
	}
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("expected no retries, got %d waits", got)
	}
}

func TestNewWebSocketDialerValidation(t *testing.T) {
	if _, err := NewWebSocketDialer(WebSocketOptions{URL: "ftp://example.com/ws"}); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := NewWebSocketDialer(WebSocketOptions{
		URL:        "wss://example.com/ws",
		HTTPClient: &http.Client{Timeout: time.Second},
	}); err == nil {
		t.Fatalf("expected error for http client with timeout")
	}
	d, err := NewWebSocketDialer(WebSocketOptions{URL: " wss://example.com/ws "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.url != "wss://example.com/ws" || d.opts.HandshakeTimeout != 10*time.Second {
		t.Fatalf("unexpected defaults: %q %s", d.url, d.opts.HandshakeTimeout)
	}
}
