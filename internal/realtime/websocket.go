package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type WebSocketOptions struct {
	URL string
	// HTTPClient must not set Timeout; the dial context bounds the handshake.
	HTTPClient       *http.Client
	HandshakeTimeout time.Duration
	// OnFrame receives every validated server frame other than handshake,
	// ping and disconnect frames.
	OnFrame func(Frame)
	Logger  *zap.Logger
}

// WebSocketDialer opens a websocket and presents the bearer token in the
// first frame. The server answers with connect or connect_error.
type WebSocketDialer struct {
	url    string
	opts   WebSocketOptions
	logger *zap.Logger
}

func NewWebSocketDialer(opts WebSocketOptions) (*WebSocketDialer, error) {
	raw := strings.TrimSpace(opts.URL)
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported websocket url scheme: %q", parsed.Scheme)
	}
	if opts.HTTPClient != nil && opts.HTTPClient.Timeout > 0 {
		return nil, errors.New("websocket http client must not set Timeout")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &WebSocketDialer{url: raw, opts: opts, logger: opts.Logger}, nil
}

func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Session, error) {
	hctx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()

	correlationID := uuid.NewString()
	conn, resp, err := websocket.Dial(hctx, d.url, &websocket.DialOptions{
		HTTPClient: d.opts.HTTPClient,
		HTTPHeader: http.Header{"X-Correlation-Id": []string{correlationID}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}

	hello := clientFrame{Type: frameAuth, Auth: &authPayload{Token: token}, CorrelationID: correlationID}
	if err := wsjson.Write(hctx, conn, hello); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake write failed")
		return nil, classifyClose(err)
	}
	_, data, err := conn.Read(hctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake read failed")
		return nil, classifyClose(err)
	}
	frame, err := decodeFrame(data)
	if err != nil {
		_ = conn.Close(websocket.StatusUnsupportedData, "invalid handshake frame")
		return nil, err
	}
	switch frame.Type {
	case frameConnect:
		d.logger.Debug("websocket handshake acknowledged", zap.String("session_id", frame.SessionID), zap.String("correlation_id", correlationID))
		return &wsSession{conn: conn, onFrame: d.opts.OnFrame, logger: d.logger}, nil
	case frameConnectError:
		_ = conn.Close(websocket.StatusNormalClosure, "connect rejected")
		return nil, &HandshakeError{Code: frame.Code, Message: frame.Message}
	default:
		_ = conn.Close(websocket.StatusProtocolError, "unexpected handshake frame")
		return nil, fmt.Errorf("unexpected handshake frame %q", frame.Type)
	}
}

type wsSession struct {
	conn    *websocket.Conn
	onFrame func(Frame)
	logger  *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func (s *wsSession) Wait(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classifyClose(err)
		}
		frame, err := decodeFrame(data)
		if err != nil {
			s.logger.Warn("dropping invalid frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case framePing:
		case frameDisconnect:
			rejected := &HandshakeError{Code: frame.Code, Message: frame.Message}
			if rejected.authentication() {
				return rejected
			}
			return fmt.Errorf("server disconnected: %s", frame.Message)
		default:
			if s.onFrame != nil {
				s.onFrame(frame)
			}
		}
	}
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close(websocket.StatusNormalClosure, "client closing")
	})
	return s.closeErr
}

// classifyClose turns a policy-violation close whose reason names the
// credential into an authentication error.
func classifyClose(err error) error {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusPolicyViolation && mentionsCredential(closeErr.Reason) {
		return &HandshakeError{Code: "policy_violation", Message: closeErr.Reason}
	}
	return err
}
