package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is the HTTP path served by WebSocketHandler.
const WebSocketPath = "/ws"

const wsWriteTimeout = 10 * time.Second

// WebSocketHandler upgrades HTTP requests to Links carrying one JSON message
// per text frame.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	incoming chan Link

	closed    chan struct{}
	closeOnce sync.Once
}

// NewWebSocketHandler builds a handler; accepted links appear on Incoming.
func NewWebSocketHandler(logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		incoming: make(chan Link, 16),
		closed:   make(chan struct{}),
	}
}

// Incoming returns accepted links.
func (h *WebSocketHandler) Incoming() <-chan Link {
	return h.incoming
}

// Close stops handing out new links.
func (h *WebSocketHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.closed)
	})
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.closed:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	link := NewWebSocketLink(conn)
	select {
	case h.incoming <- link:
	case <-h.closed:
		_ = link.Close()
		return
	case <-r.Context().Done():
		_ = link.Close()
		return
	}

	<-link.Done()
}

// WebSocketLink is a Link over a gorilla websocket connection.
type WebSocketLink struct {
	linkCore

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebSocketLink wraps an upgraded or dialed websocket and starts reading.
func NewWebSocketLink(conn *websocket.Conn) *WebSocketLink {
	conn.SetReadLimit(MaxFrameSize)
	wl := &WebSocketLink{conn: conn}
	wl.init(64)
	go wl.readLoop()
	return wl
}

// DialWebSocket connects to a coordinator WebSocket endpoint such as
// ws://host:port/ws.
func DialWebSocket(ctx context.Context, url string) (*WebSocketLink, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket %q: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial websocket %q: %w", url, err)
	}
	return NewWebSocketLink(conn), nil
}

// RemoteAddr returns the peer address of the websocket.
func (wl *WebSocketLink) RemoteAddr() string {
	if addr := wl.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Send writes one payload as a text frame.
func (wl *WebSocketLink) Send(payload []byte) error {
	if err := wl.sendable(); err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	wl.writeMu.Lock()
	defer wl.writeMu.Unlock()
	_ = wl.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := wl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		wl.closeWithError(fmt.Errorf("write websocket message: %w", err), wl.conn.Close)
		return err
	}

	wl.touchActivity()
	return nil
}

// Close sends a close frame and terminates the link.
func (wl *WebSocketLink) Close() error {
	wl.writeMu.Lock()
	_ = wl.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	wl.writeMu.Unlock()

	wl.closeWithError(nil, wl.conn.Close)
	return nil
}

func (wl *WebSocketLink) readLoop() {
	for {
		msgType, data, err := wl.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wl.closeWithError(fmt.Errorf("read websocket message: %w", err), wl.conn.Close)
				return
			}
			wl.closeWithError(nil, wl.conn.Close)
			return
		}

		wl.touchActivity()
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		if !wl.deliver(data) {
			return
		}
	}
}
