package transport

import (
	"sync"
	"time"

	"github.com/switchboard-rt/switchboard/internal/protocol"

	"github.com/gorilla/websocket"
)

// WebsocketConfig contains options of the websocket transport.
type WebsocketConfig struct {
	// WriteTimeout is a maximum time of one write operation. Slow client
	// will be disconnected. By default one second is used.
	WriteTimeout time.Duration
}

type Websocket struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	config WebsocketConfig
	closed bool
	closeC chan struct{}
}

// NewWebsocket creates a persistent-stream transport on top of an
// upgraded websocket connection.
func NewWebsocket(conn *websocket.Conn, config WebsocketConfig) *Websocket {
	if config.WriteTimeout == 0 {
		config.WriteTimeout = time.Second
	}
	return &Websocket{
		conn:   conn,
		config: config,
		closeC: make(chan struct{}),
	}
}

func (t *Websocket) Name() string {
	return string(KindWebSocket)
}

func (t *Websocket) Kind() Kind {
	return KindWebSocket
}

func (t *Websocket) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Websocket) Close(d protocol.Disconnect) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closeC)
	t.mu.Unlock()

	if d != (protocol.Disconnect{}) {
		frame := protocol.NewCloseFrame(d)
		if data, err := protocol.MarshalFrame(frame); err == nil {
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			_ = t.conn.WriteMessage(websocket.TextMessage, data)
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, d.Reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.config.WriteTimeout))
	}
	return t.conn.Close()
}

// CloseNotify returns a channel closed when the transport is closed.
func (t *Websocket) CloseNotify() <-chan struct{} {
	return t.closeC
}
