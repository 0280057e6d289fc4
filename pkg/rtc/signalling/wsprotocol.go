package signalling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"

	"github.com/parlo-health/parlo-call/pkg/logger"
)

const (
	DefaultPingInterval = 10 * time.Second
	pingTimeout         = 2 * time.Second
	writeTimeout        = 5 * time.Second
)

// WSSignalConnection frames Messages as JSON text frames. Writes are
// serialized; reads must happen on a single goroutine.
type WSSignalConnection struct {
	conn   WebsocketClient
	mu     sync.Mutex
	closed core.Fuse
}

func NewWSSignalConnection(conn WebsocketClient, pingInterval time.Duration) *WSSignalConnection {
	wsc := &WSSignalConnection{
		conn:   conn,
		closed: core.NewFuse(),
	}
	if pingInterval > 0 {
		go wsc.pingWorker(pingInterval)
	}
	return wsc
}

func (c *WSSignalConnection) Close() error {
	c.closed.Break()
	return c.conn.Close()
}

func (c *WSSignalConnection) ReadMessage() (*Message, error) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			msg := &Message{}
			if err := json.Unmarshal(payload, msg); err != nil {
				return nil, &MalformedError{Type: "envelope", Err: err}
			}
			return msg, nil
		default:
			logger.Debugw("unsupported message", "message", messageType)
		}
	}
}

func (c *WSSignalConnection) WriteMessage(msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *WSSignalConnection) pingWorker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed.Watch():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(pingTimeout))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}

// WSDialer dials the relay's websocket endpoint.
type WSDialer struct {
	URL          string
	Token        string
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: writeTimeout,
		}
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &RemoteError{Code: ErrorCodeUnauthorized, Message: err.Error()}
		}
		return nil, err
	}
	return NewWSSignalConnection(conn, d.PingInterval), nil
}
