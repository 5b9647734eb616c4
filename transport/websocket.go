package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/remoteassist/limits"
	"github.com/opd-ai/remoteassist/signaling"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultWriteWait bounds a single frame write.
	DefaultWriteWait = 10 * time.Second

	// DefaultPongWait is how long the connection may stay silent before it is dropped.
	DefaultPongWait = 60 * time.Second

	// DefaultInboundBuffer is the capacity of the Messages channel.
	DefaultInboundBuffer = 64
)

// WebSocketOptions configures a WebSocketTransport.
type WebSocketOptions struct {
	// Token is sent as "Authorization: Bearer <token>" when non-empty
	Token string

	// Header carries extra handshake headers
	Header http.Header

	// Dialer overrides websocket.DefaultDialer
	Dialer *websocket.Dialer

	WriteWait time.Duration
	PongWait  time.Duration

	// PingInterval defaults to 9/10 of PongWait
	PingInterval time.Duration

	InboundBuffer int
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = DefaultInboundBuffer
	}
	return o
}

// WebSocketTransport is a signaling client for the relay. Each transport
// carries one connection; the Messages channel is closed when it ends.
type WebSocketTransport struct {
	opts WebSocketOptions

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	inbound   chan signaling.Message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebSocketTransport creates an unconnected transport.
func NewWebSocketTransport(opts WebSocketOptions) *WebSocketTransport {
	opts = opts.withDefaults()
	return &WebSocketTransport{
		opts:    opts,
		inbound: make(chan signaling.Message, opts.InboundBuffer),
		done:    make(chan struct{}),
	}
}

// Connect dials url and starts the read and keepalive loops.
func (t *WebSocketTransport) Connect(ctx context.Context, url string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if t.conn != nil {
		return ErrAlreadyConnected
	}

	header := http.Header{}
	for k, v := range t.opts.Header {
		header[k] = v
	}
	if t.opts.Token != "" {
		header.Set("Authorization", "Bearer "+t.opts.Token)
	}

	conn, resp, err := t.opts.Dialer.DialContext(ctx, url, header)
	if err != nil {
		fields := logrus.Fields{
			"function": "WebSocketTransport.Connect",
			"url":      url,
			"error":    err.Error(),
		}
		if resp != nil {
			fields["status"] = resp.StatusCode
		}
		logrus.WithFields(fields).Error("Failed to connect to signaling relay")
		return fmt.Errorf("dial signaling relay: %w", err)
	}

	conn.SetReadLimit(limits.MaxSignalingFrame)
	t.conn = conn

	t.wg.Add(2)
	go t.readPump(conn)
	go t.pingLoop(conn)

	logrus.WithFields(logrus.Fields{
		"function": "WebSocketTransport.Connect",
		"url":      url,
	}).Info("Connected to signaling relay")
	return nil
}

// Send encodes msg and writes it as one text frame.
func (t *WebSocketTransport) Send(ctx context.Context, msg signaling.Message) error {
	data, err := signaling.Marshal(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(t.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Type(), err)
	}
	return nil
}

// Messages returns the inbound stream.
func (t *WebSocketTransport) Messages() <-chan signaling.Message {
	return t.inbound
}

// Disconnect sends a close frame, closes the connection and waits for the
// read and keepalive loops to exit.
func (t *WebSocketTransport) Disconnect() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		if conn == nil {
			close(t.inbound)
			return
		}

		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.opts.WriteWait))
		t.writeMu.Unlock()

		err = conn.Close()
		t.wg.Wait()

		logrus.WithFields(logrus.Fields{
			"function": "WebSocketTransport.Disconnect",
		}).Info("Disconnected from signaling relay")
	})
	return err
}

// readPump owns the inbound channel and closes it on exit.
func (t *WebSocketTransport) readPump(conn *websocket.Conn) {
	defer t.wg.Done()
	defer close(t.inbound)

	_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logrus.WithFields(logrus.Fields{
						"function": "WebSocketTransport.readPump",
						"error":    err.Error(),
					}).Warn("Signaling connection lost")
				}
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))

		msg, err := signaling.Unmarshal(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "WebSocketTransport.readPump",
				"frame_size": len(frame),
				"error":      err.Error(),
			}).Warn("Dropping malformed signaling frame")
			continue
		}

		select {
		case t.inbound <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *WebSocketTransport) pingLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteWait))
			t.writeMu.Unlock()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "WebSocketTransport.pingLoop",
					"error":    err.Error(),
				}).Debug("Keepalive ping failed")
				return
			}
		}
	}
}
