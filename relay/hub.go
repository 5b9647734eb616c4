package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/opd-ai/remoteassist/limits"
	"github.com/opd-ai/remoteassist/signaling"
	"github.com/sirupsen/logrus"
)

const (
	// maxRoomPeers is the number of participants in a remote-assistance session.
	maxRoomPeers = 2

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	sendBuffer   = 64
)

// Hub tracks the connected participants of every session.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

type room struct {
	id    string
	peers map[string]*client
}

// client is one websocket participant.
type client struct {
	id       string
	deviceID string
	roomID   string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// join adds a participant to the session room.
func (h *Hub) join(sessionID, deviceID string, conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[sessionID]
	if !ok {
		r = &room{id: sessionID, peers: make(map[string]*client)}
		h.rooms[sessionID] = r
	}
	if len(r.peers) >= maxRoomPeers {
		return nil, ErrRoomFull
	}

	c := &client{
		id:       uuid.NewString(),
		deviceID: deviceID,
		roomID:   sessionID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	r.peers[c.id] = c

	logrus.WithFields(logrus.Fields{
		"function":   "Hub.join",
		"session_id": sessionID,
		"client_id":  c.id,
		"device_id":  deviceID,
		"peers":      len(r.peers),
	}).Info("Participant joined session room")
	return c, nil
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[c.roomID]
	if !ok {
		return
	}
	delete(r.peers, c.id)
	if len(r.peers) == 0 {
		delete(h.rooms, c.roomID)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Hub.leave",
		"session_id": c.roomID,
		"client_id":  c.id,
		"remaining":  len(r.peers),
	}).Info("Participant left session room")
}

// forward queues frame for every other participant in the room.
func (h *Hub) forward(from *client, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[from.roomID]
	if !ok {
		return
	}
	for id, peer := range r.peers {
		if id == from.id {
			continue
		}
		select {
		case peer.send <- frame:
		default:
			logrus.WithFields(logrus.Fields{
				"function":   "Hub.forward",
				"session_id": from.roomID,
				"client_id":  id,
			}).Warn("Participant send buffer full, dropping frame")
		}
	}
}

// Peers returns the number of participants connected to sessionID.
func (h *Hub) Peers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[sessionID]; ok {
		return len(r.peers)
	}
	return 0
}

// Evict disconnects every participant of sessionID.
func (h *Hub) Evict(sessionID string) {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	var peers []*client
	if ok {
		for _, c := range r.peers {
			peers = append(peers, c)
		}
	}
	h.mu.Unlock()

	for _, c := range peers {
		c.close()
	}
}

// serve runs the participant's pumps and blocks until the connection ends.
func (h *Hub) serve(c *client) {
	go c.writePump()
	c.readPump(h)
}

// readPump validates every inbound frame and forwards the valid ones.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.leave(c)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(limits.MaxSignalingFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function":  "client.readPump",
					"client_id": c.id,
					"error":     err.Error(),
				}).Warn("Participant connection error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := signaling.Unmarshal(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "client.readPump",
				"session_id": c.roomID,
				"client_id":  c.id,
				"error":      err.Error(),
			}).Warn("Dropping malformed frame")
			continue
		}
		if msg.Envelope().SessionID != c.roomID {
			logrus.WithFields(logrus.Fields{
				"function":   "client.readPump",
				"session_id": c.roomID,
				"frame_id":   msg.Envelope().SessionID,
				"type":       msg.Type(),
			}).Warn("Dropping frame addressed to another session")
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function":   "client.readPump",
			"session_id": c.roomID,
			"type":       msg.Type(),
		}).Debug("Forwarding frame")
		h.forward(c, frame)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "client.writePump",
					"client_id": c.id,
					"error":     err.Error(),
				}).Warn("Failed to write frame")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
