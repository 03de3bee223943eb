// Package bus implements the Fan-Out Bus: a room-based WebSocket hub
// backed by the broker package so multiple API processes share one fan-out
// view, generalizing the teacher's SSEHub client-registry idiom (buffered
// per-client channel, drop-on-full, heartbeat loop) to rooms and a
// bidirectional transport.
package bus

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crisisline/backend/internal/broker"
	"github.com/crisisline/backend/internal/models"
)

const (
	writeTimeout   = 10 * time.Second
	clientBuffer   = 32
	heartbeatEvery = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is a single connected WebSocket subscriber to one or more rooms.
type Client struct {
	conn  *websocket.Conn
	send  chan models.BusEnvelope
	rooms map[models.Room]bool
	hub   *Hub
	mu    sync.Mutex
}

// dynamicRoomRelay is a refcounted relayRoom goroutine for a non-fixed room
// (hospital_*, dept_*, patient_*): started when the first client subscribes,
// stopped once the last one disconnects.
type dynamicRoomRelay struct {
	cancel   context.CancelFunc
	refcount int
}

// Hub fans out BusEnvelopes published on the broker to every locally
// connected Client subscribed to the matching room.
type Hub struct {
	broker       *broker.Broker
	logger       *log.Logger
	mu           sync.RWMutex
	clients      map[*Client]bool
	dynamicRooms map[models.Room]*dynamicRoomRelay
	running      int32
	stopCh       chan struct{}
	ctx          context.Context
}

func NewHub(b *broker.Broker) *Hub {
	return &Hub{
		broker:       b,
		logger:       log.Default(),
		clients:      make(map[*Client]bool),
		dynamicRooms: make(map[models.Room]*dynamicRoomRelay),
		stopCh:       make(chan struct{}),
	}
}

func (h *Hub) SetLogger(l *log.Logger) {
	if l != nil {
		h.logger = l
	}
}

// Start begins one background subscriber goroutine per fixed room
// (alerts, livemap, telegram). Dynamic rooms (hospital_*, dept_*,
// patient_*) are subscribed to lazily: ServeWS starts a refcounted relay
// goroutine for each on first client, torn down when the last one leaves.
func (h *Hub) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&h.running, 0, 1) {
		return
	}
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()
	for _, room := range []models.Room{models.RoomAlerts, models.RoomLivemap, models.RoomTelegram} {
		go h.relayRoom(ctx, room)
	}
}

func isFixedRoom(room models.Room) bool {
	return room == models.RoomAlerts || room == models.RoomLivemap || room == models.RoomTelegram
}

// subscribeDynamicRoom starts (or bumps the refcount of) a relay goroutine
// for a non-fixed room, guarded by h.mu so concurrent ServeWS calls don't
// race on the refcount.
func (h *Hub) subscribeDynamicRoom(room models.Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if relay, ok := h.dynamicRooms[room]; ok {
		relay.refcount++
		return
	}
	ctx := h.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	roomCtx, cancel := context.WithCancel(ctx)
	h.dynamicRooms[room] = &dynamicRoomRelay{cancel: cancel, refcount: 1}
	go h.relayRoom(roomCtx, room)
}

// unsubscribeDynamicRoom drops one reference; the relay goroutine is
// canceled once the last subscriber disconnects.
func (h *Hub) unsubscribeDynamicRoom(room models.Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	relay, ok := h.dynamicRooms[room]
	if !ok {
		return
	}
	relay.refcount--
	if relay.refcount <= 0 {
		relay.cancel()
		delete(h.dynamicRooms, room)
	}
}

func (h *Hub) Stop() {
	if atomic.CompareAndSwapInt32(&h.running, 1, 0) {
		close(h.stopCh)
	}
}

func (h *Hub) IsRunning() bool {
	return atomic.LoadInt32(&h.running) == 1
}

func (h *Hub) relayRoom(ctx context.Context, room models.Room) {
	sub := h.broker.Subscribe(ctx, room)
	defer sub.Close()
	for {
		select {
		case env, ok := <-sub.Envelopes():
			if !ok {
				return
			}
			h.broadcastLocal(room, env)
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) broadcastLocal(room models.Room, env models.BusEnvelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.rooms[room] {
			continue
		}
		select {
		case c.send <- env:
		default:
			h.logger.Printf("bus: dropping envelope for slow client on room %s", room)
		}
	}
}

// ServeWS upgrades the request to a WebSocket and registers a Client
// subscribed to the requested rooms.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, rooms []models.Room) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	roomSet := make(map[models.Room]bool, len(rooms))
	for _, rm := range rooms {
		roomSet[rm] = true
	}

	client := &Client{conn: conn, send: make(chan models.BusEnvelope, clientBuffer), rooms: roomSet, hub: h}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	for rm := range roomSet {
		if !isFixedRoom(rm) {
			h.subscribeDynamicRoom(rm)
		}
	}

	go client.writePump()
	go client.readPump()

	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	for rm := range c.rooms {
		if !isFixedRoom(rm) {
			h.unsubscribeDynamicRoom(rm)
		}
	}
}

// PublishAndBroadcast publishes env to the broker; the hub's own room
// relayer goroutine will pick it up and fan it out locally, so every
// process (including this one) stays consistent.
func (h *Hub) PublishAndBroadcast(ctx context.Context, env models.BusEnvelope) error {
	return h.broker.Publish(ctx, env)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	defer c.hub.unregister(c)

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			heartbeat := models.BusEnvelope{Kind: models.EnvelopeKindHeartbeat, Timestamp: time.Now()}
			data, _ := json.Marshal(heartbeat)
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
