package bus

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/broker"
	"github.com/crisisline/backend/internal/models"
)

// LiveMapHeartbeatInterval is the heartbeat cadence for the live-map SSE
// stream.
const LiveMapHeartbeatInterval = 5 * time.Second

// SSEClient is a single connected live-map SSE subscriber.
type SSEClient struct {
	ID        string
	Channel   chan models.BusEnvelope
	Done      chan struct{}
	CreatedAt time.Time
}

func NewSSEClient() *SSEClient {
	return &SSEClient{
		ID:        uuid.New().String(),
		Channel:   make(chan models.BusEnvelope, 100),
		Done:      make(chan struct{}),
		CreatedAt: time.Now(),
	}
}

func (c *SSEClient) Close() {
	select {
	case <-c.Done:
	default:
		close(c.Done)
	}
}

// LiveMapSSEHub fans out the "livemap" room to plain SSE clients, the path
// a read-only dashboard uses instead of opening a WebSocket. It rides the
// same broker.Broker as the room-based Hub, so a GeoEvent published from
// any process reaches both transports.
type LiveMapSSEHub struct {
	broker *broker.Broker

	clients   map[string]*SSEClient
	clientsMu sync.RWMutex

	running          int32
	totalConnections int64
	totalBroadcasts  int64

	stopCh chan struct{}
	doneCh chan struct{}

	logger *log.Logger
}

func NewLiveMapSSEHub(b *broker.Broker) *LiveMapSSEHub {
	return &LiveMapSSEHub{
		broker:  b,
		clients: make(map[string]*SSEClient),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  log.Default(),
	}
}

func (h *LiveMapSSEHub) SetLogger(logger *log.Logger) {
	h.logger = logger
}

func (h *LiveMapSSEHub) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.running, 0, 1) {
		return nil
	}
	h.logger.Println("[livemap-sse] starting")
	go h.subscribeLoop(ctx)
	go h.heartbeatLoop(ctx)
	return nil
}

func (h *LiveMapSSEHub) Stop() {
	if atomic.CompareAndSwapInt32(&h.running, 1, 0) {
		close(h.stopCh)
		<-h.doneCh

		h.clientsMu.Lock()
		for _, c := range h.clients {
			c.Close()
		}
		h.clients = make(map[string]*SSEClient)
		h.clientsMu.Unlock()

		h.logger.Println("[livemap-sse] stopped")
	}
}

func (h *LiveMapSSEHub) IsRunning() bool {
	return atomic.LoadInt32(&h.running) == 1
}

func (h *LiveMapSSEHub) RegisterClient(c *SSEClient) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[c.ID] = c
	atomic.AddInt64(&h.totalConnections, 1)
}

func (h *LiveMapSSEHub) UnregisterClient(clientID string) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *LiveMapSSEHub) GetClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *LiveMapSSEHub) subscribeLoop(ctx context.Context) {
	defer close(h.doneCh)

	sub := h.broker.Subscribe(ctx, models.RoomLivemap)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case env, ok := <-sub.Envelopes():
			if !ok {
				return
			}
			h.broadcastToClients(env)
		}
	}
}

func (h *LiveMapSSEHub) broadcastToClients(env models.BusEnvelope) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	atomic.AddInt64(&h.totalBroadcasts, 1)
	for _, c := range h.clients {
		select {
		case c.Channel <- env:
		default:
			h.logger.Printf("[livemap-sse] client %s channel full, dropping event", c.ID)
		}
	}
}

func (h *LiveMapSSEHub) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(LiveMapHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

func (h *LiveMapSSEHub) sendHeartbeat() {
	heartbeat := models.BusEnvelope{Kind: models.EnvelopeKindHeartbeat, Room: models.RoomLivemap, Timestamp: time.Now()}
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.Channel <- heartbeat:
		default:
		}
	}
}

func (h *LiveMapSSEHub) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":           h.IsRunning(),
		"connected_clients": h.GetClientCount(),
		"total_connections": atomic.LoadInt64(&h.totalConnections),
		"total_broadcasts":  atomic.LoadInt64(&h.totalBroadcasts),
	}
}

// EncodeSSEFrame renders an envelope as an SSE "data: ...\n\n" frame.
func EncodeSSEFrame(env models.BusEnvelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(append([]byte("data: "), data...), []byte("\n\n")...), nil
}
