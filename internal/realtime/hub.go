package realtime

import (
	"encoding/json"
	"sync"

	"github.com/orenshk/babyguard/internal/logger"
)

// Conn is one open realtime channel to a user's device.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// Hub tracks open realtime channels per user. A user may hold several at
// once (one per device). There is no queuing or replay: a user with no open
// channel simply misses the message, push notifications are the durable
// fallback.
type Hub struct {
	logger *logger.Logger

	mu    sync.Mutex
	conns map[int64][]Conn
}

// NewHub creates an empty fan-out hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger: log,
		conns:  make(map[int64][]Conn),
	}
}

// Connect registers a channel for a user.
func (h *Hub) Connect(userID int64, conn Conn) {
	h.mu.Lock()
	h.conns[userID] = append(h.conns[userID], conn)
	n := len(h.conns[userID])
	h.mu.Unlock()

	h.logger.Info("Realtime client connected", "user_id", userID, "channels", n)
}

// Disconnect removes a channel; the user's entry is dropped once empty.
func (h *Hub) Disconnect(userID int64, conn Conn) {
	h.mu.Lock()
	conns := h.conns[userID]
	for i, c := range conns {
		if c == conn {
			h.conns[userID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.conns[userID]) == 0 {
		delete(h.conns, userID)
	}
	h.mu.Unlock()

	h.logger.Info("Realtime client disconnected", "user_id", userID)
}

// SendPersonal delivers the event to every channel the user currently has
// open. A channel whose write fails is treated as an implicit disconnect and
// removed; delivery errors never propagate to the caller.
func (h *Hub) SendPersonal(userID int64, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal realtime event", "error", err)
		return
	}

	// Copy the list so writes happen outside the lock
	h.mu.Lock()
	conns := make([]Conn, len(h.conns[userID]))
	copy(conns, h.conns[userID])
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(data); err != nil {
			h.logger.Warn("Realtime write failed, dropping channel", "user_id", userID, "error", err)
			conn.Close()
			h.Disconnect(userID, conn)
		}
	}
}

// ChannelCount reports how many channels a user currently has open.
func (h *Hub) ChannelCount(userID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}
