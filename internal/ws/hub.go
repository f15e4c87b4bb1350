package ws

import (
	"sync"

	"go.uber.org/zap"

	"github.com/helpinghands/assist-chat/internal/metrics"
	"github.com/helpinghands/assist-chat/internal/models"
)

func ConnRoom(connID string) string       { return connID }
func RequestRoom(requestID string) string { return "request-" + requestID }

// UserRoom is the inbox of one identity. Ids are only unique within a role.
func UserRoom(role models.Role, id string) string {
	return "user:" + string(role) + ":" + id
}

// Hub tracks which clients are in which rooms. A client is always in its
// connection room and its identity room while registered.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]map[string]struct{} // client -> rooms it is in
	log     *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]map[string]struct{}),
		log:     log,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		return
	}
	h.clients[c] = make(map[string]struct{})
	h.joinLocked(c, ConnRoom(c.ID))
	h.joinLocked(c, UserRoom(c.Identity.Role, c.Identity.ID))
}

// Unregister removes c from every room and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.clients[c]
	if !ok {
		return
	}
	for room := range rooms {
		h.leaveLocked(c, room)
	}
	delete(h.clients, c)
	close(c.Send)
}

// Join returns false when c is not registered.
func (h *Hub) Join(c *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	h.joinLocked(c, room)
	return true
}

func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.leaveLocked(c, room)
}

func (h *Hub) joinLocked(c *Client, room string) {
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[*Client]struct{})
		h.rooms[room] = set
	}
	set[c] = struct{}{}
	h.clients[c][room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if set, ok := h.rooms[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.clients[c], room)
}

func (h *Hub) InRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Emit sends msg to every client in rooms, once per client, skipping except.
func (h *Hub) Emit(msg []byte, except *Client, rooms ...string) {
	var slow []*Client
	h.mu.RLock()
	seen := make(map[*Client]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if c == except {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.Send <- msg:
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warnw("dropping slow client", "conn_id", c.ID, "user_id", c.Identity.ID)
		metrics.SlowConsumers.Inc()
		h.Unregister(c)
	}
}

// SendTo delivers msg to one client if it is still registered.
func (h *Hub) SendTo(c *Client, msg []byte) {
	h.Emit(msg, nil, ConnRoom(c.ID))
}

// Online reports whether identity has at least one local connection.
// Online reports whether id has a live connection under either role.
func (h *Hub) Online(id string) bool {
	return h.RoomSize(UserRoom(models.RoleUser, id)) > 0 || h.RoomSize(UserRoom(models.RoleVolunteer, id)) > 0
}

// CloseAll unregisters every client; their write pumps then close the sockets.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Unregister(c)
	}
}
