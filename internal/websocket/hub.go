package websocket

import (
	"sync"

	"github.com/masshaul/masshaul/internal/metrics"
)

// allJobs is the subscription key for clients that did not name a job.
const allJobs = ""

// Hub maintains the set of active clients and fans progress payloads
// out to them. Clients subscribe to a single job or, with an empty
// job ID, to every job.
type Hub struct {
	// Registered clients by subscribed job ID
	clients map[string]map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Broadcast channel for progress payloads
	broadcast chan *jobMessage

	met *metrics.Metrics

	mu sync.RWMutex
}

// jobMessage carries one marshaled progress snapshot and the job it
// belongs to.
type jobMessage struct {
	jobID   string
	payload []byte
}

// NewHub creates a new Hub instance.
func NewHub(met *metrics.Metrics) *Hub {
	if met == nil {
		met = metrics.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *jobMessage),
		met:        met,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.jobID] == nil {
				h.clients[client.jobID] = make(map[*Client]bool)
			}
			h.clients[client.jobID][client] = true
			h.mu.Unlock()
			h.met.IncWSConnections()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.jobID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.clients, client.jobID)
					}
					h.met.DecWSConnections()
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			h.deliverLocked(message.jobID, message.payload)
			if message.jobID != allJobs {
				h.deliverLocked(allJobs, message.payload)
			}
			h.mu.Unlock()
		}
	}
}

// deliverLocked sends the payload to every client under the given key.
// A client whose buffer is full is dropped; a consumer that stopped
// reading would otherwise stall the hub.
func (h *Hub) deliverLocked(key string, payload []byte) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	for client := range clients {
		select {
		case client.send <- payload:
		default:
			close(client.send)
			delete(clients, client)
			h.met.DecWSConnections()
		}
	}
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

// BroadcastJob sends a progress payload to clients watching the given
// job and to clients watching all jobs.
func (h *Hub) BroadcastJob(jobID string, payload []byte) {
	h.broadcast <- &jobMessage{jobID: jobID, payload: payload}
}

// ClientCount returns the number of clients subscribed to a job ID.
func (h *Hub) ClientCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[jobID]; ok {
		return len(clients)
	}
	return 0
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
