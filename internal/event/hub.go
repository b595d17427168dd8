package event

import (
	"sync"

	"github.com/recapd/recapd/internal/logger"
)

// Hub owns the per-job event buffers. Buffers are created when a job starts
// and removed by the orchestrator's retention janitor after the job reaches a
// terminal state.
type Hub struct {
	mu      sync.RWMutex
	buffers map[string]*Buffer
	log     *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		buffers: make(map[string]*Buffer),
		log:     log.WithComponent("event-hub"),
	}
}

// Create allocates the buffer for a new job. Creating a buffer for a job that
// already has one returns the existing buffer.
func (h *Hub) Create(jobID string) *Buffer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.buffers[jobID]; ok {
		return b
	}
	b := NewBuffer(jobID)
	h.buffers[jobID] = b
	return b
}

// Get returns the buffer for a job, or nil if none exists.
func (h *Hub) Get(jobID string) *Buffer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.buffers[jobID]
}

// Remove drops a job's buffer. Called on retention expiry.
func (h *Hub) Remove(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.buffers[jobID]; ok {
		delete(h.buffers, jobID)
		h.log.Debug("Event buffer removed", map[string]interface{}{
			logger.FieldJobID: jobID,
		})
	}
}

// Count returns the number of live buffers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buffers)
}
