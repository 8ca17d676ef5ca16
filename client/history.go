package client

import (
	"slices"
	"sync"
)

// History records the raw payloads a client exchanges. A nil *History
// records nothing.
type History struct {
	mu        sync.Mutex
	limit     int
	requests  [][]byte
	responses [][]byte
}

// NewHistory keeps the last limit requests and responses. Zero keeps
// everything.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

func (h *History) addRequest(b []byte) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.requests = h.trim(append(h.requests, slices.Clone(b)))
	h.mu.Unlock()
}

func (h *History) addResponse(b []byte) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.responses = h.trim(append(h.responses, slices.Clone(b)))
	h.mu.Unlock()
}

func (h *History) trim(s [][]byte) [][]byte {
	if h.limit > 0 && len(s) > h.limit {
		return slices.Delete(s, 0, len(s)-h.limit)
	}
	return s
}

// Requests returns the recorded requests, oldest first.
func (h *History) Requests() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.requests)
}

// Responses returns the recorded responses, oldest first. Notifications
// have none.
func (h *History) Responses() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.responses)
}

// LastRequest returns the most recent request, or nil.
func (h *History) LastRequest() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.requests) == 0 {
		return nil
	}
	return h.requests[len(h.requests)-1]
}

// LastResponse returns the most recent response, or nil.
func (h *History) LastResponse() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.responses) == 0 {
		return nil
	}
	return h.responses[len(h.responses)-1]
}

// Clear forgets everything.
func (h *History) Clear() {
	h.mu.Lock()
	h.requests, h.responses = nil, nil
	h.mu.Unlock()
}
