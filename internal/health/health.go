// Package health contains the health check endpoint.
package health

import (
	"net/http"
	"time"

	"github.com/switchboard-rt/switchboard/internal/node"

	"github.com/segmentio/encoding/json"
)

// Config of health check handler.
type Config struct{}

// Handler handles health endpoint.
type Handler struct {
	node   *node.Node
	config Config
}

// NewHandler creates new Handler.
func NewHandler(n *node.Node, c Config) *Handler {
	return &Handler{
		node:   n,
		config: c,
	}
}

type healthReply struct {
	Node     string `json:"node"`
	Uptime   int64  `json:"uptime"` // seconds
	Sessions int    `json:"sessions"`
	Rooms    int    `json:"rooms"`
	Broker   string `json:"broker,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reply := healthReply{
		Node:     h.node.ID(),
		Uptime:   int64(time.Since(h.node.StartedAt()).Seconds()),
		Sessions: h.node.Hub().NumSessions(),
		Rooms:    h.node.Hub().NumRooms(),
	}
	if b := h.node.Broker(); b != nil {
		// Degraded bus is reported but not failing: the node still
		// serves its connected sessions while the bus is away.
		reply.Broker = b.State().String()
	}
	data, err := json.Marshal(reply)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
