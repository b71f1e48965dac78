package events

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/mkarlsen/ticketscrub/internal/pipeline"
)

// Client represents a connected WebSocket client
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan pipeline.RunEvent
	ConnectedAt time.Time
	LastPing    time.Time
	IP          string

	// Projects holds an optional project-ID filter; empty means all runs.
	Projects map[int64]bool
}

// ClientMessage is a message received from a client
type ClientMessage struct {
	Type string `json:"type"`
	// Projects narrows the subscription to specific project IDs.
	Projects []int64 `json:"projects,omitempty"`
}

// HubStats tracks hub activity counters
type HubStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	TotalMessages     int64 `json:"total_messages"`
	TotalBroadcasts   int64 `json:"total_broadcasts"`
}
