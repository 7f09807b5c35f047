package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeRunStarted announces a new de-identification run
	EventTypeRunStarted EventType = "run_started"
	// EventTypeFileStarted announces work on one input file
	EventTypeFileStarted EventType = "file_started"
	// EventTypeFileCompleted reports the outcome of one input file
	EventTypeFileCompleted EventType = "file_completed"
	// EventTypeValidationFailure reports a residual identifier found in output
	EventTypeValidationFailure EventType = "validation_failure"
	// EventTypeRunCompleted closes a run
	EventTypeRunCompleted EventType = "run_completed"
	// EventTypeSystemStatus carries periodic daemon status
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
)

// Event is the envelope sent to clients. Payloads carry counts,
// pseudonyms and locations, never original values.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// SystemStatusEvent represents periodic daemon status information
type SystemStatusEvent struct {
	State            string `json:"state"`
	RunID            string `json:"run_id,omitempty"`
	Records          int64  `json:"records"`
	Findings         int64  `json:"findings"`
	StoreEntries     int    `json:"store_entries"`
	ConnectedClients int    `json:"connected_clients"`
	Uptime           string `json:"uptime"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	ClientIP string `json:"client_ip"`
	Message  string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest narrows the event types a client receives
type SubscriptionRequest struct {
	Events []EventType `json:"events"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest // guarded by the hub mutex
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
}
