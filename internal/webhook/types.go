package webhook

import (
	"time"
)

type EventType string

const (
	EventConnectionOpen      EventType = "connection.open"
	EventConnectionLoggedOut EventType = "connection.logged_out"
	EventConnectionQR        EventType = "connection.qr"
	EventSessionPersisted    EventType = "session.persisted"
)

type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryDropped DeliveryStatus = "dropped"
)

// Event is the JSON body posted to the webhook URL.
type Event struct {
	ID        string                 `json:"id"`
	EventType EventType              `json:"event_type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Stats counts deliveries since the engine started.
type Stats struct {
	Delivered  int64     `json:"delivered"`
	Failed     int64     `json:"failed"`
	Dropped    int64     `json:"dropped"`
	LastStatus string    `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	LastAt     time.Time `json:"last_at,omitempty"`
}
