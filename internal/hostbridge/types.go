package hostbridge

import (
	"encoding/json"
	"fmt"
)

// Message types of the bridge protocol.
const (
	TypeAuthRequired    = "auth_required"
	TypeAuth            = "auth"
	TypeAuthOK          = "auth_ok"
	TypeAuthInvalid     = "auth_invalid"
	TypeResult          = "result"
	TypeEvent           = "event"
	TypeImport          = "import"
	TypeLookupType      = "lookup_type"
	TypeSubscribeEvents = "subscribe_events"
)

// EventScriptUnloaded is sent when the host unloads a script.
const EventScriptUnloaded = "script_unloaded"

// CodeNotFound is the error code of an unknown type name.
const CodeNotFound = "not_found"

// Message represents a base WebSocket message to/from the host bridge
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from the host
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is a failed request.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge error: %s - %s", e.Code, e.Message)
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from the host
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// ScriptUnloadedEvent is the payload of a script_unloaded event
type ScriptUnloadedEvent struct {
	ScriptID string `json:"script_id"`
}

// ImportRequest asks the host's import proxy for a module mapping
type ImportRequest struct {
	ID       int      `json:"id"`
	Type     string   `json:"type"`
	Module   string   `json:"module"`
	FromList []string `json:"from_list,omitempty"`
}

// LookupTypeRequest asks the host for a type handle
type LookupTypeRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// ClassRef is a type handle living on the remote host.
type ClassRef struct {
	Name   string `json:"name"`
	Handle string `json:"handle"`
}

func (c *ClassRef) String() string {
	return c.Name
}

// UnloadHandler is called with the ID of an unloaded script
type UnloadHandler func(scriptID string)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe() error
}

// subscription implements Subscription interface
type subscription struct {
	id     int
	client *Client
}

func (s *subscription) Unsubscribe() error {
	return s.client.unsubscribe(s.id)
}
