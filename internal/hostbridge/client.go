// Package hostbridge connects script contexts to a remote host over a
// websocket. The bridge serves as both the import proxy and the type lookup
// of a context and notifies about unloaded scripts.
package hostbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"automationshim/pkg/interop"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

// Bridge defines the interface of a host bridge client
type Bridge interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	Import(name string, fromList []string) (any, error)
	LookupType(name string) (any, error)
	OnScriptUnloaded(handler UnloadHandler) Subscription
}

type handlerEntry struct {
	subID   int
	handler UnloadHandler
}

// Client implements Bridge
type Client struct {
	url       string
	token     string
	logger    *zap.Logger
	session   string
	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	msgID     int
	msgIDMu   sync.Mutex
	pending   map[int]chan Message
	pendingMu sync.Mutex
	handlers  []handlerEntry
	handlerMu sync.RWMutex
	nextSubID int
	ctx       context.Context
	cancel    context.CancelFunc
	reconnect bool
	timeout   time.Duration
	writeMu   sync.Mutex // Protects websocket writes
}

var _ Bridge = (*Client)(nil)

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// NewClient creates a new host bridge client
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:       url,
		token:     token,
		logger:    logger.Named("hostbridge"),
		pending:   make(map[int]chan Message),
		ctx:       ctx,
		cancel:    cancel,
		reconnect: true,
		timeout:   defaultRequestTimeout,
	}
}

// SetRequestTimeout changes how long a request waits for its response.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.timeout = d
}

// Connect establishes WebSocket connection and authenticates
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	c.conn = conn
	c.session = uuid.NewString()
	c.resetContextLocked()
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to host bridge",
		zap.String("url", c.url),
		zap.String("session", c.session))

	go c.receiveMessages(conn)

	// Release lock before subscribing to avoid deadlock
	c.connMu.Unlock()

	if err := c.subscribe(EventScriptUnloaded); err != nil {
		c.logger.Warn("Failed to subscribe to script unload events", zap.Error(err))
	}

	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != TypeAuthRequired {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(AuthMessage{Type: TypeAuth, AccessToken: c.token})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	switch authResponse.Type {
	case TypeAuthOK:
		return nil
	case TypeAuthInvalid:
		return fmt.Errorf("authentication failed: invalid token")
	}
	return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		c.reconnect = false
		c.cancel()
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("Disconnected from host bridge", zap.String("session", c.session))
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// nextMsgID returns the next message ID
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage sends msg, whose ID is msgID, and waits for the response
func (c *Client) sendMessage(msgID int, msg any) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, fmt.Errorf("not connected")
	}
	conn, ctx, timeout := c.conn, c.ctx, c.timeout
	c.connMu.RUnlock()

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// receiveMessages handles incoming messages in the background
func (c *Client) receiveMessages(conn *websocket.Conn) {
	c.connMu.RLock()
	ctx := c.ctx
	c.connMu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect()
			return
		}

		if msg.Type == TypeEvent {
			c.handleEvent(&msg)
			continue
		}

		// Route response to waiting goroutine
		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// handleEvent processes event messages
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != EventScriptUnloaded {
		return
	}

	var data ScriptUnloadedEvent
	if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
		c.logger.Error("Failed to unmarshal script_unloaded event", zap.Error(err))
		return
	}

	c.logger.Debug("Script unloaded", zap.String("script_id", data.ScriptID))

	c.handlerMu.RLock()
	entries := append([]handlerEntry(nil), c.handlers...)
	c.handlerMu.RUnlock()

	for _, entry := range entries {
		entry.handler(data.ScriptID)
	}
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	reconnect := c.reconnect
	session := c.session
	c.connMu.Unlock()

	c.logger.Warn("Connection lost", zap.String("session", session))

	if !reconnect {
		return
	}

	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	c.connMu.RLock()
	ctx := c.ctx
	c.connMu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

func (c *Client) subscribe(eventType string) error {
	msgID := c.nextMsgID()
	_, err := c.sendMessage(msgID, &SubscribeEventsRequest{
		ID:        msgID,
		Type:      TypeSubscribeEvents,
		EventType: eventType,
	})
	return err
}

// Import asks the host's import proxy for the mapping of name. It has the
// shape of interop.ImportProxy. A null result yields a nil mapping.
func (c *Client) Import(name string, fromList []string) (any, error) {
	msgID := c.nextMsgID()
	resp, err := c.sendMessage(msgID, &ImportRequest{
		ID:       msgID,
		Type:     TypeImport,
		Module:   name,
		FromList: fromList,
	})
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", name, err)
	}

	if isNull(resp.Result) {
		return nil, nil
	}

	mapping := NewMapping()
	if err := json.Unmarshal(resp.Result, mapping); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mapping of %s: %w", name, err)
	}
	return mapping, nil
}

// ImportProxy returns the client as an import proxy.
func (c *Client) ImportProxy() interop.ImportProxy {
	return func(name string, fromList []string) (any, error) {
		return c.Import(name, fromList)
	}
}

// LookupType resolves a fully qualified type name to a remote handle.
// Unknown names yield an error wrapping interop.ErrKeyNotFound.
func (c *Client) LookupType(name string) (any, error) {
	msgID := c.nextMsgID()
	resp, err := c.sendMessage(msgID, &LookupTypeRequest{
		ID:   msgID,
		Type: TypeLookupType,
		Name: name,
	})
	if err != nil {
		if remote, ok := err.(*RemoteError); ok && remote.Code == CodeNotFound {
			return nil, fmt.Errorf("%w: %s", interop.ErrKeyNotFound, name)
		}
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}

	var ref ClassRef
	if err := json.Unmarshal(resp.Result, &ref); err != nil {
		return nil, fmt.Errorf("failed to unmarshal class %s: %w", name, err)
	}
	if ref.Name == "" {
		ref.Name = name
	}
	return &ref, nil
}

// OnScriptUnloaded registers handler for script unload events.
func (c *Client) OnScriptUnloaded(handler UnloadHandler) Subscription {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	subID := c.nextSubID
	c.nextSubID++
	c.handlers = append(c.handlers, handlerEntry{subID: subID, handler: handler})

	return &subscription{id: subID, client: c}
}

// unsubscribe removes a handler by subscription ID
func (c *Client) unsubscribe(subID int) error {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	for i, entry := range c.handlers {
		if entry.subID == subID {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			break
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
