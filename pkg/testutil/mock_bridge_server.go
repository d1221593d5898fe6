package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"automationshim/internal/hostbridge"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg hostbridge.Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteJSON(msg); err != nil {
		log.Printf("Mock bridge write failed: %v", err)
	}
}

// MockBridgeServer simulates a remote host bridge. Host-namespace imports
// answer with a class_list naming the requested classes; other modules are
// served from mappings set with SetModule.
type MockBridgeServer struct {
	server      *httptest.Server
	token       string
	hostPrefix  string
	classes     map[string]string
	modules     map[string]*hostbridge.Mapping
	dataMu      sync.RWMutex
	connections []*connWrapper
	connsMu     sync.Mutex
	requests    []Request
	requestsMu  sync.Mutex
	delay       time.Duration // Simulates network latency
}

// NewMockBridgeServer creates a new mock bridge server
func NewMockBridgeServer(token string) *MockBridgeServer {
	return &MockBridgeServer{
		token:      token,
		hostPrefix: "org.openhab",
		classes:    make(map[string]string),
		modules:    make(map[string]*hostbridge.Mapping),
	}
}

// SetDelay sets the delay before each response
func (s *MockBridgeServer) SetDelay(delay time.Duration) {
	s.delay = delay
}

// Start starts the mock server on a free local port
func (s *MockBridgeServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return nil
}

// URL returns the websocket URL of the server
func (s *MockBridgeServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop stops the mock server
func (s *MockBridgeServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		s.server.Close()
	}
	return nil
}

// DefineClass makes fqn resolvable by lookup_type
func (s *MockBridgeServer) DefineClass(fqn string) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.classes[fqn] = "handle-" + fqn
}

// SetModule serves mapping for imports of name
func (s *MockBridgeServer) SetModule(name string, mapping *hostbridge.Mapping) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.modules[name] = mapping
}

// UnloadScript broadcasts a script_unloaded event
func (s *MockBridgeServer) UnloadScript(scriptID string) {
	data, _ := json.Marshal(hostbridge.ScriptUnloadedEvent{ScriptID: scriptID})
	msg := hostbridge.Message{
		Type:  hostbridge.TypeEvent,
		Event: &hostbridge.Event{EventType: hostbridge.EventScriptUnloaded, Data: data},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.write(msg)
	}
}

// handleWebSocket handles WebSocket connections
func (s *MockBridgeServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(hostbridge.Message{Type: hostbridge.TypeAuthRequired})

	var authMsg hostbridge.AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		log.Printf("Failed to read auth: %v", err)
		return
	}

	if authMsg.AccessToken != s.token {
		wrapper.write(hostbridge.Message{Type: hostbridge.TypeAuthInvalid})
		return
	}

	wrapper.write(hostbridge.Message{Type: hostbridge.TypeAuthOK})

	// Only authenticated connections receive events
	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		if s.delay > 0 {
			time.Sleep(s.delay)
		}

		switch base.Type {
		case hostbridge.TypeSubscribeEvents:
			s.record(base.Type, "", nil)
			wrapper.write(success(base.ID, nil))
		case hostbridge.TypeImport:
			s.handleImport(wrapper, msg)
		case hostbridge.TypeLookupType:
			s.handleLookupType(wrapper, msg)
		default:
			wrapper.write(failure(base.ID, "unknown_command", "unknown message type "+base.Type))
		}
	}
}

func (s *MockBridgeServer) handleImport(wrapper *connWrapper, msg json.RawMessage) {
	var req hostbridge.ImportRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}
	s.record(req.Type, req.Module, req.FromList)

	s.dataMu.RLock()
	mapping, ok := s.modules[req.Module]
	s.dataMu.RUnlock()

	if !ok && strings.HasPrefix(req.Module, s.hostPrefix) {
		classes := make([]any, 0, len(req.FromList))
		for _, symbol := range req.FromList {
			classes = append(classes, req.Module+"."+symbol)
		}
		mapping = hostbridge.NewMapping()
		if len(classes) > 0 {
			mapping.Put("class_list", classes)
		}
		ok = true
	}

	if !ok {
		wrapper.write(success(req.ID, json.RawMessage("null")))
		return
	}

	data, err := json.Marshal(mapping)
	if err != nil {
		wrapper.write(failure(req.ID, "internal", err.Error()))
		return
	}
	wrapper.write(success(req.ID, data))
}

func (s *MockBridgeServer) handleLookupType(wrapper *connWrapper, msg json.RawMessage) {
	var req hostbridge.LookupTypeRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}
	s.record(req.Type, req.Name, nil)

	s.dataMu.RLock()
	handle, ok := s.classes[req.Name]
	s.dataMu.RUnlock()

	if !ok {
		wrapper.write(failure(req.ID, hostbridge.CodeNotFound, "class "+req.Name+" not found"))
		return
	}

	data, _ := json.Marshal(hostbridge.ClassRef{Name: req.Name, Handle: handle})
	wrapper.write(success(req.ID, data))
}

func success(id int, result json.RawMessage) hostbridge.Message {
	ok := true
	return hostbridge.Message{ID: id, Type: hostbridge.TypeResult, Success: &ok, Result: result}
}

func failure(id int, code, message string) hostbridge.Message {
	ok := false
	return hostbridge.Message{
		ID:      id,
		Type:    hostbridge.TypeResult,
		Success: &ok,
		Error:   &hostbridge.Error{Code: code, Message: message},
	}
}

func (s *MockBridgeServer) record(typ, target string, fromList []string) {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	s.requests = append(s.requests, Request{
		Timestamp: time.Now(),
		Type:      typ,
		Target:    target,
		FromList:  fromList,
	})
}

// GetRequests returns all requests since last clear
func (s *MockBridgeServer) GetRequests() []Request {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	requests := make([]Request, len(s.requests))
	copy(requests, s.requests)
	return requests
}

// ClearRequests resets the request log
func (s *MockBridgeServer) ClearRequests() {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	s.requests = nil
}

// CountRequests counts requests of the given type
func (s *MockBridgeServer) CountRequests(typ string) int {
	return len(FilterRequests(s.GetRequests(), typ))
}
