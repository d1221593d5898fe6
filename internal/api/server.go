package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"automationshim/internal/exception"
	"automationshim/internal/scripting"
	"automationshim/internal/traceback"
	"automationshim/pkg/interop"

	"go.uber.org/zap"
)

// DefaultScriptID is the context used by /api/import when no script is named.
const DefaultScriptID = "api"

// Server provides HTTP endpoints to inspect the shim and resolve imports
type Server struct {
	scripts   *scripting.Manager
	connected func() bool
	logger    *zap.Logger
	server    *http.Server
	handler   http.Handler
}

// NewServer creates a new API server. connected reports the bridge link; nil
// means the in-process host is used.
func NewServer(scripts *scripting.Manager, connected func() bool, logger *zap.Logger, port int) *Server {
	s := &Server{
		scripts:   scripts,
		connected: connected,
		logger:    logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/scripts", s.handleScripts)
	mux.HandleFunc("/api/scripts/", s.handleScript)
	mux.HandleFunc("/api/namespaces", s.handleNamespaces)
	mux.HandleFunc("/api/import", s.handleImport)
	mux.HandleFunc("/health", s.handleHealth)
	s.handler = mux

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ScriptInfo describes one loaded script context
type ScriptInfo struct {
	ScriptID  string `json:"script_id"`
	ContextID string `json:"context_id"`
	Closed    bool   `json:"closed"`
}

// ScriptsResponse represents the JSON response for the scripts endpoint
type ScriptsResponse struct {
	Scripts []ScriptInfo `json:"scripts"`
}

// NamespacesResponse represents the reserved namespace configuration
type NamespacesResponse struct {
	HostPrefix       string `json:"host_prefix"`
	VirtualNamespace string `json:"virtual_namespace"`
	ClassListKey     string `json:"class_list_key"`
}

// Export is one name bound by an imported module
type Export struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ImportResponse represents a successful import
type ImportResponse struct {
	Module  string   `json:"module"`
	Exports []Export `json:"exports"`
}

// ErrorResponse represents a failed import, rendered the way scripts see it
type ErrorResponse struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleScripts lists the loaded script contexts
func (s *Server) handleScripts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := ScriptsResponse{Scripts: make([]ScriptInfo, 0)}
	for _, id := range s.scripts.IDs() {
		sc, ok := s.scripts.Get(id)
		if !ok {
			continue
		}
		response.Scripts = append(response.Scripts, ScriptInfo{
			ScriptID:  id,
			ContextID: sc.ID,
			Closed:    sc.Closed(),
		})
	}

	s.writeJSON(w, http.StatusOK, response)
	s.logger.Debug("Scripts request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("scripts", len(response.Scripts)))
}

// handleScript unloads one script: DELETE /api/scripts/<id>
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/scripts/")
	if id == "" {
		http.Error(w, "script id required", http.StatusBadRequest)
		return
	}
	if _, ok := s.scripts.Get(id); !ok {
		http.NotFound(w, r)
		return
	}

	s.scripts.Unload(id)
	s.logger.Info("Script unloaded via API", zap.String("script_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// handleNamespaces returns the reserved namespaces new scripts are opened
// with
func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	options := s.scripts.Options()
	s.writeJSON(w, http.StatusOK, NamespacesResponse{
		HostPrefix:       options.HostPrefix,
		VirtualNamespace: options.VirtualNamespace,
		ClassListKey:     options.ClassListKey,
	})
}

// handleImport resolves ?module=<name>&name=<a>&name=<b> through a script
// context, opening it on first use.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	module := query.Get("module")
	if module == "" {
		http.Error(w, "module parameter required", http.StatusBadRequest)
		return
	}
	scriptID := query.Get("script")
	if scriptID == "" {
		scriptID = DefaultScriptID
	}

	sc, err := s.scripts.GetOrOpen(scriptID)
	if err != nil {
		s.logger.Error("Failed to open script context",
			zap.String("script_id", scriptID),
			zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	mod, err := sc.Import(module, query["name"]...)
	if err != nil {
		s.logger.Debug("Import failed",
			zap.String("module", module),
			zap.Error(err))
		s.writeJSON(w, statusFor(err), ErrorResponse{
			Kind:      string(exception.KindOf(err)),
			Message:   err.Error(),
			Traceback: traceback.Format(err),
		})
		return
	}

	response := ImportResponse{Module: mod.Name(), Exports: make([]Export, 0)}
	for _, name := range mod.Names() {
		value, _ := mod.Get(name)
		response.Exports = append(response.Exports, Export{Name: name, Value: Describe(value)})
	}
	s.writeJSON(w, http.StatusOK, response)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, exception.ErrModuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, exception.ErrEnvironment):
		return http.StatusServiceUnavailable
	case errors.Is(err, scripting.ErrClosed):
		return http.StatusConflict
	}
	return http.StatusUnprocessableEntity
}

// Describe renders an export for display: modules and class handles by
// name, anything else with its default format.
func Describe(v any) string {
	switch x := v.(type) {
	case interop.Module:
		return "<module " + x.Name() + ">"
	case interface{ ClassName() string }:
		return "<class " + x.ClassName() + ">"
	}
	return fmt.Sprint(v)
}

// HealthResponse reports the shim and bridge status
type HealthResponse struct {
	Status string `json:"status"`
	Bridge string `json:"bridge"`
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{Status: "ok", Bridge: "in-process"}
	if s.connected != nil {
		response.Bridge = "connected"
		if !s.connected() {
			response.Status = "degraded"
			response.Bridge = "disconnected"
		}
	}
	s.writeJSON(w, http.StatusOK, response)
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/api/scripts", Method: "GET", Description: "List loaded script contexts"},
	{Path: "/api/scripts/<id>", Method: "DELETE", Description: "Unload a script and close its context"},
	{Path: "/api/namespaces", Method: "GET", Description: "Reserved namespace configuration"},
	{Path: "/api/import?module=<m>&name=<n>", Method: "GET", Description: "Resolve an import and list its exports"},
	{Path: "/health", Method: "GET", Description: "Health check, including the bridge link"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.writeJSON(w, http.StatusOK, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Automation Shim API\n")
	fmt.Fprintf(w, "===================\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-7s %-32s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExample:\n\n")
	fmt.Fprintf(w, "  curl 'http://localhost%s/api/import?module=org.openhab.core.items&name=Item'\n", s.server.Addr)
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
