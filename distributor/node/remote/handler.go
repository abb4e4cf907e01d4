package remote

import (
	"encoding/json"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/distributor/domain"
	"github.com/twitter/grid/distributor/node"
)

// NewNodeHandler exposes n on the paths RemoteNode calls.
func NewNodeHandler(n node.Node) http.Handler {
	h := &nodeHandler{node: n}
	mux := http.NewServeMux()
	mux.HandleFunc(StatusPath, h.status)
	mux.HandleFunc(SessionPath, h.newSession)
	mux.HandleFunc(SessionPath+"/", h.stopSession)
	mux.HandleFunc(DrainPath, h.drain)
	mux.HandleFunc(HealthPath, h.health)
	return mux
}

type nodeHandler struct {
	node node.Node
}

func (h *nodeHandler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := h.node.GetStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, status)
}

func (h *nodeHandler) newSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req node.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	session, err := h.node.NewSession(r.Context(), req)
	if err != nil {
		code := http.StatusInternalServerError
		if domain.IsSessionNotCreated(err) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, session)
}

func (h *nodeHandler) stopSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != "DELETE" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := domain.SessionId(strings.TrimPrefix(r.URL.Path, SessionPath+"/"))
	err := h.node.StopSession(r.Context(), id)
	if domain.IsNoSuchSession(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *nodeHandler) drain(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.node.Drain(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *nodeHandler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.node.HealthCheck(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to write response: %v", err)
	}
}
