// Package api serves the distributor and the session queue over HTTP, and
// provides a client for it.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/cloud/events"
	"github.com/twitter/grid/common/stats"
	"github.com/twitter/grid/distributor/domain"
	"github.com/twitter/grid/distributor/server"
	"github.com/twitter/grid/sessionqueue"
)

const (
	// GET the distributor status.
	StatusPath = "/se/grid/distributor/status"
	// POST a node heartbeat.
	NodePath = "/se/grid/distributor/node"
	// DELETE NodePrefix + id removes a node, POST NodePrefix + id + DrainSuffix drains it.
	NodePrefix  = NodePath + "/"
	DrainSuffix = "/drain"
	// GET queue info, DELETE clears the queue.
	QueuePath = "/se/grid/newsessionqueue/queue"
	// DELETE RequestPrefix + id cancels a pending request.
	RequestPrefix = "/se/grid/newsessionqueue/request/"
	// POST a new session request and wait for the session.
	SessionPath = "/se/grid/session"
)

// NewSessionPayload is the body of a new session request. Capabilities are
// alternatives in order of preference.
type NewSessionPayload struct {
	Dialects     []string              `json:"dialects"`
	Capabilities []domain.Capabilities `json:"capabilities"`
}

type ClearResult struct {
	Cleared int `json:"cleared"`
}

type handler struct {
	distributor server.Distributor
	queue       sessionqueue.SessionQueue
	bus         events.Bus
	stat        stats.StatsReceiver
}

// NewHandler returns the routes of the distributor api. Heartbeats are fired
// on bus for the distributor to pick up.
func NewHandler(d server.Distributor, q sessionqueue.SessionQueue, bus events.Bus, stat stats.StatsReceiver) http.Handler {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	h := &handler{distributor: d, queue: q, bus: bus, stat: stat.Scope("api")}
	mux := http.NewServeMux()
	mux.HandleFunc(StatusPath, h.status)
	mux.HandleFunc(NodePath, h.heartbeat)
	mux.HandleFunc(NodePrefix, h.node)
	mux.HandleFunc(QueuePath, h.queueInfo)
	mux.HandleFunc(RequestPrefix, h.removeRequest)
	mux.HandleFunc(SessionPath, h.newSession)
	return mux
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, "GET") {
		return
	}
	writeJSON(w, h.distributor.GetStatus())
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, "POST") {
		return
	}
	var status domain.NodeStatus
	if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if status.NodeId == "" || status.Uri == "" {
		http.Error(w, "nodeId and uri are required", http.StatusBadRequest)
		return
	}
	h.stat.Counter(stats.ApiHeartbeatCounter).Inc(1)
	h.bus.Fire(events.NodeStatusEvent{Status: status})
	w.WriteHeader(http.StatusOK)
}

func (h *handler) node(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, NodePrefix)
	if id := strings.TrimSuffix(rest, DrainSuffix); id != rest {
		if !allow(w, r, "POST") || !validId(w, id) {
			return
		}
		err := h.distributor.Drain(r.Context(), domain.NodeId(id))
		if server.IsNoSuchNode(err) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		log.WithFields(log.Fields{"node": id}).Info("Drain requested")
		w.WriteHeader(http.StatusOK)
		return
	}

	if !allow(w, r, "DELETE") || !validId(w, rest) {
		return
	}
	if !h.distributor.Remove(domain.NodeId(rest)) {
		http.Error(w, "no such node: "+rest, http.StatusNotFound)
		return
	}
	log.WithFields(log.Fields{"node": rest}).Info("Node removed")
	w.WriteHeader(http.StatusOK)
}

func (h *handler) queueInfo(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		writeJSON(w, h.queue.GetQueueInfo())
	case "DELETE":
		writeJSON(w, ClearResult{Cleared: h.queue.Clear()})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handler) removeRequest(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, RequestPrefix)
	if !allow(w, r, "DELETE") || !validId(w, id) {
		return
	}
	if !h.queue.Cancel(domain.RequestId(id)) {
		http.Error(w, "no such request: "+id, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) newSession(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, "POST") {
		return
	}
	var payload NewSessionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(payload.Capabilities) == 0 {
		http.Error(w, "no capabilities found", http.StatusBadRequest)
		return
	}
	req := domain.NewSessionRequest(payload.Dialects, payload.Capabilities...)
	session, err := h.queue.Submit(r.Context(), req)
	if err != nil {
		log.WithFields(log.Fields{"request": req.Id}).Infof("Session not created: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, session)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func validId(w http.ResponseWriter, id string) bool {
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to write response: %v", err)
	}
}
