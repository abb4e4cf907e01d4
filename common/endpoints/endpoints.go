// Package endpoints serves the admin http surface shared by grid binaries:
// a health check, metrics, and whatever api handlers the binary mounts.
package endpoints

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/common/stats"
)

const (
	HealthPath  = "/health"
	MetricsPath = "/admin/metrics.json"
)

type Addr string

// NewTwitterServer mounts handlers, keyed by pattern, next to the admin paths.
func NewTwitterServer(addr Addr, stats stats.StatsReceiver, handlers map[string]http.Handler) *TwitterServer {
	s := &TwitterServer{
		Addr:  string(addr),
		Stats: stats,
		mux:   http.NewServeMux(),
	}
	s.server = &http.Server{Addr: s.Addr, Handler: s.mux}
	s.mux.HandleFunc(HealthPath, healthHandler)
	s.mux.HandleFunc(MetricsPath, s.statsHandler)
	for pattern, h := range handlers {
		s.mux.Handle(pattern, h)
		s.paths = append(s.paths, pattern)
	}
	sort.Strings(s.paths)
	s.mux.HandleFunc("/", s.helpHandler)
	return s
}

type TwitterServer struct {
	Addr  string
	Stats stats.StatsReceiver

	mux    *http.ServeMux
	paths  []string
	server *http.Server
}

func (s *TwitterServer) Handler() http.Handler {
	return s.mux
}

// Serve blocks until the server fails or is shut down.
func (s *TwitterServer) Serve() error {
	log.Infof("Serving http & stats on %s", s.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops Serve, or keeps it from starting when called first.
func (s *TwitterServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *TwitterServer) helpHandler(w http.ResponseWriter, r *http.Request) {
	paths := append([]string{HealthPath, MetricsPath}, s.paths...)
	http.Error(w, fmt.Sprintf("Common paths: '%s'", strings.Join(paths, "', '")), http.StatusNotImplemented)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *TwitterServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	const contentTypeHdr = "Content-Type"
	const contentTypeVal = "application/json; charset=utf-8"
	w.Header().Set(contentTypeHdr, contentTypeVal)

	pretty := r.URL.Query().Get("pretty") == "true"
	str := s.Stats.Render(pretty)
	if _, err := io.Copy(w, bytes.NewBuffer(str)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

type StatScope string

func MakeStatsReceiver(scope StatScope) stats.StatsReceiver {
	return stats.DefaultStatsReceiver().Scope(string(scope))
}
