// Package admin exposes a small HTTP/JSON control surface over the
// cluster using a plain gorilla/mux router: this daemon has no
// multi-tenant write API to protect, just local observability and a
// couple of admin actions, so a single unauthenticated HTTP surface bound
// to a private admin interface is the right level of ceremony.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cuemby/clustercore/pkg/barrier"
	"github.com/cuemby/clustercore/pkg/log"
	"github.com/cuemby/clustercore/pkg/membership"
	"github.com/cuemby/clustercore/pkg/metrics"
	"github.com/cuemby/clustercore/pkg/sg"
)

// Server is the admin HTTP surface for one clustercored process.
type Server struct {
	mem    *membership.Machine
	sgEng  *sg.Engine
	bar    *barrier.Registry
	router *mux.Router
	log    zerolog.Logger
	srv    *http.Server
}

// New builds the admin router. sgEng and bar may be nil in tests that
// only exercise membership.
func New(mem *membership.Machine, sgEng *sg.Engine, bar *barrier.Registry) *Server {
	s := &Server{
		mem:   mem,
		sgEng: sgEng,
		bar:   bar,
		log:   log.WithComponent("admin"),
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/nodes", s.handleNodes).Methods(http.MethodGet)
	r.HandleFunc("/sg", s.handleSGList).Methods(http.MethodGet)
	r.HandleFunc("/sg/{localID}/members", s.handleSGMembers).Methods(http.MethodGet)
	r.HandleFunc("/sg/{localID}/join", s.handleSGJoin).Methods(http.MethodPost)
	r.HandleFunc("/sg/{localID}/leave", s.handleSGLeave).Methods(http.MethodPost)
	r.HandleFunc("/leave", s.handleLeave).Methods(http.MethodPost)
	r.HandleFunc("/nodes/{id}/kill", s.handleKillNode).Methods(http.MethodPost)
	r.HandleFunc("/barriers", s.handleBarrierList).Methods(http.MethodGet)
	r.HandleFunc("/barriers/{name}/wait", s.handleBarrierWait).Methods(http.MethodPost)
	r.HandleFunc("/qdevice/heartbeat", s.handleQuorumDeviceHeartbeat).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

// Start runs the HTTP server until the process is stopped or the
// listener fails; it is meant to be launched in its own goroutine.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("admin server listening")
	return s.srv.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse mirrors the information a cman_tool status call would
// report for the local node.
type statusResponse struct {
	LocalID    int32  `json:"local_id"`
	State      string `json:"state"`
	Generation uint32 `json:"generation"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.mem == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "membership not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		LocalID:    s.mem.LocalID(),
		State:      s.mem.State().String(),
		Generation: s.mem.Generation(),
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if s.mem == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "membership not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, s.mem.NodeTable().All())
}

func (s *Server) handleSGMembers(w http.ResponseWriter, r *http.Request) {
	if s.sgEng == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sg engine not initialized"})
		return
	}
	vars := mux.Vars(r)
	localID, err := strconv.ParseUint(vars["localID"], 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid local id"})
		return
	}
	members, err := s.sgEng.GetMembers(uint32(localID))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

// handleLeave voluntarily removes this node from the cluster.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if s.mem == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "membership not initialized"})
		return
	}
	if err := s.mem.Leave(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// handleKillNode evicts the named peer from the cluster.
func (s *Server) handleKillNode(w http.ResponseWriter, r *http.Request) {
	if s.mem == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "membership not initialized"})
		return
	}
	vars := mux.Vars(r)
	id, err := strconv.ParseInt(vars["id"], 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node id"})
		return
	}
	if err := s.mem.KillNode(int32(id)); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handleBarrierList(w http.ResponseWriter, r *http.Request) {
	if s.bar == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "barrier registry not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"barriers": s.bar.List()})
}

// barrierWaitRequest is the JSON body accepted by POST /barriers/{name}/wait.
type barrierWaitRequest struct {
	MemberID       string `json:"member_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// handleBarrierWait registers the caller's arrival at name and blocks
// until the barrier completes, times out, or is cancelled.
func (s *Server) handleBarrierWait(w http.ResponseWriter, r *http.Request) {
	if s.bar == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "barrier registry not initialized"})
		return
	}
	name := mux.Vars(r)["name"]
	var req barrierWaitRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.MemberID == "" {
		req.MemberID = r.RemoteAddr
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	result := make(chan barrier.Status, 1)
	err := s.bar.Wait(r.Context(), name, req.MemberID, timeout, func(_ string, status barrier.Status) {
		result <- status
	})
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	select {
	case status := <-result:
		writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
	case <-r.Context().Done():
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "request cancelled before barrier resolved"})
	}
}

func (s *Server) handleSGList(w http.ResponseWriter, r *http.Request) {
	if s.sgEng == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sg engine not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": s.sgEng.List()})
}

func parseLocalID(r *http.Request) (uint32, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["localID"], 10, 32)
	return uint32(id), err
}

func (s *Server) handleSGJoin(w http.ResponseWriter, r *http.Request) {
	if s.sgEng == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sg engine not initialized"})
		return
	}
	localID, err := parseLocalID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid local id"})
		return
	}
	if err := s.sgEng.Join(localID); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *Server) handleSGLeave(w http.ResponseWriter, r *http.Request) {
	if s.sgEng == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sg engine not initialized"})
		return
	}
	localID, err := parseLocalID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid local id"})
		return
	}
	if err := s.sgEng.Leave(localID); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// handleQuorumDeviceHeartbeat lets an external quorum device process (one
// with no other reason to speak the cluster wire protocol) report that
// it's still alive.
func (s *Server) handleQuorumDeviceHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.mem == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "membership not initialized"})
		return
	}
	if !s.mem.NodeTable().HasQuorumDevice() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no quorum device registered"})
		return
	}
	s.mem.QuorumDeviceHeartbeat()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
