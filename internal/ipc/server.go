// Package ipc is the local authenticated message-passing surface between
// the supervisor and each extension: typed request/reply verbs plus
// delta-poll endpoints, served over a unix-domain socket. Connection
// acceptance verifies the peer's code signature before any handler runs.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/delfador0x42/iris/internal/codesign"
	"github.com/delfador0x42/iris/internal/events"
	"github.com/delfador0x42/iris/internal/firewall"
)

// PollFunc serves one dataset's delta reads.
type PollFunc func(cursor uint64) (items []any, newCursor uint64)

// Backend is what an extension exposes over IPC. Nil fields answer 501,
// except Polls: a dataset missing from it answers 404.
type Backend struct {
	Extension        string
	Status           func() StatusReply
	SetInterception  func(enabled bool) error
	SetCaptureBudget func(bytes int64) error
	Firewall         *firewall.List
	InstallCA        func(pem []byte) error
	RawData          func(id uuid.UUID) (out, in int64, err error)
	Conversation     func(id uuid.UUID) ([]any, error)
	Polls            map[string]PollFunc
	Bus              *events.Bus
}

// Server serves the IPC surface for one extension process.
type Server struct {
	backend  Backend
	check    codesign.PeerCheck
	verifier codesign.Verifier
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewServer builds the router. verifier may be nil only in tests; a nil
// verifier skips the peer check and logs loudly.
func NewServer(backend Backend, check codesign.PeerCheck, verifier codesign.Verifier) *Server {
	s := &Server{
		backend:  backend,
		check:    check,
		verifier: verifier,
		logger:   log.New(log.Writer(), "[IPC] ", log.LstdFlags),
	}
	r := mux.NewRouter()
	r.HandleFunc("/v1/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/v1/interception", s.handleInterception).Methods("POST")
	r.HandleFunc("/v1/capture-budget", s.handleBudget).Methods("POST")
	r.HandleFunc("/v1/firewall/rules", s.handleListRules).Methods("GET")
	r.HandleFunc("/v1/firewall/rules", s.handleAddRule).Methods("POST")
	r.HandleFunc("/v1/firewall/rules/{id}", s.handleRemoveRule).Methods("DELETE")
	r.HandleFunc("/v1/firewall/rules/{id}/toggle", s.handleToggleRule).Methods("POST")
	r.HandleFunc("/v1/firewall/cleanup", s.handleCleanup).Methods("POST")
	r.HandleFunc("/v1/flows/{id}/raw", s.handleRawData).Methods("GET")
	r.HandleFunc("/v1/flows/{id}/conversation", s.handleConversation).Methods("GET")
	r.HandleFunc("/v1/ca", s.handleInstallCA).Methods("POST")
	r.HandleFunc("/v1/poll/{dataset}", s.handlePoll).Methods("GET")
	r.HandleFunc("/v1/stream", s.handleStream).Methods("GET")
	s.httpSrv = &http.Server{
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// ListenUnix binds the extension's socket (removing any stale one) and
// serves until Close.
func (s *Server) ListenUnix(socketPath string) error {
	os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("ipc: chmod socket: %w", err)
	}
	return s.Serve(l)
}

// Serve runs the HTTP surface over l with peer verification on accept.
func (s *Server) Serve(l net.Listener) error {
	if s.verifier == nil {
		s.logger.Printf("WARNING: serving without peer code-signature verification")
		return s.httpSrv.Serve(l)
	}
	err := s.httpSrv.Serve(&checkedListener{
		Listener: l,
		check:    s.check,
		verifier: s.verifier,
		logger:   s.logger,
	})
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the server.
func (s *Server) Close() error { return s.httpSrv.Close() }

// checkedListener refuses connections whose peer fails the code-signature
// expectation before the HTTP layer ever sees them.
type checkedListener struct {
	net.Listener
	check    codesign.PeerCheck
	verifier codesign.Verifier
	logger   *log.Logger
}

func (cl *checkedListener) Accept() (net.Conn, error) {
	for {
		conn, err := cl.Listener.Accept()
		if err != nil {
			return nil, err
		}
		pid, err := codesign.PeerPID(conn)
		if err != nil {
			cl.logger.Printf("refusing peer: pid resolution failed: %v", err)
			conn.Close()
			continue
		}
		id, err := cl.verifier.VerifyPID(pid)
		if err != nil {
			cl.logger.Printf("refusing peer pid %d: %v", pid, err)
			conn.Close()
			continue
		}
		if err := cl.check.Authorize(id); err != nil {
			cl.logger.Printf("refusing peer pid %d: %v", pid, err)
			conn.Close()
			continue
		}
		return conn, nil
	}
}

// --- Handlers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind string, err error) {
	s.writeJSON(w, status, ErrorReply{
		Extension: s.backend.Extension,
		Kind:      kind,
		Message:   err.Error(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.backend.Status == nil {
		s.writeError(w, http.StatusNotImplemented, "unsupported", errors.New("status not served"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleInterception(w http.ResponseWriter, r *http.Request) {
	if s.backend.SetInterception == nil {
		s.writeError(w, http.StatusNotImplemented, "unsupported", errors.New("interception toggle not served"))
		return
	}
	var req InterceptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed", err)
		return
	}
	if err := s.backend.SetInterception(req.Enabled); err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if s.backend.SetCaptureBudget == nil {
		s.writeError(w, http.StatusNotImplemented, "unsupported", errors.New("budget not served"))
		return
	}
	var req BudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed", err)
		return
	}
	if req.Bytes <= 0 {
		s.writeError(w, http.StatusBadRequest, "configuration", errors.New("budget must be positive"))
		return
	}
	if err := s.backend.SetCaptureBudget(req.Bytes); err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) requireFirewall(w http.ResponseWriter) bool {
	if s.backend.Firewall == nil {
		s.writeError(w, http.StatusNotImplemented, "unsupported", errors.New("firewall not served"))
		return false
	}
	return true
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if !s.requireFirewall(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, RulesReply{Rules: s.backend.Firewall.Rules()})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if !s.requireFirewall(w) {
		return
	}
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed", err)
		return
	}
	rule, err := s.backend.Firewall.Add(req.Rule)
	if err != nil {
		// Configuration errors (e.g. non-numeric port) surface to the
		// caller at insert time, never accepted silently.
		s.writeError(w, http.StatusBadRequest, "configuration", err)
		return
	}
	s.writeJSON(w, http.StatusOK, RuleReply{Rule: rule})
}

func (s *Server) ruleID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed", err)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	if !s.requireFirewall(w) {
		return
	}
	id, ok := s.ruleID(w, r)
	if !ok {
		return
	}
	if err := s.backend.Firewall.Remove(id); err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	if !s.requireFirewall(w) {
		return
	}
	id, ok := s.ruleID(w, r)
	if !ok {
		return
	}
	if err := s.backend.Firewall.Toggle(id); err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !s.requireFirewall(w) {
		return
	}
	removed, err := s.backend.Firewall.CleanupExpired(time.Now())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	s.writeJSON(w, http.StatusOK, CleanupReply{Removed: removed})
}

func (s *Server) handleRawData(w http.ResponseWriter, r *http.Request) {
	if s.backend.RawData == nil {
		s.writeError(w, http.StatusNotImplemented, "unsupported", errors.New("raw data not served"))
		return
	}
	id, ok := s.ruleID(w, r)
	if !ok {
		return
	}
	out, in, err := s.backend.RawData(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", err)
		return
	}
	s.writeJSON(w, http.StatusOK, RawDataReply{FlowID: id, OutBytes: out, InBytes: in})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if s.backend.Conversation == nil {
		s.writeError(w, http.StatusNotImplemented, "unsupported", errors.New("conversation not served"))
		return
	}
	id, ok := s.ruleID(w, r)
	if !ok {
		return
	}
	segments, err := s.backend.Conversation(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"segments": segments})
}

func (s *Server) handleInstallCA(w http.ResponseWriter, r *http.Request) {
	if s.backend.InstallCA == nil {
		s.writeError(w, http.StatusNotImplemented, "unsupported", errors.New("ca install not served"))
		return
	}
	var req CAInstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed", err)
		return
	}
	if err := s.backend.InstallCA(req.PEM); err != nil {
		s.writeError(w, http.StatusBadRequest, "configuration", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	dataset := mux.Vars(r)["dataset"]
	poll, ok := s.backend.Polls[dataset]
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", fmt.Errorf("unknown dataset %q", dataset))
		return
	}
	cursor, err := strconv.ParseUint(r.URL.Query().Get("cursor"), 10, 64)
	if err != nil && r.URL.Query().Get("cursor") != "" {
		s.writeError(w, http.StatusBadRequest, "malformed", err)
		return
	}
	items, newCursor := poll(cursor)
	if items == nil {
		items = []any{}
	}
	s.writeJSON(w, http.StatusOK, PollReply{Items: items, NewCursor: newCursor})
}

// handleStream upgrades to a websocket fed from the event bus: a
// push-assist channel the supervisor UI attaches to in addition to plain
// delta polling.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.backend.Bus == nil {
		s.writeError(w, http.StatusNotImplemented, "unsupported", errors.New("stream not served"))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := s.backend.Bus.Subscribe()
	defer s.backend.Bus.Unsubscribe(sub)
	defer conn.Close()

	// Reader goroutine: only to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case item, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(item); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
