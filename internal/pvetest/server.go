// Package pvetest runs an in-process stand-in for the Proxmox VE API.
package pvetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

const (
	Password = "secret"
	Ticket   = "PVE:root@pam:4EEC61E2::sig"
	CSRF     = "4EEC61E2:csrf"
)

type task struct {
	node       string
	statuses   []string
	exitStatus string
	failures   []int
	served     int
	queries    []time.Time
	log        []string
}

// Server is a fake PVE endpoint. Tasks follow scripted status sequences.
type Server struct {
	*httptest.Server

	// BareStatus answers status queries with {"data":"<status>"} instead of an object.
	BareStatus bool

	mu          sync.Mutex
	requireAuth bool
	tasks       map[string]*task
	order       []string
	forms       map[string]url.Values
	sequence    int
}

// NewServer starts a fake server that is closed with the test.
func NewServer(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		tasks: make(map[string]*task),
		forms: make(map[string]url.Values),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api2/json").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/version", s.version).Methods(http.MethodGet)
	api.HandleFunc("/access/ticket", s.ticket).Methods(http.MethodPost)
	api.HandleFunc("/nodes", s.nodes).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node}/tasks", s.listTasks).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node}/tasks/{upid}/status", s.taskStatus).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node}/tasks/{upid}/log", s.taskLog).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node}/tasks/{upid}", s.stopTask).Methods(http.MethodDelete)
	api.HandleFunc("/nodes/{node}/vzdump", s.spawn("vzdump")).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{node}/{type:qemu|lxc}/{vmid}/status/{action}", s.spawnAction).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{node}/{type:qemu|lxc}/{vmid}/migrate", s.spawn("migrate")).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{node}/{type:qemu|lxc}/{vmid}/clone", s.spawn("clone")).Methods(http.MethodPost)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// RequireAuth makes every call except the ticket request answer 401 unless it
// carries an API token or the ticket issued by this server.
func (s *Server) RequireAuth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireAuth = true
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		required := s.requireAuth
		s.mu.Unlock()

		if required && r.URL.Path != "/api2/json/access/ticket" && !authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"data": nil})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authorized(r *http.Request) bool {
	if r.Header.Get("Authorization") != "" {
		return true
	}
	cookie, err := r.Cookie("PVEAuthCookie")
	return err == nil && cookie.Value == Ticket
}

// BaseURL is the JSON API root of the server.
func (s *Server) BaseURL() string {
	return s.URL + "/api2/json"
}

// AddTask scripts the statuses successive queries of upid will see. The last
// status repeats once the script is exhausted.
func (s *Server) AddTask(node, upid string, statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addTaskLocked(node, upid, statuses)
}

func (s *Server) addTaskLocked(node, upid string, statuses []string) {
	s.tasks[upid] = &task{
		node:       node,
		statuses:   statuses,
		exitStatus: "OK",
		log:        []string{"starting " + upid, "TASK OK"},
	}
	s.order = append(s.order, upid)
}

// SetExitStatus sets the exit status reported once upid stops.
func (s *Server) SetExitStatus(upid, exitStatus string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[upid]; ok {
		t.exitStatus = exitStatus
	}
}

// FailQueries makes the next status queries of upid answer with the given codes.
func (s *Server) FailQueries(upid string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[upid]; ok {
		t.failures = append(t.failures, codes...)
	}
}

// StatusQueries returns the times at which upid's status was queried.
func (s *Server) StatusQueries(upid string) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[upid]; ok {
		return append([]time.Time(nil), t.queries...)
	}
	return nil
}

// LastForm returns the form of the most recent request to path.
func (s *Server) LastForm(path string) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forms[path]
}

// Tasks returns the UPIDs the server knows, in creation order.
func (s *Server) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]string{"version": "8.2.4", "release": "8.2", "repoid": "faa83925"}})
}

func (s *Server) ticket(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"data": nil})
		return
	}
	if r.PostForm.Get("password") != Password {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"data": nil})
		return
	}
	user := r.PostForm.Get("username") + "@" + r.PostForm.Get("realm")
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]string{
		"username":            user,
		"ticket":              Ticket,
		"CSRFPreventionToken": CSRF,
	}})
}

func (s *Server) nodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{
		{"node": "pve1", "status": "online", "maxcpu": 16},
		{"node": "pve2", "status": "online", "maxcpu": 8},
	}})
}

func (s *Server) currentStatus(t *task) string {
	if len(t.statuses) == 0 {
		return "stopped"
	}
	idx := t.served
	t.served++
	if idx >= len(t.statuses) {
		idx = len(t.statuses) - 1
	}
	return t.statuses[idx]
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	upid := mux.Vars(r)["upid"]

	s.mu.Lock()
	t, ok := s.tasks[upid]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusInternalServerError, map[string]any{"data": nil, "errors": map[string]string{"upid": "no such task"}})
		return
	}
	if len(t.failures) > 0 {
		code := t.failures[0]
		t.failures = t.failures[1:]
		t.queries = append(t.queries, time.Now())
		s.mu.Unlock()
		writeJSON(w, code, map[string]any{"data": nil})
		return
	}
	t.queries = append(t.queries, time.Now())
	status := s.currentStatus(t)
	exit := t.exitStatus
	bare := s.BareStatus
	s.mu.Unlock()

	if bare {
		writeJSON(w, http.StatusOK, map[string]any{"data": status})
		return
	}

	data := map[string]any{"status": status, "upid": upid, "node": t.node}
	if status != "running" {
		data["exitstatus"] = exit
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) taskLog(w http.ResponseWriter, r *http.Request) {
	upid := mux.Vars(r)["upid"]

	s.mu.Lock()
	t, ok := s.tasks[upid]
	var lines []map[string]any
	if ok {
		for i, l := range t.log {
			lines = append(lines, map[string]any{"n": i + 1, "t": l})
		}
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"data": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": lines})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	node := mux.Vars(r)["node"]

	s.mu.Lock()
	var entries []map[string]any
	for _, upid := range s.order {
		t := s.tasks[upid]
		if t.node != node {
			continue
		}
		entries = append(entries, map[string]any{"upid": upid, "node": node, "type": "qmstart", "user": "root@pam", "starttime": 1710334643})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	upid := mux.Vars(r)["upid"]

	s.mu.Lock()
	t, ok := s.tasks[upid]
	if ok {
		t.statuses = []string{"stopped"}
		t.served = 0
		t.exitStatus = "interrupted by signal"
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"data": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nil})
}

func (s *Server) spawnAction(w http.ResponseWriter, r *http.Request) {
	s.spawn("qm"+mux.Vars(r)["action"])(w, r)
}

// spawn records the request form and answers with a fresh UPID whose task
// runs for one query and then stops.
func (s *Server) spawn(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("CSRFPreventionToken") != CSRF && r.Header.Get("Authorization") == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"data": nil})
			return
		}
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"data": nil})
			return
		}

		vars := mux.Vars(r)
		node := vars["node"]
		id := vars["vmid"]
		if id == "" {
			id = r.PostForm.Get("vmid")
		}

		s.mu.Lock()
		s.sequence++
		upid := fmt.Sprintf("UPID:%s:%08X:%08X:%08X:%s:%s:root@pam:", node, 4096+s.sequence, 85121216, 1710334643+s.sequence, kind, id)
		s.addTaskLocked(node, upid, []string{"running", "stopped"})
		s.forms[r.URL.Path] = r.PostForm
		s.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{"data": upid})
	}
}
