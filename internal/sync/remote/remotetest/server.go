// Package remotetest provides an in-process fake of the remote POS server
// for tests. Create endpoints upsert by client_id so replays are harmless.
package remotetest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Call is one request observed by the server.
type Call struct {
	Method string
	Path   string
	Body   map[string]any
}

type fault struct {
	status int
	delay  time.Duration
}

// Server is a fake remote backed by httptest.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	token     string
	seq       int
	records   map[string]map[string]map[string]any // collection -> server id -> doc
	byClient  map[string]map[string]string         // collection -> client id -> server id
	snapshots map[string][]map[string]any
	faults    map[string][]fault
	calls     []Call
	now       func() time.Time
}

// NewServer starts a fake remote that accepts token as the bearer credential.
func NewServer(token string) *Server {
	s := &Server{
		token:     token,
		records:   map[string]map[string]map[string]any{},
		byClient:  map[string]map[string]string{},
		snapshots: map[string][]map[string]any{},
		faults:    map[string][]fault{},
		now:       time.Now,
	}

	r := mux.NewRouter()
	r.Use(s.recordCall, s.injectFaults, s.authenticate)
	r.HandleFunc("/auth/verify", s.handleVerify).Methods(http.MethodGet)
	r.HandleFunc("/orders", s.handleCreate("orders", "ord")).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}/status", s.handleStatus).Methods(http.MethodPatch)
	r.HandleFunc("/receipts", s.handleCreate("receipts", "rcp")).Methods(http.MethodPost)
	r.HandleFunc("/bill-requests", s.handleCreate("bill-requests", "bill")).Methods(http.MethodPost)
	r.HandleFunc("/{collection:menu-items|tables|users}", s.handleSnapshot).Methods(http.MethodGet)

	s.Server = httptest.NewServer(r)
	return s
}

// SetToken changes the accepted credential, e.g. to simulate expiry.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// FailNext makes the next request to path answer with status.
func (s *Server) FailNext(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[path] = append(s.faults[path], fault{status: status})
}

// DelayNext makes the next request to path sleep for d before being served.
func (s *Server) DelayNext(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[path] = append(s.faults[path], fault{delay: d})
}

// SetSnapshot sets the documents served by GET /{collection}.
func (s *Server) SetSnapshot(collection string, docs []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[collection] = docs
}

// Calls returns the requests observed so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the observed requests matching method and path.
func (s *Server) CallsTo(method, path string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// Records returns the stored documents of collection ("orders", "receipts", "bill-requests").
func (s *Server) Records(collection string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.records[collection]))
	for _, doc := range s.records[collection] {
		out = append(out, copyDoc(doc))
	}
	return out
}

// Record returns one stored document by server id.
func (s *Server) Record(collection, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.records[collection][id]
	if !ok {
		return nil, false
	}
	return copyDoc(doc), true
}

func (s *Server) recordCall(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &body)
			r.Body = io.NopCloser(bytes.NewReader(data))
		}
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Body: body})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var f *fault
		if queued := s.faults[r.URL.Path]; len(queued) > 0 {
			f = &queued[0]
			s.faults[r.URL.Path] = queued[1:]
		}
		s.mu.Unlock()

		if f != nil {
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-r.Context().Done():
					return
				}
			}
			if f.status != 0 {
				writeError(w, f.status, http.StatusText(f.status))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := "Bearer " + s.token
		s.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) handleCreate(collection, prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		clientID, _ := body["client_id"].(string)
		if clientID == "" {
			writeError(w, http.StatusUnprocessableEntity, "client_id is required")
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if collection == "receipts" {
			orderID, _ := body["order_id"].(string)
			if _, ok := s.records["orders"][orderID]; !ok {
				writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown order %q", orderID))
				return
			}
		}

		if s.byClient[collection] == nil {
			s.byClient[collection] = map[string]string{}
			s.records[collection] = map[string]map[string]any{}
		}
		if id, ok := s.byClient[collection][clientID]; ok {
			writeJSON(w, http.StatusOK, s.records[collection][id])
			return
		}

		s.seq++
		id := fmt.Sprintf("%s-%d", prefix, s.seq)
		now := s.now().UnixMilli()
		doc := copyDoc(body)
		doc["id"] = id
		doc["created_at"] = now
		doc["updated_at"] = now
		if collection == "orders" {
			if _, ok := doc["status"]; !ok {
				doc["status"] = "pending"
			}
		}
		s.records[collection][id] = doc
		s.byClient[collection][clientID] = id
		writeJSON(w, http.StatusCreated, doc)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.records["orders"][id]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("order %q not found", id))
		return
	}
	doc["status"] = body.Status
	doc["updated_at"] = s.now().UnixMilli()
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	s.mu.Lock()
	docs := s.snapshots[collection]
	if docs == nil {
		docs = []map[string]any{}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, docs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
