// Package downstreamtest runs an in-process fake of the session backend.
package downstreamtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Frame is one SSE frame the fake streams back.
type Frame struct {
	Type string
	Text string
	// Delay is slept before the frame is written.
	Delay time.Duration
}

// Server is a fake backend. Its counters are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	tokenCalls   int
	creates      int
	deletes      []string
	sequences    map[string][]int64
	texts        []string
	rejected     map[string]bool
	failDelete   bool
	reply        func(text string) string
	frames       []Frame
	streamClosed chan struct{}
}

// New starts a fake backend that is closed with t.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		sequences:    make(map[string][]int64),
		rejected:     make(map[string]bool),
		reply:        func(text string) string { return "Echo: " + text },
		streamClosed: make(chan struct{}, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /services/oauth2/token", s.handleToken)
	mux.HandleFunc("POST /agents/{agent}/sessions", s.authed(s.handleCreate))
	mux.HandleFunc("DELETE /sessions/{id}", s.authed(s.handleDelete))
	mux.HandleFunc("POST /sessions/{id}/messages", s.authed(s.handleMessage))
	mux.HandleFunc("POST /sessions/{id}/messages/stream", s.authed(s.handleStream))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// SetReply sets the synchronous reply function.
func (s *Server) SetReply(fn func(text string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
}

// SetFrames sets the frames streamed for every streaming message.
func (s *Server) SetFrames(frames ...Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = frames
}

// RejectToken makes session endpoints answer 401 for token.
func (s *Server) RejectToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[token] = true
}

// FailDeletes makes session deletion answer 500.
func (s *Server) FailDeletes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDelete = true
}

func (s *Server) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

func (s *Server) SessionCreates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

func (s *Server) Deletes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

// Sequences returns the sequence ids received for a session, in order.
func (s *Server) Sequences(sessionID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.sequences[sessionID]...)
}

// Texts returns every message text received, in order.
func (s *Server) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// StreamClosed receives once per streaming request whose handler returned.
func (s *Server) StreamClosed() <-chan struct{} {
	return s.streamClosed
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("client_secret") == "wrong" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"invalid client credentials"}`))
		return
	}
	s.mu.Lock()
	s.tokenCalls++
	n := s.tokenCalls
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"access_token": fmt.Sprintf("tok-%d", n),
		"instance_url": s.URL,
		"token_type":   "Bearer",
	})
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		rejected := token == "" || s.rejected[token]
		s.mu.Unlock()
		if rejected {
			http.Error(w, `{"message":"invalid session"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.creates++
	id := fmt.Sprintf("sess-%d", s.creates)
	s.mu.Unlock()
	writeJSON(w, map[string]any{"sessionId": id, "messages": []any{}})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fail := s.failDelete
	if !fail {
		s.deletes = append(s.deletes, r.PathValue("id"))
	}
	s.mu.Unlock()
	if fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageBody struct {
	Message struct {
		SequenceID int64  `json:"sequenceId"`
		Type       string `json:"type"`
		Text       string `json:"text"`
	} `json:"message"`
}

func (s *Server) record(r *http.Request) (messageBody, bool) {
	var body messageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return body, false
	}
	s.mu.Lock()
	id := r.PathValue("id")
	s.sequences[id] = append(s.sequences[id], body.Message.SequenceID)
	s.texts = append(s.texts, body.Message.Text)
	s.mu.Unlock()
	return body, true
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := s.record(r)
	if !ok {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	reply := s.reply(body.Message.Text)
	s.mu.Unlock()
	writeJSON(w, map[string]any{
		"messages": []map[string]any{{"type": "Inform", "message": reply}},
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	defer func() { s.streamClosed <- struct{}{} }()
	if _, ok := s.record(r); !ok {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	frames := append([]Frame(nil), s.frames...)
	s.mu.Unlock()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, f := range frames {
		if f.Delay > 0 {
			select {
			case <-time.After(f.Delay):
			case <-r.Context().Done():
				return
			}
		}
		data, _ := json.Marshal(map[string]any{
			"message": map[string]any{"type": f.Type, "message": f.Text},
		})
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
