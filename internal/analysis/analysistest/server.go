// Package analysistest provides an in-process fake of the analysis backend.
package analysistest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Server is a fake analysis backend backed by httptest.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	questions     []string
	candidates    map[string]string
	result        string
	legacy        bool
	generateCode  int
	analyzeCode   int
	analyzeGate   <-chan struct{}
	queries       []string
	analyzeBodies []map[string]any
}

// Option configures the fake.
type Option func(*Server)

// WithQuestions sets the follow-up questions returned by /api/generate.
func WithQuestions(q ...string) Option {
	return func(s *Server) { s.questions = q }
}

// WithCandidates sets the candidate map returned by /api/generate.
func WithCandidates(c map[string]string) Option {
	return func(s *Server) { s.candidates = c }
}

// WithResult sets the text returned by /api/analyze.
func WithResult(r string) Option {
	return func(s *Server) { s.result = r }
}

// WithLegacyShape makes /api/generate answer with {"followup": [...]} only.
func WithLegacyShape() Option {
	return func(s *Server) { s.legacy = true }
}

// WithGenerateStatus forces the status code of /api/generate.
func WithGenerateStatus(code int) Option {
	return func(s *Server) { s.generateCode = code }
}

// WithAnalyzeStatus forces the status code of /api/analyze.
func WithAnalyzeStatus(code int) Option {
	return func(s *Server) { s.analyzeCode = code }
}

// WithAnalyzeGate holds every /api/analyze response until gate is closed.
func WithAnalyzeGate(gate <-chan struct{}) Option {
	return func(s *Server) { s.analyzeGate = gate }
}

// NewServer starts a fake backend that is closed when the test ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		candidates:   map[string]string{},
		result:       "ok",
		generateCode: http.StatusOK,
		analyzeCode:  http.StatusOK,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Queries returns every query received by /api/generate.
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// AnalyzeBodies returns every decoded body received by /api/analyze.
func (s *Server) AnalyzeBodies() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.analyzeBodies...)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No query provided"})
		return
	}

	s.mu.Lock()
	s.queries = append(s.queries, body.Query)
	code := s.generateCode
	questions := s.questions
	candidates := s.candidates
	legacy := s.legacy
	s.mu.Unlock()

	if code != http.StatusOK {
		writeJSON(w, code, map[string]string{"error": "generate failed"})
		return
	}
	if legacy {
		writeJSON(w, http.StatusOK, map[string]any{"followup": questions})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"initialQuery":      body.Query,
		"candidates":        candidates,
		"followupQuestions": questions,
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	s.mu.Lock()
	s.analyzeBodies = append(s.analyzeBodies, body)
	code := s.analyzeCode
	result := s.result
	gate := s.analyzeGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if code != http.StatusOK {
		writeJSON(w, code, map[string]string{"error": "analyze failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
