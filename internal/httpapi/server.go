// Package httpapi is the admin/debug surface of the receptionist: health,
// metrics, live sessions and manual probes for the AI pipeline. It plays no
// part in call handling.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tksa/receptionist/internal/config"
	"github.com/tksa/receptionist/internal/dialog"
	"github.com/tksa/receptionist/internal/engine"
	"github.com/tksa/receptionist/internal/observability"
)

// SessionLister exposes the engine's open sessions.
type SessionLister interface {
	Sessions() []engine.Snapshot
}

// AudioCache synthesizes (or returns cached) audio for a phrase.
type AudioCache interface {
	EnsureAudio(ctx context.Context, text string, useCache bool) (string, error)
}

// Transcriber converts a recording file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Classifier maps an utterance to a service.
type Classifier interface {
	Classify(ctx context.Context, userText string) (dialog.Intent, error)
}

type Server struct {
	cfg        config.Config
	sessions   SessionLister
	audio      AudioCache
	stt        Transcriber
	classifier Classifier
	metrics    *observability.Metrics
}

func New(cfg config.Config, sessions SessionLister, audio AudioCache, stt Transcriber, classifier Classifier, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		audio:      audio,
		stt:        stt,
		classifier: classifier,
		metrics:    metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/sessions", s.handleSessions)

	r.Post("/test/tts", s.handleTestTTS)
	r.Post("/test/stt", s.handleTestSTT)
	r.Post("/test/intent", s.handleTestIntent)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"service":  "receptionist",
		"company":  s.cfg.CompanyName,
		"status":   "running",
		"services": s.cfg.Services.Services(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sessions.Sessions()
	respondJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleTestTTS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	path, err := s.audio.EnsureAudio(r.Context(), req.Text, true)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "audio_path": path})
}

func (s *Server) handleTestSTT(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AudioPath string `json:"audio_path"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.AudioPath) == "" {
		respondError(w, http.StatusBadRequest, "audio_path is required")
		return
	}
	transcript, err := s.stt.Transcribe(r.Context(), req.AudioPath)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "transcript": transcript})
}

func (s *Server) handleTestIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	intent, err := s.classifier.Classify(r.Context(), req.Text)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var serviceName any
	if intent.Service != nil {
		serviceName = intent.Service.Name
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  serviceName,
		"response": intent.Response,
	})
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errEmptyBody
	}
	return json.Unmarshal(body, dst)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]any{"status": "error", "detail": detail})
}
