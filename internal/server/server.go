package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/speechcoach/speechcoach/internal/feedback"
	"github.com/speechcoach/speechcoach/internal/language"
	"github.com/speechcoach/speechcoach/internal/prompt"
	"github.com/speechcoach/speechcoach/internal/session"
	"github.com/speechcoach/speechcoach/internal/stt"
	"github.com/speechcoach/speechcoach/pkg/config"
)

// sessionHeader carries the opaque per-browser-tab session identifier
// on every API call after /api/session/new.
const sessionHeader = "Session-ID"

// API bundles the request handlers with their collaborators.
type API struct {
	Config      config.Configuration
	Store       *session.Store
	Transcriber stt.Service
	Streamer    *feedback.Streamer
}

// AddRoutes wires the fully configured API plus the static frontend into the mux.
func AddRoutes(ctx context.Context, cfg config.Configuration, webDir string, mux *http.ServeMux) {
	api := New(ctx, cfg)
	api.AddRoutes(mux)

	mux.Handle("/", http.FileServer(http.Dir(webDir)))
}

func New(ctx context.Context, cfg config.Configuration) *API {
	httpClient := &http.Client{Timeout: 90 * time.Second}

	store := session.NewStore()
	store.StartReaper(ctx, cfg.SessionTTL(), time.Minute)

	llm := &feedback.LLM{
		ServerURL:   cfg.APIServerURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.ChatModel,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		HTTPClient:  httpClient,
	}

	return &API{
		Config: cfg,
		Store:  store,
		Transcriber: &stt.Client{
			URL:    cfg.APIServerURL,
			Model:  cfg.STTModel,
			APIKey: cfg.APIKey,
			Client: httpClient,
		},
		Streamer: feedback.NewStreamer(ctx, llm, store, &prompt.Builder{}),
	}
}

func (a *API) AddRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", recoverPanics(a.handleHealth))
	mux.HandleFunc("POST /api/session/new", recoverPanics(a.handleNewSession))
	mux.HandleFunc("POST /api/session/cleanup", recoverPanics(a.handleSessionCleanup))
	mux.HandleFunc("GET /api/session", recoverPanics(a.handleSessionData))
	mux.HandleFunc("DELETE /api/session", recoverPanics(a.handleClearRecordings))
	mux.HandleFunc("GET /api/languages", recoverPanics(a.handleLanguages))
	mux.HandleFunc("GET /api/recordings", recoverPanics(a.handleListRecordings))
	mux.HandleFunc("DELETE /api/recordings", recoverPanics(a.handleClearRecordings))
	mux.HandleFunc("GET /api/recordings/{filename}", recoverPanics(a.handleDownloadRecording))
	mux.HandleFunc("DELETE /api/recordings/{filename}", recoverPanics(a.handleDeleteRecording))
	mux.HandleFunc("POST /api/record", recoverPanics(a.handleRecord))
	mux.HandleFunc("GET /api/stream-feedback/{sessionID}/{filename}", recoverPanics(a.handleStreamFeedback))
}

func sessionID(req *http.Request) string {
	return req.Header.Get(sessionHeader)
}

func (a *API) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeSuccess(w, map[string]any{
		"status":          "healthy",
		"active_sessions": a.Store.Count(),
	})
}

func (a *API) handleNewSession(w http.ResponseWriter, req *http.Request) {
	writeSuccess(w, map[string]any{
		"session_id": a.Store.Create(),
	})
}

func (a *API) handleSessionCleanup(w http.ResponseWriter, req *http.Request) {
	id := sessionID(req)
	if id == "" {
		writeError(w, http.StatusBadRequest, "No session ID provided")
		return
	}

	a.Store.Destroy(id)

	writeSuccess(w, map[string]any{
		"message": "Session cleaned up successfully",
	})
}

func (a *API) handleSessionData(w http.ResponseWriter, req *http.Request) {
	id := sessionID(req)
	a.Store.Ensure(id)

	writeSuccess(w, map[string]any{
		"session_data": map[string]any{
			"session_id":   id,
			"speech_count": a.Store.RecordingCount(id),
		},
	})
}

func (a *API) handleLanguages(w http.ResponseWriter, req *http.Request) {
	writeSuccess(w, map[string]any{
		"languages":       language.Codes(),
		"display_options": language.DisplayOptions(),
	})
}

func (a *API) handleListRecordings(w http.ResponseWriter, req *http.Request) {
	id := sessionID(req)
	a.Store.Ensure(id)

	writeSuccess(w, map[string]any{
		"recordings": a.Store.List(id),
	})
}

func (a *API) handleDownloadRecording(w http.ResponseWriter, req *http.Request) {
	filename := req.PathValue("filename")

	rec, ok := a.Store.Get(sessionID(req), filename)
	if !ok {
		writeError(w, http.StatusNotFound, "Recording not found")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Audio)
}

func (a *API) handleDeleteRecording(w http.ResponseWriter, req *http.Request) {
	filename := req.PathValue("filename")

	if !a.Store.Delete(sessionID(req), filename) {
		writeError(w, http.StatusNotFound, "Recording not found")
		return
	}

	writeSuccess(w, map[string]any{
		"message": fmt.Sprintf("Recording %s deleted successfully", filename),
	})
}

func (a *API) handleClearRecordings(w http.ResponseWriter, req *http.Request) {
	if !a.Store.Clear(sessionID(req)) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	writeSuccess(w, map[string]any{
		"message": "All session recordings cleared",
	})
}
