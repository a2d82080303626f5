package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/speechcoach/speechcoach/internal/feedback"
)

// handleStreamFeedback delivers the feedback token stream for a stored
// recording, as server-sent events by default or over a websocket when
// the client asks for an upgrade. Reconnecting while generation is in
// flight attaches to the running stream instead of restarting it.
func (a *API) handleStreamFeedback(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("sessionID")
	filename := req.PathValue("filename")
	// An absent language parameter defers to the language stored with
	// the recording.
	languageCode := req.URL.Query().Get("language")

	sub := a.Streamer.Subscribe(req.Context(), id, filename, languageCode)
	defer sub.Stop()

	if strings.Contains(req.Header.Get("Connection"), "Upgrade") {
		a.streamOverWebsocket(w, req, sub.ResultChan())
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("X-Accel-Buffering", "no") // tell reverse proxy not to buffer

	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	for evt := range sub.ResultChan() {
		body, err := json.Marshal(evt)
		if err != nil {
			slog.Error(fmt.Sprintf("marshal feedback event: %s", err))
			return
		}

		_, err = fmt.Fprintf(w, "data: %s\n\n", body)
		if err != nil {
			slog.Debug(fmt.Sprintf("feedback stream client gone: %s", err))
			return
		}

		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (a *API) streamOverWebsocket(w http.ResponseWriter, req *http.Request, events <-chan feedback.Event) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("accept websocket connection: %s", err))
		return
	}
	defer conn.CloseNow()

	for evt := range events {
		body, err := json.Marshal(evt)
		if err != nil {
			slog.Error(fmt.Sprintf("marshal feedback event: %s", err))
			return
		}

		err = conn.Write(req.Context(), websocket.MessageText, body)
		if err != nil {
			slog.Debug(fmt.Sprintf("feedback websocket client gone: %s", err))
			return
		}
	}

	_ = conn.Close(websocket.StatusNormalClosure, "stream complete")
}
