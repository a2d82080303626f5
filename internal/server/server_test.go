package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/speechcoach/speechcoach/internal/audio"
	"github.com/speechcoach/speechcoach/internal/feedback"
	"github.com/speechcoach/speechcoach/internal/prompt"
	"github.com/speechcoach/speechcoach/internal/session"
	"github.com/speechcoach/speechcoach/internal/stt"
	"github.com/speechcoach/speechcoach/pkg/config"
)

type fakeTranscriber struct {
	transcript string
	err        error

	mutex     sync.Mutex
	languages []string
}

var _ stt.Service = &fakeTranscriber{}

func (f *fakeTranscriber) Transcribe(ctx context.Context, wavData []byte, language string) (string, error) {
	f.mutex.Lock()
	f.languages = append(f.languages, language)
	f.mutex.Unlock()

	return f.transcript, f.err
}

type panickyTranscriber struct{}

func (panickyTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	panic("transcriber exploded")
}

type fakeCompletions struct {
	chunks []string
	err    error
}

func (f *fakeCompletions) Complete(ctx context.Context, prompt string, onChunk func(string) error) error {
	for _, chunk := range f.chunks {
		if err := onChunk(chunk); err != nil {
			return err
		}
	}

	return f.err
}

func newTestServer(t *testing.T, transcriber stt.Service, completions feedback.CompletionService) (*httptest.Server, *API) {
	t.Helper()

	store := session.NewStore()
	api := &API{
		Config:      config.Default(),
		Store:       store,
		Transcriber: transcriber,
		Streamer:    feedback.NewStreamer(context.Background(), completions, store, &prompt.Builder{}),
	}

	mux := http.NewServeMux()
	api.AddRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, api
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, sessionID string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, srv.URL+path, reqBody)
	require.NoError(t, err)
	if sessionID != "" {
		req.Header.Set("Session-ID", sessionID)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	decoded := map[string]any{}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}

	return resp, decoded
}

func newSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()

	resp, body := doRequest(t, srv, http.MethodPost, "/api/session/new", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)

	return id
}

func wavBase64(t *testing.T, seconds int) string {
	t.Helper()

	wavData, err := audio.FromRawPCM(make([]byte, seconds*16000*2), 16000)
	require.NoError(t, err)

	return base64.StdEncoding.EncodeToString(wavData)
}

func recordBody(t *testing.T, topic string, seconds int) map[string]any {
	t.Helper()

	return map[string]any{
		"topic":       topic,
		"speech_type": "presentation",
		"language":    "en",
		"audio_data":  wavBase64(t, seconds),
	}
}

func recordResult(t *testing.T, body map[string]any) map[string]any {
	t.Helper()

	result, ok := body["result"].(map[string]any)
	require.True(t, ok, "record response must nest its payload under result")

	return result
}

func readSSEEvents(t *testing.T, body io.Reader) []feedback.Event {
	t.Helper()

	events := []feedback.Event{}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var evt feedback.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
		events = append(events, evt)
	}
	require.NoError(t, scanner.Err())

	return events
}

func TestRecordAndStreamFeedback(t *testing.T) {
	transcriber := &fakeTranscriber{transcript: "today I want to talk about the product roadmap"}
	srv, api := newTestServer(t, transcriber, &fakeCompletions{chunks: []string{"Strong ", "opening", "."}})
	id := newSession(t, srv)

	resp, body := doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "My Great Pitch!!", 8))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	result := recordResult(t, body)
	require.Equal(t, transcriber.transcript, result["transcription"])
	require.Equal(t, "My Great Pitch", result["topic"], "special characters should be stripped from the topic")
	require.Equal(t, 8.0, result["duration"])
	require.Equal(t, "short", result["score_type"])

	filename, _ := result["filename"].(string)
	require.Regexp(t, regexp.MustCompile(`^My_Great_Pitch_\d{8}_\d{6}_1\.wav$`), filename)
	require.Equal(t, fmt.Sprintf("/api/stream-feedback/%s/%s", id, filename), result["stream_url"])

	resp, body = doRequest(t, srv, http.MethodGet, "/api/recordings", id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recordings, _ := body["recordings"].([]any)
	require.Len(t, recordings, 1)

	resp, _ = doRequest(t, srv, http.MethodGet, fmt.Sprintf("/api/stream-feedback/%s/%s", id, filename), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := readSSEEvents(t, resp.Body)
	require.Len(t, events, 4)
	require.Equal(t, feedback.EventTypeComplete, events[3].Type)
	require.Equal(t, 3, events[3].TotalChunks)

	rec, ok := api.Store.Get(id, filename)
	require.True(t, ok)
	require.Equal(t, "Strong opening.", rec.Feedback)
}

func TestRecordRejectsTooShortAudio(t *testing.T) {
	transcriber := &fakeTranscriber{transcript: "a perfectly fine transcript"}
	srv, _ := newTestServer(t, transcriber, &fakeCompletions{})
	id := newSession(t, srv)

	resp, body := doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Short", 3))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "too short")

	resp, body = doRequest(t, srv, http.MethodGet, "/api/recordings", id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body["recordings"], "a rejected recording must not be stored")
}

func TestRecordValidation(t *testing.T) {
	for _, tc := range []struct {
		name      string
		sessionID bool
		mutate    func(map[string]any)
		errPart   string
	}{
		{
			name:      "missing session header",
			sessionID: false,
			mutate:    func(m map[string]any) {},
			errPart:   "No session ID",
		},
		{
			name:      "missing topic",
			sessionID: true,
			mutate:    func(m map[string]any) { m["topic"] = "" },
			errPart:   "No topic",
		},
		{
			name:      "topic with only special characters",
			sessionID: true,
			mutate:    func(m map[string]any) { m["topic"] = "!!??" },
			errPart:   "No topic",
		},
		{
			name:      "missing speech type",
			sessionID: true,
			mutate:    func(m map[string]any) { m["speech_type"] = "" },
			errPart:   "No speech type",
		},
		{
			name:      "missing audio data",
			sessionID: true,
			mutate:    func(m map[string]any) { m["audio_data"] = "" },
			errPart:   "No audio data",
		},
		{
			name:      "invalid base64",
			sessionID: true,
			mutate:    func(m map[string]any) { m["audio_data"] = "not base64!!!" },
			errPart:   "decode audio data",
		},
		{
			name:      "garbage audio bytes",
			sessionID: true,
			mutate:    func(m map[string]any) { m["audio_data"] = base64.StdEncoding.EncodeToString([]byte("not a wav file")) },
			errPart:   "read audio",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &fakeTranscriber{transcript: "fine"}, &fakeCompletions{})
			id := ""
			if tc.sessionID {
				id = newSession(t, srv)
			}

			body := recordBody(t, "Valid Topic", 8)
			tc.mutate(body)

			resp, respBody := doRequest(t, srv, http.MethodPost, "/api/record", id, body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.Contains(t, respBody["error"], tc.errPart)
		})
	}
}

func TestRecordEmptyTranscript(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTranscriber{transcript: "  "}, &fakeCompletions{})
	id := newSession(t, srv)

	resp, body := doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Silence", 8))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "Could not transcribe audio")
}

func TestRecordTranscriberFailure(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTranscriber{err: fmt.Errorf("connection refused")}, &fakeCompletions{})
	id := newSession(t, srv)

	resp, body := doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Outage", 8))
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Contains(t, body["error"], "Transcription service unavailable")
	require.NotContains(t, body["error"], "connection refused", "upstream detail must not leak to the client")
}

func TestRecordRawPCMInput(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTranscriber{transcript: "raw pcm works"}, &fakeCompletions{})
	id := newSession(t, srv)

	body := map[string]any{
		"topic":        "Raw Audio",
		"speech_type":  "presentation",
		"audio_data":   base64.StdEncoding.EncodeToString(make([]byte, 8*44100*2)),
		"audio_format": "pcm",
	}

	resp, respBody := doRequest(t, srv, http.MethodPost, "/api/record", id, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := recordResult(t, respBody)
	require.Equal(t, 8.0, result["duration"])
	require.Equal(t, "presentation", result["speech_type"])
}

func TestRecordChineseLanguageHint(t *testing.T) {
	transcriber := &fakeTranscriber{transcript: "ni hao"}
	srv, _ := newTestServer(t, transcriber, &fakeCompletions{})
	id := newSession(t, srv)

	body := recordBody(t, "Chinese", 8)
	body["language"] = "zh"
	resp, _ := doRequest(t, srv, http.MethodPost, "/api/record", id, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"zh-CN"}, transcriber.languages)
}

func TestRecordUnknownLanguageFallsBack(t *testing.T) {
	transcriber := &fakeTranscriber{transcript: "hello"}
	srv, _ := newTestServer(t, transcriber, &fakeCompletions{})
	id := newSession(t, srv)

	body := recordBody(t, "Fallback", 8)
	body["language"] = "xx"
	resp, _ := doRequest(t, srv, http.MethodPost, "/api/record", id, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"en"}, transcriber.languages)
}

func TestDuplicateTopicsGetDistinctFilenames(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTranscriber{transcript: "same topic twice"}, &fakeCompletions{})
	id := newSession(t, srv)

	_, body1 := doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Same Topic", 8))
	_, body2 := doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Same Topic", 8))

	require.NotEqual(t, recordResult(t, body1)["filename"], recordResult(t, body2)["filename"])
	require.Contains(t, recordResult(t, body2)["filename"], "_2.wav")
}

func TestDownloadRecording(t *testing.T) {
	srv, api := newTestServer(t, &fakeTranscriber{transcript: "download me"}, &fakeCompletions{})
	id := newSession(t, srv)

	_, body := doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Download", 8))
	filename, _ := recordResult(t, body)["filename"].(string)

	resp, _ := doRequest(t, srv, http.MethodGet, "/api/recordings/"+filename, id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), filename)

	downloaded, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	rec, ok := api.Store.Get(id, filename)
	require.True(t, ok)
	require.Equal(t, rec.Audio, downloaded)

	resp, _ = doRequest(t, srv, http.MethodGet, "/api/recordings/nope.wav", id, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteRecording(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTranscriber{transcript: "delete me"}, &fakeCompletions{})
	id := newSession(t, srv)

	_, body := doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Delete", 8))
	filename, _ := recordResult(t, body)["filename"].(string)

	resp, _ := doRequest(t, srv, http.MethodDelete, "/api/recordings/"+filename, id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doRequest(t, srv, http.MethodDelete, "/api/recordings/"+filename, id, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = doRequest(t, srv, http.MethodGet, "/api/recordings", id, nil)
	require.Empty(t, body["recordings"])
}

func TestClearRecordingsResetsCounter(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTranscriber{transcript: "counting along"}, &fakeCompletions{})
	id := newSession(t, srv)

	doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Counter", 8))
	doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Counter", 8))

	resp, _ := doRequest(t, srv, http.MethodDelete, "/api/recordings", id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Counter", 8))
	require.Contains(t, recordResult(t, body)["filename"], "_1.wav", "clearing a session must reset the filename counter")

	resp, _ = doRequest(t, srv, http.MethodDelete, "/api/recordings", "unknown-session", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLanguages(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTranscriber{}, &fakeCompletions{})

	resp, body := doRequest(t, srv, http.MethodGet, "/api/languages", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	codes, _ := body["languages"].([]any)
	require.Len(t, codes, 15)
	require.Contains(t, codes, "en")

	options, _ := body["display_options"].([]any)
	require.Len(t, options, 15)
}

func TestHandlerPanicReturnsGenericError(t *testing.T) {
	srv, _ := newTestServer(t, panickyTranscriber{}, &fakeCompletions{})
	id := newSession(t, srv)

	resp, body := doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Boom", 8))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, false, body["success"])
	require.Equal(t, "internal server error", body["error"], "panic detail must not reach the client")

	_, listing := doRequest(t, srv, http.MethodGet, "/api/recordings", id, nil)
	require.Empty(t, listing["recordings"], "a panicking submission must not leave a partial recording behind")
}

func TestStreamFeedbackOverWebsocket(t *testing.T) {
	transcriber := &fakeTranscriber{transcript: "a speech delivered over a socket"}
	srv, _ := newTestServer(t, transcriber, &fakeCompletions{chunks: []string{"Nice ", "work"}})
	id := newSession(t, srv)

	_, body := doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Socket", 8))
	filename, _ := recordResult(t, body)["filename"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + fmt.Sprintf("/api/stream-feedback/%s/%s", id, filename)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	events := []feedback.Event{}
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			require.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err), "stream should end with a normal closure")
			break
		}

		require.Equal(t, websocket.MessageText, msgType)

		var evt feedback.Event
		require.NoError(t, json.Unmarshal(data, &evt))
		events = append(events, evt)
	}

	require.Len(t, events, 3)
	require.Equal(t, feedback.EventTypeChunk, events[0].Type)
	require.Equal(t, "Nice ", events[0].Content)
	require.Equal(t, feedback.EventTypeChunk, events[1].Type)
	require.Equal(t, "work", events[1].Content)
	require.Equal(t, feedback.EventTypeComplete, events[2].Type)
	require.Equal(t, 2, events[2].TotalChunks)
}

func TestStreamFeedbackUnknownRecording(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTranscriber{}, &fakeCompletions{chunks: []string{"never"}})
	id := newSession(t, srv)

	resp, _ := doRequest(t, srv, http.MethodGet, fmt.Sprintf("/api/stream-feedback/%s/missing.wav", id), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSEEvents(t, resp.Body)
	require.Len(t, events, 1)
	require.NotEmpty(t, events[0].Error)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTranscriber{}, &fakeCompletions{})
	newSession(t, srv)
	newSession(t, srv)

	resp, body := doRequest(t, srv, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, 2.0, body["active_sessions"])
}

func TestSessionData(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTranscriber{transcript: "counting speeches"}, &fakeCompletions{})
	id := newSession(t, srv)

	doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Count", 8))

	resp, body := doRequest(t, srv, http.MethodGet, "/api/session", id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, _ := body["session_data"].(map[string]any)
	require.Equal(t, id, data["session_id"])
	require.Equal(t, 1.0, data["speech_count"])
}

func TestSessionCleanup(t *testing.T) {
	srv, api := newTestServer(t, &fakeTranscriber{transcript: "goodbye"}, &fakeCompletions{})
	id := newSession(t, srv)
	doRequest(t, srv, http.MethodPost, "/api/record", id, recordBody(t, "Bye", 8))

	resp, _ := doRequest(t, srv, http.MethodPost, "/api/session/cleanup", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, srv, http.MethodPost, "/api/session/cleanup", id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 0, api.Store.Count())
}
