package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/speechcoach/speechcoach/internal/audio"
	"github.com/speechcoach/speechcoach/internal/language"
	"github.com/speechcoach/speechcoach/internal/model"
	"github.com/speechcoach/speechcoach/internal/prompt"
)

const (
	maxTopicLength      = 100
	maxSpeechTypeLength = 50

	// Browsers capturing via the Web Audio API deliver 44.1kHz PCM.
	rawPCMSampleRate = 44100

	minTranscriptLength = 3
)

var unsafeChars = regexp.MustCompile(`[^\w\s-]`)

type recordRequest struct {
	Topic            string `json:"topic"`
	SpeechType       string `json:"speech_type"`
	Language         string `json:"language"`
	AudioData        string `json:"audio_data"`
	AudioFormat      string `json:"audio_format"`
	IsRepeat         bool   `json:"is_repeat"`
	PreviousFilename string `json:"previous_filename"`
}

// sanitize strips characters that have no business in a topic or speech
// type and caps the length, keeping word characters, spaces and dashes.
func sanitize(s string, maxLength int) string {
	s = unsafeChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	runes := []rune(s)
	if len(runes) > maxLength {
		s = string(runes[:maxLength])
	}

	return s
}

func (a *API) handleRecord(w http.ResponseWriter, req *http.Request) {
	id := sessionID(req)
	if id == "" {
		writeError(w, http.StatusBadRequest, "No session ID provided")
		return
	}

	var r recordRequest
	if err := json.NewDecoder(req.Body).Decode(&r); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return
	}

	topic := sanitize(r.Topic, maxTopicLength)
	if topic == "" {
		writeError(w, http.StatusBadRequest, "No topic provided")
		return
	}

	speechType := sanitize(r.SpeechType, maxSpeechTypeLength)
	if speechType == "" {
		writeError(w, http.StatusBadRequest, "No speech type provided")
		return
	}

	if r.AudioData == "" {
		writeError(w, http.StatusBadRequest, "No audio data provided")
		return
	}

	audioData, err := base64.StdEncoding.DecodeString(r.AudioData)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode audio data: %s", err))
		return
	}

	if r.AudioFormat == "pcm" {
		audioData, err = audio.FromRawPCM(audioData, rawPCMSampleRate)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("convert raw audio: %s", err))
			return
		}
	}

	// Reject malformed audio before spending an API call on it.
	duration, err := audio.Duration(audioData)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read audio: %s", err))
		return
	}

	requestedLanguage := r.Language
	if requestedLanguage == "" {
		requestedLanguage = a.Config.DefaultLanguage
	}
	languageCode := language.Normalize(requestedLanguage)

	transcript, err := a.Transcriber.Transcribe(req.Context(), audioData, language.TranscriptionHint(languageCode))
	if err != nil {
		slog.Error(fmt.Sprintf("transcription failed: %s", err))
		writeError(w, http.StatusBadGateway, "Transcription service unavailable")
		return
	}

	if len(strings.TrimSpace(transcript)) < minTranscriptLength {
		writeError(w, http.StatusBadRequest, "Could not transcribe audio. Please speak clearly and try again.")
		return
	}

	if duration <= prompt.DefaultMinDuration {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Recording too short (%.1fs). Please speak for more than %d seconds.", duration.Seconds(), int(prompt.DefaultMinDuration.Seconds())))
		return
	}

	filename, ok := a.Store.NextFilename(id, topic)
	if !ok {
		writeError(w, http.StatusBadRequest, "No session ID provided")
		return
	}

	now := time.Now()
	a.Store.Add(id, &model.Recording{
		Filename:         filename,
		Audio:            audioData,
		Topic:            topic,
		SpeechType:       speechType,
		Transcript:       transcript,
		Language:         languageCode,
		IsRepeat:         r.IsRepeat,
		PreviousFilename: r.PreviousFilename,
		Created:          now,
		Modified:         now,
	})

	scoreType := "full"
	if duration < prompt.DefaultShortCutoff {
		scoreType = "short"
	}

	slog.Info(fmt.Sprintf("recorded %s (%.1fs, %d chars transcribed)", filename, duration.Seconds(), len(transcript)))

	writeSuccess(w, map[string]any{
		"result": map[string]any{
			"filename":      filename,
			"transcription": transcript,
			"topic":         topic,
			"speech_type":   speechType,
			"duration":      math.Round(duration.Seconds()*10) / 10,
			"score_type":    scoreType,
			"stream_url":    fmt.Sprintf("/api/stream-feedback/%s/%s", id, filename),
		},
	})
}
