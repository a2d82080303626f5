package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/speechcoach/speechcoach/internal/model"
)

var filenameCharsRegex = regexp.MustCompile(`[^\w\s-]`)

// Store holds the per-browser-tab recording state.
// All state is in-memory and lost on restart.
type Store struct {
	mutex    sync.RWMutex
	sessions map[string]*state
}

type state struct {
	recordings []*model.Recording
	counter    int
	lastActive time.Time
}

func NewStore() *Store {
	return &Store{sessions: map[string]*state{}}
}

// Create mints a fresh session. Every call produces a new identifier.
func (s *Store) Create() string {
	id := uuid.NewString()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.sessions[id] = &state{lastActive: time.Now()}

	return id
}

// Ensure initializes empty state for an unknown session identifier.
func (s *Store) Ensure(id string) {
	if id == "" {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ensureLocked(id)
}

func (s *Store) ensureLocked(id string) *state {
	st, ok := s.sessions[id]
	if !ok {
		st = &state{}
		s.sessions[id] = st

		slog.Debug(fmt.Sprintf("created session %s", id))
	}

	st.lastActive = time.Now()

	return st
}

// Add appends a recording to the session, creating the session if needed.
func (s *Store) Add(id string, rec *model.Recording) bool {
	if id == "" {
		return false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	st := s.ensureLocked(id)
	st.recordings = append(st.recordings, rec)

	return true
}

// NextFilename derives a recording name unique within the session from the
// sanitized topic, a timestamp and the per-session sequence counter.
func (s *Store) NextFilename(id, topic string) (string, bool) {
	if id == "" {
		return "", false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	st := s.ensureLocked(id)
	st.counter++

	cleanTopic := filenameCharsRegex.ReplaceAllString(topic, "")
	if runes := []rune(cleanTopic); len(runes) > 20 {
		cleanTopic = string(runes[:20])
	}
	cleanTopic = strings.ReplaceAll(cleanTopic, " ", "_")

	timestamp := time.Now().Format("20060102_150405")

	return fmt.Sprintf("%s_%s_%d.wav", cleanTopic, timestamp, st.counter), true
}

// List returns the listing projection of the session's recordings,
// without audio bytes or transcripts.
func (s *Store) List(id string) []model.RecordingInfo {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	st, ok := s.sessions[id]
	if !ok {
		return []model.RecordingInfo{}
	}

	infos := make([]model.RecordingInfo, len(st.recordings))
	for i, rec := range st.recordings {
		infos[i] = rec.Info()
	}

	return infos
}

func (s *Store) Get(id, filename string) (model.Recording, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	st, ok := s.sessions[id]
	if !ok {
		return model.Recording{}, false
	}

	for _, rec := range st.recordings {
		if rec.Filename == filename {
			return *rec, true
		}
	}

	return model.Recording{}, false
}

// SetFeedback writes the final feedback text into the recording.
// This is the only mutation a stored recording undergoes.
func (s *Store) SetFeedback(id, filename, feedback string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		return false
	}

	st.lastActive = time.Now()

	for _, rec := range st.recordings {
		if rec.Filename == filename {
			rec.Feedback = feedback
			rec.Modified = time.Now()
			return true
		}
	}

	return false
}

// Delete removes the first recording matching the filename and reports
// whether anything was removed.
func (s *Store) Delete(id, filename string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		return false
	}

	st.lastActive = time.Now()

	for i, rec := range st.recordings {
		if rec.Filename == filename {
			st.recordings = append(st.recordings[:i], st.recordings[i+1:]...)
			return true
		}
	}

	return false
}

// Clear empties the session's recordings and resets its sequence counter.
func (s *Store) Clear(id string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		return false
	}

	st.recordings = nil
	st.counter = 0
	st.lastActive = time.Now()

	return true
}

// Destroy removes all state for the session identifier.
func (s *Store) Destroy(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.sessions, id)
}

func (s *Store) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.sessions)
}

func (s *Store) RecordingCount(id string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	st, ok := s.sessions[id]
	if !ok {
		return 0
	}

	return len(st.recordings)
}

// StartReaper destroys sessions that have been idle for longer than ttl,
// sweeping at the given interval until the context is done. Browser tabs
// that never call the cleanup endpoint would otherwise leak their state
// for the process lifetime.
func (s *Store) StartReaper(ctx context.Context, ttl, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.sweep(time.Now().Add(-ttl)); n > 0 {
					slog.Info(fmt.Sprintf("expired %d idle session(s)", n))
				}
			}
		}
	}()
}

func (s *Store) sweep(cutoff time.Time) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	expired := 0

	for id, st := range s.sessions {
		if st.lastActive.Before(cutoff) {
			delete(s.sessions, id)
			expired++
		}
	}

	return expired
}
