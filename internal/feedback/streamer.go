package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/speechcoach/speechcoach/internal/audio"
	"github.com/speechcoach/speechcoach/internal/prompt"
	"github.com/speechcoach/speechcoach/internal/pubsub"
	"github.com/speechcoach/speechcoach/internal/session"
)

const (
	EventTypeChunk    = "chunk"
	EventTypeComplete = "complete"
)

// Event is one message of a feedback stream as delivered to the client.
type Event struct {
	Type        string `json:"type,omitempty"`
	Content     string `json:"content,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Streamer generates coaching feedback for stored recordings and fans the
// token stream out to the waiting client(s). Subscribing to a recording
// whose generation is already in flight attaches to it instead of starting
// a second upstream call. The upstream call is canceled when the last
// subscriber detaches.
type Streamer struct {
	ctx         context.Context
	completions CompletionService
	store       *session.Store
	prompts     *prompt.Builder
	mutex       sync.Mutex
	active      map[string]*stream
}

func NewStreamer(ctx context.Context, completions CompletionService, store *session.Store, prompts *prompt.Builder) *Streamer {
	return &Streamer{
		ctx:         ctx,
		completions: completions,
		store:       store,
		prompts:     prompts,
		active:      map[string]*stream{},
	}
}

// Subscribe returns a subscription delivering the feedback events for the
// given recording, starting generation if none is in flight.
// The subscription ends with the stream: after one complete or error event
// (or immediately, if the caller's context is done).
func (s *Streamer) Subscribe(ctx context.Context, sessionID, filename, languageCode string) pubsub.Subscription[Event] {
	key := sessionID + "/" + filename

	s.mutex.Lock()
	st, running := s.active[key]
	if !running {
		st = newStream(s.ctx)
		s.active[key] = st
	}
	sub := st.subscribe(ctx)
	s.mutex.Unlock()

	if !running {
		go s.generate(st, key, sessionID, filename, languageCode)
	}

	return sub
}

func (s *Streamer) generate(st *stream, key, sessionID, filename, languageCode string) {
	rec, ok := s.store.Get(sessionID, filename)
	if !ok {
		s.finish(st, key, &Event{Error: "Recording not found"})
		return
	}

	duration, err := audio.Duration(rec.Audio)
	if err != nil {
		s.finish(st, key, &Event{Error: fmt.Sprintf("read recording audio: %s", err)})
		return
	}

	if languageCode == "" {
		languageCode = rec.Language
	}

	previousTranscript := ""
	if rec.IsRepeat && rec.PreviousFilename != "" {
		if prev, ok := s.store.Get(sessionID, rec.PreviousFilename); ok {
			previousTranscript = prev.Transcript
		}
	}

	promptText, err := s.prompts.Build(prompt.Input{
		Topic:              rec.Topic,
		SpeechType:         rec.SpeechType,
		Transcript:         rec.Transcript,
		Duration:           duration,
		Language:           languageCode,
		IsRepeat:           rec.IsRepeat,
		PreviousTranscript: previousTranscript,
	})
	if err != nil {
		s.finish(st, key, &Event{Error: err.Error()})
		return
	}

	var feedback strings.Builder
	chunkCount := 0

	err = s.completions.Complete(st.ctx, promptText, func(chunk string) error {
		feedback.WriteString(chunk)
		chunkCount++

		st.events.Publish(Event{Type: EventTypeChunk, Content: chunk})

		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Debug(fmt.Sprintf("feedback stream for %s abandoned by client", key))
			s.finish(st, key, nil)
			return
		}

		slog.Error(fmt.Sprintf("feedback generation for %s failed: %s", key, err))
		s.finish(st, key, &Event{Error: err.Error()})

		return
	}

	// The store only ever sees the final text, never a partial one.
	s.store.SetFeedback(sessionID, filename, feedback.String())

	s.finish(st, key, &Event{Type: EventTypeComplete, TotalChunks: chunkCount})

	slog.Info(fmt.Sprintf("feedback stream for %s completed with %d chunks, %d chars", key, chunkCount, feedback.Len()))
}

// finish removes the stream from the registry, delivers the terminal event
// and closes the fan-out in one critical section with Subscribe, so a
// concurrent subscriber either still receives the terminal event or misses
// the registry entry entirely and starts a fresh generation. It never
// observes a stream that ends without any event.
func (s *Streamer) finish(st *stream, key string, terminal *Event) {
	s.mutex.Lock()
	delete(s.active, key)
	if terminal != nil {
		st.events.Publish(*terminal)
	}
	st.events.Close()
	s.mutex.Unlock()

	st.cancel()
}

type stream struct {
	ctx         context.Context
	cancel      context.CancelFunc
	events      *pubsub.PubSub[Event]
	mutex       sync.Mutex
	subscribers int
}

func newStream(ctx context.Context) *stream {
	ctx, cancel := context.WithCancel(ctx)

	return &stream{
		ctx:    ctx,
		cancel: cancel,
		events: pubsub.New[Event](),
	}
}

func (st *stream) subscribe(ctx context.Context) pubsub.Subscription[Event] {
	st.mutex.Lock()
	st.subscribers++
	st.mutex.Unlock()

	return &trackedSubscription{
		Subscription: st.events.Subscribe(ctx),
		stream:       st,
	}
}

// release cancels the upstream call once the last subscriber is gone.
func (st *stream) release() {
	st.mutex.Lock()
	st.subscribers--
	remaining := st.subscribers
	st.mutex.Unlock()

	if remaining == 0 {
		st.cancel()
	}
}

type trackedSubscription struct {
	pubsub.Subscription[Event]
	stream *stream
	once   sync.Once
}

func (s *trackedSubscription) Stop() {
	s.Subscription.Stop()
	s.once.Do(s.stream.release)
}
