package prompt

import (
	"fmt"
	"time"

	"github.com/speechcoach/speechcoach/internal/language"
	"github.com/tmc/langchaingo/prompts"
)

const (
	// DefaultMinDuration is the minimum speech length feedback is generated for.
	DefaultMinDuration = 5 * time.Second
	// DefaultShortCutoff separates the short-form coaching template from the full one.
	DefaultShortCutoff = 20 * time.Second
)

// Input describes one speech submission to build an evaluation prompt for.
type Input struct {
	Topic              string
	SpeechType         string
	Transcript         string
	Duration           time.Duration
	Language           string
	IsRepeat           bool
	PreviousTranscript string
}

type durationBucket string

const (
	bucketShort durationBucket = "short"
	bucketFull  durationBucket = "full"
)

var templateVariables = []string{
	"topic", "speech_type", "transcript", "duration_seconds",
	"previous_transcript", "language_name",
}

// The coaching templates are kept as a data table keyed by duration bucket
// so they can be reviewed and localized without touching control flow.
var templates = map[durationBucket]prompts.PromptTemplate{
	bucketShort: prompts.NewPromptTemplate(
		`You're reviewing a {{.speech_type}} speech about '{{.topic}}'. Here's what they said:

{{.transcript}}

It's a quick one - about {{.duration_seconds}} seconds, so it may be too brief to cover the topic properly. Take the potential lack of content into account, but still give them feedback like an experienced coach who's heard thousands of speeches.

Give a grading on a strict scale of 1-100, decomposed into five 20-point subcategories:
Structure: [X]/20 - [quick comment]
Content: [X]/20 - [quick comment]
Delivery & Voice: [X]/20 - [quick comment]
Flow & Rhythm: [X]/20 - [quick comment]
Conclusion: [X]/20 - [quick comment]

Then note what worked and what needs work. Be concrete and don't be overly nice - quote what they actually said when relevant, and make every suggestion something they can actually do. Don't always use scores in increments of 5, use more varied/granular ones like 16.5/20. There MUST be a clear separating line between each major point for clarity.
Try to tailor the feedback based off the context of the user presentation. Make sure to provide ALL feedback in {{.language_name}}.`,
		templateVariables,
	),
	bucketFull: prompts.NewPromptTemplate(
		`You're a speech coach reviewing a {{.speech_type}} about '{{.topic}}'. Duration: about {{.duration_seconds}} seconds.

Here's what they said:
{{.transcript}}
{{if .previous_transcript}}
The user has already done a speech on this topic. Here is the earlier transcription: {{.previous_transcript}}. Compare the two and note improvements.
{{end}}
Give them detailed feedback like you're sitting across from them after they just finished. Be real with them - they want to improve, not just hear they did great.

Start with an overall grading on a strict scale of 1-100, decomposed into five 20-point subcategories:

Structure: [X]/20
[Did it flow as a whole? How were the transitions? Walk through their structure.]

Content: [X]/20
[Did their points land? Were they clear? Give examples of where they nailed it or got muddy.]

Delivery & Voice: [X]/20
[Talk about their voice - pace, energy, tone, confidence, pauses. Call out specific moments.]

Flow & Rhythm: [X]/20
[Did it move naturally or feel choppy? Filler words, rushed sections, dead air - say when it happened.]

Conclusion: [X]/20
[How'd they wrap it up? Did it stick with you? Quote their ending.]

Then list what they genuinely did well and what needs work, quoting their actual words, and give concrete techniques they can practice - not "be more confident" but something they can literally do in their next session. Don't be overly nice. Use varied, granular scores (like 17/20 or 16.5/20, not just round numbers). There MUST be a clear separating line between each major point for clarity.
Try to tailor the feedback based off the context of the user presentation. Make sure to provide ALL feedback in {{.language_name}}.`,
		templateVariables,
	),
}

// Builder renders the natural-language evaluation prompt for a submission.
// It is deterministic, has no side effects and never calls the network.
type Builder struct {
	MinDuration time.Duration
	ShortCutoff time.Duration
}

func (b *Builder) Build(in Input) (string, error) {
	minDuration := b.MinDuration
	if minDuration == 0 {
		minDuration = DefaultMinDuration
	}

	shortCutoff := b.ShortCutoff
	if shortCutoff == 0 {
		shortCutoff = DefaultShortCutoff
	}

	bucket := bucketFull
	if in.Duration > minDuration && in.Duration < shortCutoff {
		bucket = bucketShort
	}

	previousTranscript := ""
	if in.IsRepeat {
		previousTranscript = in.PreviousTranscript
	}

	result, err := templates[bucket].Format(map[string]any{
		"topic":               in.Topic,
		"speech_type":         in.SpeechType,
		"transcript":          in.Transcript,
		"duration_seconds":    int(in.Duration.Seconds()),
		"previous_transcript": previousTranscript,
		"language_name":       language.Name(in.Language),
	})
	if err != nil {
		return "", fmt.Errorf("render feedback prompt: %w", err)
	}

	return result, nil
}
