package model

import "time"

// Recording is one stored speech submission together with its derived
// transcript and, once generated, the complete coaching feedback.
type Recording struct {
	Filename         string
	Audio            []byte
	Topic            string
	SpeechType       string
	Transcript       string
	Feedback         string
	Language         string
	IsRepeat         bool
	PreviousFilename string
	Created          time.Time
	Modified         time.Time
}

func (r *Recording) Size() int {
	return len(r.Audio)
}

// RecordingInfo is the listing projection of a Recording, without the
// audio bytes and transcript.
type RecordingInfo struct {
	Filename string `json:"filename"`
	Size     int    `json:"size"`
	Created  int64  `json:"created"`
	Modified int64  `json:"modified"`
}

func (r *Recording) Info() RecordingInfo {
	return RecordingInfo{
		Filename: r.Filename,
		Size:     r.Size(),
		Created:  r.Created.Unix(),
		Modified: r.Modified.Unix(),
	}
}
