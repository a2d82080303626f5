package config

import (
	"time"
)

type Configuration struct {
	APIServerURL    string  `json:"apiServerURL"`
	APIKey          string  `json:"apiKey,omitempty"`
	STTModel        string  `json:"sttModel,omitempty"`
	ChatModel       string  `json:"chatModel,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	MaxTokens       int     `json:"maxTokens,omitempty"`
	DefaultLanguage string  `json:"defaultLanguage,omitempty"`
	// SessionTTLSeconds is how long an idle session is kept before its
	// recordings are dropped.
	SessionTTLSeconds int `json:"sessionTTLSeconds,omitempty"`
}

func (c Configuration) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

func Default() Configuration {
	return Configuration{
		APIServerURL:      "https://api.openai.com",
		STTModel:          "whisper-1",
		ChatModel:         "gpt-4o-mini",
		Temperature:       0.7,
		MaxTokens:         2500,
		DefaultLanguage:   "en",
		SessionTTLSeconds: 3600,
	}
}
