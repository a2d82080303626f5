package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// Service is the speech-to-text collaborator boundary.
type Service interface {
	Transcribe(ctx context.Context, wavData []byte, language string) (string, error)
}

type response struct {
	Text string `json:"text"`
}

// Client transcribes audio via an OpenAI-compatible transcription endpoint.
type Client struct {
	URL    string
	Model  string
	APIKey string
	Client *http.Client
}

func (c *Client) Transcribe(ctx context.Context, wavData []byte, language string) (string, error) {
	var b bytes.Buffer
	multipartWriter := multipart.NewWriter(&b)

	part, err := multipartWriter.CreateFormFile("file", "input.wav")
	if err != nil {
		return "", fmt.Errorf("creating multipart form file: %w", err)
	}

	_, err = part.Write(wavData)
	if err != nil {
		return "", fmt.Errorf("write data to multipart writer: %w", err)
	}

	err = multipartWriter.WriteField("model", c.Model)
	if err != nil {
		return "", fmt.Errorf("write multipart request field: %w", err)
	}

	if language != "" {
		err = multipartWriter.WriteField("language", language)
		if err != nil {
			return "", fmt.Errorf("write multipart request field: %w", err)
		}
	}

	err = multipartWriter.Close()
	if err != nil {
		return "", fmt.Errorf("multipart writer close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.URL+"/v1/audio/transcriptions", &b)
	if err != nil {
		return "", fmt.Errorf("new transcription request: %w", err)
	}
	req.Header.Set("Content-Type", multipartWriter.FormDataContentType())
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	return c.send(req)
}

func (c *Client) send(request *http.Request) (string, error) {
	resp, err := c.Client.Do(request)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription server responded with status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	var result response
	err = json.Unmarshal(body, &result)
	if err != nil {
		return "", fmt.Errorf("unmarshal body: %w", err)
	}

	// whisper emits this marker for silence
	text := strings.TrimSuffix(result.Text, "[BLANK_AUDIO]")

	return strings.TrimSpace(text), nil
}
