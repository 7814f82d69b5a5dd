package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// instructions is the fixed prompt sent with every recording. The model is
// asked for a conversational "Reply:" section followed by one JSON document;
// the intent package owns splitting and parsing that output.
const instructions = `You are a helpful assistant. Based on the audio input, do the following:

1. Write a friendly and conversational summary in a section titled "Reply:" - this should sound natural.

In addition, return a structured JSON string in the following format:

{
  "tasks": [
    {
      "title": "Task title",
      "notes": "Task description",
      "due": "YYYY-MM-DD",
      "status": "needsAction"
    }
  ],
  "events": [
    {
      "event_name": "Event title",
      "date": "YYYY-MM-DD"
    }
  ],
  "maillist": [
    {
      "to": "recipient@example.com",
      "subject": "Email subject",
      "body": "Email body content"
    }
  ]
}

Important:
- First, output the plain text sections for Reply and Tasks.
- Then, output the JSON string on a new line (starting and ending with curly braces).
- Do not include transcript or use any formatting like symbols, markdown, or code blocks.`

type Config struct {
	APIKey   string
	Endpoint string
	Model    string
	Timeout  time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GenerateFromAudio submits the fixed instructions plus one audio payload and
// returns the model's single text blob.
func (c *Client) GenerateFromAudio(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return c.generate(ctx, []part{
		{Text: instructions},
		{InlineData: &inlineData{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(audio),
		}},
	})
}

// GenerateFromText submits a plain text message, used by the chat endpoint.
func (c *Client) GenerateFromText(ctx context.Context, message string) (string, error) {
	return c.generate(ctx, []part{{Text: message}})
}

func (c *Client) generate(ctx context.Context, parts []part) (string, error) {
	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: parts}}})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimSuffix(c.cfg.Endpoint, "/"), c.cfg.Model, c.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model returned status %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}

	var decoded generateResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Candidates) == 0 {
		return "", fmt.Errorf("model returned no candidates")
	}
	var text strings.Builder
	for _, p := range decoded.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return text.String(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
