package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"backsync/internal/config"
)

const visionSystemPrompt = `You are transcribing the back of a printed photograph.
Return a JSON object with keys: raw_text (everything readable, in reading order),
language (dominant language code), date_text (any handwritten or stamped date,
verbatim), location_text (any place name, verbatim), people (array of person
names), event (occasion if written), uncertain_spans (array of substrings you
could not read with confidence). Transcribe machine-printed timestamps and lab
codes exactly as printed. Use empty values for anything absent. Never invent
content that is not on the image.`

// Vision transcribes back scans through an OpenAI-compatible chat-completions
// endpoint with image input.
type Vision struct {
	client  *http.Client
	baseURL string
	model   string
	key     string
	prompt  string
	maxEdge int
	maxByte int64
}

// NewVision builds the HTTP transcriber. A missing API key is an error so a
// misconfigured run fails before any image is uploaded.
func NewVision(cfg config.Config, client *http.Client) (*Vision, error) {
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	if strings.TrimSpace(cfg.TranscribeKey) == "" {
		return nil, errors.New("OPENAI_API_KEY missing for vision transcription")
	}
	prompt := strings.TrimSpace(cfg.TranscribePrompt)
	if prompt == "" {
		prompt = visionSystemPrompt
	}
	return &Vision{
		client:  client,
		baseURL: strings.TrimRight(cfg.TranscribeBaseURL, "/"),
		model:   cfg.TranscribeModel,
		key:     cfg.TranscribeKey,
		prompt:  prompt,
		maxEdge: cfg.MaxImageEdge,
		maxByte: cfg.MaxImageBytes,
	}, nil
}

func (v *Vision) Transcribe(ctx context.Context, imagePath string) (Transcript, error) {
	prepared, cleanup, err := PrepareImage(imagePath, v.maxEdge, v.maxByte)
	if err != nil {
		return Transcript{}, fmt.Errorf("prepare %s: %w", imagePath, err)
	}
	defer cleanup()

	data, err := os.ReadFile(prepared)
	if err != nil {
		return Transcript{}, err
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	var t Transcript
	if err := v.callJSON(ctx, encoded, &t); err != nil {
		return Transcript{}, err
	}
	return t, nil
}

func (v *Vision) callJSON(ctx context.Context, imageB64 string, target interface{}) error {
	payload := map[string]interface{}{
		"model":           v.model,
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []map[string]interface{}{
			{"role": "system", "content": v.prompt},
			{"role": "user", "content": []map[string]interface{}{
				{"type": "image_url", "image_url": map[string]string{
					"url": "data:image/jpeg;base64," + imageB64,
				}},
			}},
		},
	}
	buf, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v1/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+v.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vision status %d: %s", resp.StatusCode, string(body))
	}

	var wrapper struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return err
	}
	if len(wrapper.Choices) == 0 {
		return errors.New("empty vision response")
	}
	content := strings.TrimSpace(wrapper.Choices[0].Message.Content)
	if content == "" {
		return errors.New("vision returned empty content")
	}
	return json.Unmarshal([]byte(content), target)
}
