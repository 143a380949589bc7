package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const systemPrompt = "You review entry signals of an automated futures strategy. " +
	`Reply with strict JSON only: {"action":"long|short|hold","confidence":0-100,"reasoning":"..."}.`

// HTTPAdvisor calls an OpenAI-compatible chat-completions endpoint.
type HTTPAdvisor struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewHTTPAdvisor creates a chat-completions advisor. The call budget comes
// from the context set by Service.
func NewHTTPAdvisor(url, apiKey, model string) *HTTPAdvisor {
	if model == "" {
		model = "chat-model"
	}
	return &HTTPAdvisor{
		url:    strings.TrimSpace(url),
		apiKey: apiKey,
		model:  model,
		client: &http.Client{},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (a *HTTPAdvisor) Name() string { return "http" }

func (a *HTTPAdvisor) Analyze(ctx context.Context, req Request) (Verdict, error) {
	if a.url == "" {
		return Verdict{}, ErrDisabled
	}
	prompt, err := json.Marshal(req)
	if err != nil {
		return Verdict{}, err
	}
	body, err := json.Marshal(chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(prompt)},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return Verdict{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, err
	}
	if resp.StatusCode >= 300 {
		return Verdict{}, fmt.Errorf("advisor http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return Verdict{}, fmt.Errorf("failed to decode advisor response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return Verdict{}, fmt.Errorf("advisor returned no choices")
	}
	return parseVerdict(chat.Choices[0].Message.Content)
}

// parseVerdict extracts the first JSON object from a model reply.
func parseVerdict(content string) (Verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}") + 1
	if start == -1 || end <= start {
		return Verdict{}, fmt.Errorf("no JSON object in advisor reply")
	}
	var v Verdict
	if err := json.Unmarshal([]byte(content[start:end]), &v); err != nil {
		return Verdict{}, fmt.Errorf("failed to parse advisor verdict: %w", err)
	}
	return v, nil
}
