package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"specbot/provider"
)

const openAIEndpoint = "https://api.openai.com/v1/chat/completions"

type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type ImageContent struct {
	Type     string   `json:"type"`
	ImageURL ImageURL `json:"image_url"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content any `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Client represents an OpenAI API client. It implements both
// provider.VisionProvider and provider.TextProvider.
type Client struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewClient creates a new OpenAI client
func NewClient(apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		apiKey:   apiKey,
		model:    model,
		endpoint: openAIEndpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// WithEndpoint overrides the chat completions URL (Azure, proxies, tests).
func (c *Client) WithEndpoint(u string) *Client {
	c.endpoint = u
	return c
}

func (c *Client) Name() string {
	return "openai"
}

// encodeImageToBase64 converts image bytes to base64 data URL
func encodeImageToBase64(imageData []byte) string {
	return "data:" + provider.DetectMIME(imageData) + ";base64," + base64.StdEncoding.EncodeToString(imageData)
}

func (c *Client) AnalyzeImage(ctx context.Context, image []byte, prompt string) provider.Response {
	return c.AnalyzeMultipleImages(ctx, [][]byte{image}, prompt)
}

func (c *Client) AnalyzeMultipleImages(ctx context.Context, images [][]byte, prompt string) provider.Response {
	images = provider.TruncateImages(images)
	if len(images) == 0 {
		return provider.Failed(c.Name(), errors.New("no images to analyze"))
	}

	content := make([]any, 0, len(images)+1)
	if prompt != "" {
		content = append(content, TextContent{Type: "text", Text: prompt})
	}
	for _, img := range images {
		content = append(content, ImageContent{
			Type:     "image_url",
			ImageURL: ImageURL{URL: encodeImageToBase64(img), Detail: "high"},
		})
	}

	return c.call(ctx, ChatRequest{
		Model:     c.model,
		Messages:  []Message{{Role: "user", Content: content}},
		MaxTokens: 2000,
	})
}

func (c *Client) Generate(ctx context.Context, req provider.TextRequest) provider.Response {
	var messages []Message
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: req.Prompt})

	temperature := req.Temperature
	return c.call(ctx, ChatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: &temperature,
	})
}

func (c *Client) VisionHealth(ctx context.Context) provider.Status {
	if c.apiKey == "" {
		return provider.StatusDisabled
	}
	return provider.ProbeVision(ctx, c)
}

func (c *Client) TextHealth(ctx context.Context) provider.Status {
	if c.apiKey == "" {
		return provider.StatusDisabled
	}
	return provider.ProbeText(ctx, c)
}

func (c *Client) call(ctx context.Context, reqBody ChatRequest) provider.Response {
	if c.apiKey == "" {
		return provider.Failed(c.Name(), errors.New("OPENAI_API_KEY is not configured"))
	}
	text, tokens, err := c.chat(ctx, reqBody)
	if err != nil {
		return provider.Failed(c.Name(), err)
	}
	return provider.Succeeded(c.Name(), c.model, text, tokens)
}

func (c *Client) chat(ctx context.Context, reqBody ChatRequest) (string, int, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, provider.APIError(resp.StatusCode, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", 0, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return "", 0, errors.New("no choices in response")
	}

	text, err := contentText(chatResp.Choices[0].Message.Content)
	if err != nil {
		return "", 0, err
	}
	if chatResp.Choices[0].FinishReason == "content_filter" {
		return "", 0, errors.New("response blocked by content filter")
	}
	return text, chatResp.Usage.TotalTokens, nil
}

// contentText flattens string or part-array message content.
func contentText(content any) (string, error) {
	switch v := content.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []any:
		var sb strings.Builder
		for _, p := range v {
			if m, ok := p.(map[string]any); ok {
				if s, ok := m["text"].(string); ok {
					sb.WriteString(s)
				}
			}
		}
		return sb.String(), nil
	}
	// If content is not a string, try to marshal it back to JSON
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to marshal content: %w", err)
	}
	return string(contentJSON), nil
}
