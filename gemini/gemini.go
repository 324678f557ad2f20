package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Contents          []content         `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text,omitempty"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// errNotFound marks a 404 so the next API version is tried.
var errNotFound = errors.New("model not found")

// Client talks to the Gemini generateContent API. It implements both
// provider.VisionProvider and provider.TextProvider.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

func NewClient(apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// WithBaseURL points the client at another host, e.g. a proxy or a test server.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

func (c *Client) Name() string {
	return "gemini"
}

func (c *Client) AnalyzeImage(ctx context.Context, image []byte, prompt string) provider.Response {
	return c.AnalyzeMultipleImages(ctx, [][]byte{image}, prompt)
}

func (c *Client) AnalyzeMultipleImages(ctx context.Context, images [][]byte, prompt string) provider.Response {
	images = provider.TruncateImages(images)
	if len(images) == 0 {
		return provider.Failed(c.Name(), errors.New("no images to analyze"))
	}

	parts := make([]part, 0, len(images)+1)
	if prompt != "" {
		parts = append(parts, part{Text: prompt})
	}
	for _, img := range images {
		parts = append(parts, part{
			InlineData: &inlineData{
				MimeType: provider.DetectMIME(img),
				Data:     base64.StdEncoding.EncodeToString(img),
			},
		})
	}

	return c.call(ctx, geminiRequest{
		Contents: []content{{Role: "user", Parts: parts}},
	})
}

func (c *Client) Generate(ctx context.Context, req provider.TextRequest) provider.Response {
	temperature := req.Temperature
	body := geminiRequest{
		GenerationConfig: &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     &temperature,
		},
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	return c.call(ctx, body)
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

func (c *Client) call(ctx context.Context, body geminiRequest) provider.Response {
	if c.apiKey == "" {
		return provider.Failed(c.Name(), errors.New("GEMINI_API_KEY is not configured"))
	}
	text, tokens, err := c.generateContent(ctx, body)
	if err != nil {
		return provider.Failed(c.Name(), err)
	}
	return provider.Succeeded(c.Name(), c.model, text, tokens)
}

func (c *Client) generateContent(ctx context.Context, body geminiRequest) (string, int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	// try v1beta first, then v1
	var lastErr error
	for _, version := range []string{"v1beta", "v1"} {
		ep := fmt.Sprintf("%s/%s/models/%s:generateContent?key=%s", c.baseURL, version, c.model, c.apiKey)
		text, tokens, err := c.post(ctx, ep, data)
		if err == nil {
			return text, tokens, nil
		}
		lastErr = err
		if !errors.Is(err, errNotFound) {
			break
		}
	}
	return "", 0, lastErr
}

func (c *Client) post(ctx context.Context, ep string, data []byte) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep, bytes.NewReader(data))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", redact(err, c.apiKey))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to send request: %w", redact(err, c.apiKey))
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", 0, fmt.Errorf("%w: %v", errNotFound, provider.APIError(resp.StatusCode, bodyBytes))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, provider.APIError(resp.StatusCode, bodyBytes)
	}

	var gr geminiResponse
	if err := json.Unmarshal(bodyBytes, &gr); err != nil {
		return "", 0, fmt.Errorf("failed to parse response: %w", err)
	}
	if gr.PromptFeedback.BlockReason != "" {
		return "", 0, fmt.Errorf("prompt blocked: %s", gr.PromptFeedback.BlockReason)
	}
	if len(gr.Candidates) == 0 {
		return "", 0, errors.New("no candidates in response")
	}

	var sb strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", 0, fmt.Errorf("no text part in response (finish reason %q)", gr.Candidates[0].FinishReason)
	}
	return sb.String(), gr.UsageMetadata.TotalTokenCount, nil
}

// redact keeps the API key out of transport errors, which embed the URL.
func redact(err error, key string) error {
	if key == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), key, "***"))
}
