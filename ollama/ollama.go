package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"specbot/provider"

	ollama "github.com/ollama/ollama/api"
)

// Client runs vision and text requests against a self-hosted Ollama server.
// Vision and text may use different local models.
type Client struct {
	api         *ollama.Client
	visionModel string
	textModel   string
}

// NewClient connects to host (e.g. http://localhost:11434).
func NewClient(host, visionModel, textModel string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ollama host %q", host)
	}
	return &Client{
		api:         ollama.NewClient(u, &http.Client{Timeout: timeout}),
		visionModel: visionModel,
		textModel:   textModel,
	}, nil
}

func (c *Client) Name() string {
	return "ollama"
}

func (c *Client) AnalyzeImage(ctx context.Context, image []byte, prompt string) provider.Response {
	return c.AnalyzeMultipleImages(ctx, [][]byte{image}, prompt)
}

func (c *Client) AnalyzeMultipleImages(ctx context.Context, images [][]byte, prompt string) provider.Response {
	images = provider.TruncateImages(images)
	if len(images) == 0 {
		return provider.Failed(c.Name(), errors.New("no images to analyze"))
	}
	data := make([]ollama.ImageData, 0, len(images))
	for _, img := range images {
		data = append(data, ollama.ImageData(img))
	}
	return c.chat(ctx, c.visionModel, []ollama.Message{{Role: "user", Content: prompt, Images: data}}, nil)
}

func (c *Client) Generate(ctx context.Context, req provider.TextRequest) provider.Response {
	var messages []ollama.Message
	if req.SystemPrompt != "" {
		messages = append(messages, ollama.Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, ollama.Message{Role: "user", Content: req.Prompt})

	options := map[string]interface{}{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	return c.chat(ctx, c.textModel, messages, options)
}

func (c *Client) VisionHealth(ctx context.Context) provider.Status {
	return provider.ProbeVision(ctx, c)
}

func (c *Client) TextHealth(ctx context.Context) provider.Status {
	return provider.ProbeText(ctx, c)
}

func (c *Client) chat(ctx context.Context, model string, messages []ollama.Message, options map[string]interface{}) provider.Response {
	stream := false
	req := &ollama.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}

	var content strings.Builder
	tokens := 0
	err := c.api.Chat(ctx, req, func(res ollama.ChatResponse) error {
		content.WriteString(res.Message.Content)
		if res.Done {
			tokens = res.PromptEvalCount + res.EvalCount
		}
		return nil
	})
	if err != nil {
		return provider.Failed(c.Name(), fmt.Errorf("ollama chat failed: %w", err))
	}
	return provider.Succeeded(c.Name(), model, content.String(), tokens)
}
