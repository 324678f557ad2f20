// Package provider defines the result envelope, health states and the two
// capability interfaces (vision, text) implemented by LLM backends, plus the
// failover chains that sequence them.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
)

// MaxImages is the number of images a vision backend analyzes jointly.
// Extra images are dropped, not rejected.
const MaxImages = 5

// Status is the last known health of a backend.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusRateLimited Status = "rate_limited"
	StatusError       Status = "error"
	StatusDisabled    Status = "disabled"
)

// Response is the result of one backend call. Backends never return Go
// errors; every failure is reported through ErrorMessage.
type Response struct {
	Success      bool   `json:"success"`
	Content      string `json:"content,omitempty"`
	ProviderName string `json:"provider"`
	Model        string `json:"model,omitempty"`
	TokensUsed   int    `json:"tokens_used,omitempty"` // 0 when the backend does not report usage
	ErrorMessage string `json:"error,omitempty"`
}

// Succeeded builds a successful response. Blank content is a failure.
func Succeeded(providerName, model, content string, tokensUsed int) Response {
	if strings.TrimSpace(content) == "" {
		return Failed(providerName, errors.New("empty response"))
	}
	return Response{
		Success:      true,
		Content:      content,
		ProviderName: providerName,
		Model:        model,
		TokensUsed:   tokensUsed,
	}
}

// Failed builds a failed response from err.
func Failed(providerName string, err error) Response {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Response{ProviderName: providerName, ErrorMessage: msg}
}

// OK reports whether r may be accepted as a terminal answer.
func (r Response) OK() bool {
	return r.Success && r.Content != ""
}

// TextRequest is a single-turn completion request. SystemPrompt travels on
// its own channel and is never concatenated into Prompt.
type TextRequest struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// VisionProvider analyzes product photos.
type VisionProvider interface {
	Name() string
	AnalyzeImage(ctx context.Context, image []byte, prompt string) Response
	AnalyzeMultipleImages(ctx context.Context, images [][]byte, prompt string) Response
	VisionHealth(ctx context.Context) Status
}

// TextProvider produces completions.
type TextProvider interface {
	Name() string
	Generate(ctx context.Context, req TextRequest) Response
	TextHealth(ctx context.Context) Status
}

// StatusOf maps a probe response to a health status.
func StatusOf(r Response) Status {
	if r.OK() {
		return StatusAvailable
	}
	msg := strings.ToLower(r.ErrorMessage)
	if strings.Contains(msg, "rate") || strings.Contains(msg, "quota") || strings.Contains(msg, "429") {
		return StatusRateLimited
	}
	return StatusError
}

// ProbeVision sends a 1x1 image through p.
func ProbeVision(ctx context.Context, p VisionProvider) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			status = StatusError
		}
	}()
	return StatusOf(p.AnalyzeImage(ctx, PixelPNG(), "Describe this image in one word."))
}

// ProbeText asks p for a trivial completion.
func ProbeText(ctx context.Context, p TextProvider) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			status = StatusError
		}
	}()
	return StatusOf(p.Generate(ctx, TextRequest{Prompt: "Say 'OK'", MaxTokens: 10, Temperature: 0}))
}

// TruncateImages drops images past MaxImages.
func TruncateImages(images [][]byte) [][]byte {
	if len(images) > MaxImages {
		return images[:MaxImages]
	}
	return images
}

// PixelPNG returns an encoded 1x1 white PNG.
func PixelPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// DetectMIME sniffs the image type of data for inline payloads.
func DetectMIME(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(data, []byte("RIFF")) && len(data) > 12 && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte("GIF8")):
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

// APIError formats a non-2xx backend reply the way every REST backend reports it.
func APIError(status int, body []byte) error {
	text := strings.TrimSpace(string(body))
	if len(text) > 500 {
		text = text[:500]
	}
	return fmt.Errorf("API error (status %d): %s", status, text)
}
