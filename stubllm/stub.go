package stubllm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"specbot/provider"
)

// minSpecLength keeps stub output above the default validator minimum.
const minSpecLength = 2400

// Client is a deterministic, no-network backend intended for CI and local end-to-end runs.
// It returns a fully structured specification so validation, persistence and events
// exercise the whole pipeline.
type Client struct{}

func NewClient() *Client { return &Client{} }

func (c *Client) Name() string { return "stub" }

func (c *Client) AnalyzeImage(ctx context.Context, image []byte, prompt string) provider.Response {
	return c.AnalyzeMultipleImages(ctx, [][]byte{image}, prompt)
}

func (c *Client) AnalyzeMultipleImages(_ context.Context, images [][]byte, prompt string) provider.Response {
	images = provider.TruncateImages(images)
	h := sha256.New()
	h.Write([]byte(prompt))
	for _, img := range images {
		h.Write(img)
	}
	sum := h.Sum(nil)
	short := hex.EncodeToString(sum[:4])

	analysis := fmt.Sprintf(
		"Stub analysis %s of %d photo(s). The product is a compact household item with a matte finish "+
			"in %s and %s tones, clean edges and a visible brand label on the front panel. Photos are well lit; "+
			"packaging is not shown.",
		short, len(images), color(sum, 0), color(sum, 3))
	return provider.Succeeded(c.Name(), "stub", analysis, 0)
}

func (c *Client) Generate(_ context.Context, req provider.TextRequest) provider.Response {
	sum := sha256.Sum256([]byte(req.Prompt))

	var b strings.Builder
	fmt.Fprintf(&b, "## 1. Product\nProduct overview: stub item %s, as described in the photo analysis.\n\n", hex.EncodeToString(sum[:4]))
	b.WriteString("## 2. Target audience\nUrban buyers aged 25-45 who compare listings on mobile.\n\n")
	fmt.Fprintf(&b, "## 3. Visual concept\nMinimal studio style. Palette: %s, %s, %s and accent %s.\n\n",
		color(sum[:], 0), color(sum[:], 3), color(sum[:], 6), color(sum[:], 9))
	b.WriteString("## 4. Primary image\nProduct centred at 30 degrees on a 900 x 1200 px canvas, soft shadow, 40 mm margins.\n\n")
	b.WriteString("## 5. Supplementary graphics\nSlide 2: key benefits. Slide 3: dimensions in cm. Slide 4: materials. Slide 5: package contents.\n\n")
	b.WriteString("## 6. Ready-to-use copy\nHeadline: Made for every day.\nSubheadline: Durable, light and easy to clean.\n\n")
	b.WriteString("## 7. Recommendations\nKeep typography large and legible on small screens; avoid more than two fonts.\n\n")
	b.WriteString("## 8. A/B test ideas\nHypothesis 1: dark background versus light background on the cover.\n")
	b.WriteString("Hypothesis 2: benefit-led headline versus specification-led headline.\n")

	for i := 0; b.Len() < minSpecLength; i++ {
		fmt.Fprintf(&b, "Detail %d: keep spacing consistent and repeat the brand color on every slide.\n", i+1)
	}

	return provider.Succeeded(c.Name(), "stub", b.String(), 0)
}

func (c *Client) VisionHealth(ctx context.Context) provider.Status {
	return provider.ProbeVision(ctx, c)
}

func (c *Client) TextHealth(ctx context.Context) provider.Status {
	return provider.ProbeText(ctx, c)
}

func color(sum []byte, offset int) string {
	return "#" + strings.ToUpper(hex.EncodeToString(sum[offset:offset+3]))
}
