// Package generator drives one specification generation: vision analysis of
// the photos, then text generation with validation-guided retries.
package generator

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"specbot/metrics"
	"specbot/prompts"
	"specbot/provider"
	"specbot/validator"

	"github.com/apex/log"
)

// Stage is a coarse progress point reported to callers.
type Stage int

const (
	StageAnalysis     Stage = iota // photo analysis started
	StageAudience                  // analysis done, audience and concept
	StageGeneration                // text generation (and each retry)
	StageFinalization              // validation and assembly
)

func (s Stage) String() string {
	switch s {
	case StageAnalysis:
		return "analysis"
	case StageAudience:
		return "audience"
	case StageGeneration:
		return "generation"
	case StageFinalization:
		return "finalization"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ProgressFunc receives progress notifications. Its errors and panics are
// logged and otherwise ignored.
type ProgressFunc func(stage Stage, note string) error

// FailedStage tags which part of a generation failed.
type FailedStage string

const (
	FailedVision     FailedStage = "vision"
	FailedText       FailedStage = "text"
	FailedUnexpected FailedStage = "unexpected"
)

// VisionAnalyzer is the vision capability the orchestrator needs.
type VisionAnalyzer interface {
	AnalyzeMultipleImages(ctx context.Context, images [][]byte, prompt string) (provider.Response, error)
}

// TextGenerator is the text capability the orchestrator needs.
type TextGenerator interface {
	Generate(ctx context.Context, req provider.TextRequest) (provider.Response, error)
}

// Result is the outcome of one Generate or Regenerate call. It is never
// modified after it is returned.
type Result struct {
	Success        bool              `json:"success"`
	PhotoAnalysis  string            `json:"photo_analysis,omitempty"`
	SpecText       string            `json:"spec_text,omitempty"`
	QualityScore   int               `json:"quality_score"`
	Validation     *validator.Result `json:"validation,omitempty"`
	ErrorMessage   string            `json:"error,omitempty"`
	FailedStage    FailedStage       `json:"failed_stage,omitempty"`
	Attempts       int               `json:"attempts"`
	VisionProvider string            `json:"vision_provider,omitempty"`
	TextProvider   string            `json:"text_provider,omitempty"`
	TokensUsed     int               `json:"tokens_used,omitempty"`
	Duration       time.Duration     `json:"duration"`
}

// Config tunes the orchestrator.
type Config struct {
	MaxRetries        int // corrective retries after the first text attempt
	MinAnalysisLength int // characters; shorter analyses fail the vision stage
	MaxTokens         int
	Temperature       float64
}

// DefaultConfig allows three text attempts.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        2,
		MinAnalysisLength: 100,
		MaxTokens:         8000,
		Temperature:       0.7,
	}
}

// Generator is safe for concurrent use; it holds no per-call state.
type Generator struct {
	vision    VisionAnalyzer
	text      TextGenerator
	validator *validator.Validator
	prompts   *prompts.Builder
	cfg       Config
}

func New(vision VisionAnalyzer, text TextGenerator, v *validator.Validator, p *prompts.Builder, cfg Config) *Generator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Generator{vision: vision, text: text, validator: v, prompts: p, cfg: cfg}
}

// Generate analyzes photos and produces a validated specification for
// category. Content that still fails validation after the last retry is
// returned with Success set; only provider failures produce Success=false.
func (g *Generator) Generate(ctx context.Context, photos [][]byte, category string, onProgress ProgressFunc) (res Result) {
	start := time.Now()
	logger := log.WithFields(log.Fields{"category": category, "photos": len(photos)})
	logger.Info("generation.start")

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("generation.panic: %v", r)
			res = failure(FailedUnexpected, fmt.Errorf("%v", r))
		}
		res.Duration = time.Since(start)
		observe(res)
	}()

	g.progress(onProgress, StageAnalysis, "")
	vision, err := g.vision.AnalyzeMultipleImages(ctx, photos, prompts.VisionAnalysis)
	if err != nil {
		logger.WithError(err).Error("generation.vision_failed")
		return failure(FailedVision, err)
	}
	analysis := vision.Content
	if n := utf8.RuneCountInString(analysis); n < g.cfg.MinAnalysisLength {
		logger.Warnf("generation.vision_too_short: %d characters", n)
		return failure(FailedVision, fmt.Errorf("analysis too short (%d characters)", n))
	}
	g.progress(onProgress, StageAudience, "")

	var (
		spec       provider.Response
		validation validator.Result
		attempts   int
		tokens     = vision.TokensUsed
		basePrompt = g.prompts.Spec(category, analysis)
	)
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		prompt := basePrompt
		note := ""
		if attempt > 0 {
			prompt = g.prompts.Corrective(basePrompt, corrections(validation, g.validator.Config()))
			note = fmt.Sprintf("attempt %d", attempt+1)
		}
		g.progress(onProgress, StageGeneration, note)

		spec, err = g.text.Generate(ctx, provider.TextRequest{
			Prompt:       prompt,
			SystemPrompt: prompts.System,
			MaxTokens:    g.cfg.MaxTokens,
			Temperature:  g.cfg.Temperature,
		})
		attempts = attempt + 1
		if err != nil {
			logger.WithError(err).WithField("attempt", attempts).Error("generation.text_failed")
			res = failure(FailedText, err)
			res.PhotoAnalysis = analysis
			res.VisionProvider = vision.ProviderName
			res.Attempts = attempts
			return res
		}
		tokens += spec.TokensUsed

		validation = g.validator.Validate(spec.Content)
		logger.WithFields(log.Fields{
			"attempt":  attempts,
			"provider": spec.ProviderName,
			"score":    validation.Score,
			"valid":    validation.IsValid,
			"missing":  len(validation.MissingSections),
			"length":   validation.Length,
		}).Info("generation.validated")
		if validation.IsValid {
			break
		}
	}

	g.progress(onProgress, StageFinalization, "")
	if !validation.IsValid {
		logger.Warnf("generation.shipped_invalid: score %d after %d attempts", validation.Score, attempts)
	}

	return Result{
		Success:        true,
		PhotoAnalysis:  analysis,
		SpecText:       spec.Content,
		QualityScore:   validation.Score,
		Validation:     &validation,
		Attempts:       attempts,
		VisionProvider: vision.ProviderName,
		TextProvider:   spec.ProviderName,
		TokensUsed:     tokens,
	}
}

// Regenerate rewrites a specification from a stored analysis, steered by
// user feedback and by what the previous version lacked. It makes a single
// text call and no vision call.
func (g *Generator) Regenerate(ctx context.Context, analysis, category, previous, feedback string, onProgress ProgressFunc) (res Result) {
	start := time.Now()
	logger := log.WithFields(log.Fields{"category": category, "has_feedback": feedback != ""})
	logger.Info("regeneration.start")

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("regeneration.panic: %v", r)
			res = failure(FailedUnexpected, fmt.Errorf("%v", r))
		}
		res.Duration = time.Since(start)
		observe(res)
	}()

	if utf8.RuneCountInString(analysis) < g.cfg.MinAnalysisLength {
		return failure(FailedVision, errors.New("stored analysis is missing or too short"))
	}

	prompt := g.prompts.Regeneration(category, analysis, feedback)
	if previous != "" {
		prompt = g.prompts.Corrective(prompt, corrections(g.validator.Validate(previous), g.validator.Config()))
	}

	g.progress(onProgress, StageGeneration, "")
	spec, err := g.text.Generate(ctx, provider.TextRequest{
		Prompt:       prompt,
		SystemPrompt: prompts.System,
		MaxTokens:    g.cfg.MaxTokens,
		Temperature:  g.cfg.Temperature,
	})
	if err != nil {
		logger.WithError(err).Error("regeneration.text_failed")
		res = failure(FailedText, err)
		res.PhotoAnalysis = analysis
		res.Attempts = 1
		return res
	}

	g.progress(onProgress, StageFinalization, "")
	validation := g.validator.Validate(spec.Content)
	logger.WithFields(log.Fields{"score": validation.Score, "valid": validation.IsValid}).Info("regeneration.validated")

	return Result{
		Success:       true,
		PhotoAnalysis: analysis,
		SpecText:      spec.Content,
		QualityScore:  validation.Score,
		Validation:    &validation,
		Attempts:      1,
		TextProvider:  spec.ProviderName,
		TokensUsed:    spec.TokensUsed,
	}
}

func (g *Generator) progress(fn ProgressFunc, stage Stage, note string) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("progress callback panicked at %s: %v", stage, r)
		}
	}()
	if err := fn(stage, note); err != nil {
		log.WithError(err).Debugf("progress callback failed at %s", stage)
	}
}

// corrections derives retry instructions from the previous verdict.
func corrections(v validator.Result, cfg validator.Config) prompts.Corrections {
	return prompts.Corrections{
		MissingSections: v.MissingSections,
		TooShort:        v.Length < cfg.MinLength,
		FewColors:       v.HexColors < cfg.MinHexColors,
		TooVague:        v.VaguePhrases > cfg.MaxVaguePhrases,
	}
}

func failure(stage FailedStage, err error) Result {
	var msg string
	switch stage {
	case FailedVision:
		msg = "photo analysis failed: " + err.Error()
	case FailedText:
		msg = "specification generation failed: " + err.Error()
	default:
		msg = "unexpected error: " + err.Error()
	}
	return Result{Success: false, ErrorMessage: msg, FailedStage: stage}
}

func observe(res Result) {
	label := string(res.FailedStage) + "_failed"
	switch {
	case res.Success && res.Validation != nil && res.Validation.IsValid:
		label = "valid"
	case res.Success:
		label = "invalid"
	case res.FailedStage == FailedUnexpected:
		label = "unexpected"
	}
	metrics.GenerationsTotal.WithLabelValues(label).Inc()
	metrics.GenerationDurationSeconds.WithLabelValues(label).Observe(res.Duration.Seconds())
	metrics.LastGenerationSeconds.Set(metrics.NowUnixSeconds())
	if res.Success {
		metrics.GenerationAttempts.Observe(float64(res.Attempts))
		metrics.QualityScore.Observe(float64(res.QualityScore))
	}
}
