package service

import (
	"time"

	"specbot/generator"
)

// Event is published after every paid generation, successful or not.
type Event struct {
	Type           string    `json:"type"`
	UserID         int64     `json:"user_id"`
	GenerationID   int64     `json:"generation_id,omitempty"`
	Category       string    `json:"category"`
	Success        bool      `json:"success"`
	QualityScore   int       `json:"quality_score"`
	IsValid        bool      `json:"is_valid"`
	Attempts       int       `json:"attempts"`
	VisionProvider string    `json:"vision_provider,omitempty"`
	TextProvider   string    `json:"text_provider,omitempty"`
	FailedStage    string    `json:"failed_stage,omitempty"`
	Error          string    `json:"error,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

func newEvent(userID, generationID int64, category string, res generator.Result) Event {
	return Event{
		UserID:         userID,
		GenerationID:   generationID,
		Category:       category,
		Success:        res.Success,
		QualityScore:   res.QualityScore,
		IsValid:        res.Validation != nil && res.Validation.IsValid,
		Attempts:       res.Attempts,
		VisionProvider: res.VisionProvider,
		TextProvider:   res.TextProvider,
		FailedStage:    string(res.FailedStage),
		Error:          res.ErrorMessage,
		DurationMs:     res.Duration.Milliseconds(),
		Timestamp:      time.Now().UTC(),
	}
}
