// Package service wraps the generation pipeline in the credit discipline:
// a credit is debited before any AI call and refunded on every failure path.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"specbot/config"
	"specbot/database"
	"specbot/generator"
	"specbot/image"
	"specbot/lock"
	"specbot/metrics"

	"github.com/apex/log"
)

var (
	ErrNoPhotos         = errors.New("no photos provided")
	ErrGenerationFailed = errors.New("generation failed")
	ErrForbidden        = errors.New("generation belongs to another user")
	ErrUnknownPackage   = errors.New("unknown credit package")
	ErrRefundFailed     = errors.New("credit refund failed")
)

// Store is the persistence the service needs.
type Store interface {
	EnsureUser(ctx context.Context, id int64, username string, freeCredits int) (database.User, bool, error)
	Balance(ctx context.Context, id int64) (int, error)
	Ledger(ctx context.Context, id int64, limit int) ([]database.LedgerEntry, error)
	Debit(ctx context.Context, id int64, amount int, reason string) error
	Credit(ctx context.Context, id int64, amount int, reason string) (int, error)
	RecordPayment(ctx context.Context, p database.Payment) (int, bool, error)
	SaveGeneration(ctx context.Context, g *database.Generation) (int64, error)
	GetGeneration(ctx context.Context, id int64) (database.Generation, error)
	UpdateGenerationSpec(ctx context.Context, g *database.Generation) error
	ListGenerations(ctx context.Context, userID int64, limit int) ([]database.Generation, error)
}

// Orchestrator runs the AI pipeline.
type Orchestrator interface {
	Generate(ctx context.Context, photos [][]byte, category string, onProgress generator.ProgressFunc) generator.Result
	Regenerate(ctx context.Context, analysis, category, previous, feedback string, onProgress generator.ProgressFunc) generator.Result
}

// EventPublisher receives generation events; nil disables events.
type EventPublisher interface {
	PublishWithRoutingKey(ctx context.Context, routingKey string, message interface{}) error
}

// Config holds the economy and request limits.
type Config struct {
	GenerationCost int
	FreeCredits    int
	MaxPhotos      int
	LockTTL        time.Duration
	RefundTimeout  time.Duration
	RefundDelay    time.Duration // first backoff between refund attempts
	Photo          image.Options
	RoutingKey     string // prefix for generation.completed / generation.failed
}

func DefaultConfig() Config {
	return Config{
		GenerationCost: 1,
		FreeCredits:    3,
		MaxPhotos:      5,
		LockTTL:        5 * time.Minute,
		RefundTimeout:  10 * time.Second,
		RefundDelay:    200 * time.Millisecond,
		RoutingKey:     "generation",
	}
}

// Outcome is what a caller gets back from a paid generation.
type Outcome struct {
	GenerationID int64            `json:"generation_id,omitempty"`
	Result       generator.Result `json:"result"`
	Refunded     bool             `json:"refunded"`
}

// Service is safe for concurrent use.
type Service struct {
	store     Store
	orch      Orchestrator
	locker    lock.Locker
	publisher EventPublisher
	cfg       Config
}

func New(store Store, orch Orchestrator, locker lock.Locker, publisher EventPublisher, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.GenerationCost <= 0 {
		cfg.GenerationCost = def.GenerationCost
	}
	if cfg.MaxPhotos <= 0 {
		cfg.MaxPhotos = def.MaxPhotos
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.RefundTimeout <= 0 {
		cfg.RefundTimeout = def.RefundTimeout
	}
	if cfg.RefundDelay <= 0 {
		cfg.RefundDelay = def.RefundDelay
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = def.RoutingKey
	}
	return &Service{store: store, orch: orch, locker: locker, publisher: publisher, cfg: cfg}
}

// EnsureUser registers a user with the welcome credits on first contact.
func (s *Service) EnsureUser(ctx context.Context, id int64, username string) (database.User, error) {
	u, _, err := s.store.EnsureUser(ctx, id, username, s.cfg.FreeCredits)
	return u, err
}

// Balance returns the user's current credits.
func (s *Service) Balance(ctx context.Context, userID int64) (int, error) {
	return s.store.Balance(ctx, userID)
}

// Ledger returns the current balance with the most recent balance changes,
// newest first.
func (s *Service) Ledger(ctx context.Context, userID int64, limit int) (int, []database.LedgerEntry, error) {
	balance, err := s.store.Balance(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	entries, err := s.store.Ledger(ctx, userID, limit)
	if err != nil {
		return 0, nil, err
	}
	return balance, entries, nil
}

// AddCredits grants credits outside the package flow, e.g. by an operator.
func (s *Service) AddCredits(ctx context.Context, userID int64, amount int, reason string) (int, error) {
	if reason == "" {
		reason = "grant"
	}
	return s.store.Credit(ctx, userID, amount, reason)
}

// Purchase credits the user with a credit package after payment was confirmed.
func (s *Service) Purchase(ctx context.Context, userID int64, packageID string) (int, config.CreditPackage, error) {
	pkg, ok := config.GetPackage(packageID)
	if !ok {
		return 0, config.CreditPackage{}, fmt.Errorf("%w: %q", ErrUnknownPackage, packageID)
	}
	balance, err := s.store.Credit(ctx, userID, pkg.Credits, "package:"+pkg.ID)
	if err != nil {
		return 0, pkg, err
	}
	log.WithFields(log.Fields{"user_id": userID, "package": pkg.ID, "price": pkg.Price.String()}).Info("credits.purchased")
	return balance, pkg, nil
}

// FulfillPayment credits the package bought in a confirmed payment. A
// payment delivered twice is credited once; the second call reports
// applied=false with the current balance.
func (s *Service) FulfillPayment(ctx context.Context, userID int64, packageID, externalID string) (int, bool, error) {
	pkg, ok := config.GetPackage(packageID)
	if !ok {
		return 0, false, fmt.Errorf("%w: %q", ErrUnknownPackage, packageID)
	}
	balance, applied, err := s.store.RecordPayment(ctx, database.Payment{
		ExternalID:  externalID,
		UserID:      userID,
		PackageID:   pkg.ID,
		Credits:     pkg.Credits,
		AmountMinor: pkg.MinorAmount,
		Currency:    pkg.Currency,
	})
	if err != nil {
		return 0, false, err
	}
	log.WithFields(log.Fields{
		"user_id": userID,
		"package": pkg.ID,
		"payment": externalID,
		"applied": applied,
		"balance": balance,
	}).Info("credits.payment")
	return balance, applied, nil
}

// Generate runs a paid generation. The credit is debited before the
// pipeline starts and refunded if the pipeline fails, the result cannot be
// stored, or anything panics.
func (s *Service) Generate(ctx context.Context, userID int64, photos [][]byte, category string, onProgress generator.ProgressFunc) (Outcome, error) {
	if len(photos) == 0 {
		return Outcome{}, ErrNoPhotos
	}
	if len(photos) > s.cfg.MaxPhotos {
		log.Warnf("user %d sent %d photos, using the first %d", userID, len(photos), s.cfg.MaxPhotos)
		photos = photos[:s.cfg.MaxPhotos]
	}

	release, err := s.locker.Acquire(ctx, lockKey(userID), s.cfg.LockTTL)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	photos = image.CompressAll(photos, s.cfg.Photo)

	var out Outcome
	out.Refunded, err = s.charged(ctx, userID, "generation", func() error {
		res := s.orch.Generate(ctx, photos, category, onProgress)
		out.Result = res
		if !res.Success {
			s.publish(ctx, "failed", newEvent(userID, 0, category, res))
			return fmt.Errorf("%w: %s", ErrGenerationFailed, res.ErrorMessage)
		}

		g := &database.Generation{
			UserID:         userID,
			Category:       category,
			PhotoAnalysis:  res.PhotoAnalysis,
			SpecText:       res.SpecText,
			QualityScore:   res.QualityScore,
			IsValid:        res.Validation != nil && res.Validation.IsValid,
			Attempts:       res.Attempts,
			VisionProvider: res.VisionProvider,
			TextProvider:   res.TextProvider,
			TokensUsed:     res.TokensUsed,
		}
		id, err := s.store.SaveGeneration(ctx, g)
		if err != nil {
			return err
		}
		out.GenerationID = id
		s.publish(ctx, "completed", newEvent(userID, id, category, res))
		return nil
	})
	return out, err
}

// Regenerate rewrites a stored specification for its owner, reusing the
// stored photo analysis. It costs the same as a generation.
func (s *Service) Regenerate(ctx context.Context, userID, generationID int64, feedback string, onProgress generator.ProgressFunc) (Outcome, error) {
	release, err := s.locker.Acquire(ctx, lockKey(userID), s.cfg.LockTTL)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	g, err := s.store.GetGeneration(ctx, generationID)
	if err != nil {
		return Outcome{}, err
	}
	if g.UserID != userID {
		return Outcome{}, ErrForbidden
	}

	out := Outcome{GenerationID: generationID}
	out.Refunded, err = s.charged(ctx, userID, "regeneration", func() error {
		res := s.orch.Regenerate(ctx, g.PhotoAnalysis, g.Category, g.SpecText, feedback, onProgress)
		out.Result = res
		if !res.Success {
			s.publish(ctx, "failed", newEvent(userID, generationID, g.Category, res))
			return fmt.Errorf("%w: %s", ErrGenerationFailed, res.ErrorMessage)
		}

		g.SpecText = res.SpecText
		g.QualityScore = res.QualityScore
		g.IsValid = res.Validation != nil && res.Validation.IsValid
		g.TextProvider = res.TextProvider
		g.TokensUsed = res.TokensUsed
		if err := s.store.UpdateGenerationSpec(ctx, &g); err != nil {
			return err
		}
		s.publish(ctx, "completed", newEvent(userID, generationID, g.Category, res))
		return nil
	})
	return out, err
}

// Generation returns a stored generation if userID owns it.
func (s *Service) Generation(ctx context.Context, userID, generationID int64) (database.Generation, error) {
	g, err := s.store.GetGeneration(ctx, generationID)
	if err != nil {
		return database.Generation{}, err
	}
	if g.UserID != userID {
		return database.Generation{}, ErrForbidden
	}
	return g, nil
}

// History lists the user's recent generations.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]database.Generation, error) {
	return s.store.ListGenerations(ctx, userID, limit)
}

// charged debits the generation cost, runs fn, and refunds when fn fails
// or panics. A panic is re-raised after the refund. refunded reports
// whether a debited credit was given back; when the refund itself could
// not be stored the error also wraps ErrRefundFailed.
func (s *Service) charged(ctx context.Context, userID int64, reason string, fn func() error) (refunded bool, err error) {
	if err := s.store.Debit(ctx, userID, s.cfg.GenerationCost, reason); err != nil {
		return false, err
	}
	metrics.CreditsDebitedTotal.Add(float64(s.cfg.GenerationCost))

	defer func() {
		if r := recover(); r != nil {
			s.refund(userID, "panic")
			panic(r)
		}
	}()

	if err = fn(); err != nil {
		cause := "generation_failed"
		if !errors.Is(err, ErrGenerationFailed) {
			cause = "persist_failed"
		}
		log.WithError(err).WithFields(log.Fields{"user_id": userID, "reason": reason}).Warn("generation.refunding")
		if rerr := s.refund(userID, cause); rerr != nil {
			return false, fmt.Errorf("%w (%w: %v)", err, ErrRefundFailed, rerr)
		}
		return true, err
	}
	return false, nil
}

// refund credits the generation cost back, retrying with doubling delays
// until it lands or RefundTimeout runs out.
func (s *Service) refund(userID int64, cause string) error {
	// the request context may be gone; the refund must still land
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefundTimeout)
	defer cancel()

	delay := s.cfg.RefundDelay
	for attempt := 1; ; attempt++ {
		_, err := s.store.Credit(ctx, userID, s.cfg.GenerationCost, "refund:"+cause)
		if err == nil {
			metrics.CreditsRefundedTotal.WithLabelValues(cause).Inc()
			return nil
		}
		log.WithError(err).WithFields(log.Fields{"user_id": userID, "attempt": attempt}).Warn("generation.refund_retry")

		select {
		case <-ctx.Done():
			log.WithError(err).WithField("user_id", userID).Error("generation.refund_failed")
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (s *Service) publish(ctx context.Context, kind string, ev Event) {
	if s.publisher == nil {
		return
	}
	ev.Type = kind
	key := s.cfg.RoutingKey + "." + kind
	if err := s.publisher.PublishWithRoutingKey(ctx, key, ev); err != nil {
		metrics.EventPublishErrorTotal.Inc()
		log.WithError(err).Warnf("failed to publish %s event", key)
	}
}

func lockKey(userID int64) string {
	return "generation:" + strconv.FormatInt(userID, 10)
}
