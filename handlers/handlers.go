// Package handlers exposes the service over HTTP with gin.
package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"specbot/config"
	"specbot/database"
	"specbot/generator"
	"specbot/lock"
	"specbot/palette"
	"specbot/payments"
	"specbot/progress"
	"specbot/provider"
	"specbot/service"
	"specbot/validator"

	"github.com/apex/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	EndPointHealth        = "/health"
	EndPointMetrics       = "/metrics"
	EndPointProviders     = "/api/v1/providers"
	EndPointProvider      = "/api/v1/providers/:capability/:name"
	EndPointUsers         = "/api/v1/users"
	EndPointBalance       = "/api/v1/users/:id/balance"
	EndPointCredits       = "/api/v1/users/:id/credits"
	EndPointHistory       = "/api/v1/users/:id/generations"
	EndPointLedger        = "/api/v1/users/:id/ledger"
	EndPointPackages      = "/api/v1/packages"
	EndPointGenerations   = "/api/v1/generations"
	EndPointGeneration    = "/api/v1/generations/:id"
	EndPointRegeneration  = "/api/v1/generations/:id/regenerate"
	EndPointPalette       = "/api/v1/generations/:id/palette.png"
	EndPointProgress      = "/api/v1/users/:id/progress"
	EndPointCheckout      = "/api/v1/users/:id/checkout"
	EndPointWebhook       = "/api/v1/payments/webhook"
	maxWebhookBytes       = 64 << 10
	maxPhotoBytes         = 10 << 20
	maxMultipartMemoryMiB = 32
)

// Service is the application layer behind the routes.
type Service interface {
	EnsureUser(ctx context.Context, id int64, username string) (database.User, error)
	Balance(ctx context.Context, userID int64) (int, error)
	AddCredits(ctx context.Context, userID int64, amount int, reason string) (int, error)
	Purchase(ctx context.Context, userID int64, packageID string) (int, config.CreditPackage, error)
	FulfillPayment(ctx context.Context, userID int64, packageID, externalID string) (int, bool, error)
	Generate(ctx context.Context, userID int64, photos [][]byte, category string, onProgress generator.ProgressFunc) (service.Outcome, error)
	Regenerate(ctx context.Context, userID, generationID int64, feedback string, onProgress generator.ProgressFunc) (service.Outcome, error)
	Generation(ctx context.Context, userID, generationID int64) (database.Generation, error)
	History(ctx context.Context, userID int64, limit int) ([]database.Generation, error)
	Ledger(ctx context.Context, userID int64, limit int) (int, []database.LedgerEntry, error)
}

// ProviderChain is the operator view of a provider chain.
type ProviderChain interface {
	Providers() []string
	Statuses() map[string]provider.Status
	HealthCheckAll(ctx context.Context) map[string]provider.Status
	SetStatus(name string, status provider.Status) bool
}

// Payments is the checkout provider.
type Payments interface {
	CreateCheckout(ctx context.Context, userID int64, pkg config.CreditPackage) (payments.Checkout, error)
	ParseWebhook(payload []byte, signature string) (payments.Completion, bool, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds the HTTP endpoints.
type Handlers struct {
	svc        Service
	chains     map[string]ProviderChain
	db         Pinger
	throttle   *Throttle
	adminToken string
	categories []string
	hub        *progress.Hub
	payments   Payments
}

func NewHandlers(svc Service, vision, text ProviderChain, db Pinger, throttle *Throttle, adminToken string, categories []string) *Handlers {
	if throttle == nil {
		throttle = NewThrottle(0, 1)
	}
	return &Handlers{
		svc:        svc,
		chains:     map[string]ProviderChain{"vision": vision, "text": text},
		db:         db,
		throttle:   throttle,
		adminToken: adminToken,
		categories: categories,
	}
}

// WithProgress streams generation progress to websocket listeners on hub.
func (h *Handlers) WithProgress(hub *progress.Hub) *Handlers {
	h.hub = hub
	return h
}

// WithPayments enables package checkout and its webhook.
func (h *Handlers) WithPayments(p Payments) *Handlers {
	h.payments = p
	return h
}

// Router wires every endpoint into a gin engine.
func (h *Handlers) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.Use(cors.New(cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Admin-Token"},
		AllowOrigins:     []string{"*"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{EndPointMetrics}),
		gzip.WithExcludedPathsRegexs([]string{`^/api/v1/users/[^/]+/progress$`})))
	router.MaxMultipartMemory = maxMultipartMemoryMiB << 20

	router.GET(EndPointHealth, h.Health)
	router.GET(EndPointMetrics, gin.WrapH(promhttp.Handler()))
	router.GET(EndPointPackages, h.Packages)

	router.GET(EndPointProviders, h.Providers)
	router.PUT(EndPointProvider, h.requireAdmin, h.SetProviderStatus)

	router.POST(EndPointUsers, h.EnsureUser)
	router.GET(EndPointBalance, h.Balance)
	router.POST(EndPointCredits, h.requireAdmin, h.AddCredits)
	router.GET(EndPointHistory, h.History)
	router.GET(EndPointLedger, h.Ledger)
	router.GET(EndPointProgress, h.ListenProgress)
	router.POST(EndPointCheckout, h.Checkout)
	router.POST(EndPointWebhook, h.PaymentWebhook)

	router.POST(EndPointGenerations, h.Generate)
	router.GET(EndPointGeneration, h.Generation)
	router.POST(EndPointRegeneration, h.Regenerate)
	router.GET(EndPointPalette, h.Palette)
	return router
}

func (h *Handlers) Health(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	if h.db != nil {
		if err := h.db.Ping(c.Request.Context()); err != nil {
			log.WithError(err).Warn("health: database unreachable")
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	resp := gin.H{"status": status, "service": "specbot"}
	if h.hub != nil {
		resp["connected_clients"] = h.hub.GetStats()
	}
	c.JSON(code, resp)
}

func (h *Handlers) Packages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packages": config.AllPackages(), "categories": h.categories})
}

// Providers runs a health sweep over both chains. ?cached=true returns the
// cached statuses without probing and needs no admin token.
func (h *Handlers) Providers(c *gin.Context) {
	cached := c.Query("cached") == "true"
	if !cached && !h.isAdmin(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "admin token required for a live sweep"})
		return
	}
	out := gin.H{}
	for capability, chain := range h.chains {
		if chain == nil {
			continue
		}
		if cached {
			out[capability] = chain.Statuses()
		} else {
			out[capability] = chain.HealthCheckAll(c.Request.Context())
		}
	}
	c.JSON(http.StatusOK, out)
}

type statusRequest struct {
	Status provider.Status `json:"status" binding:"required"`
}

func (h *Handlers) SetProviderStatus(c *gin.Context) {
	chain, ok := h.chains[c.Param("capability")]
	if !ok || chain == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown capability"})
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Status {
	case provider.StatusAvailable, provider.StatusRateLimited, provider.StatusError, provider.StatusDisabled:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", req.Status)})
		return
	}
	if !chain.SetStatus(c.Param("name"), req.Status) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	log.WithFields(log.Fields{"capability": c.Param("capability"), "provider": c.Param("name"), "status": req.Status}).Info("provider.status_set")
	c.JSON(http.StatusOK, chain.Statuses())
}

type userRequest struct {
	ID       int64  `json:"id" binding:"required"`
	Username string `json:"username"`
}

func (h *Handlers) EnsureUser(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.svc.EnsureUser(c.Request.Context(), req.ID, req.Username)
	if err != nil {
		writeError(c, err, service.Outcome{})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handlers) Balance(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	balance, err := h.svc.Balance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err, service.Outcome{})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

type creditsRequest struct {
	PackageID string `json:"package_id"`
	Amount    int    `json:"amount"`
	Reason    string `json:"reason"`
}

func (h *Handlers) AddCredits(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req creditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if req.PackageID != "" {
		balance, pkg, err := h.svc.Purchase(ctx, userID, req.PackageID)
		if err != nil {
			writeError(c, err, service.Outcome{})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance, "package": pkg})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "package_id or a positive amount is required"})
		return
	}
	balance, err := h.svc.AddCredits(ctx, userID, req.Amount, req.Reason)
	if err != nil {
		writeError(c, err, service.Outcome{})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

func (h *Handlers) History(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	list, err := h.svc.History(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err, service.Outcome{})
		return
	}
	c.JSON(http.StatusOK, gin.H{"generations": list})
}

// Ledger lists the user's recent credit movements.
func (h *Handlers) Ledger(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	balance, entries, err := h.svc.Ledger(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err, service.Outcome{})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance, "entries": entries})
}

// Generate accepts multipart form data: user_id, category and one or more
// "photos" files.
func (h *Handlers) Generate(c *gin.Context) {
	userID, err := strconv.ParseInt(c.PostForm("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	if !h.throttle.Allow(strconv.FormatInt(userID, 10)) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many generation requests, try again later"})
		return
	}
	category := c.DefaultPostForm("category", "other")

	photos, err := readPhotos(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.svc.Generate(c.Request.Context(), userID, photos, category, h.progress(userID))
	if err != nil {
		writeError(c, err, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

type checkoutRequest struct {
	PackageID string `json:"package_id" binding:"required"`
}

// Checkout opens a payment page for a credit package.
func (h *Handlers) Checkout(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if h.payments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payments are not configured"})
		return
	}
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pkg, ok := config.GetPackage(req.PackageID)
	if !ok {
		writeError(c, fmt.Errorf("%w: %q", service.ErrUnknownPackage, req.PackageID), service.Outcome{})
		return
	}
	if _, err := h.svc.Balance(c.Request.Context(), userID); err != nil {
		writeError(c, err, service.Outcome{})
		return
	}
	checkout, err := h.payments.CreateCheckout(c.Request.Context(), userID, pkg)
	if err != nil {
		log.WithError(err).Error("checkout failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkout": checkout, "package": pkg})
}

// PaymentWebhook credits packages for paid checkouts. Redeliveries of the
// same session are acknowledged without crediting again.
func (h *Handlers) PaymentWebhook(c *gin.Context) {
	if h.payments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payments are not configured"})
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	done, ok, err := h.payments.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		log.WithError(err).Warn("rejected payment webhook")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	balance, applied, err := h.svc.FulfillPayment(c.Request.Context(), done.UserID, done.PackageID, done.SessionID)
	if err != nil {
		writeError(c, err, service.Outcome{})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "applied": applied, "balance": balance})
}

type regenerateRequest struct {
	UserID   int64  `json:"user_id" binding:"required"`
	Feedback string `json:"feedback"`
}

func (h *Handlers) Regenerate(c *gin.Context) {
	generationID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.throttle.Allow(strconv.FormatInt(req.UserID, 10)) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many generation requests, try again later"})
		return
	}

	out, err := h.svc.Regenerate(c.Request.Context(), req.UserID, generationID, req.Feedback, h.progress(req.UserID))
	if err != nil {
		writeError(c, err, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) Generation(c *gin.Context) {
	generationID, ok := idParam(c, "id")
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}
	g, err := h.svc.Generation(c.Request.Context(), userID, generationID)
	if err != nil {
		writeError(c, err, service.Outcome{})
		return
	}
	c.JSON(http.StatusOK, g)
}

// Palette renders the hex colors of a stored specification as a PNG.
func (h *Handlers) Palette(c *gin.Context) {
	generationID, ok := idParam(c, "id")
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}
	g, err := h.svc.Generation(c.Request.Context(), userID, generationID)
	if err != nil {
		writeError(c, err, service.Outcome{})
		return
	}
	img, err := palette.Render(validator.HexColors(g.SpecText), palette.DefaultOptions())
	if errors.Is(err, palette.ErrNoColors) {
		c.JSON(http.StatusNotFound, gin.H{"error": "the specification names no hex colors"})
		return
	}
	if err != nil {
		writeError(c, err, service.Outcome{})
		return
	}
	c.Data(http.StatusOK, "image/png", img)
}

func (h *Handlers) isAdmin(c *gin.Context) bool {
	token := c.GetHeader("X-Admin-Token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	return h.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func (h *Handlers) requireAdmin(c *gin.Context) {
	if !h.isAdmin(c) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin token required"})
		return
	}
	c.Next()
}

func readPhotos(c *gin.Context) ([][]byte, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("multipart form expected: %w", err)
	}
	files := form.File["photos"]
	photos := make([][]byte, 0, len(files))
	for _, fh := range files {
		if fh.Size > maxPhotoBytes {
			return nil, fmt.Errorf("photo %s exceeds %d MiB", fh.Filename, maxPhotoBytes>>20)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(io.LimitReader(f, maxPhotoBytes))
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
		}
		photos = append(photos, data)
	}
	return photos, nil
}

func writeError(c *gin.Context, err error, out service.Outcome) {
	switch {
	case errors.Is(err, service.ErrGenerationFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":        out.Result.ErrorMessage,
			"failed_stage": out.Result.FailedStage,
			"refunded":     out.Refunded,
		})
	case errors.Is(err, database.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance", "packages": config.AllPackages()})
	case errors.Is(err, lock.ErrLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "a generation is already in progress"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrNoPhotos), errors.Is(err, service.ErrUnknownPackage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.WithError(err).Errorf("%s %s failed", c.Request.Method, c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ListenProgress upgrades to a websocket that receives the user's
// generation progress updates.
func (h *Handlers) ListenProgress(c *gin.Context) {
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "progress streaming is disabled"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("Failed to upgrade connection to WebSocket")
		return
	}
	if !h.hub.Attach(progress.NewClient(h.hub, conn, userID)) {
		conn.Close()
	}
}

func (h *Handlers) progress(userID int64) generator.ProgressFunc {
	return func(stage generator.Stage, note string) error {
		log.WithFields(log.Fields{"user_id": userID, "stage": stage.String(), "note": note}).Debug("generation.progress")
		if h.hub != nil {
			h.hub.Publish(userID, progress.Message{
				Type:      "progress",
				Stage:     int(stage),
				StageName: stage.String(),
				Note:      note,
			})
		}
		return nil
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Info("http.request")
	}
}
