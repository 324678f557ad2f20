package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"specbot/database"
	"specbot/handlers"
	"specbot/metrics"
	"specbot/payments"
	"specbot/progress"
	"specbot/service"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveDBWaitFlag time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the specbot HTTP API.

Opens the database (DB_DRIVER=mysql|sqlite) and migrates it, builds the
provider chains from PROVIDER_ORDER, health-checks every provider and
serves until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveDBWaitFlag, "db-wait", time.Minute, "How long to wait for the database to come up")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	gin.SetMode(gin.ReleaseMode)
	metrics.Register()

	db, err := database.Open(cfg, serveDBWaitFlag)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	p, err := buildPipeline(cfg, false)
	if err != nil {
		return err
	}
	p.vision.HealthCheckAll(ctx)
	p.text.HealthCheckAll(ctx)

	locker, closeLocker, err := buildLocker(cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	publisher, closePublisher := buildPublisher(cfg)
	defer closePublisher()

	hub := progress.NewHub()
	go hub.Run()
	defer hub.Stop()

	svc := service.New(db, p.generator, locker, publisher, serviceConfig(cfg))
	h := handlers.NewHandlers(svc, p.vision, p.text, db,
		handlers.NewThrottle(cfg.GenerationRate, cfg.GenerationBurst),
		cfg.AdminToken, p.prompts.Categories()).WithProgress(hub)
	if cfg.StripeSecretKey != "" {
		h.WithPayments(payments.NewClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret,
			cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL))
	} else {
		log.Info("STRIPE_SECRET_KEY is not set, checkout disabled")
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: h.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		return fmt.Errorf("failed to start server: %w", err)
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exited")
	return nil
}
