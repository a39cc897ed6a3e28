// cmd/devidp — development identity provider. Stands in for the hosted
// provider so the portal SDK and auth backend run end to end locally.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carebridge-health/portal/internal/devidp"
	"github.com/carebridge-health/portal/internal/email"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("devidp exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("devidp")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("devidp.port", 8082)
	viper.SetDefault("devidp.external_url", "")
	viper.SetDefault("devidp.key_dir", "keys")
	viper.SetDefault("devidp.token_ttl_seconds", 3600)
	viper.SetDefault("devidp.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("email.smtp_host", "")
	viper.SetDefault("email.smtp_port", 587)
	viper.SetDefault("email.smtp_username", "")
	viper.SetDefault("email.smtp_password", "")
	viper.SetDefault("email.from_address", "noreply@carebridge.health")
	viper.SetDefault("oauth.google.client_id", "")
	viper.SetDefault("oauth.google.client_secret", "")
	viper.SetDefault("oauth.github.client_id", "")
	viper.SetDefault("oauth.github.client_secret", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	port := viper.GetInt("devidp.port")
	externalURL := viper.GetString("devidp.external_url")
	if externalURL == "" {
		externalURL = fmt.Sprintf("http://localhost:%d", port)
	}

	// ── Signing key and token issuer ─────────────────────────────────────────
	key, err := devidp.LoadOrCreateSigningKey(viper.GetString("devidp.key_dir"))
	if err != nil {
		return fmt.Errorf("signing key setup: %w", err)
	}
	tokenTTL := time.Duration(viper.GetInt("devidp.token_ttl_seconds")) * time.Second
	tokens := devidp.NewTokenIssuer(key, externalURL, tokenTTL)
	logger.Info("signing key ready", zap.String("issuer", externalURL))

	// ── Email sender ─────────────────────────────────────────────────────────
	var mailer email.Sender
	smtpHost := viper.GetString("email.smtp_host")
	if smtpHost != "" {
		mailer = email.NewSMTPSender(
			smtpHost,
			viper.GetInt("email.smtp_port"),
			viper.GetString("email.smtp_username"),
			viper.GetString("email.smtp_password"),
			viper.GetString("email.from_address"),
		)
		logger.Info("SMTP email sender configured", zap.String("host", smtpHost))
	} else {
		mailer = email.NewLogSender(logger)
		logger.Info("email sender: log only (set email.smtp_host to enable SMTP)")
	}

	// ── Handler ──────────────────────────────────────────────────────────────
	oauthProviders := map[string]devidp.OAuthProviderConfig{
		"google": {
			ClientID:     viper.GetString("oauth.google.client_id"),
			ClientSecret: viper.GetString("oauth.google.client_secret"),
		},
		"github": {
			ClientID:     viper.GetString("oauth.github.client_id"),
			ClientSecret: viper.GetString("oauth.github.client_secret"),
		},
	}
	store := devidp.NewStore()
	h := devidp.NewHandler(store, tokens, mailer, oauthProviders, externalURL, logger)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:  viper.GetStringSlice("devidp.cors_origins"),
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h.Register(router)

	// ── Serve ────────────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("devidp listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down devidp...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("devidp stopped")
	return nil
}
