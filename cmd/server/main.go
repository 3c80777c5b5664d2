package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"account-portal/internal/auth"
	"account-portal/internal/config"
	apphttp "account-portal/internal/http"
	"account-portal/internal/repository/sqlite"
	"account-portal/internal/service"
	"account-portal/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	} else {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	accountRepo := sqlite.NewAccountRepository(db)
	if err := accountRepo.Init(ctx); err != nil {
		logger.Fatalf("init account repository: %v", err)
	}

	hasher, err := service.NewBcryptHasher(cfg.Auth.BcryptCost)
	if err != nil {
		logger.Fatalf("setup hasher: %v", err)
	}

	archive, err := buildArchive(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup archive: %v", err)
	}

	accountService, err := service.NewAccountService(accountRepo, hasher, archive, logger)
	if err != nil {
		logger.Fatalf("setup account service: %v", err)
	}
	if _, err := accountService.Reconcile(ctx); err != nil {
		logger.Warnf("reconcile account data: %v", err)
	}

	tokens, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.TokenTTL())
	if err != nil {
		logger.Fatalf("setup token issuer: %v", err)
	}

	tmpl, err := apphttp.LoadTemplates()
	if err != nil {
		logger.Fatalf("load templates: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.SetHTMLTemplate(tmpl)
	handler := apphttp.NewHandler(accountService, tokens, cfg.Auth.SecureCookie, logger)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	logger.Info("bye")
}

// buildArchive returns nil when no archive bucket is configured.
func buildArchive(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Archiver, error) {
	if !cfg.ArchiveEnabled() {
		logger.Info("account archive disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Archive.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Archive.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Archive.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("archiving deleted accounts to s3 bucket %s (region %s)", cfg.Archive.Bucket, cfg.Archive.Region)
	archiver, err := storage.NewS3Archiver(client, cfg.Archive.Bucket, cfg.Archive.KeyPrefix)
	if err != nil {
		return nil, err
	}
	return archiver, nil
}
