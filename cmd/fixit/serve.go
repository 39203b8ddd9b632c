package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gurre/fixit/api"
	"github.com/gurre/fixit/aws"
	"github.com/gurre/fixit/config"
	"github.com/gurre/fixit/federation"
	"github.com/gurre/fixit/identity"
	"github.com/gurre/fixit/marketplace"
	"github.com/gurre/fixit/metrics"
	"github.com/gurre/fixit/table"
	"github.com/gurre/fixit/upload"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Example: `
  # Unprefixed .env variable names are honoured
  AWS_REGION=us-east-1 COGNITO_USER_POOL_ID=us-east-1_abc COGNITO_CLIENT_ID=xyz \
  COGNITO_IDENTITY_POOL_ID=us-east-1:1234 fixit serve

  # DynamoDB Local and an S3-compatible store
  fixit serve --config fixit.yaml --dynamodb-endpoint http://localhost:8000 \
    --s3-endpoint http://localhost:9000 --s3-path-style`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// serve wires every component and runs the HTTP server until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	awsCfg, err := aws.LoadConfig(ctx, cfg.Region)
	if err != nil {
		return err
	}
	clients := aws.NewClients(awsCfg, aws.Endpoints{
		DynamoDB:    cfg.DynamoDBEndpoint,
		S3:          cfg.S3Endpoint,
		S3PathStyle: cfg.S3PathStyle,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	clk := clock.New()

	store := table.NewStore(clients.DynamoDB, table.Options{
		TableName:       cfg.TableName,
		SortKey:         cfg.TableSortKey,
		EntityTypeIndex: cfg.EntityTypeIndex,
		Clock:           clk,
		Logger:          logger,
		Observer:        m,
	})
	uploader := upload.NewUploader(clients.S3, clients.Presigner, upload.Options{
		Bucket:       cfg.Bucket,
		BaseURL:      cfg.ObjectBaseURL(),
		MaxBytes:     cfg.MaxUploadBytes,
		SignedURLTTL: cfg.SignedURLTTL,
		Logger:       logger,
		Observer:     m,
	})

	server := api.NewServer(api.Deps{
		Identity:    identity.NewClient(clients.UserPool, cfg.ClientID, logger),
		Federation:  federation.NewExchanger(clients.IdentityPool, cfg.IdentityPoolID, cfg.LoginsKey(), clk, logger),
		Marketplace: marketplace.NewService(store, clk, logger),
		Uploads:     uploader,
		Metrics:     m,
		Gatherer:    reg,
		Public: api.PublicConfig{
			Region:     cfg.Region,
			Bucket:     cfg.Bucket,
			UserPoolID: cfg.UserPoolID,
			ClientID:   cfg.ClientID,
		},
		Production:        cfg.Production(),
		AuthRatePerMinute: cfg.AuthRatePerMinute,
		Clock:             clk,
		Logger:            logger,
	})
	defer server.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Uploads need room beyond the header timeout.
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			zap.String("listen", cfg.ListenAddr),
			zap.String("env", cfg.Environment),
			zap.String("region", cfg.Region),
			zap.String("table", cfg.TableName),
			zap.String("bucket", cfg.Bucket),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
