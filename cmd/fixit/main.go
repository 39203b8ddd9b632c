// Command fixit runs the FixIt gateway and its operational checks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gurre/fixit/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx := withSignalCancel(context.Background())
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "fixit",
		Short:         "FixIt gateway: auth, marketplace records and uploads over Cognito, DynamoDB and S3",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfig(v)
		},
	}
	registerFlags(cmd.PersistentFlags())
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		panic(err)
	}
	cmd.AddCommand(
		newServeCommand(v),
		newPreflightCommand(v),
		newVersionCommand(),
	)
	return cmd
}

// registerFlags declares one flag per configuration key. Defaults live in
// config.SetDefaults; flags only win when set.
func registerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Config file (yaml, json or toml)")
	fs.String("env", "", "Environment (production|development)")
	fs.String("listen", "", "Listen address, overrides --port")
	fs.String("port", "", "Listen port")
	fs.String("log-level", "", "Log level (debug|info|warn|error)")
	fs.String("region", "", "AWS region")
	fs.String("user-pool-id", "", "Cognito user pool id")
	fs.String("client-id", "", "Cognito user pool app client id")
	fs.String("identity-pool-id", "", "Cognito identity pool id")
	fs.String("table", "", "DynamoDB table name")
	fs.Bool("table-sort-key", false, "Table has a PK+SK composite key")
	fs.String("entity-type-index", "", "Optional GSI keyed on entityType")
	fs.String("bucket", "", "S3 bucket for uploads")
	fs.String("public-base-url", "", "Public URL prefix of uploaded objects")
	fs.Int64("max-upload-bytes", 0, "Maximum upload size in bytes")
	fs.Duration("signed-url-ttl", 0, "Default lifetime of presigned download URLs")
	fs.String("dynamodb-endpoint", "", "DynamoDB endpoint override")
	fs.String("s3-endpoint", "", "S3 endpoint override")
	fs.Bool("s3-path-style", false, "Use path-style S3 addressing")
	fs.Int("auth-rate", 0, "Auth requests per client per minute")
	fs.Duration("shutdown-timeout", 0, "Graceful shutdown timeout")
}

// readConfig wires defaults, environment and the optional config file into v.
func readConfig(v *viper.Viper) error {
	config.SetDefaults(v)
	if err := config.BindEnv(v); err != nil {
		return err
	}
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// newLogger builds the production or development zap logger at the
// configured level.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if cfg.Production() {
		zc = zap.NewProductionConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.With(zap.String("app", "fixit")), nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fixit version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "fixit %s\n", version)
			return err
		},
	}
}
