// Package config holds the gateway configuration, its defaults, how it is
// loaded from flags, environment and file, and its validation rules.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config holds all gateway settings. Field comments name the viper key.
type Config struct {
	Environment string // env: production|development
	ListenAddr  string // listen
	LogLevel    string // log-level

	Region         string // region
	UserPoolID     string // user-pool-id
	ClientID       string // client-id
	IdentityPoolID string // identity-pool-id

	TableName       string // table
	TableSortKey    bool   // table-sort-key: table has a PK+SK composite key
	EntityTypeIndex string // entity-type-index: optional GSI on entityType

	Bucket         string        // bucket
	PublicBaseURL  string        // public-base-url: overrides the S3 virtual-host URL
	MaxUploadBytes int64         // max-upload-bytes
	SignedURLTTL   time.Duration // signed-url-ttl

	DynamoDBEndpoint string // dynamodb-endpoint
	S3Endpoint       string // s3-endpoint
	S3PathStyle      bool   // s3-path-style

	AuthRatePerMinute int           // auth-rate: sign-up/login/confirm requests per client per minute
	ShutdownTimeout   time.Duration // shutdown-timeout
}

// Keys and their legacy environment variable names. The legacy names are the
// ones existing deployments set in their .env files.
var envAliases = map[string][]string{
	"env":               {"FIXIT_ENV", "NODE_ENV"},
	"listen":            {"FIXIT_LISTEN"},
	"port":              {"FIXIT_PORT", "PORT"},
	"log-level":         {"FIXIT_LOG_LEVEL"},
	"region":            {"FIXIT_REGION", "AWS_REGION"},
	"user-pool-id":      {"FIXIT_USER_POOL_ID", "COGNITO_USER_POOL_ID"},
	"client-id":         {"FIXIT_CLIENT_ID", "COGNITO_CLIENT_ID"},
	"identity-pool-id":  {"FIXIT_IDENTITY_POOL_ID", "COGNITO_IDENTITY_POOL_ID"},
	"table":             {"FIXIT_TABLE", "DYNAMODB_USERS_TABLE"},
	"table-sort-key":    {"FIXIT_TABLE_SORT_KEY"},
	"entity-type-index": {"FIXIT_ENTITY_TYPE_INDEX"},
	"bucket":            {"FIXIT_BUCKET", "S3_BUCKET"},
	"public-base-url":   {"FIXIT_PUBLIC_BASE_URL"},
	"max-upload-bytes":  {"FIXIT_MAX_UPLOAD_BYTES"},
	"signed-url-ttl":    {"FIXIT_SIGNED_URL_TTL"},
	"dynamodb-endpoint": {"FIXIT_DYNAMODB_ENDPOINT"},
	"s3-endpoint":       {"FIXIT_S3_ENDPOINT"},
	"s3-path-style":     {"FIXIT_S3_PATH_STYLE"},
	"auth-rate":         {"FIXIT_AUTH_RATE"},
	"shutdown-timeout":  {"FIXIT_SHUTDOWN_TIMEOUT"},
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("env", EnvDevelopment)
	v.SetDefault("port", "3000")
	v.SetDefault("log-level", "info")
	v.SetDefault("table", "FixIt")
	v.SetDefault("bucket", "fixit-profile-images")
	v.SetDefault("max-upload-bytes", int64(5<<20))
	v.SetDefault("signed-url-ttl", time.Hour)
	v.SetDefault("auth-rate", 30)
	v.SetDefault("shutdown-timeout", 15*time.Second)
}

// BindEnv binds every key to its FIXIT_ variable and legacy aliases.
func BindEnv(v *viper.Viper) error {
	for key, names := range envAliases {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Load reads a Config out of v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	listen := strings.TrimSpace(v.GetString("listen"))
	if listen == "" {
		listen = ":" + strings.TrimSpace(v.GetString("port"))
	}
	cfg := &Config{
		Environment:       strings.ToLower(strings.TrimSpace(v.GetString("env"))),
		ListenAddr:        listen,
		LogLevel:          strings.TrimSpace(v.GetString("log-level")),
		Region:            strings.TrimSpace(v.GetString("region")),
		UserPoolID:        strings.TrimSpace(v.GetString("user-pool-id")),
		ClientID:          strings.TrimSpace(v.GetString("client-id")),
		IdentityPoolID:    strings.TrimSpace(v.GetString("identity-pool-id")),
		TableName:         strings.TrimSpace(v.GetString("table")),
		TableSortKey:      v.GetBool("table-sort-key"),
		EntityTypeIndex:   strings.TrimSpace(v.GetString("entity-type-index")),
		Bucket:            strings.TrimSpace(v.GetString("bucket")),
		PublicBaseURL:     strings.TrimRight(strings.TrimSpace(v.GetString("public-base-url")), "/"),
		MaxUploadBytes:    v.GetInt64("max-upload-bytes"),
		SignedURLTTL:      v.GetDuration("signed-url-ttl"),
		DynamoDBEndpoint:  strings.TrimSpace(v.GetString("dynamodb-endpoint")),
		S3Endpoint:        strings.TrimSpace(v.GetString("s3-endpoint")),
		S3PathStyle:       v.GetBool("s3-path-style"),
		AuthRatePerMinute: v.GetInt("auth-rate"),
		ShutdownTimeout:   v.GetDuration("shutdown-timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Production reports whether provider error details must be withheld from
// responses.
func (c *Config) Production() bool {
	return c.Environment == EnvProduction
}

// Validate ensures all required fields are present and have valid values.
func (c *Config) Validate() error {
	if c.Environment != EnvProduction && c.Environment != EnvDevelopment {
		return fmt.Errorf("env must be production or development")
	}

	if c.ListenAddr == "" || c.ListenAddr == ":" {
		return fmt.Errorf("listen address is required")
	}

	if c.Region == "" {
		return fmt.Errorf("region is required")
	}

	if c.UserPoolID == "" {
		return fmt.Errorf("user pool id is required")
	}
	if !strings.HasPrefix(c.UserPoolID, c.Region+"_") {
		return fmt.Errorf("user pool id %q does not belong to region %s", c.UserPoolID, c.Region)
	}

	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}

	if c.IdentityPoolID == "" {
		return fmt.Errorf("identity pool id is required")
	}

	if c.TableName == "" {
		return fmt.Errorf("table name is required")
	}

	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}

	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil {
			return fmt.Errorf("invalid public base URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("public base URL must use http or https")
		}
	}

	if c.MaxUploadBytes < 1 {
		return fmt.Errorf("max upload bytes must be positive")
	}

	if c.SignedURLTTL < time.Second || c.SignedURLTTL > 7*24*time.Hour {
		return fmt.Errorf("signed URL TTL must be between 1s and 7 days")
	}

	if c.AuthRatePerMinute < 1 {
		return fmt.Errorf("auth rate must be at least 1 request per minute")
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	return nil
}

// LoginsKey is the identity pool logins map key naming this user pool as the
// identity provider.
func (c *Config) LoginsKey() string {
	return fmt.Sprintf("cognito-idp.%s.amazonaws.com/%s", c.Region, c.UserPoolID)
}

// ObjectBaseURL is the public URL prefix under which uploaded objects are
// reachable.
func (c *Config) ObjectBaseURL() string {
	if c.PublicBaseURL != "" {
		return c.PublicBaseURL
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", c.Bucket, c.Region)
}
