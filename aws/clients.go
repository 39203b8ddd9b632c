package aws

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Endpoints optionally overrides service endpoints, e.g. for DynamoDB Local or
// an S3-compatible store during development. Empty fields keep the default.
type Endpoints struct {
	DynamoDB     string
	S3           string
	S3PathStyle  bool
	UserPool     string
	IdentityPool string
}

// Clients bundles every SDK client the gateway talks to.
type Clients struct {
	DynamoDB     DynamoDBClient
	S3           S3Client
	Presigner    S3Presigner
	UserPool     UserPoolClient
	IdentityPool IdentityPoolClient
	IAM          IAMClient
}

// LoadConfig loads the default AWS configuration chain (environment, shared
// config, instance role) pinned to region.
func LoadConfig(ctx context.Context, region string) (awssdk.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return awssdk.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// DynamoDBMaxAttempts is the SDK attempt count for DynamoDB calls. The table
// store retries throttling itself, so the SDK makes a single attempt.
const DynamoDBMaxAttempts = 1

// NewClients creates all service clients from cfg.
func NewClients(cfg awssdk.Config, ep Endpoints) *Clients {
	ddb := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.RetryMaxAttempts = DynamoDBMaxAttempts
		if ep.DynamoDB != "" {
			o.BaseEndpoint = awssdk.String(ep.DynamoDB)
		}
	})
	s3c := newS3(cfg, ep)

	return &Clients{
		DynamoDB:  ddb,
		S3:        s3c,
		Presigner: s3.NewPresignClient(s3c),
		UserPool: cognitoidentityprovider.NewFromConfig(cfg, func(o *cognitoidentityprovider.Options) {
			if ep.UserPool != "" {
				o.BaseEndpoint = awssdk.String(ep.UserPool)
			}
		}),
		IdentityPool: cognitoidentity.NewFromConfig(cfg, func(o *cognitoidentity.Options) {
			if ep.IdentityPool != "" {
				o.BaseEndpoint = awssdk.String(ep.IdentityPool)
			}
		}),
		IAM: iam.NewFromConfig(cfg),
	}
}

// NewScopedClients creates DynamoDB and S3 clients that sign every request
// with creds, typically a federated session's credentials provider.
func NewScopedClients(cfg awssdk.Config, creds awssdk.CredentialsProvider, ep Endpoints) (DynamoDBClient, S3Client) {
	scoped := cfg.Copy()
	scoped.Credentials = creds
	c := NewClients(scoped, ep)
	return c.DynamoDB, c.S3
}

func newS3(cfg awssdk.Config, ep Endpoints) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if ep.S3 != "" {
			o.BaseEndpoint = awssdk.String(ep.S3)
		}
		o.UsePathStyle = ep.S3PathStyle
	})
}
