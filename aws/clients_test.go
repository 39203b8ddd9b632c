package aws

import (
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamoDBMakesSingleAttempt(t *testing.T) {
	cfg := awssdk.Config{Region: "us-east-1", RetryMaxAttempts: 10}
	c := NewClients(cfg, Endpoints{DynamoDB: "http://localhost:8000"})

	ddb, ok := c.DynamoDB.(*dynamodb.Client)
	require.True(t, ok)
	opts := ddb.Options()
	assert.Equal(t, DynamoDBMaxAttempts, opts.RetryMaxAttempts)
	assert.Equal(t, "http://localhost:8000", awssdk.ToString(opts.BaseEndpoint))
}

func TestScopedClientsUseProvidedCredentials(t *testing.T) {
	creds := awssdk.NewCredentialsCache(awssdk.CredentialsProviderFunc(nil))
	ddb, s3c := NewScopedClients(awssdk.Config{Region: "us-east-1"}, creds, Endpoints{S3PathStyle: true})

	assert.Same(t, creds, ddb.(*dynamodb.Client).Options().Credentials)
	opts := s3c.(*s3.Client).Options()
	assert.Same(t, creds, opts.Credentials)
	assert.True(t, opts.UsePathStyle)
	assert.Equal(t, DynamoDBMaxAttempts, ddb.(*dynamodb.Client).Options().RetryMaxAttempts)
}
