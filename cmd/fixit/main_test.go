package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/gurre/fixit/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment:       config.EnvDevelopment,
		ListenAddr:        ":3000",
		Region:            "us-east-1",
		UserPoolID:        "us-east-1_pool",
		ClientID:          "client",
		IdentityPoolID:    "us-east-1:pool",
		TableName:         "FixIt",
		EntityTypeIndex:   "entityType-index",
		Bucket:            "fixit-profile-images",
		MaxUploadBytes:    5 << 20,
		SignedURLTTL:      time.Hour,
		AuthRatePerMinute: 30,
		ShutdownTimeout:   15 * time.Second,
	}
}

// fakeIAM denies every action listed in deny and pages its results two at
// a time.
type fakeIAM struct {
	deny   map[string]bool
	inputs []*iam.SimulatePrincipalPolicyInput
}

func (f *fakeIAM) SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error) {
	f.inputs = append(f.inputs, params)
	var all []types.EvaluationResult
	for _, a := range params.ActionNames {
		for _, r := range params.ResourceArns {
			d := types.PolicyEvaluationDecisionTypeAllowed
			if f.deny[a] {
				d = types.PolicyEvaluationDecisionTypeImplicitDeny
			}
			all = append(all, types.EvaluationResult{
				EvalActionName:   awssdk.String(a),
				EvalResourceName: awssdk.String(r),
				EvalDecision:     d,
			})
		}
	}
	start := 0
	if params.Marker != nil {
		for i := 0; i < len(all); i++ {
			if awssdk.ToString(all[i].EvalActionName)+"|"+awssdk.ToString(all[i].EvalResourceName) == *params.Marker {
				start = i
			}
		}
	}
	end := start + 2
	out := &iam.SimulatePrincipalPolicyOutput{}
	if end < len(all) {
		out.IsTruncated = true
		out.Marker = awssdk.String(awssdk.ToString(all[end].EvalActionName) + "|" + awssdk.ToString(all[end].EvalResourceName))
	} else {
		end = len(all)
	}
	out.EvaluationResults = all[start:end]
	return out, nil
}

const principalARN = "arn:aws:iam::123456789012:role/fixit-authenticated"

func TestPreflightAllowed(t *testing.T) {
	f := &fakeIAM{}
	var out bytes.Buffer
	require.NoError(t, preflight(context.Background(), f, testConfig(), principalARN, &out))

	require.NotEmpty(t, f.inputs)
	first := f.inputs[0]
	assert.Equal(t, principalARN, awssdk.ToString(first.PolicySourceArn))
	assert.Equal(t, []string{
		"arn:aws:dynamodb:us-east-1:123456789012:table/FixIt",
		"arn:aws:dynamodb:us-east-1:123456789012:table/FixIt/index/entityType-index",
	}, first.ResourceArns)
	last := f.inputs[len(f.inputs)-1]
	assert.Equal(t, []string{"arn:aws:s3:::fixit-profile-images/*"}, last.ResourceArns)

	// Header plus every action/resource pair across pages.
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 1+len(tableActions)*2+len(objectActions))
	assert.Contains(t, out.String(), "s3:PutObjectAcl")
}

func TestPreflightDenied(t *testing.T) {
	f := &fakeIAM{deny: map[string]bool{"s3:PutObjectAcl": true}}
	var out bytes.Buffer
	err := preflight(context.Background(), f, testConfig(), principalARN, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 13 required permissions denied")
	assert.Contains(t, out.String(), "implicitDeny")
}

func TestParsePrincipal(t *testing.T) {
	partition, account, err := parsePrincipal("arn:aws-cn:iam::999:user/ops")
	require.NoError(t, err)
	assert.Equal(t, "aws-cn", partition)
	assert.Equal(t, "999", account)

	partition, account, err = parsePrincipal("arn:aws-us-gov:iam::123456789012:role/team:ops")
	require.NoError(t, err)
	assert.Equal(t, "aws-us-gov", partition)
	assert.Equal(t, "123456789012", account)

	for _, bad := range []string{"", "role/x", "arn:aws:s3:::bucket", "arn:aws:iam:::role/x", "arn:aws:iam::999:", "nra:aws:iam::999:role/x"} {
		_, _, err := parsePrincipal(bad)
		assert.Error(t, err, bad)
	}
}

func TestReadConfigFile(t *testing.T) {
	for _, name := range []string{"AWS_REGION", "FIXIT_REGION", "PORT", "FIXIT_PORT", "FIXIT_LISTEN",
		"COGNITO_USER_POOL_ID", "COGNITO_CLIENT_ID", "COGNITO_IDENTITY_POOL_ID", "FIXIT_AUTH_RATE",
		"DYNAMODB_USERS_TABLE", "FIXIT_TABLE", "NODE_ENV", "FIXIT_ENV"} {
		t.Setenv(name, "")
	}
	path := filepath.Join(t.TempDir(), "fixit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"region: eu-west-1",
		"user-pool-id: eu-west-1_abc",
		"client-id: app",
		"identity-pool-id: eu-west-1:xyz",
		"auth-rate: 5",
	}, "\n")), 0o600))

	v := viper.New()
	v.Set("config", path)
	require.NoError(t, readConfig(v))
	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, 5, cfg.AuthRatePerMinute)
	assert.Equal(t, ":3000", cfg.ListenAddr)
	assert.Equal(t, "FixIt", cfg.TableName)
}

func TestReadConfigMissingFile(t *testing.T) {
	v := viper.New()
	v.Set("config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, readConfig(v))
}

func TestNewLogger(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "warn"
	logger, err := newLogger(cfg)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	cfg.LogLevel = "loud"
	_, err = newLogger(cfg)
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "fixit dev\n", out.String())
}
