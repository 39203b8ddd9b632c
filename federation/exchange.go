// Package federation exchanges user pool id tokens for short-lived scoped AWS
// credentials through a Cognito identity pool, and keeps a session's
// credentials fresh with a single auto-refresh timer.
package federation

import (
	"context"
	"errors"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	ci "github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
	"github.com/aws/smithy-go"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/gurre/fixit/apperr"
	"github.com/gurre/fixit/aws"
)

// Credentials is a scoped credential set issued for one federated identity.
type Credentials struct {
	IdentityID   string
	AccessKeyID  string
	SecretKey    string
	SessionToken string
	Expiration   time.Time
}

// Expired reports whether the set is no longer usable at now.
func (c Credentials) Expired(now time.Time) bool {
	return !now.Before(c.Expiration)
}

// Exchanger swaps id tokens for scoped credentials.
type Exchanger struct {
	pool           aws.IdentityPoolClient
	identityPoolID string
	loginsKey      string
	clock          clock.Clock
	logger         *zap.Logger
}

// NewExchanger creates an Exchanger. loginsKey is the user pool provider name,
// cognito-idp.<region>.amazonaws.com/<userPoolId>.
func NewExchanger(pool aws.IdentityPoolClient, identityPoolID, loginsKey string, clk clock.Clock, logger *zap.Logger) *Exchanger {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exchanger{
		pool:           pool,
		identityPoolID: identityPoolID,
		loginsKey:      loginsKey,
		clock:          clk,
		logger:         logger.With(zap.String("component", "federation")),
	}
}

// Exchange resolves the identity for idToken and fetches credentials for it.
// Malformed or expired tokens are rejected before any remote call.
func (e *Exchanger) Exchange(ctx context.Context, idToken string) (Credentials, error) {
	claims, err := ParseIDToken(idToken)
	if err != nil {
		return Credentials{}, apperr.ErrFederationDenied.Wrap(err)
	}
	if !e.clock.Now().Before(claims.ExpiresAt) {
		return Credentials{}, apperr.ErrFederationDenied.WithMessage("identity token has expired")
	}

	logins := map[string]string{e.loginsKey: idToken}

	idOut, err := e.pool.GetId(ctx, &ci.GetIdInput{
		IdentityPoolId: awssdk.String(e.identityPoolID),
		Logins:         logins,
	})
	if err != nil {
		return Credentials{}, translate(err)
	}
	identityID := awssdk.ToString(idOut.IdentityId)
	if identityID == "" {
		return Credentials{}, apperr.ErrExchangeFailed.WithMessage("identity pool returned no identity id")
	}

	credOut, err := e.pool.GetCredentialsForIdentity(ctx, &ci.GetCredentialsForIdentityInput{
		IdentityId: awssdk.String(identityID),
		Logins:     logins,
	})
	if err != nil {
		return Credentials{}, translate(err)
	}
	c := credOut.Credentials
	if c == nil || awssdk.ToString(c.AccessKeyId) == "" || awssdk.ToString(c.SecretKey) == "" || c.Expiration == nil {
		return Credentials{}, apperr.ErrExchangeFailed.WithMessage("identity pool returned an incomplete credential set")
	}

	creds := Credentials{
		IdentityID:   identityID,
		AccessKeyID:  awssdk.ToString(c.AccessKeyId),
		SecretKey:    awssdk.ToString(c.SecretKey),
		SessionToken: awssdk.ToString(c.SessionToken),
		Expiration:   c.Expiration.UTC(),
	}
	e.logger.Debug("credentials exchanged",
		zap.String("identity", identityID),
		zap.String("subject", claims.Subject),
		zap.Time("expiration", creds.Expiration),
	)
	return creds, nil
}

// Refresh obtains a fresh credential set. Nothing is cached, so it is the
// same round trip as Exchange.
func (e *Exchanger) Refresh(ctx context.Context, idToken string) (Credentials, error) {
	return e.Exchange(ctx, idToken)
}

func translate(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NotAuthorizedException", "InvalidParameterException":
			return apperr.ErrFederationDenied.Wrap(err)
		}
	}
	return apperr.ErrExchangeFailed.Wrap(err)
}
