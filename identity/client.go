// Package identity wraps the Cognito user pool: registration, password
// authentication, email confirmation and bearer-token user lookup. Provider
// error codes are translated into apperr values at this boundary.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/gurre/fixit/apperr"
	"github.com/gurre/fixit/aws"
)

// User pool attribute names
const (
	AttrSub         = "sub"
	AttrEmail       = "email"
	AttrName        = "name"
	AttrAddress     = "address"
	AttrRole        = "custom:role"
	AttrServiceType = "custom:serviceType"
)

// MinPasswordLength is checked locally before the user pool applies its own
// password policy.
const MinPasswordLength = 8

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	codePattern  = regexp.MustCompile(`^[0-9]{6}$`)
)

// Registration is a sign-up request as received from the client.
type Registration struct {
	Email           string
	Password        string
	DisplayName     string
	RoleName        string
	ServiceCategory string
	Address         string
}

// Validate checks the registration locally and returns the parsed role.
func (r Registration) Validate() (Role, error) {
	if r.Email == "" || r.Password == "" || r.DisplayName == "" || r.RoleName == "" {
		return nil, apperr.ErrMissingFields.WithMessage("email, password, fullName, and role are required")
	}
	if strings.TrimSpace(r.Address) == "" {
		return nil, apperr.ErrMissingAddress
	}
	if !ValidEmail(r.Email) {
		return nil, apperr.ErrInvalidEmail
	}
	if len(r.Password) < MinPasswordLength {
		return nil, apperr.ErrPasswordTooShort
	}
	return ParseRole(r.RoleName, r.ServiceCategory)
}

// ValidEmail reports whether s looks like an email address.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// ValidConfirmationCode reports whether code is exactly six ASCII digits.
func ValidConfirmationCode(code string) bool {
	return codePattern.MatchString(code)
}

// RegisterResult is the outcome of a successful sign-up.
type RegisterResult struct {
	SubjectID string
	Confirmed bool
	Role      Role
}

// Tokens are the user pool tokens issued on authentication.
type Tokens struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresIn    time.Duration
}

// User is an identity as described by its user pool attributes.
type User struct {
	SubjectID   string
	Email       string
	DisplayName string
	Address     string
	Role        Role
	Attributes  map[string]string
}

// AuthResult is the outcome of a successful password authentication.
type AuthResult struct {
	Tokens Tokens
	User   User
}

// Client talks to one user pool app client.
type Client struct {
	pool     aws.UserPoolClient
	clientID string
	logger   *zap.Logger
}

// NewClient creates a Client for the given app client id.
func NewClient(pool aws.UserPoolClient, clientID string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		pool:     pool,
		clientID: clientID,
		logger:   logger.With(zap.String("component", "identity")),
	}
}

// Register validates reg and signs the user up. The identity starts
// unconfirmed unless the pool auto-confirms.
func (c *Client) Register(ctx context.Context, reg Registration) (RegisterResult, error) {
	role, err := reg.Validate()
	if err != nil {
		return RegisterResult{}, err
	}

	attrs := []types.AttributeType{
		{Name: awssdk.String(AttrEmail), Value: awssdk.String(reg.Email)},
		{Name: awssdk.String(AttrName), Value: awssdk.String(reg.DisplayName)},
		{Name: awssdk.String(AttrAddress), Value: awssdk.String(strings.TrimSpace(reg.Address))},
		{Name: awssdk.String(AttrRole), Value: awssdk.String(role.Name())},
	}
	switch r := role.(type) {
	case Provider:
		attrs = append(attrs, types.AttributeType{Name: awssdk.String(AttrServiceType), Value: awssdk.String(r.ServiceCategory)})
	case Seeker, Owner:
	}

	out, err := c.pool.SignUp(ctx, &cip.SignUpInput{
		ClientId:       &c.clientID,
		Username:       awssdk.String(reg.Email),
		Password:       awssdk.String(reg.Password),
		UserAttributes: attrs,
	})
	if err != nil {
		return RegisterResult{}, translate(err, signUpErrors)
	}

	res := RegisterResult{
		SubjectID: awssdk.ToString(out.UserSub),
		Confirmed: out.UserConfirmed,
		Role:      role,
	}
	c.logger.Info("user signed up",
		zap.String("subject", res.SubjectID),
		zap.String("role", role.Name()),
		zap.Bool("confirmed", res.Confirmed),
	)
	return res, nil
}

// Authenticate runs the USER_PASSWORD_AUTH flow and then loads the user's
// attributes with the freshly issued access token. The two calls are
// sequential: the second needs the first's token.
func (c *Client) Authenticate(ctx context.Context, email, password string) (AuthResult, error) {
	if email == "" || password == "" {
		return AuthResult{}, apperr.ErrMissingFields.WithMessage("email and password are required")
	}

	out, err := c.pool.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeUserPasswordAuth,
		ClientId: &c.clientID,
		AuthParameters: map[string]string{
			"USERNAME": email,
			"PASSWORD": password,
		},
	})
	if err != nil {
		return AuthResult{}, translate(err, authErrors)
	}
	if out.AuthenticationResult == nil {
		return AuthResult{}, apperr.ErrChallengeRequired.WithMessage("authentication requires challenge %s", out.ChallengeName)
	}

	ar := out.AuthenticationResult
	tokens := Tokens{
		AccessToken:  awssdk.ToString(ar.AccessToken),
		IDToken:      awssdk.ToString(ar.IdToken),
		RefreshToken: awssdk.ToString(ar.RefreshToken),
		ExpiresIn:    time.Duration(ar.ExpiresIn) * time.Second,
	}

	user, err := c.LookupUser(ctx, tokens.AccessToken)
	if err != nil {
		return AuthResult{}, fmt.Errorf("load attributes after authentication: %w", err)
	}
	if user.Email == "" {
		user.Email = email
	}

	c.logger.Info("user authenticated", zap.String("subject", user.SubjectID), zap.String("role", user.Role.Name()))
	return AuthResult{Tokens: tokens, User: user}, nil
}

// ConfirmRegistration confirms a sign-up with the emailed code. Malformed
// codes are rejected without contacting the user pool.
func (c *Client) ConfirmRegistration(ctx context.Context, email, code string) error {
	if email == "" || code == "" {
		return apperr.ErrMissingFields.WithMessage("email and verification code are required")
	}
	if !ValidConfirmationCode(code) {
		return apperr.ErrInvalidCode
	}

	_, err := c.pool.ConfirmSignUp(ctx, &cip.ConfirmSignUpInput{
		ClientId:         &c.clientID,
		Username:         awssdk.String(email),
		ConfirmationCode: awssdk.String(code),
	})
	if err != nil {
		return translate(err, confirmErrors)
	}
	c.logger.Info("user confirmed")
	return nil
}

// LookupUser resolves an access token to the user it was issued to.
func (c *Client) LookupUser(ctx context.Context, accessToken string) (User, error) {
	if accessToken == "" {
		return User{}, apperr.ErrMissingToken
	}
	out, err := c.pool.GetUser(ctx, &cip.GetUserInput{AccessToken: awssdk.String(accessToken)})
	if err != nil {
		return User{}, translate(err, lookupErrors)
	}

	attrs := make(map[string]string, len(out.UserAttributes))
	for _, a := range out.UserAttributes {
		attrs[awssdk.ToString(a.Name)] = awssdk.ToString(a.Value)
	}
	subject := attrs[AttrSub]
	if subject == "" {
		subject = awssdk.ToString(out.Username)
	}
	return User{
		SubjectID:   subject,
		Email:       attrs[AttrEmail],
		DisplayName: attrs[AttrName],
		Address:     attrs[AttrAddress],
		Role:        roleFromAttributes(attrs[AttrRole], attrs[AttrServiceType]),
		Attributes:  attrs,
	}, nil
}

var (
	signUpErrors = map[string]*apperr.Error{
		"UsernameExistsException":   apperr.ErrDuplicateIdentity,
		"InvalidPasswordException":  apperr.ErrWeakCredential,
		"InvalidParameterException": apperr.ErrInvalidAttribute,
	}
	authErrors = map[string]*apperr.Error{
		"UserNotConfirmedException": apperr.ErrNotConfirmed,
		"NotAuthorizedException":    apperr.ErrInvalidCredential,
		"UserNotFoundException":     apperr.ErrIdentityNotFound,
		"InvalidParameterException": apperr.ErrInvalidAttribute,
	}
	confirmErrors = map[string]*apperr.Error{
		"CodeMismatchException":  apperr.ErrCodeMismatch,
		"ExpiredCodeException":   apperr.ErrCodeExpired,
		"NotAuthorizedException": apperr.ErrAlreadyConfirmed,
		"UserNotFoundException":  apperr.ErrIdentityNotFound,
	}
	lookupErrors = map[string]*apperr.Error{
		"NotAuthorizedException": apperr.ErrInvalidToken,
		"UserNotFoundException":  apperr.ErrInvalidToken,
	}
)

// translate maps a user pool error onto the operation's table, falling back
// to ProviderUnavailable for throttling, service faults and unknown codes.
func translate(err error, table map[string]*apperr.Error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.ErrProviderFailure.Wrap(err)
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		if mapped, ok := table[ae.ErrorCode()]; ok {
			out := mapped.Wrap(err)
			if mapped == apperr.ErrInvalidAttribute && ae.ErrorMessage() != "" {
				out.Message = ae.ErrorMessage()
			}
			return out
		}
	}
	return apperr.ErrProviderFailure.Wrap(err)
}
