package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ci "github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
	citypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentity/types"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	ciptypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// ConfirmationCode is the code every mock sign-up is confirmed with.
const ConfirmationCode = "123456"

type poolUser struct {
	sub       string
	password  string
	confirmed bool
	attrs     map[string]string
}

// UserPool is an in-memory Cognito user pool. Id tokens are HS256 JWTs
// signed with a key shared with IdentityPool.
type UserPool struct {
	mu     sync.Mutex
	clock  clock.Clock
	key    []byte
	users  map[string]*poolUser // by username (email)
	access map[string]string    // access token -> username
	fail   []error

	// AutoConfirm confirms users at sign-up.
	AutoConfirm bool
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
}

// NewUserPool creates an empty pool whose token expiry follows clk.
func NewUserPool(clk clock.Clock) *UserPool {
	if clk == nil {
		clk = clock.New()
	}
	return &UserPool{
		clock:    clk,
		key:      []byte(uuid.NewString()),
		users:    make(map[string]*poolUser),
		access:   make(map[string]string),
		TokenTTL: time.Hour,
	}
}

// FailNext queues errors returned by the next calls, one per call.
func (p *UserPool) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = append(p.fail, errs...)
}

func (p *UserPool) popFailure() error {
	if len(p.fail) == 0 {
		return nil
	}
	err := p.fail[0]
	p.fail = p.fail[1:]
	return err
}

// Confirmed reports whether username exists and is confirmed.
func (p *UserPool) Confirmed(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[username]
	return ok && u.confirmed
}

func poolError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg, Fault: smithy.FaultClient}
}

// SignUp implements aws.UserPoolClient.
func (p *UserPool) SignUp(ctx context.Context, params *cip.SignUpInput, optFns ...func(*cip.Options)) (*cip.SignUpOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	username := aws.ToString(params.Username)
	if _, ok := p.users[username]; ok {
		return nil, poolError("UsernameExistsException", "An account with the given email already exists.")
	}
	if len(aws.ToString(params.Password)) < 8 {
		return nil, poolError("InvalidPasswordException", "Password did not conform with policy: Password not long enough")
	}
	u := &poolUser{
		sub:       uuid.NewString(),
		password:  aws.ToString(params.Password),
		confirmed: p.AutoConfirm,
		attrs:     make(map[string]string, len(params.UserAttributes)+1),
	}
	for _, a := range params.UserAttributes {
		u.attrs[aws.ToString(a.Name)] = aws.ToString(a.Value)
	}
	u.attrs["sub"] = u.sub
	p.users[username] = u
	return &cip.SignUpOutput{UserSub: aws.String(u.sub), UserConfirmed: u.confirmed}, nil
}

// InitiateAuth implements aws.UserPoolClient for USER_PASSWORD_AUTH.
func (p *UserPool) InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	if params.AuthFlow != ciptypes.AuthFlowTypeUserPasswordAuth {
		return nil, poolError("InvalidParameterException", "unsupported auth flow")
	}
	username := params.AuthParameters["USERNAME"]
	u, ok := p.users[username]
	if !ok {
		return nil, poolError("UserNotFoundException", "User does not exist.")
	}
	if u.password != params.AuthParameters["PASSWORD"] {
		return nil, poolError("NotAuthorizedException", "Incorrect username or password.")
	}
	if !u.confirmed {
		return nil, poolError("UserNotConfirmedException", "User is not confirmed.")
	}

	idToken, err := p.signIDToken(u)
	if err != nil {
		return nil, err
	}
	access := "access-" + uuid.NewString()
	p.access[access] = username
	return &cip.InitiateAuthOutput{
		AuthenticationResult: &ciptypes.AuthenticationResultType{
			AccessToken:  aws.String(access),
			IdToken:      aws.String(idToken),
			RefreshToken: aws.String("refresh-" + uuid.NewString()),
			ExpiresIn:    int32(p.TokenTTL / time.Second),
			TokenType:    aws.String("Bearer"),
		},
	}, nil
}

func (p *UserPool) signIDToken(u *poolUser) (string, error) {
	now := p.clock.Now()
	claims := jwt.MapClaims{
		"sub":       u.sub,
		"email":     u.attrs["email"],
		"token_use": "id",
		"iat":       now.Unix(),
		"exp":       now.Add(p.TokenTTL).Unix(),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	return s, nil
}

// GetUser implements aws.UserPoolClient.
func (p *UserPool) GetUser(ctx context.Context, params *cip.GetUserInput, optFns ...func(*cip.Options)) (*cip.GetUserOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	username, ok := p.access[aws.ToString(params.AccessToken)]
	if !ok {
		return nil, poolError("NotAuthorizedException", "Invalid Access Token")
	}
	u := p.users[username]
	out := &cip.GetUserOutput{Username: aws.String(u.sub)}
	for name, value := range u.attrs {
		out.UserAttributes = append(out.UserAttributes, ciptypes.AttributeType{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}
	return out, nil
}

// ConfirmSignUp implements aws.UserPoolClient. Only ConfirmationCode is
// accepted.
func (p *UserPool) ConfirmSignUp(ctx context.Context, params *cip.ConfirmSignUpInput, optFns ...func(*cip.Options)) (*cip.ConfirmSignUpOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	u, ok := p.users[aws.ToString(params.Username)]
	if !ok {
		return nil, poolError("UserNotFoundException", "Username/client id combination not found.")
	}
	if u.confirmed {
		return nil, poolError("NotAuthorizedException", "User cannot be confirmed. Current status is CONFIRMED")
	}
	if aws.ToString(params.ConfirmationCode) != ConfirmationCode {
		return nil, poolError("CodeMismatchException", "Invalid verification code provided, please try again.")
	}
	u.confirmed = true
	return &cip.ConfirmSignUpOutput{}, nil
}

// verify checks an id token's signature and expiry against the pool clock.
func (p *UserPool) verify(idToken string) (string, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if _, err := parser.ParseWithClaims(idToken, claims, func(*jwt.Token) (any, error) { return p.key, nil }); err != nil {
		return "", err
	}
	if !claims.VerifyExpiresAt(p.clock.Now().Unix(), true) {
		return "", fmt.Errorf("token expired")
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

// IdentityPool is an in-memory Cognito identity pool federating one
// UserPool.
type IdentityPool struct {
	mu         sync.Mutex
	pool       *UserPool
	poolID     string
	loginsKey  string
	clock      clock.Clock
	identities map[string]string // sub -> identity id
	issued     int
	fail       []error

	// CredentialTTL is the lifetime of issued credential sets.
	CredentialTTL time.Duration
}

// NewIdentityPool creates an identity pool with id poolID that trusts id
// tokens of pool presented under loginsKey.
func NewIdentityPool(pool *UserPool, poolID, loginsKey string, clk clock.Clock) *IdentityPool {
	if clk == nil {
		clk = clock.New()
	}
	return &IdentityPool{
		pool:          pool,
		poolID:        poolID,
		loginsKey:     loginsKey,
		clock:         clk,
		identities:    make(map[string]string),
		CredentialTTL: time.Hour,
	}
}

// FailNext queues errors returned by the next calls, one per call.
func (p *IdentityPool) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = append(p.fail, errs...)
}

// Issued is the number of credential sets handed out.
func (p *IdentityPool) Issued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issued
}

func (p *IdentityPool) popFailure() error {
	if len(p.fail) == 0 {
		return nil
	}
	err := p.fail[0]
	p.fail = p.fail[1:]
	return err
}

func (p *IdentityPool) subject(logins map[string]string) (string, error) {
	token, ok := logins[p.loginsKey]
	if !ok {
		return "", poolError("NotAuthorizedException", "Invalid login token. Not a valid provider.")
	}
	sub, err := p.pool.verify(token)
	if err != nil {
		return "", poolError("NotAuthorizedException", "Invalid login token. "+err.Error())
	}
	return sub, nil
}

// GetId implements aws.IdentityPoolClient.
func (p *IdentityPool) GetId(ctx context.Context, params *ci.GetIdInput, optFns ...func(*ci.Options)) (*ci.GetIdOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	if aws.ToString(params.IdentityPoolId) != p.poolID {
		return nil, poolError("ResourceNotFoundException", "IdentityPool not found")
	}
	sub, err := p.subject(params.Logins)
	if err != nil {
		return nil, err
	}
	id, ok := p.identities[sub]
	if !ok {
		region, _, _ := strings.Cut(p.poolID, ":")
		id = region + ":" + uuid.NewString()
		p.identities[sub] = id
	}
	return &ci.GetIdOutput{IdentityId: aws.String(id)}, nil
}

// GetCredentialsForIdentity implements aws.IdentityPoolClient.
func (p *IdentityPool) GetCredentialsForIdentity(ctx context.Context, params *ci.GetCredentialsForIdentityInput, optFns ...func(*ci.Options)) (*ci.GetCredentialsForIdentityOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	sub, err := p.subject(params.Logins)
	if err != nil {
		return nil, err
	}
	if id := aws.ToString(params.IdentityId); p.identities[sub] != id {
		return nil, poolError("NotAuthorizedException", "Logins don't match identity "+id)
	}
	p.issued++
	return &ci.GetCredentialsForIdentityOutput{
		IdentityId: params.IdentityId,
		Credentials: &citypes.Credentials{
			AccessKeyId:  aws.String(fmt.Sprintf("ASIAMOCK%08d", p.issued)),
			SecretKey:    aws.String("secret-" + uuid.NewString()),
			SessionToken: aws.String("session-" + uuid.NewString()),
			Expiration:   aws.Time(p.clock.Now().Add(p.CredentialTTL)),
		},
	}, nil
}
