package identity

import (
	"context"
	"errors"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gurre/fixit/apperr"
)

// mockUserPool implements aws.UserPoolClient for testing
type mockUserPool struct {
	signUpIn    *cip.SignUpInput
	signUpErr   error
	authOut     *cip.InitiateAuthOutput
	authErr     error
	getUserOut  *cip.GetUserOutput
	getUserErr  error
	confirmErr  error
	confirmCall int
	calls       []string
}

func (m *mockUserPool) SignUp(ctx context.Context, params *cip.SignUpInput, optFns ...func(*cip.Options)) (*cip.SignUpOutput, error) {
	m.calls = append(m.calls, "SignUp")
	m.signUpIn = params
	if m.signUpErr != nil {
		return nil, m.signUpErr
	}
	return &cip.SignUpOutput{UserSub: awssdk.String("sub-123"), UserConfirmed: false}, nil
}

func (m *mockUserPool) InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
	m.calls = append(m.calls, "InitiateAuth")
	if m.authErr != nil {
		return nil, m.authErr
	}
	return m.authOut, nil
}

func (m *mockUserPool) GetUser(ctx context.Context, params *cip.GetUserInput, optFns ...func(*cip.Options)) (*cip.GetUserOutput, error) {
	m.calls = append(m.calls, "GetUser")
	if m.getUserErr != nil {
		return nil, m.getUserErr
	}
	return m.getUserOut, nil
}

func (m *mockUserPool) ConfirmSignUp(ctx context.Context, params *cip.ConfirmSignUpInput, optFns ...func(*cip.Options)) (*cip.ConfirmSignUpOutput, error) {
	m.calls = append(m.calls, "ConfirmSignUp")
	m.confirmCall++
	if m.confirmErr != nil {
		return nil, m.confirmErr
	}
	return &cip.ConfirmSignUpOutput{}, nil
}

func validRegistration() Registration {
	return Registration{
		Email:       "ann@example.com",
		Password:    "hunter22",
		DisplayName: "Ann",
		RoleName:    "seeker",
		Address:     "1 Main St",
	}
}

func attr(name, value string) types.AttributeType {
	return types.AttributeType{Name: awssdk.String(name), Value: awssdk.String(value)}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Registration)
		want   error
	}{
		{"missing email", func(r *Registration) { r.Email = "" }, apperr.ErrMissingFields},
		{"missing role", func(r *Registration) { r.RoleName = "" }, apperr.ErrMissingFields},
		{"blank address", func(r *Registration) { r.Address = "   " }, apperr.ErrMissingAddress},
		{"blank address beats bad email", func(r *Registration) {
			r.Address = ""
			r.Email = "nope"
		}, apperr.ErrMissingAddress},
		{"bad email", func(r *Registration) { r.Email = "ann@example" }, apperr.ErrInvalidEmail},
		{"short password", func(r *Registration) { r.Password = "1234567" }, apperr.ErrPasswordTooShort},
		{"unknown role", func(r *Registration) { r.RoleName = "admin" }, apperr.ErrInvalidRole},
		{"provider without category", func(r *Registration) { r.RoleName = "provider" }, apperr.ErrMissingService},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := &mockUserPool{}
			c := NewClient(pool, "client-id", zaptest.NewLogger(t))
			reg := validRegistration()
			tt.modify(&reg)

			_, err := c.Register(context.Background(), reg)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.Empty(t, pool.calls, "validation failures must not reach the user pool")
		})
	}
}

func TestRegisterSendsAttributes(t *testing.T) {
	pool := &mockUserPool{}
	c := NewClient(pool, "client-id", zaptest.NewLogger(t))
	reg := validRegistration()
	reg.RoleName = "provider"
	reg.ServiceCategory = "Plumber"

	res, err := c.Register(context.Background(), reg)
	require.NoError(t, err)
	assert.Equal(t, "sub-123", res.SubjectID)
	assert.False(t, res.Confirmed)
	assert.Equal(t, Provider{ServiceCategory: "Plumber"}, res.Role)

	require.NotNil(t, pool.signUpIn)
	assert.Equal(t, "client-id", awssdk.ToString(pool.signUpIn.ClientId))
	assert.Equal(t, "ann@example.com", awssdk.ToString(pool.signUpIn.Username))
	got := map[string]string{}
	for _, a := range pool.signUpIn.UserAttributes {
		got[awssdk.ToString(a.Name)] = awssdk.ToString(a.Value)
	}
	assert.Equal(t, map[string]string{
		AttrEmail:       "ann@example.com",
		AttrName:        "Ann",
		AttrAddress:     "1 Main St",
		AttrRole:        "provider",
		AttrServiceType: "Plumber",
	}, got)
}

func TestRegisterSeekerOmitsServiceType(t *testing.T) {
	pool := &mockUserPool{}
	c := NewClient(pool, "client-id", nil)
	reg := validRegistration()
	reg.ServiceCategory = "Plumber"

	_, err := c.Register(context.Background(), reg)
	require.NoError(t, err)
	for _, a := range pool.signUpIn.UserAttributes {
		assert.NotEqual(t, AttrServiceType, awssdk.ToString(a.Name))
	}
}

func TestRegisterProviderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
		kind apperr.Kind
	}{
		{"exists", &types.UsernameExistsException{Message: awssdk.String("taken")}, apperr.ErrDuplicateIdentity, apperr.KindDuplicate},
		{"weak password", &types.InvalidPasswordException{Message: awssdk.String("weak")}, apperr.ErrWeakCredential, apperr.KindValidation},
		{"bad parameter", &types.InvalidParameterException{Message: awssdk.String("bad address")}, apperr.ErrInvalidAttribute, apperr.KindValidation},
		{"throttled", &types.TooManyRequestsException{Message: awssdk.String("slow")}, apperr.ErrProviderFailure, apperr.KindTransient},
		{"network", errors.New("connection reset"), apperr.ErrProviderFailure, apperr.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(&mockUserPool{signUpErr: tt.err}, "client-id", zaptest.NewLogger(t))
			_, err := c.Register(context.Background(), validRegistration())
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.ErrorIs(t, err, tt.err, "provider error must stay reachable")
		})
	}
}

func TestInvalidParameterCarriesProviderMessage(t *testing.T) {
	c := NewClient(&mockUserPool{signUpErr: &types.InvalidParameterException{Message: awssdk.String("address too long")}}, "client-id", nil)
	_, err := c.Register(context.Background(), validRegistration())

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "address too long", e.Message)
}

func TestAuthenticate(t *testing.T) {
	pool := &mockUserPool{
		authOut: &cip.InitiateAuthOutput{AuthenticationResult: &types.AuthenticationResultType{
			AccessToken:  awssdk.String("access"),
			IdToken:      awssdk.String("id"),
			RefreshToken: awssdk.String("refresh"),
			ExpiresIn:    3600,
		}},
		getUserOut: &cip.GetUserOutput{
			Username: awssdk.String("ann@example.com"),
			UserAttributes: []types.AttributeType{
				attr(AttrSub, "sub-123"),
				attr(AttrEmail, "ann@example.com"),
				attr(AttrName, "Ann"),
				attr(AttrRole, "provider"),
				attr(AttrServiceType, "Welder"),
			},
		},
	}
	c := NewClient(pool, "client-id", zaptest.NewLogger(t))

	res, err := c.Authenticate(context.Background(), "ann@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, []string{"InitiateAuth", "GetUser"}, pool.calls)
	assert.Equal(t, "access", res.Tokens.AccessToken)
	assert.Equal(t, "id", res.Tokens.IDToken)
	assert.Equal(t, "refresh", res.Tokens.RefreshToken)
	assert.Equal(t, "sub-123", res.User.SubjectID)
	assert.Equal(t, Provider{ServiceCategory: "Welder"}, res.User.Role)
	assert.Equal(t, "Ann", res.User.Attributes[AttrName])
}

func TestAuthenticateErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
		code string
	}{
		{"not confirmed", &types.UserNotConfirmedException{}, apperr.ErrNotConfirmed, "USER_NOT_CONFIRMED"},
		{"wrong password", &types.NotAuthorizedException{}, apperr.ErrInvalidCredential, "INVALID_CREDENTIALS"},
		{"unknown user", &types.UserNotFoundException{}, apperr.ErrIdentityNotFound, "USER_NOT_FOUND"},
		{"service fault", &types.InternalErrorException{}, apperr.ErrProviderFailure, "PROVIDER_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := &mockUserPool{authErr: tt.err}
			c := NewClient(pool, "client-id", zaptest.NewLogger(t))

			_, err := c.Authenticate(context.Background(), "ann@example.com", "hunter22")
			require.ErrorIs(t, err, tt.want)
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, []string{"InitiateAuth"}, pool.calls)
		})
	}
}

func TestAuthenticateChallenge(t *testing.T) {
	pool := &mockUserPool{authOut: &cip.InitiateAuthOutput{ChallengeName: types.ChallengeNameTypeNewPasswordRequired}}
	c := NewClient(pool, "client-id", nil)

	_, err := c.Authenticate(context.Background(), "ann@example.com", "hunter22")
	require.ErrorIs(t, err, apperr.ErrChallengeRequired)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
}

func TestConfirmRegistrationRejectsMalformedCodeLocally(t *testing.T) {
	for _, code := range []string{"12345", "1234567", "12a456", " 123456", "١٢٣٤٥٦"} {
		pool := &mockUserPool{}
		c := NewClient(pool, "client-id", nil)

		err := c.ConfirmRegistration(context.Background(), "ann@example.com", code)
		require.ErrorIs(t, err, apperr.ErrInvalidCode, code)
		assert.Zero(t, pool.confirmCall, code)
	}
}

func TestConfirmRegistrationErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"mismatch", &types.CodeMismatchException{}, apperr.ErrCodeMismatch},
		{"expired", &types.ExpiredCodeException{}, apperr.ErrCodeExpired},
		{"already confirmed", &types.NotAuthorizedException{}, apperr.ErrAlreadyConfirmed},
		{"unknown user", &types.UserNotFoundException{}, apperr.ErrIdentityNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(&mockUserPool{confirmErr: tt.err}, "client-id", nil)
			err := c.ConfirmRegistration(context.Background(), "ann@example.com", "123456")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConfirmRegistration(t *testing.T) {
	pool := &mockUserPool{}
	c := NewClient(pool, "client-id", nil)
	require.NoError(t, c.ConfirmRegistration(context.Background(), "ann@example.com", "123456"))
	assert.Equal(t, 1, pool.confirmCall)
}

func TestLookupUser(t *testing.T) {
	pool := &mockUserPool{getUserOut: &cip.GetUserOutput{
		Username:       awssdk.String("legacy-name"),
		UserAttributes: []types.AttributeType{attr(AttrEmail, "ann@example.com"), attr(AttrRole, "bogus")},
	}}
	c := NewClient(pool, "client-id", nil)

	u, err := c.LookupUser(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, "legacy-name", u.SubjectID, "falls back to the username without a sub attribute")
	assert.Equal(t, Owner{}, u.Role)

	_, err = c.LookupUser(context.Background(), "")
	require.ErrorIs(t, err, apperr.ErrMissingToken)

	pool.getUserErr = &types.NotAuthorizedException{}
	_, err = c.LookupUser(context.Background(), "expired")
	require.ErrorIs(t, err, apperr.ErrInvalidToken)
}

func TestRoleFromAttributes(t *testing.T) {
	assert.Equal(t, Seeker{}, roleFromAttributes("seeker", ""))
	assert.Equal(t, Owner{}, roleFromAttributes("", ""))
	assert.Equal(t, Provider{}, roleFromAttributes("provider", ""))
	assert.Equal(t, Provider{ServiceCategory: "Painter"}, roleFromAttributes("provider", "Painter"))
	assert.Equal(t, "Painter", ServiceCategory(Provider{ServiceCategory: "Painter"}))
	assert.Empty(t, ServiceCategory(Seeker{}))
}
