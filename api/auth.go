package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gurre/fixit/apperr"
	"github.com/gurre/fixit/federation"
	"github.com/gurre/fixit/identity"
)

// SignupRequest is the body of POST /auth/signup.
type SignupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FullName    string `json:"fullName"`
	Role        string `json:"role"`
	ServiceType string `json:"serviceType,omitempty"`
	Address     string `json:"address"`
}

// SignupData is returned on successful sign-up.
type SignupData struct {
	UserID        string `json:"userId"`
	Email         string `json:"email"`
	UserConfirmed bool   `json:"userConfirmed"`
}

// SignupResponse is the body of a successful sign-up.
type SignupResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Data    SignupData `json:"data"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Tokens are the user pool tokens handed to the client.
type Tokens struct {
	IDToken      string `json:"idToken"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// UserInfo describes the authenticated user.
type UserInfo struct {
	UserID      string  `json:"userId"`
	Email       string  `json:"email"`
	Name        string  `json:"name"`
	Address     string  `json:"address,omitempty"`
	Role        string  `json:"role"`
	ServiceType *string `json:"serviceType"`
}

// AWSCredentials is a scoped credential set.
type AWSCredentials struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken"`
	Expiration      time.Time `json:"expiration"`
}

// LoginResponse is the body of a successful login.
type LoginResponse struct {
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	Tokens         Tokens         `json:"tokens"`
	User           UserInfo       `json:"user"`
	AWSCredentials AWSCredentials `json:"awsCredentials"`
	IdentityID     string         `json:"identityId"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	IDToken string `json:"idToken"`
}

// RefreshResponse is the body of a successful credential refresh.
type RefreshResponse struct {
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	AWSCredentials AWSCredentials `json:"awsCredentials"`
	IdentityID     string         `json:"identityId"`
}

// ConfirmRequest is the body of POST /auth/confirm. POST /auth/verify sends
// the code as "code".
type ConfirmRequest struct {
	Email            string `json:"email"`
	VerificationCode string `json:"verificationCode,omitempty"`
	Code             string `json:"code,omitempty"`
}

// MessageResponse is a success envelope with only a message.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func toAWSCredentials(c federation.Credentials) AWSCredentials {
	return AWSCredentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretKey,
		SessionToken:    c.SessionToken,
		Expiration:      c.Expiration,
	}
}

func toUserInfo(u identity.User) UserInfo {
	info := UserInfo{
		UserID:  u.SubjectID,
		Email:   u.Email,
		Name:    u.DisplayName,
		Address: u.Address,
		Role:    u.Role.Name(),
	}
	if st := identity.ServiceCategory(u.Role); st != "" {
		info.ServiceType = &st
	}
	return info
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reg := identity.Registration{
		Email:           req.Email,
		Password:        req.Password,
		DisplayName:     req.FullName,
		RoleName:        req.Role,
		ServiceCategory: req.ServiceType,
		Address:         req.Address,
	}

	res, err := s.identity.Register(r.Context(), reg)
	s.observeAuth("signup", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The identity exists at this point; a missing profile is recreated on
	// the first profile update.
	if _, err := s.marketplace.CreateProfile(r.Context(), res.SubjectID, reg, res.Role); err != nil {
		s.logger.Warn("profile creation after sign-up failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("subject", res.SubjectID),
			zap.Error(err),
		)
	}

	writeJSON(w, http.StatusCreated, SignupResponse{
		Success: true,
		Message: "User registered successfully. Please check your email for verification.",
		Data: SignupData{
			UserID:        res.SubjectID,
			Email:         req.Email,
			UserConfirmed: res.Confirmed,
		},
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		s.writeError(w, r, apperr.ErrMissingFields.WithMessage("email and password are required"))
		return
	}

	auth, err := s.identity.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.observeAuth("login", err)
		s.writeError(w, r, err)
		return
	}
	creds, err := s.federation.Exchange(r.Context(), auth.Tokens.IDToken)
	s.observeAuth("login", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Success: true,
		Message: "Login successful",
		Tokens: Tokens{
			IDToken:      auth.Tokens.IDToken,
			AccessToken:  auth.Tokens.AccessToken,
			RefreshToken: auth.Tokens.RefreshToken,
			ExpiresIn:    int64(auth.Tokens.ExpiresIn / time.Second),
		},
		User:           toUserInfo(auth.User),
		AWSCredentials: toAWSCredentials(creds),
		IdentityID:     creds.IdentityID,
	})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.IDToken == "" {
		s.writeError(w, r, apperr.ErrMissingFields.WithMessage("idToken is required"))
		return
	}

	creds, err := s.federation.Exchange(r.Context(), req.IDToken)
	s.observeAuth("refresh", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{
		Success:        true,
		Message:        "Credentials refreshed",
		AWSCredentials: toAWSCredentials(creds),
		IdentityID:     creds.IdentityID,
	})
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	s.confirmWith(w, r, func(req ConfirmRequest) string { return req.VerificationCode })
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	s.confirmWith(w, r, func(req ConfirmRequest) string { return req.Code })
}

func (s *Server) confirmWith(w http.ResponseWriter, r *http.Request, code func(ConfirmRequest) string) {
	var req ConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c := code(req)
	if req.Email == "" || c == "" {
		s.writeError(w, r, apperr.ErrMissingFields.WithMessage("email and verification code are required"))
		return
	}

	err := s.identity.ConfirmRegistration(r.Context(), req.Email, c)
	s.observeAuth("confirm", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{
		Success: true,
		Message: "Email verified successfully. You can now login.",
	})
}
