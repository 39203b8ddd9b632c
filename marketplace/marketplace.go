// Package marketplace holds the domain operations behind the HTTP API:
// profiles for seekers, owners and providers, the provider directory and
// hire requests.
package marketplace

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/gurre/fixit/apperr"
	"github.com/gurre/fixit/identity"
	"github.com/gurre/fixit/table"
)

// ServiceTypes are the trades a provider can offer and a seeker can hire.
var ServiceTypes = []string{"Plumber", "Electrician", "Carpenter", "Painter", "Welder"}

// ValidServiceType reports whether s is one of ServiceTypes. Matching is
// case-sensitive.
func ValidServiceType(s string) bool {
	return slices.Contains(ServiceTypes, s)
}

// StatusPending is the status of a newly created service request.
const StatusPending = "pending"

// Records is the subset of table.Store the marketplace needs.
type Records interface {
	Get(ctx context.Context, t table.EntityType, id string) (table.Record, error)
	Put(ctx context.Context, t table.EntityType, id string, data map[string]any) (table.Record, error)
	Update(ctx context.Context, t table.EntityType, id string, p *table.Patch) (table.Record, error)
	QueryByPrefix(ctx context.Context, prefix string) ([]table.Record, error)
}

var _ Records = (*table.Store)(nil)

// Service implements the marketplace operations.
type Service struct {
	records Records
	clock   clock.Clock
	logger  *zap.Logger
}

// NewService creates a Service. clk and logger may be nil.
func NewService(records Records, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		records: records,
		clock:   clk,
		logger:  logger.With(zap.String("component", "marketplace")),
	}
}

// CreateProfile writes the initial profile for a newly registered identity.
func (s *Service) CreateProfile(ctx context.Context, subjectID string, reg identity.Registration, role identity.Role) (table.Record, error) {
	data := map[string]any{
		"userId":   subjectID,
		"email":    reg.Email,
		"fullName": reg.DisplayName,
		"address":  strings.TrimSpace(reg.Address),
		"role":     role.Name(),
	}
	switch r := role.(type) {
	case identity.Provider:
		data["serviceType"] = r.ServiceCategory
	case identity.Seeker, identity.Owner:
	}

	rec, err := s.records.Put(ctx, table.ForRole(role), subjectID, data)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	s.logger.Info("profile created", zap.String("subject", subjectID), zap.String("role", role.Name()))
	return rec, nil
}

// Profile returns the caller's stored profile.
func (s *Service) Profile(ctx context.Context, user identity.User) (table.Record, error) {
	rec, err := s.records.Get(ctx, table.ForRole(user.Role), user.SubjectID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.ErrNotFound.WithMessage("user profile not found")
	}
	return rec, nil
}

// profileFields is the order fields are applied in; which of them a role may
// change is decided by the table's allow-list.
var profileFields = []string{"fullName", "address", "profileURL", "serviceType", "experience", "dailyRate", "hourlyRate"}

// UpdateProfile applies the recognised fields of input to the caller's
// profile. fullName and address are required; fields the caller's role may
// not change are ignored.
func (s *Service) UpdateProfile(ctx context.Context, user identity.User, input map[string]any) (table.Record, error) {
	if !nonEmptyString(input["fullName"]) || !nonEmptyString(input["address"]) {
		return nil, apperr.ErrMissingFields.WithMessage("fullName and address are required")
	}

	t := table.ForRole(user.Role)
	patch := table.NewPatch()
	for _, f := range profileFields {
		v, ok := input[f]
		if !ok || v == nil || !table.Updatable(t, f) {
			continue
		}
		patch.Set(f, v)
	}

	rec, err := s.records.Update(ctx, t, user.SubjectID, patch)
	if err != nil {
		return nil, err
	}
	s.logger.Info("profile updated", zap.String("subject", user.SubjectID), zap.Strings("fields", patch.Fields()))
	return rec, nil
}

func nonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}

// HireRequest is a seeker's request for a provider's service.
type HireRequest struct {
	WorkerID    string `json:"workerId"`
	CustomerID  string `json:"customerId"`
	ServiceType string `json:"serviceType"`
	Description string `json:"description"`
}

// ServiceRequest is a persisted hire request.
type ServiceRequest struct {
	RequestID   string `json:"requestId"`
	WorkerID    string `json:"workerId"`
	CustomerID  string `json:"customerId"`
	ServiceType string `json:"serviceType"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

// Hire validates req and stores it as a pending service request.
func (s *Service) Hire(ctx context.Context, req HireRequest) (ServiceRequest, error) {
	if req.WorkerID == "" || req.CustomerID == "" || req.ServiceType == "" || req.Description == "" {
		return ServiceRequest{}, apperr.ErrMissingFields.WithMessage("workerId, customerId, serviceType, and description are required")
	}
	if !ValidServiceType(req.ServiceType) {
		return ServiceRequest{}, apperr.ErrInvalidService
	}

	id := fmt.Sprintf("%d_%s", s.clock.Now().UnixMilli(), xid.New().String())
	sr := ServiceRequest{
		RequestID:   "req_" + id,
		WorkerID:    req.WorkerID,
		CustomerID:  req.CustomerID,
		ServiceType: req.ServiceType,
		Description: req.Description,
		Status:      StatusPending,
	}
	rec, err := s.records.Put(ctx, table.EntityRequest, id, map[string]any{
		"requestId":   sr.RequestID,
		"workerId":    sr.WorkerID,
		"customerId":  sr.CustomerID,
		"serviceType": sr.ServiceType,
		"description": sr.Description,
		"status":      sr.Status,
	})
	if err != nil {
		return ServiceRequest{}, fmt.Errorf("create service request: %w", err)
	}
	sr.CreatedAt = rec.GetString(table.AttrCreatedAt)
	sr.UpdatedAt = rec.GetString(table.AttrUpdatedAt)

	s.logger.Info("service request created",
		zap.String("requestId", sr.RequestID),
		zap.String("worker", sr.WorkerID),
		zap.String("serviceType", sr.ServiceType),
	)
	return sr, nil
}

// Providers lists every provider profile, keeping only those offering
// serviceType when it is non-empty.
func (s *Service) Providers(ctx context.Context, serviceType string) ([]table.Record, error) {
	recs, err := s.records.QueryByPrefix(ctx, table.EntityProvider.Prefix())
	if err != nil {
		return nil, err
	}
	if serviceType == "" {
		return recs, nil
	}
	out := recs[:0]
	for _, r := range recs {
		if r.GetString("serviceType") == serviceType {
			out = append(out, r)
		}
	}
	return out, nil
}
