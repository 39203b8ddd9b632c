package marketplace

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gurre/fixit/apperr"
	"github.com/gurre/fixit/identity"
	"github.com/gurre/fixit/integration/mock"
	"github.com/gurre/fixit/table"
)

func newTestService(t *testing.T) (*Service, *mock.DynamoDBClient, *clock.Mock) {
	t.Helper()
	ddb := mock.NewDynamoDBClient("FixIt")
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	logger := zaptest.NewLogger(t)
	store := table.NewStore(ddb, table.Options{
		TableName: "FixIt",
		Clock:     clk,
		Logger:    logger,
		RetryBase: time.Millisecond,
	})
	return NewService(store, clk, logger), ddb, clk
}

func TestCreateProfile(t *testing.T) {
	svc, ddb, _ := newTestService(t)
	ctx := context.Background()

	reg := identity.Registration{Email: "ann@example.com", DisplayName: "Ann", Address: " 1 Main St "}
	rec, err := svc.CreateProfile(ctx, "sub-1", reg, identity.Provider{ServiceCategory: "Welder"})
	require.NoError(t, err)
	assert.Equal(t, "PROVIDER#sub-1", rec.GetString(table.AttrPK))
	assert.Equal(t, "Welder", rec.GetString("serviceType"))
	assert.Equal(t, "1 Main St", rec.GetString("address"))
	assert.Equal(t, "provider", rec.GetString("role"))

	rec, err = svc.CreateProfile(ctx, "sub-2", reg, identity.Seeker{})
	require.NoError(t, err)
	assert.Equal(t, "USER#sub-2", rec.GetString(table.AttrPK))
	assert.NotContains(t, rec, "serviceType")

	assert.Len(t, ddb.Items("FixIt"), 2)
}

func TestProfile(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	user := identity.User{SubjectID: "sub-1", Role: identity.Owner{}}

	_, err := svc.Profile(ctx, user)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	e, _ := apperr.As(err)
	assert.Equal(t, "user profile not found", e.Message)

	_, err = svc.CreateProfile(ctx, "sub-1", identity.Registration{DisplayName: "Olle", Address: "x"}, identity.Owner{})
	require.NoError(t, err)
	rec, err := svc.Profile(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "Olle", rec.GetString("fullName"))
}

func TestUpdateProfileRequiresNameAndAddress(t *testing.T) {
	svc, ddb, _ := newTestService(t)
	user := identity.User{SubjectID: "sub-1", Role: identity.Seeker{}}

	for _, in := range []map[string]any{
		{},
		{"fullName": "Ann"},
		{"address": "1 Main St"},
		{"fullName": " ", "address": "1 Main St"},
		{"fullName": 7, "address": "1 Main St"},
	} {
		_, err := svc.UpdateProfile(context.Background(), user, in)
		require.ErrorIs(t, err, apperr.ErrMissingFields)
	}
	assert.Empty(t, ddb.Calls())
}

func TestUpdateProfileIgnoresFieldsOutsideRole(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()
	seeker := identity.User{SubjectID: "sub-1", Role: identity.Seeker{}}

	_, err := svc.CreateProfile(ctx, "sub-1", identity.Registration{DisplayName: "Ann", Address: "old"}, identity.Seeker{})
	require.NoError(t, err)
	clk.Add(time.Minute)

	rec, err := svc.UpdateProfile(ctx, seeker, map[string]any{
		"fullName":   "Ann B",
		"address":    "new",
		"hourlyRate": 40,
		"role":       "provider",
		"PK":         "USER#someone-else",
	})
	require.NoError(t, err)
	assert.Equal(t, "Ann B", rec.GetString("fullName"))
	assert.Equal(t, "new", rec.GetString("address"))
	assert.Equal(t, "seeker", rec.GetString("role"))
	assert.Equal(t, "USER#sub-1", rec.GetString(table.AttrPK))
	assert.NotContains(t, rec, "hourlyRate")
}

func TestUpdateProviderProfile(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	provider := identity.User{SubjectID: "sub-9", Role: identity.Provider{ServiceCategory: "Painter"}}

	rec, err := svc.UpdateProfile(ctx, provider, map[string]any{
		"fullName":    "Pia",
		"address":     "2 Side St",
		"serviceType": "Carpenter",
		"hourlyRate":  35,
		"experience":  "7 years",
	})
	require.NoError(t, err)
	assert.Equal(t, "PROVIDER#sub-9", rec.GetString(table.AttrPK))
	assert.Equal(t, "Carpenter", rec.GetString("serviceType"))
	assert.Equal(t, "7 years", rec.GetString("experience"))
	assert.EqualValues(t, 35, rec["hourlyRate"])

}

func TestUpdateProfileKeepsSignupServiceCategory(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	reg := identity.Registration{
		Email:           "hal@example.com",
		Password:        "Handy1234",
		DisplayName:     "Hal",
		RoleName:        "provider",
		ServiceCategory: "Handyman",
		Address:         "4 Bend",
	}
	role, err := reg.Validate()
	require.NoError(t, err)
	_, err = svc.CreateProfile(ctx, "sub-4", reg, role)
	require.NoError(t, err)
	provider := identity.User{SubjectID: "sub-4", Email: reg.Email, DisplayName: reg.DisplayName, Role: role}

	// Categories outside the hire list are accepted at sign-up, so resending
	// the stored one must not fail.
	rec, err := svc.UpdateProfile(ctx, provider, map[string]any{
		"fullName":    "Hal",
		"address":     "4 Bend",
		"serviceType": "Handyman",
	})
	require.NoError(t, err)
	assert.Equal(t, "Handyman", rec.GetString("serviceType"))
}

func TestHire(t *testing.T) {
	svc, ddb, clk := newTestService(t)
	ctx := context.Background()

	sr, err := svc.Hire(ctx, HireRequest{
		WorkerID:    "w-1",
		CustomerID:  "c-1",
		ServiceType: "Plumber",
		Description: "Leaking sink",
	})
	require.NoError(t, err)

	millis := clk.Now().UnixMilli()
	assert.Regexp(t, regexp.MustCompile(`^req_\d+_[0-9a-v]{20}$`), sr.RequestID)
	assert.Contains(t, sr.RequestID, "req_1740823200000_")
	assert.Equal(t, int64(1740823200000), millis)
	assert.Equal(t, StatusPending, sr.Status)
	assert.Equal(t, table.FormatTime(clk.Now()), sr.CreatedAt)
	assert.Equal(t, sr.CreatedAt, sr.UpdatedAt)

	items := ddb.Items("FixIt")
	require.Len(t, items, 1)
	rec, err := svc.records.Get(ctx, table.EntityRequest, sr.RequestID[len("req_"):])
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Leaking sink", rec.GetString("description"))
	assert.Equal(t, "REQUEST", rec.GetString(table.AttrEntityType))
}

func TestHireValidation(t *testing.T) {
	svc, ddb, _ := newTestService(t)
	valid := HireRequest{WorkerID: "w", CustomerID: "c", ServiceType: "Welder", Description: "gate"}

	cases := []struct {
		name   string
		mutate func(*HireRequest)
		want   error
	}{
		{"no worker", func(r *HireRequest) { r.WorkerID = "" }, apperr.ErrMissingFields},
		{"no customer", func(r *HireRequest) { r.CustomerID = "" }, apperr.ErrMissingFields},
		{"no service", func(r *HireRequest) { r.ServiceType = "" }, apperr.ErrMissingFields},
		{"no description", func(r *HireRequest) { r.Description = "" }, apperr.ErrMissingFields},
		{"unknown service", func(r *HireRequest) { r.ServiceType = "Gardener" }, apperr.ErrInvalidService},
		{"wrong case", func(r *HireRequest) { r.ServiceType = "welder" }, apperr.ErrInvalidService},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			_, err := svc.Hire(context.Background(), req)
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, ddb.Calls())
}

func TestProviders(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for id, st := range map[string]string{"p1": "Plumber", "p2": "Welder", "p3": "Plumber"} {
		_, err := svc.CreateProfile(ctx, id, identity.Registration{DisplayName: id, Address: "x"}, identity.Provider{ServiceCategory: st})
		require.NoError(t, err)
	}
	_, err := svc.CreateProfile(ctx, "s1", identity.Registration{DisplayName: "s1", Address: "x"}, identity.Seeker{})
	require.NoError(t, err)

	all, err := svc.Providers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	plumbers, err := svc.Providers(ctx, "Plumber")
	require.NoError(t, err)
	require.Len(t, plumbers, 2)
	for _, p := range plumbers {
		assert.Equal(t, "Plumber", p.GetString("serviceType"))
	}

	none, err := svc.Providers(ctx, "plumber")
	require.NoError(t, err)
	assert.Empty(t, none)
}
