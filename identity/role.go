package identity

import (
	"strings"

	"github.com/gurre/fixit/apperr"
)

// Role is the closed set of account roles. The only implementations are
// Seeker, Owner and Provider; callers branch on it with a type switch.
type Role interface {
	// Name is the value stored in the custom:role attribute.
	Name() string
	isRole()
}

// Seeker looks for service providers to hire.
type Seeker struct{}

// Owner is a property owner; behaves like a Seeker for storage purposes.
type Owner struct{}

// Provider offers a trade; ServiceCategory is required.
type Provider struct {
	ServiceCategory string
}

func (Seeker) Name() string   { return "seeker" }
func (Owner) Name() string    { return "owner" }
func (Provider) Name() string { return "provider" }

func (Seeker) isRole()   {}
func (Owner) isRole()    {}
func (Provider) isRole() {}

// ParseRole validates name and category for registration.
func ParseRole(name, serviceCategory string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "seeker":
		return Seeker{}, nil
	case "owner":
		return Owner{}, nil
	case "provider":
		category := strings.TrimSpace(serviceCategory)
		if category == "" {
			return nil, apperr.ErrMissingService
		}
		return Provider{ServiceCategory: category}, nil
	default:
		return nil, apperr.ErrInvalidRole
	}
}

// roleFromAttributes rebuilds the role stored on an existing identity. Stored
// values that no longer parse fall back to Owner; a provider whose category
// attribute went missing stays a Provider with an empty category.
func roleFromAttributes(name, serviceCategory string) Role {
	role, err := ParseRole(name, serviceCategory)
	if err != nil {
		if strings.EqualFold(strings.TrimSpace(name), "provider") {
			return Provider{}
		}
		return Owner{}
	}
	return role
}

// ServiceCategory returns the provider category, or "" for other roles.
func ServiceCategory(r Role) string {
	if p, ok := r.(Provider); ok {
		return p.ServiceCategory
	}
	return ""
}
