package identity

import "strings"

// Role discriminates the identity union.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleAdmin     Role = "admin"
	RoleClient    Role = "client"
)

// Identity is the signed-in principal as seen by the sync core. At most one
// of admin/client is active for an external user id within a tenant; the
// zero value is anonymous.
type Identity struct {
	Role     Role
	UserID   string
	TenantID string
	Email    string
}

// Anonymous returns the signed-out identity.
func Anonymous() Identity {
	return Identity{Role: RoleAnonymous}
}

// Admin returns a staff identity bound to the tenant.
func Admin(userID, tenantID string) Identity {
	return Identity{Role: RoleAdmin, UserID: strings.TrimSpace(userID), TenantID: strings.TrimSpace(tenantID)}
}

// Client returns a customer identity. TenantID may be empty before the
// profile is linked.
func Client(userID, tenantID, email string) Identity {
	return Identity{
		Role:     RoleClient,
		UserID:   strings.TrimSpace(userID),
		TenantID: strings.TrimSpace(tenantID),
		Email:    normalizeEmail(email),
	}
}

// IsAnonymous reports whether no user is signed in.
func (i Identity) IsAnonymous() bool {
	return i.Role == RoleAnonymous || i.Role == ""
}

// Equal reports whether two identities are the same principal in the same
// role and tenant binding.
func (i Identity) Equal(other Identity) bool {
	if i.IsAnonymous() && other.IsAnonymous() {
		return true
	}
	return i.Role == other.Role &&
		i.UserID == other.UserID &&
		i.TenantID == other.TenantID &&
		i.Email == other.Email
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
