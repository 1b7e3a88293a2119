package model

// Role is the caller's role within a tenant
type Role string

const (
	// RoleMember can create records and allocate sequence numbers
	RoleMember Role = "member"
	// RoleOwner can additionally trigger migrations and rollbacks
	RoleOwner Role = "owner"
)

// CallerContext carries the authenticated identity for a request. It is
// passed explicitly into every operation; there is no ambient per-request
// identity.
type CallerContext struct {
	TenantID string
	CallerID string
	Role     Role
}

// MemberOf reports whether the caller is an active member of the tenant.
func (c CallerContext) MemberOf(tenantID string) bool {
	return c.TenantID == tenantID && (c.Role == RoleMember || c.Role == RoleOwner)
}

// OwnerOf reports whether the caller holds tenant-owner-equivalent
// authorization for the tenant.
func (c CallerContext) OwnerOf(tenantID string) bool {
	return c.TenantID == tenantID && c.Role == RoleOwner
}
