package types

// User is the acting user passed into operations that need identity or role checks.
type User interface {
	GetID() string
	GetEmail() string
	GetUsername() string
	HasRole(role string) bool
}

const RoleAdmin = "admin"

// Visitor is an anonymous shopper without an account. Key is the client's
// visitor id, or its IP when it sent none.
type Visitor struct {
	Key string
}

func (v *Visitor) GetID() string       { return "" }
func (v *Visitor) GetEmail() string    { return "" }
func (v *Visitor) GetUsername() string { return "" }
func (v *Visitor) HasRole(string) bool { return false }

// IsAnonymous reports whether u has no account behind it.
func IsAnonymous(u User) bool {
	return u == nil || u.GetID() == ""
}

// Capability interfaces implemented by records that reference catalog entries.
type HasPlan interface {
	GetPlanKey() string
}

type HasBillingCycle interface {
	GetBillingCycleKey() string
}

type HasGateway interface {
	GetGatewayKey() GatewayKey
}

type HasUser interface {
	GetUserID() string
}
