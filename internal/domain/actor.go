package domain

import "strings"

// Role represents an access tier carried by an authenticated caller.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOps      Role = "ops"
	RoleSupport  Role = "support"
	RoleCustomer Role = "customer"
	// RoleGateway is held by the payment-gateway integration (webhooks, success redirects).
	RoleGateway Role = "gateway"
)

// Capability is a discrete permission checked by lifecycle operations.
type Capability string

const (
	CapOrdersView      Capability = "orders.view"
	CapOrdersFulfill   Capability = "orders.fulfill"
	CapOrdersCancel    Capability = "orders.cancel"
	CapPaymentsConfirm Capability = "payments.confirm"
	CapOffersView      Capability = "offers.view"
	CapOffersReview    Capability = "offers.review"
	CapOffersPayout    Capability = "offers.payout"
	CapOffersDelete    Capability = "offers.delete"
)

// capabilityRoles maps each capability to the roles permitted to exercise it.
var capabilityRoles = map[Capability][]Role{
	CapOrdersView:      {RoleAdmin, RoleOps, RoleSupport},
	CapOrdersFulfill:   {RoleAdmin, RoleOps},
	CapOrdersCancel:    {RoleAdmin, RoleSupport, RoleGateway},
	CapPaymentsConfirm: {RoleAdmin, RoleGateway},
	CapOffersView:      {RoleAdmin, RoleOps, RoleSupport},
	CapOffersReview:    {RoleAdmin, RoleOps},
	CapOffersPayout:    {RoleAdmin},
	CapOffersDelete:    {RoleAdmin},
}

// Actor identifies who is invoking a lifecycle operation.
type Actor struct {
	ID    string
	Roles []Role
}

// GatewayActor is the identity used for payment-gateway triggered transitions.
var GatewayActor = Actor{ID: "payment-gateway", Roles: []Role{RoleGateway}}

// ParseRoles converts raw role names, dropping blanks and unknown values.
func ParseRoles(raw []string) []Role {
	out := make([]Role, 0, len(raw))
	for _, r := range raw {
		switch role := Role(strings.ToLower(strings.TrimSpace(r))); role {
		case RoleAdmin, RoleOps, RoleSupport, RoleCustomer, RoleGateway:
			out = append(out, role)
		}
	}
	return out
}

// Authenticated reports whether the actor carries an identity.
func (a Actor) Authenticated() bool {
	return strings.TrimSpace(a.ID) != ""
}

// HasRole returns true if the actor holds role.
func (a Actor) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Can reports whether any of the actor's roles grants the capability.
func (a Actor) Can(capability Capability) bool {
	if !a.Authenticated() {
		return false
	}
	for _, role := range capabilityRoles[capability] {
		if a.HasRole(role) {
			return true
		}
	}
	return false
}

// Owns reports whether the actor is the owner identified by ownerID.
func (a Actor) Owns(ownerID string) bool {
	return a.Authenticated() && a.ID == ownerID
}
