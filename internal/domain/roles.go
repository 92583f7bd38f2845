package domain

import "strings"

type Role string

const (
	RoleAdmin      Role = "admin"
	RolePharmacist Role = "pharmacist"
	RoleSeller     Role = "seller"
)

type Capability string

const (
	CapSell        Capability = "sell"
	CapViewSales   Capability = "view_sales"
	CapCancelSale  Capability = "cancel_sale"
	CapManageStock Capability = "manage_stock"
	CapViewReports Capability = "view_reports"
	CapManageUsers Capability = "manage_users"
)

var capabilities = map[Role]map[Capability]bool{
	RoleAdmin: {
		CapSell: true, CapViewSales: true, CapCancelSale: true,
		CapManageStock: true, CapViewReports: true, CapManageUsers: true,
	},
	RolePharmacist: {
		CapSell: true, CapViewSales: true, CapCancelSale: true,
		CapManageStock: true, CapViewReports: true,
	},
	RoleSeller: {
		CapSell: true, CapViewSales: true,
	},
}

func Roles() []Role {
	return []Role{RoleAdmin, RolePharmacist, RoleSeller}
}

// ParseRole accepts the canonical names and the legacy French ones stored by
// older databases.
func ParseRole(raw string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "admin":
		return RoleAdmin, true
	case "pharmacist", "pharmacien":
		return RolePharmacist, true
	case "seller", "vendeur":
		return RoleSeller, true
	}
	return "", false
}

func (r Role) Valid() bool {
	_, ok := capabilities[r]
	return ok
}

func Can(role Role, capability Capability) bool {
	return capabilities[role][capability]
}
