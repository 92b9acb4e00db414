package model

// Role is the account role carried in the access token's "role" claim.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleStore    Role = "STORE"
	RoleAdmin    Role = "ADMIN"
)
