package model

import "time"

// Role controls which machine types a user may operate.
type Role string

const (
	RoleMember Role = "member"
	RoleCrew   Role = "crew"
	RoleAdmin  Role = "admin"
)

// AuthorizesAll reports whether the role bypasses per-type grants.
func (r Role) AuthorizesAll() bool {
	return r == RoleCrew || r == RoleAdmin
}

// User is a makerspace member identified by membership number.
type User struct {
	ID                 string    `gorm:"primaryKey;size:64" json:"id"`
	Name               string    `gorm:"size:128;not null" json:"name"`
	Surname            string    `gorm:"size:128;not null" json:"surname"`
	CardUID            *string   `gorm:"uniqueIndex;size:64" json:"cardUid"`
	Role               Role      `gorm:"size:16;not null" json:"role"`
	SubscriptionExpiry time.Time `gorm:"not null" json:"subscriptionExpiry"`
	Active             bool      `gorm:"not null" json:"active"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`

	// Associations
	Authorizations []Authorization `gorm:"foreignKey:UserID" json:"authorizations,omitempty"`
}

// Authorization grants a user the right to operate one machine type.
type Authorization struct {
	UserID      string    `gorm:"primaryKey;size:64" json:"userId"`
	MachineType string    `gorm:"primaryKey;size:64" json:"machineType"`
	GrantedAt   time.Time `gorm:"not null" json:"grantedAt"`
}
