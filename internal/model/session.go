package model

import "time"

// AccessSession is the interval a user is present in the facility.
// LogoutAt is nil while the session is open.
type AccessSession struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	UserID       string     `gorm:"size:64;index;not null" json:"userId"`
	EndpointID   string     `gorm:"size:64" json:"endpointId"`
	LoginAt      time.Time  `gorm:"index;not null" json:"loginAt"`
	LogoutAt     *time.Time `gorm:"index" json:"logoutAt"`
	LogoutReason string     `gorm:"size:32" json:"logoutReason,omitempty"`
}

// MachineSession is the interval a user operates a machine.
// EndedAt is nil while the session is open.
type MachineSession struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	MachineID string     `gorm:"size:64;index;not null" json:"machineId"`
	UserID    string     `gorm:"size:64;index;not null" json:"userId"`
	StartedAt time.Time  `gorm:"index;not null" json:"startedAt"`
	EndedAt   *time.Time `gorm:"index" json:"endedAt"`
	EndReason string     `gorm:"size:32" json:"endReason,omitempty"`
	Seconds   int64      `gorm:"not null;default:0" json:"seconds"`
}
